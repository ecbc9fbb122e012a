// Package dedupe finds messages that arrived more than once and cleans them up.
package dedupe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/bulk"
	"github.com/Martian-dev/mailsync/internal/model"
)

const (
	// DefaultWindow is how many recent messages a scan looks at.
	DefaultWindow = 1000
	// DefaultTolerance is the largest arrival gap between two copies of one message.
	DefaultTolerance = 60 * time.Second
)

// Group is a set of copies of one message, newest first.
type Group struct {
	Subject  string          `json:"subject"`
	Sender   string          `json:"sender"`
	Messages []model.Message `json:"messages"`
}

// Keep returns the copy that survives a clean.
func (g Group) Keep() model.Message { return g.Messages[0] }

// Extras returns the copies a clean removes.
func (g Group) Extras() []model.Message { return g.Messages[1:] }

// FindGroups scans messages sorted newest first. A message joins the group of an
// earlier one when sender address and trimmed subject match and it arrived less
// than tolerance before it. Each message belongs to at most one group.
func FindGroups(msgs []model.Message, tolerance time.Duration) []Group {
	var groups []Group
	taken := make([]bool, len(msgs))

	for i := range msgs {
		if taken[i] {
			continue
		}
		cur := msgs[i]
		subject := strings.TrimSpace(cur.Subject)
		members := []model.Message{cur}

		for j := i + 1; j < len(msgs); j++ {
			other := msgs[j]
			if cur.ReceivedAt.Sub(other.ReceivedAt).Abs() >= tolerance {
				break
			}
			if taken[j] {
				continue
			}
			if other.SenderAddress == cur.SenderAddress && strings.TrimSpace(other.Subject) == subject {
				members = append(members, other)
				taken[j] = true
			}
		}
		taken[i] = true

		if len(members) > 1 {
			sender := cur.SenderName
			if sender == "" {
				sender = cur.SenderAddress
			}
			groups = append(groups, Group{Subject: cur.Subject, Sender: sender, Messages: members})
		}
	}
	return groups
}

// Source lists a user's recent non-archived messages, newest first.
type Source interface {
	RecentMessages(ctx context.Context, userID string, limit int) ([]model.Message, error)
}

// Trasher deletes messages remotely and locally.
type Trasher interface {
	Trash(ctx context.Context, msgs []model.Message) bulk.Report
}

// Scanner runs duplicate detection over the stored mailbox of a user.
type Scanner struct {
	source    Source
	trasher   Trasher
	window    int
	tolerance time.Duration
	log       zerolog.Logger
}

func NewScanner(source Source, trasher Trasher, log zerolog.Logger) *Scanner {
	return &Scanner{
		source:    source,
		trasher:   trasher,
		window:    DefaultWindow,
		tolerance: DefaultTolerance,
		log:       log.With().Str("component", "dedupe").Logger(),
	}
}

// Scan returns the duplicate groups among the user's most recent messages.
func (s *Scanner) Scan(ctx context.Context, userID string) ([]Group, error) {
	msgs, err := s.source.RecentMessages(ctx, userID, s.window)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt) })
	return FindGroups(msgs, s.tolerance), nil
}

// Clean keeps the newest copy of each group and trashes the rest.
func (s *Scanner) Clean(ctx context.Context, groups []Group) bulk.Report {
	var extras []model.Message
	for _, g := range groups {
		if len(g.Messages) < 2 {
			continue
		}
		sorted := append([]model.Message(nil), g.Messages...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt) })
		extras = append(extras, sorted[1:]...)
	}

	s.log.Info().Int("groups", len(groups)).Int("extras", len(extras)).Msg("cleaning duplicates")
	return s.trasher.Trash(ctx, extras)
}
