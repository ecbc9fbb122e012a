// Package insights derives mailbox overviews from stored messages.
package insights

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

const (
	newsletterScan  = 1000
	storageLimit    = 50
	analyticsWindow = 30 * 24 * time.Hour
	volumeDays      = 7
	topSenders      = 5
)

// Store is the read side insights are computed from.
type Store interface {
	UnsubscribableMessages(ctx context.Context, userID string, limit int) ([]model.Message, error)
	LargestMessages(ctx context.Context, userID string, limit int) ([]model.Message, error)
	MessagesSince(ctx context.Context, userID string, since time.Time) ([]model.Message, error)
}

// Newsletter is one sender that mails with a list-unsubscribe directive.
type Newsletter struct {
	SenderAddress    string    `json:"sender_address"`
	SenderName       string    `json:"sender_name"`
	Count            int       `json:"count"`
	LatestReceivedAt time.Time `json:"latest_received_at"`
	SampleMessageID  string    `json:"sample_message_id"`
	SampleRemoteID   string    `json:"sample_remote_id"`
	AccountID        string    `json:"account_id"`
	UnsubscribeLink  string    `json:"unsubscribe_link"`
}

// StorageItem is a large message worth reviewing.
type StorageItem struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	RemoteID       string    `json:"remote_id"`
	Subject        string    `json:"subject"`
	SenderName     string    `json:"sender_name"`
	SenderAddress  string    `json:"sender_address"`
	ReceivedAt     time.Time `json:"received_at"`
	SizeEstimate   int64     `json:"size_estimate"`
	HasAttachments bool      `json:"has_attachments"`
}

type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

type DayCount struct {
	Date  string `json:"date"`
	Day   string `json:"day"`
	Count int    `json:"count"`
}

type CategoryCount struct {
	Category model.Category `json:"category"`
	Count    int            `json:"count"`
}

// Analytics summarizes the last 30 days of mail.
type Analytics struct {
	TopSenders  []SenderCount   `json:"top_senders"`
	DailyVolume []DayCount      `json:"daily_volume"`
	Categories  []CategoryCount `json:"categories"`
	Total       int             `json:"total"`
}

type Service struct {
	store Store
	now   func() time.Time
}

func New(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Newsletters groups recent list mail by sender, newest sender first.
func (s *Service) Newsletters(ctx context.Context, userID string) ([]Newsletter, error) {
	msgs, err := s.store.UnsubscribableMessages(ctx, userID, newsletterScan)
	if err != nil {
		return nil, fmt.Errorf("loading newsletter messages: %w", err)
	}

	var out []Newsletter
	index := make(map[string]int)
	for _, m := range msgs {
		i, ok := index[m.SenderAddress]
		if !ok {
			// rows come newest first, so the first row of a sender is its sample
			index[m.SenderAddress] = len(out)
			out = append(out, Newsletter{
				SenderAddress:    m.SenderAddress,
				SenderName:       m.SenderName,
				LatestReceivedAt: m.ReceivedAt,
				SampleMessageID:  m.ID,
				SampleRemoteID:   m.RemoteID,
				AccountID:        m.AccountID,
				UnsubscribeLink:  m.ListUnsubscribe,
			})
			i = len(out) - 1
		}
		out[i].Count++
	}
	return out, nil
}

// Storage returns the largest non-archived messages.
func (s *Service) Storage(ctx context.Context, userID string) ([]StorageItem, error) {
	msgs, err := s.store.LargestMessages(ctx, userID, storageLimit)
	if err != nil {
		return nil, fmt.Errorf("loading largest messages: %w", err)
	}

	items := make([]StorageItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, StorageItem{
			ID:             m.ID,
			AccountID:      m.AccountID,
			RemoteID:       m.RemoteID,
			Subject:        m.Subject,
			SenderName:     m.SenderName,
			SenderAddress:  m.SenderAddress,
			ReceivedAt:     m.ReceivedAt,
			SizeEstimate:   m.SizeEstimate,
			HasAttachments: m.HasAttachments,
		})
	}
	return items, nil
}

// Analytics aggregates top senders, the last seven days of volume and the
// category split over the last 30 days. Days are UTC.
func (s *Service) Analytics(ctx context.Context, userID string) (*Analytics, error) {
	now := s.now().UTC()
	msgs, err := s.store.MessagesSince(ctx, userID, now.Add(-analyticsWindow))
	if err != nil {
		return nil, fmt.Errorf("loading messages for analytics: %w", err)
	}

	senders := make(map[string]int)
	categories := make(map[model.Category]int)
	volume := make(map[string]int)

	today := now.Truncate(24 * time.Hour)
	volumeStart := today.AddDate(0, 0, -(volumeDays - 1))

	for _, m := range msgs {
		senders[m.SenderAddress]++

		cat := m.Category
		if cat == "" {
			cat = model.CategoryPrimary
		}
		categories[cat]++

		if !m.ReceivedAt.Before(volumeStart) {
			volume[m.ReceivedAt.UTC().Format(time.DateOnly)]++
		}
	}

	a := &Analytics{Total: len(msgs)}

	for sender, n := range senders {
		a.TopSenders = append(a.TopSenders, SenderCount{Sender: sender, Count: n})
	}
	sort.Slice(a.TopSenders, func(i, j int) bool {
		if a.TopSenders[i].Count != a.TopSenders[j].Count {
			return a.TopSenders[i].Count > a.TopSenders[j].Count
		}
		return a.TopSenders[i].Sender < a.TopSenders[j].Sender
	})
	if len(a.TopSenders) > topSenders {
		a.TopSenders = a.TopSenders[:topSenders]
	}

	for i := 0; i < volumeDays; i++ {
		day := volumeStart.AddDate(0, 0, i)
		key := day.Format(time.DateOnly)
		a.DailyVolume = append(a.DailyVolume, DayCount{Date: key, Day: day.Format("Mon"), Count: volume[key]})
	}

	for _, c := range model.Categories {
		if n := categories[c]; n > 0 {
			a.Categories = append(a.Categories, CategoryCount{Category: c, Count: n})
		}
	}

	return a, nil
}
