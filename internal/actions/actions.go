// Package actions dispatches user-triggered mailbox actions.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/bulk"
	"github.com/Martian-dev/mailsync/internal/dedupe"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidRequest = errors.New("invalid action request")
)

type Action string

const (
	Trash       Action = "trash"
	ArchiveAll  Action = "archive_all"
	Unsubscribe Action = "unsubscribe"
	Clean       Action = "clean"
)

// Request names an action and its targets. Which fields are read depends on the action:
// trash uses MessageIDs, archive_all uses AccountID and SenderAddress, unsubscribe
// uses AccountID and RemoteID, clean uses none.
type Request struct {
	Action        Action   `json:"action"`
	MessageIDs    []string `json:"message_ids,omitempty"`
	AccountID     string   `json:"account_id,omitempty"`
	SenderAddress string   `json:"sender_address,omitempty"`
	RemoteID      string   `json:"sample_remote_id,omitempty"`
}

type Outcome struct {
	Action         Action   `json:"action"`
	Count          int      `json:"count"`
	FailedAccounts []string `json:"failed_accounts,omitempty"`
}

// Store is what actions read targets from.
type Store interface {
	GetMessages(ctx context.Context, userID string, ids []string) ([]model.Message, error)
	MessagesBySender(ctx context.Context, userID, accountID, sender string) ([]model.Message, error)
	EnqueueEvents(ctx context.Context, events ...store.OutboxEvent) error
}

type Mutator interface {
	Trash(ctx context.Context, msgs []model.Message) bulk.Report
	Archive(ctx context.Context, msgs []model.Message) bulk.Report
}

type Duplicates interface {
	Scan(ctx context.Context, userID string) ([]dedupe.Group, error)
	Clean(ctx context.Context, groups []dedupe.Group) bulk.Report
}

type Service struct {
	store  Store
	bulk   Mutator
	dupes  Duplicates
	opener bulk.Opener
	log    zerolog.Logger
}

func NewService(st Store, mutator Mutator, dupes Duplicates, opener bulk.Opener, log zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bulk:   mutator,
		dupes:  dupes,
		opener: opener,
		log:    log.With().Str("component", "actions").Logger(),
	}
}

// Do runs one action for userID.
func (s *Service) Do(ctx context.Context, userID string, req Request) (Outcome, error) {
	log := s.log.With().Str("user_id", userID).Str("action", string(req.Action)).Logger()

	var (
		out Outcome
		err error
	)
	switch req.Action {
	case Trash:
		out, err = s.trash(ctx, userID, req)
	case ArchiveAll:
		out, err = s.archiveAll(ctx, userID, req)
	case Unsubscribe:
		out, err = s.unsubscribe(ctx, userID, req)
	case Clean:
		out, err = s.clean(ctx, userID)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if err != nil {
		log.Warn().Err(err).Msg("action failed")
		return Outcome{Action: req.Action}, err
	}

	out.Action = req.Action
	log.Info().Int("count", out.Count).Strs("failed_accounts", out.FailedAccounts).Msg("action done")
	return out, nil
}

func fromReport(r bulk.Report) Outcome {
	return Outcome{Count: r.Affected, FailedAccounts: r.FailedAccounts}
}

func (s *Service) trash(ctx context.Context, userID string, req Request) (Outcome, error) {
	if len(req.MessageIDs) == 0 {
		return Outcome{}, nil
	}
	msgs, err := s.store.GetMessages(ctx, userID, req.MessageIDs)
	if err != nil {
		return Outcome{}, err
	}
	return fromReport(s.bulk.Trash(ctx, msgs)), nil
}

func (s *Service) archiveAll(ctx context.Context, userID string, req Request) (Outcome, error) {
	if req.AccountID == "" || req.SenderAddress == "" {
		return Outcome{}, fmt.Errorf("%w: account_id and sender_address are required", ErrInvalidRequest)
	}
	msgs, err := s.store.MessagesBySender(ctx, userID, req.AccountID, req.SenderAddress)
	if err != nil {
		return Outcome{}, err
	}
	return fromReport(s.bulk.Archive(ctx, msgs)), nil
}

func (s *Service) unsubscribe(ctx context.Context, userID string, req Request) (Outcome, error) {
	if req.AccountID == "" || req.RemoteID == "" {
		return Outcome{}, fmt.Errorf("%w: account_id and sample_remote_id are required", ErrInvalidRequest)
	}

	acct, p, err := s.opener.OpenByID(ctx, req.AccountID)
	if err == nil && acct.UserID != userID {
		err = fmt.Errorf("%w: %s", sync.ErrAccountNotFound, req.AccountID)
	}
	if err != nil {
		return Outcome{}, err
	}

	if err := p.Unsubscribe(ctx, req.RemoteID); err != nil {
		return Outcome{}, err
	}

	ev, err := natsjs.NewEvent(userID, natsjs.EventUnsubscribe, uuid.NewString(), natsjs.MutationEvent{
		AccountID: acct.ID,
		UserID:    userID,
		Action:    string(Unsubscribe),
		RemoteIDs: []string{req.RemoteID},
		At:        time.Now().UTC(),
	})
	if err == nil {
		err = s.store.EnqueueEvents(ctx, ev)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", acct.ID).Msg("enqueue unsubscribe event")
	}
	return Outcome{Count: 1}, nil
}

// clean recomputes duplicate groups rather than trusting client-supplied ones.
func (s *Service) clean(ctx context.Context, userID string) (Outcome, error) {
	groups, err := s.dupes.Scan(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return fromReport(s.dupes.Clean(ctx, groups)), nil
}
