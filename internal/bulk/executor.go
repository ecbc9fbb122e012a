// Package bulk applies trash and archive mutations to the remote mailbox and the
// local store, account by account.
package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// ChunkSize is the number of remote ids sent per provider call.
const ChunkSize = 50

// Opener resolves an account id to its row and a ready adapter.
type Opener interface {
	OpenByID(ctx context.Context, accountID string) (*model.Account, sync.MailProvider, error)
}

// Store is the local side of a mutation.
type Store interface {
	DeleteMessages(ctx context.Context, accountID string, remoteIDs []string) (int64, error)
	SetArchived(ctx context.Context, accountID string, remoteIDs []string, archived bool) (int64, error)
	EnqueueEvents(ctx context.Context, events ...store.OutboxEvent) error
}

// Report summarizes one bulk call.
type Report struct {
	Affected int `json:"affected"`
	// FailedAccounts lists accounts whose mutation stopped early.
	FailedAccounts []string `json:"failed_accounts,omitempty"`
}

// Executor runs bulk mutations.
type Executor struct {
	opener Opener
	store  Store
	chunk  int
	log    zerolog.Logger
}

func NewExecutor(opener Opener, st Store, log zerolog.Logger) *Executor {
	return &Executor{
		opener: opener,
		store:  st,
		chunk:  ChunkSize,
		log:    log.With().Str("component", "bulk").Logger(),
	}
}

type mutation struct {
	action string
	event  string
	remote func(ctx context.Context, p sync.MailProvider, ids []string) error
	local  func(ctx context.Context, accountID string, ids []string) (int64, error)
}

// Trash deletes the messages remotely, then drops the local rows chunk by chunk.
func (e *Executor) Trash(ctx context.Context, msgs []model.Message) Report {
	return e.apply(ctx, msgs, mutation{
		action: "trash",
		event:  natsjs.EventTrashed,
		remote: func(ctx context.Context, p sync.MailProvider, ids []string) error { return p.Delete(ctx, ids) },
		local:  e.store.DeleteMessages,
	})
}

// Archive archives the messages remotely, then flags the local rows chunk by chunk.
func (e *Executor) Archive(ctx context.Context, msgs []model.Message) Report {
	return e.apply(ctx, msgs, mutation{
		action: "archive",
		event:  natsjs.EventArchived,
		remote: func(ctx context.Context, p sync.MailProvider, ids []string) error { return p.Archive(ctx, ids) },
		local: func(ctx context.Context, accountID string, ids []string) (int64, error) {
			return e.store.SetArchived(ctx, accountID, ids, true)
		},
	})
}

type accountBatch struct {
	accountID string
	remoteIDs []string
}

// partition groups remote ids by account, keeping first-seen order.
func partition(msgs []model.Message) []accountBatch {
	var batches []accountBatch
	index := make(map[string]int)
	seen := make(map[string]bool)

	for _, m := range msgs {
		if m.AccountID == "" || m.RemoteID == "" {
			continue
		}
		key := m.AccountID + "\x00" + m.RemoteID
		if seen[key] {
			continue
		}
		seen[key] = true

		i, ok := index[m.AccountID]
		if !ok {
			i = len(batches)
			index[m.AccountID] = i
			batches = append(batches, accountBatch{accountID: m.AccountID})
		}
		batches[i].remoteIDs = append(batches[i].remoteIDs, m.RemoteID)
	}
	return batches
}

func (e *Executor) apply(ctx context.Context, msgs []model.Message, mut mutation) Report {
	var report Report
	for _, b := range partition(msgs) {
		n, err := e.applyAccount(ctx, b, mut)
		report.Affected += n
		if err != nil {
			e.log.Error().Err(err).Str("account_id", b.accountID).Str("action", mut.action).
				Int("affected", n).Int("requested", len(b.remoteIDs)).Msg("bulk mutation stopped")
			report.FailedAccounts = append(report.FailedAccounts, b.accountID)
		}
	}

	metrics.BulkAffected(mut.action, report.Affected)
	return report
}

func (e *Executor) applyAccount(ctx context.Context, b accountBatch, mut mutation) (int, error) {
	acct, p, err := e.opener.OpenByID(ctx, b.accountID)
	if err != nil {
		return 0, err
	}

	affected := 0
	for start := 0; start < len(b.remoteIDs); start += e.chunk {
		chunk := b.remoteIDs[start:min(start+e.chunk, len(b.remoteIDs))]

		if err := mut.remote(ctx, p, chunk); err != nil {
			return affected, fmt.Errorf("remote %s: %w", mut.action, err)
		}

		n, err := mut.local(ctx, b.accountID, chunk)
		if err != nil {
			metrics.PersistenceFailure()
			return affected, sync.NewError(sync.KindPersistence, acct.Provider, mut.action, err)
		}
		affected += int(n)

		e.publish(ctx, acct, mut, chunk)
	}
	return affected, nil
}

func (e *Executor) publish(ctx context.Context, acct *model.Account, mut mutation, ids []string) {
	ev, err := natsjs.NewEvent(acct.UserID, mut.event, uuid.NewString(), natsjs.MutationEvent{
		AccountID: acct.ID,
		UserID:    acct.UserID,
		Action:    mut.action,
		RemoteIDs: ids,
		At:        time.Now().UTC(),
	})
	if err == nil {
		err = e.store.EnqueueEvents(ctx, ev)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("account_id", acct.ID).Str("action", mut.action).Msg("enqueue mutation event")
	}
}
