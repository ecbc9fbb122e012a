package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/classify"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/rules"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	AccountGetter
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListRules(ctx context.Context, userID string) ([]model.Rule, error)
	UpsertMessages(ctx context.Context, msgs []model.Message) error
	AdvanceCursor(ctx context.Context, accountID, cursor string, syncedAt time.Time, events ...store.OutboxEvent) error
	RecordSyncError(ctx context.Context, accountID, msg string) error
}

// State is the step an account sync reached.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateClassifying
	StatePersisting
	StateCursorAdvance
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StatePersisting:
		return "persisting"
	case StateCursorAdvance:
		return "cursor_advance"
	case StateAborted:
		return "aborted"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result reports one account sync. Err is set on failure; it is never thrown past the runner.
type Result struct {
	AccountID    string             `json:"account_id"`
	UserID       string             `json:"user_id,omitempty"`
	Provider     model.ProviderKind `json:"provider,omitempty"`
	State        State              `json:"state"`
	Fetched      int                `json:"fetched"`
	Upserted     int                `json:"upserted"`
	Archived     int                `json:"archived"`
	FailedChunks int                `json:"failed_chunks,omitempty"`
	Resynced     bool               `json:"resynced,omitempty"`
	Err          error              `json:"-"`
	Error        string             `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Err == nil }

// Runner syncs one account at a time per account id.
type Runner struct {
	store     Store
	connector *Connector
	cfg       config.SyncConfig
	log       zerolog.Logger
	now       func() time.Time

	group singleflight.Group
}

func NewRunner(st Store, connector *Connector, cfg config.SyncConfig, log zerolog.Logger) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 15 * time.Minute
	}
	return &Runner{
		store:     st,
		connector: connector,
		cfg:       cfg,
		log:       log.With().Str("component", "runner").Logger(),
		now:       time.Now,
	}
}

// SyncAccount runs one sync cycle. Concurrent calls for the same account share
// a single run. The shared run is detached from any one caller's cancellation and
// bounded by the run timeout instead; a caller whose ctx ends stops waiting
// without aborting the run for the others.
func (r *Runner) SyncAccount(ctx context.Context, accountID string) Result {
	ch := r.group.DoChan(accountID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RunTimeout)
		defer cancel()
		return r.syncAccount(runCtx, accountID), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Result)
	case <-ctx.Done():
		return Result{AccountID: accountID, State: StateAborted, Err: ctx.Err(), Error: ctx.Err().Error()}
	}
}

func (r *Runner) syncAccount(ctx context.Context, accountID string) (res Result) {
	start := r.now()
	log := r.log.With().Str("account_id", accountID).Logger()
	res = Result{AccountID: accountID, State: StateIdle}

	defer func() {
		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
			res.Error = res.Err.Error()
		}
		metrics.ObserveSync(string(res.Provider), outcome, r.now().Sub(start), res.Upserted, res.Resynced)
	}()

	acct, err := r.connector.Load(ctx, accountID)
	if err != nil {
		res.Err = err
		log.Warn().Err(err).Msg("sync skipped")
		return res
	}
	res.UserID, res.Provider = acct.UserID, acct.Provider
	log = log.With().Str("user_id", acct.UserID).Str("provider", string(acct.Provider)).Logger()

	// Fetching
	res.State = StateFetching
	list, ruleSet, err := r.fetch(ctx, acct)
	if err != nil {
		res.State, res.Err = StateAborted, err
		r.recordFailure(ctx, log, acct, err)
		return res
	}
	res.Fetched, res.Resynced = len(list.Messages), list.Resynced
	if list.Resynced {
		log.Info().Msg("stored cursor rejected, performed full listing")
	}

	// Classifying + rule disposition
	res.State = StateClassifying
	rows := make([]model.Message, 0, len(list.Messages))
	for _, meta := range list.Messages {
		m := toMessage(acct, meta, ruleSet)
		if m.Archived {
			res.Archived++
		}
		rows = append(rows, m)
	}

	// Persisting
	res.State = StatePersisting
	for i := 0; i < len(rows); i += r.cfg.ChunkSize {
		end := min(i+r.cfg.ChunkSize, len(rows))
		if err := r.store.UpsertMessages(ctx, rows[i:end]); err != nil {
			res.FailedChunks++
			metrics.PersistenceFailure()
			log.Error().Err(NewError(KindPersistence, acct.Provider, "upsert", err)).
				Int("chunk_start", i).Int("chunk_len", end-i).Msg("chunk not persisted, continuing")
			continue
		}
		res.Upserted += end - i
	}

	// CursorAdvance: the listing succeeded, so its cursor is persisted even if some chunks failed.
	res.State = StateCursorAdvance
	cursor := list.Checkpoint.Cursor
	if cursor == "" {
		cursor = acct.Cursor
	}
	syncedAt := r.now()

	event, err := natsjs.NewEvent(acct.UserID, natsjs.EventSynced, uuid.NewString(), natsjs.SyncedEvent{
		AccountID: acct.ID,
		UserID:    acct.UserID,
		Provider:  string(acct.Provider),
		Fetched:   res.Fetched,
		Upserted:  res.Upserted,
		Archived:  res.Archived,
		Resynced:  res.Resynced,
		SyncedAt:  syncedAt,
	})
	if err != nil {
		res.Err = err
		return res
	}

	if err := r.store.AdvanceCursor(ctx, acct.ID, cursor, syncedAt, event); err != nil {
		res.Err = NewError(KindPersistence, acct.Provider, "advance_cursor", err)
		log.Error().Err(res.Err).Msg("cursor not advanced")
		return res
	}

	res.State = StateIdle
	log.Info().
		Int("fetched", res.Fetched).
		Int("upserted", res.Upserted).
		Int("archived", res.Archived).
		Int("failed_chunks", res.FailedChunks).
		Dur("took", r.now().Sub(start)).
		Msg("sync complete")
	return res
}

func (r *Runner) fetch(ctx context.Context, acct *model.Account) (*ListResult, []model.Rule, error) {
	p, err := r.connector.Open(ctx, acct)
	if err != nil {
		return nil, nil, err
	}

	ruleSet, err := r.store.ListRules(ctx, acct.UserID)
	if err != nil {
		return nil, nil, NewError(KindPersistence, acct.Provider, "load_rules", err)
	}

	if err := p.Connect(ctx); err != nil {
		return nil, nil, err
	}

	list, err := p.ListEmails(ctx, ListOptions{
		MaxResults: r.ceiling(ctx, acct.UserID),
		Checkpoint: Checkpoint{Cursor: acct.Cursor},
	})
	if err != nil {
		return nil, nil, err
	}
	return list, ruleSet, nil
}

// ceiling resolves the fetch ceiling from the owner's plan. A missing user is treated as free tier.
func (r *Runner) ceiling(ctx context.Context, userID string) int {
	plan := model.PlanFree
	u, err := r.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		plan = u.Plan
	case !errors.Is(err, store.ErrNotFound):
		r.log.Warn().Err(err).Str("user_id", userID).Msg("plan lookup failed, using free tier")
	}
	return r.cfg.Ceiling(plan)
}

func (r *Runner) recordFailure(ctx context.Context, log zerolog.Logger, acct *model.Account, err error) {
	if IsAuth(err) {
		log.Warn().Err(err).Msg("credential rejected, re-authorization required")
	} else {
		log.Error().Err(err).Str("kind", KindOf(err).String()).Msg("sync failed")
	}

	if rerr := r.store.RecordSyncError(ctx, acct.ID, err.Error()); rerr != nil {
		log.Error().Err(rerr).Msg("record sync error")
	}
}

func toMessage(acct *model.Account, meta MessageMeta, ruleSet []model.Rule) model.Message {
	headers := meta.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return model.Message{
		AccountID:       acct.ID,
		UserID:          acct.UserID,
		RemoteID:        meta.RemoteID,
		ThreadID:        meta.ThreadID,
		Subject:         meta.Subject,
		SenderName:      meta.SenderName,
		SenderAddress:   meta.SenderAddress,
		ReceivedAt:      meta.ReceivedAt,
		Snippet:         meta.Snippet,
		BodyText:        meta.BodyText,
		BodyHTML:        meta.BodyHTML,
		SizeEstimate:    meta.SizeEstimate,
		HasAttachments:  meta.HasAttachments,
		Headers:         headers,
		ListUnsubscribe: headers["list-unsubscribe"],
		Category:        classify.Classify(meta.SenderAddress, meta.Subject, meta.Snippet, headers),
		Archived:        rules.Evaluate(ruleSet, meta.SenderAddress, meta.Subject) == rules.Archive,
	}
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", r.AccountID, r.State, r.Err)
	}
	return fmt.Sprintf("%s: %d fetched, %d upserted", r.AccountID, r.Fetched, r.Upserted)
}
