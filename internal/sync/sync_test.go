package sync_test

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/sync/synctest"
)

var syncCfg = config.SyncConfig{Concurrency: 2, ChunkSize: 2, Ceilings: map[string]int{"free": 50, "pro": 500}}

type fixture struct {
	store     *store.Store
	providers map[model.ProviderKind]*synctest.MockProvider
	connector *sync.Connector
	runner    *sync.Runner
	manager   *sync.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := synctest.NewStore(t)

	f := &fixture{
		store: st,
		providers: map[model.ProviderKind]*synctest.MockProvider{
			model.ProviderGoogle:  {ProviderKind: model.ProviderGoogle},
			model.ProviderOutlook: {ProviderKind: model.ProviderOutlook},
		},
	}
	served := make(map[model.ProviderKind]sync.MailProvider, len(f.providers))
	for kind, p := range f.providers {
		served[kind] = p
	}

	guard := sync.NewGuard(config.ProviderConfig{CallTimeout: time.Second, RetryBase: time.Millisecond, RetryMax: 2, RetryCap: 5 * time.Millisecond}, zerolog.Nop())
	f.connector = sync.NewConnector(st, synctest.PlainBox{}, synctest.Factory(served), guard)
	f.runner = sync.NewRunner(st, f.connector, syncCfg, zerolog.Nop())
	f.manager = sync.NewManager(f.runner, st, syncCfg, zerolog.Nop())
	return f
}

func (f *fixture) account(t *testing.T, kind model.ProviderKind, cursor string) *model.Account {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, model.User{ID: "u1", Plan: model.PlanPro}))
	a := &model.Account{UserID: "u1", Provider: kind, AccessTokenEnc: "tok", Cursor: cursor}
	require.NoError(t, f.store.CreateAccount(ctx, a))
	return a
}

func metas(n int) []sync.MessageMeta {
	out := make([]sync.MessageMeta, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sync.MessageMeta{
			RemoteID:      fmt.Sprintf("r%d", i),
			Subject:       fmt.Sprintf("Hello %d", i),
			SenderAddress: "friend@mail.com",
			ReceivedAt:    time.Now().Add(-time.Duration(i) * time.Minute),
			Headers:       map[string]string{},
		})
	}
	return out
}

// flakyStore fails the n-th UpsertMessages call.
type flakyStore struct {
	*store.Store
	failOn int

	mu    gosync.Mutex
	calls int
}

func (s *flakyStore) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == s.failOn {
		return errors.New("database is locked")
	}
	return s.Store.UpsertMessages(ctx, msgs)
}

// blockList makes ListEmails signal entered and wait for release.
func blockList(p *synctest.MockProvider, entered chan<- struct{}, release <-chan struct{}, res *sync.ListResult) {
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			entered <- struct{}{}
			<-release
		}).
		Return(res, nil)
}

func TestSyncAccount_PersistsAndAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "100")

	msgs := metas(3)
	msgs[0].SenderAddress = "billing@stripe.com"
	msgs[0].Subject = "Your invoice"

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, sync.ListOptions{MaxResults: 500, Checkpoint: sync.Checkpoint{Cursor: "100"}}).
		Return(&sync.ListResult{Messages: msgs, Checkpoint: sync.Checkpoint{Cursor: "200"}}, nil)

	res := f.runner.SyncAccount(ctx, acct.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, sync.StateIdle, res.State)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.Upserted)

	got, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "200", got.Cursor)
	assert.False(t, got.LastSyncedAt.IsZero())

	m, err := f.store.GetMessageByRemoteID(ctx, acct.ID, "r0")
	require.NoError(t, err)
	assert.Equal(t, model.CategoryFinance, m.Category)

	p.AssertExpectations(t)
}

func TestSyncAccount_IdempotentAcrossCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "")

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Return(&sync.ListResult{Messages: metas(5), Checkpoint: sync.Checkpoint{Cursor: "7"}}, nil)

	for i := 0; i < 3; i++ {
		res := f.runner.SyncAccount(ctx, acct.ID)
		require.NoError(t, res.Err)
	}

	n, err := f.store.CountMessages(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSyncAccount_SyncedEventsAreDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "")

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Return(&sync.ListResult{Checkpoint: sync.Checkpoint{Cursor: "7"}}, nil)

	require.NoError(t, f.runner.SyncAccount(ctx, acct.ID).Err)
	require.NoError(t, f.runner.SyncAccount(ctx, acct.ID).Err)

	events, err := f.store.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].MsgID)
	assert.NotEqual(t, events[0].MsgID, events[1].MsgID, "an unchanged cursor must not collapse events")
}

func TestSyncAccount_RulesArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "")
	require.NoError(t, f.store.CreateRule(ctx, &model.Rule{UserID: "u1", Type: model.RuleSender, Value: "friend@", Action: model.ActionArchive}))
	require.NoError(t, f.store.CreateRule(ctx, &model.Rule{UserID: "u1", Type: model.RuleSubject, Value: "never matches", Action: model.ActionArchive}))

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Return(&sync.ListResult{Messages: metas(1), Checkpoint: sync.Checkpoint{Cursor: "1"}}, nil)

	res := f.runner.SyncAccount(ctx, acct.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Archived)

	m, err := f.store.GetMessageByRemoteID(ctx, acct.ID, "r0")
	require.NoError(t, err)
	assert.True(t, m.Archived)
}

func TestSyncAccount_FailedChunkStillAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "1")

	flaky := &flakyStore{Store: f.store, failOn: 1}
	runner := sync.NewRunner(flaky, f.connector, syncCfg, zerolog.Nop())

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Return(&sync.ListResult{Messages: metas(6), Checkpoint: sync.Checkpoint{Cursor: "2"}}, nil)

	res := runner.SyncAccount(ctx, acct.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 1, res.FailedChunks)
	assert.Equal(t, 2*syncCfg.ChunkSize, res.Upserted)

	got, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Cursor)

	n, err := f.store.CountMessages(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = f.store.GetMessageByRemoteID(ctx, acct.ID, "r0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncAccount_ListFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderOutlook, "https://graph/delta?token=a")

	p := f.providers[model.ProviderOutlook]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).
		Return(nil, sync.Errorf(sync.KindTransient, model.ProviderOutlook, "list", "503"))

	res := f.runner.SyncAccount(ctx, acct.ID)
	require.Error(t, res.Err)
	assert.Equal(t, sync.StateAborted, res.State)
	assert.NotEmpty(t, res.Error)

	got, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://graph/delta?token=a", got.Cursor)
	assert.NotEmpty(t, got.LastError)

	// adapters retry individual requests; the listing as a whole is not repeated
	p.AssertNumberOfCalls(t, "ListEmails", 1)
}

func TestSyncAccount_AuthErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "")

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(sync.Errorf(sync.KindAuth, model.ProviderGoogle, "connect", "401"))

	res := f.runner.SyncAccount(ctx, acct.ID)
	assert.True(t, sync.IsAuth(res.Err))
	p.AssertNumberOfCalls(t, "Connect", 1)
	p.AssertNotCalled(t, "ListEmails", mock.Anything, mock.Anything)
}

func TestSyncAccount_NotFound(t *testing.T) {
	f := newFixture(t)
	res := f.runner.SyncAccount(context.Background(), "missing")
	assert.ErrorIs(t, res.Err, sync.ErrAccountNotFound)
}

func TestSyncAccount_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, model.ProviderKind("yahoo"), "")

	res := f.runner.SyncAccount(context.Background(), acct.ID)
	assert.Equal(t, sync.KindProviderUnsupported, sync.KindOf(res.Err))
	assert.Equal(t, sync.StateAborted, res.State)
}

func TestSyncAccount_EmptyCursorKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "55")

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).Return(&sync.ListResult{}, nil)

	require.NoError(t, f.runner.SyncAccount(ctx, acct.ID).Err)
	got, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "55", got.Cursor)
}

func TestSyncAccount_ConcurrentCallsShareOneRun(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, model.ProviderGoogle, "")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	blockList(f.providers[model.ProviderGoogle], entered, release,
		&sync.ListResult{Messages: metas(2), Checkpoint: sync.Checkpoint{Cursor: "3"}})

	results := make([]sync.Result, 2)
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = f.runner.SyncAccount(context.Background(), acct.ID)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = f.runner.SyncAccount(context.Background(), acct.ID)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, 2, res.Upserted)
	}
	f.providers[model.ProviderGoogle].AssertNumberOfCalls(t, "ListEmails", 1)
}

func TestSyncAccount_CallerCancelDoesNotAbortSharedRun(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, model.ProviderGoogle, "1")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	blockList(f.providers[model.ProviderGoogle], entered, release,
		&sync.ListResult{Messages: metas(1), Checkpoint: sync.Checkpoint{Cursor: "2"}})

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second sync.Result
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = f.runner.SyncAccount(firstCtx, acct.ID)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		second = f.runner.SyncAccount(context.Background(), acct.ID)
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.ErrorIs(t, first.Err, context.Canceled)
	assert.Equal(t, sync.StateAborted, first.State)
	require.NoError(t, second.Err)
	assert.Equal(t, 1, second.Upserted)

	got, err := f.store.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Cursor)
	f.providers[model.ProviderGoogle].AssertNumberOfCalls(t, "ListEmails", 1)
}

func TestManager_SyncUserIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.account(t, model.ProviderGoogle, "")
	bad := f.account(t, model.ProviderOutlook, "")

	f.providers[model.ProviderGoogle].On("Connect", mock.Anything).Return(nil)
	f.providers[model.ProviderGoogle].On("ListEmails", mock.Anything, mock.Anything).
		Return(&sync.ListResult{Messages: metas(2), Checkpoint: sync.Checkpoint{Cursor: "9"}}, nil)
	f.providers[model.ProviderOutlook].On("Connect", mock.Anything).
		Return(sync.Errorf(sync.KindAuth, model.ProviderOutlook, "connect", "expired"))

	results, err := f.manager.SyncUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]sync.Result{}
	for _, r := range results {
		byID[r.AccountID] = r
	}
	assert.NoError(t, byID[good.ID].Err)
	assert.Equal(t, 2, byID[good.ID].Upserted)
	assert.True(t, sync.IsAuth(byID[bad.ID].Err))
}

func TestManager_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t, model.ProviderGoogle, "")

	p := f.providers[model.ProviderGoogle]
	p.On("Connect", mock.Anything).Return(nil)
	p.On("ListEmails", mock.Anything, mock.Anything).Return(&sync.ListResult{Checkpoint: sync.Checkpoint{Cursor: "1"}}, nil)

	require.NoError(t, f.manager.StartSync(ctx, acct.ID))
	assert.Error(t, f.manager.StartSync(ctx, acct.ID))
	assert.True(t, f.manager.IsRunning(acct.ID))
	assert.Equal(t, []string{acct.ID}, f.manager.GetRunningSyncs())

	require.NoError(t, f.manager.StopSync(acct.ID))
	assert.False(t, f.manager.IsRunning(acct.ID))
	assert.Error(t, f.manager.StopSync(acct.ID))

	require.NoError(t, f.manager.StartAll(ctx))
	assert.True(t, f.manager.IsRunning(acct.ID))
	f.manager.StopAll()
	assert.Empty(t, f.manager.GetRunningSyncs())
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", sync.NewError(sync.KindRateLimit, model.ProviderGoogle, "list", errors.New("429")))
	assert.Equal(t, sync.KindRateLimit, sync.KindOf(err))
	assert.True(t, sync.IsRetryable(err))
	assert.False(t, sync.IsAuth(err))
	assert.Contains(t, err.Error(), "google rate_limit in list")

	assert.Nil(t, sync.NewError(sync.KindAuth, "", "", nil))
	assert.Equal(t, sync.KindUnknown, sync.KindOf(errors.New("plain")))

	assert.Equal(t, sync.KindAuth, sync.HTTPKind(401, false))
	assert.Equal(t, sync.KindRateLimit, sync.HTTPKind(403, true))
	assert.Equal(t, sync.KindAuth, sync.HTTPKind(403, false))
	assert.Equal(t, sync.KindNotFound, sync.HTTPKind(404, false))
	assert.Equal(t, sync.KindCursorInvalid, sync.HTTPKind(410, false))
	assert.Equal(t, sync.KindRateLimit, sync.HTTPKind(429, false))
	assert.Equal(t, sync.KindTransient, sync.HTTPKind(503, false))
	assert.Equal(t, sync.KindUnknown, sync.HTTPKind(400, false))
}

func TestGuard_EmptyMutationsSkipRemote(t *testing.T) {
	p := &synctest.MockProvider{ProviderKind: model.ProviderGoogle}
	g := sync.NewGuard(config.ProviderConfig{}, zerolog.Nop()).Wrap(p)

	require.NoError(t, g.Archive(context.Background(), nil))
	require.NoError(t, g.Delete(context.Background(), []string{}))
	p.AssertNotCalled(t, "Archive", mock.Anything, mock.Anything)
	p.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestGuard_UnsubscribeAttemptedOnce(t *testing.T) {
	p := &synctest.MockProvider{ProviderKind: model.ProviderGoogle}
	p.On("Unsubscribe", mock.Anything, "r1").Return(sync.Errorf(sync.KindTransient, model.ProviderGoogle, "unsubscribe", "503"))

	g := sync.NewGuard(config.ProviderConfig{RetryBase: time.Millisecond, RetryMax: 3}, zerolog.Nop()).Wrap(p)
	assert.Error(t, g.Unsubscribe(context.Background(), "r1"))
	p.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

func TestGuard_ListUsesListBudget(t *testing.T) {
	p := &synctest.MockProvider{ProviderKind: model.ProviderGoogle}
	p.On("ListEmails", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			// outlives the per-request timeout but not the listing budget
			select {
			case <-time.After(50 * time.Millisecond):
			case <-args.Get(0).(context.Context).Done():
			}
		}).
		Return(&sync.ListResult{}, nil)

	g := sync.NewGuard(config.ProviderConfig{CallTimeout: 10 * time.Millisecond, ListTimeout: time.Second}, zerolog.Nop()).Wrap(p)
	_, err := g.ListEmails(context.Background(), sync.ListOptions{})
	require.NoError(t, err)

	var deadline time.Time
	for _, c := range p.Calls {
		deadline, _ = c.Arguments.Get(0).(context.Context).Deadline()
	}
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 200*time.Millisecond)
}

func TestCallPolicy_RetriesPerRequest(t *testing.T) {
	policy := sync.CallPolicy{Timeout: 20 * time.Millisecond, Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxRetry: 2}

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return sync.Errorf(sync.KindRateLimit, model.ProviderGoogle, "get", "429")
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return sync.Errorf(sync.KindAuth, model.ProviderGoogle, "get", "401")
	})
	assert.True(t, sync.IsAuth(err))
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return sync.Errorf(sync.KindTransient, model.ProviderGoogle, "get", "503")
	})
	assert.Equal(t, sync.KindTransient, sync.KindOf(err))
	assert.Equal(t, 3, attempts)
}
