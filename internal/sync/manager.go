package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/model"
)

// AccountLister lists accounts; an empty user id lists all of them.
type AccountLister interface {
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
}

// Manager fans syncs out across accounts and owns the periodic per-account loops.
type Manager struct {
	runner      *Runner
	accounts    AccountLister
	concurrency int
	interval    time.Duration
	log         zerolog.Logger

	runners      map[string]*loopHandle
	runnersMutex sync.RWMutex
}

type loopHandle struct {
	cancel context.CancelFunc
}

// NewManager creates sync manager
func NewManager(runner *Runner, accounts AccountLister, cfg config.SyncConfig, log zerolog.Logger) *Manager {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		runner:      runner,
		accounts:    accounts,
		concurrency: concurrency,
		interval:    interval,
		log:         log.With().Str("component", "manager").Logger(),
		runners:     make(map[string]*loopHandle),
	}
}

// SyncUser syncs every account of a user. One account's failure is reported
// in its Result and never stops the others.
func (m *Manager) SyncUser(ctx context.Context, userID string) ([]Result, error) {
	accounts, err := m.accounts.ListAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return m.syncAccounts(ctx, accounts), nil
}

// SyncAll syncs every account of every user.
func (m *Manager) SyncAll(ctx context.Context) ([]Result, error) {
	return m.SyncUser(ctx, "")
}

func (m *Manager) syncAccounts(ctx context.Context, accounts []model.Account) []Result {
	results := make([]Result, len(accounts))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			results[i] = m.runner.SyncAccount(ctx, acct.ID)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// StartSync starts a background loop that syncs the account now and then every interval.
func (m *Manager) StartSync(ctx context.Context, accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[accountID]; exists {
		return fmt.Errorf("sync already running for %s", accountID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &loopHandle{cancel: cancel}
	m.runners[accountID] = h

	go func() {
		defer cancel()
		m.log.Info().Str("account_id", accountID).Dur("interval", m.interval).Msg("sync loop start")
		m.loop(loopCtx, accountID)

		m.runnersMutex.Lock()
		if m.runners[accountID] == h {
			delete(m.runners, accountID)
		}
		m.runnersMutex.Unlock()
		m.log.Info().Str("account_id", accountID).Msg("sync loop stop")
	}()

	return nil
}

func (m *Manager) loop(ctx context.Context, accountID string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		res := m.runner.SyncAccount(ctx, accountID)
		if IsAuth(res.Err) || KindOf(res.Err) == KindProviderUnsupported {
			// not recoverable without user action
			return
		}
		if errors.Is(res.Err, ErrAccountNotFound) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StartAll starts loops for every known account that is not already running.
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := m.accounts.ListAccounts(ctx, "")
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		if m.IsRunning(a.ID) {
			continue
		}
		if err := m.StartSync(ctx, a.ID); err != nil {
			m.log.Warn().Err(err).Str("account_id", a.ID).Msg("start sync")
		}
	}
	return nil
}

// StopSync stops the loop of one account.
func (m *Manager) StopSync(accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	h, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("no sync running for %s", accountID)
	}

	h.cancel()
	delete(m.runners, accountID)
	return nil
}

func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// StopAll stops all running loops.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for id, h := range m.runners {
		m.log.Info().Str("account_id", id).Msg("stopping sync loop")
		h.cancel()
	}
	m.runners = make(map[string]*loopHandle)
}

// GetRunningSyncs returns the account ids with an active loop, sorted.
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
