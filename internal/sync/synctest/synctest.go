// Package synctest provides test doubles for code built on the sync package.
package synctest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// MockProvider is a testify mock of sync.MailProvider.
type MockProvider struct {
	mock.Mock
	ProviderKind model.ProviderKind
}

func (m *MockProvider) Kind() model.ProviderKind { return m.ProviderKind }

func (m *MockProvider) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockProvider) ListEmails(ctx context.Context, opts sync.ListOptions) (*sync.ListResult, error) {
	args := m.Called(ctx, opts)
	res, _ := args.Get(0).(*sync.ListResult)
	return res, args.Error(1)
}

func (m *MockProvider) GetHeaders(ctx context.Context, remoteID string) (map[string]string, error) {
	args := m.Called(ctx, remoteID)
	h, _ := args.Get(0).(map[string]string)
	return h, args.Error(1)
}

func (m *MockProvider) Archive(ctx context.Context, ids []string) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *MockProvider) Delete(ctx context.Context, ids []string) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *MockProvider) Unsubscribe(ctx context.Context, remoteID string) error {
	return m.Called(ctx, remoteID).Error(0)
}

// PlainBox returns credential blobs unchanged.
type PlainBox struct{}

func (PlainBox) Decrypt(blob string) (string, error) { return blob, nil }

// Factory serves the given providers and rejects every other kind.
func Factory(providers map[model.ProviderKind]sync.MailProvider) sync.ProviderFactory {
	return func(_ context.Context, kind model.ProviderKind, _ sync.Credentials) (sync.MailProvider, error) {
		p, ok := providers[kind]
		if !ok {
			return nil, sync.Errorf(sync.KindProviderUnsupported, kind, "open", "no adapter")
		}
		return p, nil
	}
}

// NewStore opens a migrated in-memory store closed at test cleanup.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// NewConnector wires a connector over st that hands out the given providers without a guard.
func NewConnector(st *store.Store, providers map[model.ProviderKind]sync.MailProvider) *sync.Connector {
	return sync.NewConnector(st, PlainBox{}, Factory(providers), nil)
}
