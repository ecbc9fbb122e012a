// Package providers resolves an account's provider kind to its mailbox adapter.
package providers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/unsubscribe"
)

// NewFactory returns the adapter constructor used by the sync connector. Every
// adapter shares one unsubscribe web client that refuses non-public addresses.
func NewFactory(cfg config.GoogleConfig, provider config.ProviderConfig, log zerolog.Logger) sync.ProviderFactory {
	web := unsubscribe.NewWebClient(15 * time.Second)
	calls := sync.NewCallPolicy(provider)

	return func(ctx context.Context, kind model.ProviderKind, creds sync.Credentials) (sync.MailProvider, error) {
		switch kind {
		case model.ProviderGoogle:
			a, err := gmail.New(ctx, creds, gmail.Options{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				WebClient:    web,
				Calls:        calls,
				Log:          log,
			})
			if err != nil {
				return nil, sync.NewError(sync.KindTransient, kind, "connect", err)
			}
			return a, nil
		case model.ProviderOutlook:
			a, err := outlook.New(ctx, creds, outlook.Options{WebClient: web, Calls: calls, Log: log})
			if err != nil {
				return nil, sync.NewError(sync.KindTransient, kind, "connect", err)
			}
			return a, nil
		default:
			return nil, sync.Errorf(sync.KindProviderUnsupported, kind, "connect", "no adapter for provider %q", kind)
		}
	}
}
