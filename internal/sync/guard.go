package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/model"
)

// CallPolicy bounds a single remote request and retries it on rate-limit and
// transient failures. Adapters apply it to every page and message fetch.
type CallPolicy struct {
	Timeout  time.Duration
	Base     time.Duration
	Cap      time.Duration
	MaxRetry uint64
}

// NewCallPolicy builds a CallPolicy from provider settings.
func NewCallPolicy(cfg config.ProviderConfig) CallPolicy {
	return CallPolicy{
		Timeout:  cfg.CallTimeout,
		Base:     cfg.RetryBase,
		Cap:      cfg.RetryCap,
		MaxRetry: cfg.RetryMax,
	}.withDefaults()
}

func (p CallPolicy) withDefaults() CallPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	return p
}

func (p CallPolicy) backoff(retries uint64) retry.Backoff {
	var b retry.Backoff = retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(retries, b)
}

// Do runs fn under a per-attempt timeout, retrying errors IsRetryable accepts.
// The last attempt's error is returned once retries are exhausted.
func (p CallPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	return retry.Do(ctx, p.backoff(p.MaxRetry), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		err := fn(callCtx)
		if IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Guard bounds provider calls with a timeout, retries rate-limit and transient
// failures with exponential backoff, and keeps one circuit breaker per provider kind.
type Guard struct {
	calls       CallPolicy
	listTimeout time.Duration
	log         zerolog.Logger

	mu       sync.Mutex
	breakers map[model.ProviderKind]*gobreaker.CircuitBreaker
}

// NewGuard builds a Guard from provider settings. Zero values fall back to sane defaults.
func NewGuard(cfg config.ProviderConfig, log zerolog.Logger) *Guard {
	g := &Guard{
		calls:       NewCallPolicy(cfg),
		listTimeout: cfg.ListTimeout,
		log:         log.With().Str("component", "guard").Logger(),
		breakers:    make(map[model.ProviderKind]*gobreaker.CircuitBreaker),
	}
	if g.listTimeout <= 0 {
		g.listTimeout = 10 * time.Minute
	}
	return g
}

// Wrap returns p with every call routed through the guard.
func (g *Guard) Wrap(p MailProvider) MailProvider {
	return &guarded{inner: p, g: g}
}

func (g *Guard) breaker(kind model.ProviderKind) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[kind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
		// auth and not-found errors say nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	g.breakers[kind] = cb
	return cb
}

func (g *Guard) do(ctx context.Context, kind model.ProviderKind, op string, timeout time.Duration, retryable bool, fn func(ctx context.Context) error) error {
	var retries uint64
	if retryable {
		retries = g.calls.MaxRetry
	}

	return retry.Do(ctx, g.calls.backoff(retries), func(ctx context.Context) error {
		_, err := g.breaker(kind).Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return NewError(KindTransient, kind, op, err)
		}
		if IsRetryable(err) {
			g.log.Debug().Err(err).Str("provider", string(kind)).Str("op", op).Msg("retrying provider call")
			return retry.RetryableError(err)
		}
		return err
	})
}

type guarded struct {
	inner MailProvider
	g     *Guard
}

func (p *guarded) Kind() model.ProviderKind { return p.inner.Kind() }

func (p *guarded) Connect(ctx context.Context) error {
	return p.g.do(ctx, p.inner.Kind(), "connect", p.g.calls.Timeout, true, p.inner.Connect)
}

// ListEmails runs under the listing budget and is not retried as a whole;
// adapters retry each page and message request with their CallPolicy.
func (p *guarded) ListEmails(ctx context.Context, opts ListOptions) (*ListResult, error) {
	var res *ListResult
	err := p.g.do(ctx, p.inner.Kind(), "list", p.g.listTimeout, false, func(ctx context.Context) error {
		var err error
		res, err = p.inner.ListEmails(ctx, opts)
		return err
	})
	return res, err
}

func (p *guarded) GetHeaders(ctx context.Context, remoteID string) (map[string]string, error) {
	var headers map[string]string
	err := p.g.do(ctx, p.inner.Kind(), "get_headers", p.g.calls.Timeout, true, func(ctx context.Context) error {
		var err error
		headers, err = p.inner.GetHeaders(ctx, remoteID)
		return err
	})
	return headers, err
}

func (p *guarded) Archive(ctx context.Context, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	return p.g.do(ctx, p.inner.Kind(), "archive", p.g.calls.Timeout, true, func(ctx context.Context) error {
		return p.inner.Archive(ctx, remoteIDs)
	})
}

func (p *guarded) Delete(ctx context.Context, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	return p.g.do(ctx, p.inner.Kind(), "delete", p.g.calls.Timeout, true, func(ctx context.Context) error {
		return p.inner.Delete(ctx, remoteIDs)
	})
}

// Unsubscribe is attempted once; the one-click POST and mailto send are not idempotent.
func (p *guarded) Unsubscribe(ctx context.Context, remoteID string) error {
	return p.g.do(ctx, p.inner.Kind(), "unsubscribe", p.g.calls.Timeout, false, func(ctx context.Context) error {
		return p.inner.Unsubscribe(ctx, remoteID)
	})
}
