package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Outbox is the store side of the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string) error
	MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration) error
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	log       zerolog.Logger

	Batch   int
	Idle    time.Duration
	Backoff time.Duration
}

func NewDispatcher(outbox Outbox, publisher Publisher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		log:       log.With().Str("component", "dispatcher").Logger(),
		Batch:     100,
		Idle:      500 * time.Millisecond,
		Backoff:   10 * time.Second,
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("dequeue outbox")
		}

		wait := time.Duration(0)
		if err != nil {
			wait = time.Second
		} else if n == 0 {
			wait = d.Idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many events it handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.outbox.DequeueOutbox(ctx, d.Batch)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		if err := d.publisher.Publish(e.Subject, e.Payload, e.MsgID); err != nil {
			d.log.Warn().Err(err).Str("event_id", e.ID).Int("retries", e.Retries).Msg("publish failed, will retry")
			metrics.OutboxDispatched(false)
			if err := d.outbox.MarkOutboxRetry(ctx, e.ID, d.Backoff); err != nil {
				d.log.Error().Err(err).Str("event_id", e.ID).Msg("mark outbox retry")
			}
			continue
		}

		metrics.OutboxDispatched(true)
		if err := d.outbox.MarkPublished(ctx, e.ID); err != nil {
			d.log.Error().Err(err).Str("event_id", e.ID).Msg("mark published")
		}
	}
	return len(events), nil
}
