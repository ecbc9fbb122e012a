package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher publishes one event with a dedupe id.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// JetStream wraps a NATS JetStream context for publishing mail events.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// Connect opens a NATS connection and its JetStream context.
func Connect(url, stream string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream == "" {
		stream = "USER_EVENTS"
	}
	return &JetStream{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the event stream when it does not exist yet.
func (p *JetStream) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{"user.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes to JetStream. msgID drives server-side deduplication.
func (p *JetStream) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *JetStream) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Discard drops every event. Used when no NATS URL is configured.
type Discard struct{}

func (Discard) Publish(string, []byte, string) error { return nil }
