package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// OutboxEvent is an event waiting to be published to the message bus.
type OutboxEvent struct {
	ID        string
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

// EnqueueEvents stores events for the dispatcher.
func (s *Store) EnqueueEvents(ctx context.Context, events ...OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.enqueueTx(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) enqueueTx(ctx context.Context, tx *sqlx.Tx, events []OutboxEvent) error {
	now := time.Now().Unix()
	for _, e := range events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO outbox (id, subject, event_type, payload, msg_id, created_at, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			id, e.Subject, e.EventType, string(e.Payload), e.MsgID, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting outbox entry: %w", err)
		}
	}
	return nil
}

// DequeueOutbox fetches unpublished events that are due, oldest first.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var rows []struct {
		ID        string `db:"id"`
		Subject   string `db:"subject"`
		EventType string `db:"event_type"`
		Payload   string `db:"payload"`
		MsgID     string `db:"msg_id"`
		Retries   int    `db:"retries"`
	}

	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?`), time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}

	events := make([]OutboxEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, OutboxEvent{
			ID:        r.ID,
			Subject:   r.Subject,
			EventType: r.EventType,
			Payload:   []byte(r.Payload),
			MsgID:     r.MsgID,
			Retries:   r.Retries,
		})
	}
	return events, nil
}

// MarkPublished marks an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q("UPDATE outbox SET published_at = ? WHERE id = ?"), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking %s published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out by backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE outbox SET retries = retries + 1, next_attempt_at = ? WHERE id = ?`),
		time.Now().Add(backoff).Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("marking %s for retry: %w", id, err)
	}
	return nil
}
