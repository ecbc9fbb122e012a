// Package natsjs carries mail events from the store outbox to NATS JetStream.
package natsjs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Event types. The subject of an event is user.<user id>.<type>.
const (
	EventSynced      = "mail.synced"
	EventTrashed     = "mail.trash"
	EventArchived    = "mail.archive"
	EventUnsubscribe = "mail.unsubscribe"
)

// SyncedEvent is published after an account's cursor advanced.
type SyncedEvent struct {
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Fetched   int       `json:"fetched"`
	Upserted  int       `json:"upserted"`
	Archived  int       `json:"archived"`
	Resynced  bool      `json:"resynced"`
	SyncedAt  time.Time `json:"synced_at"`
}

// MutationEvent is published after a bulk remote and local mutation.
type MutationEvent struct {
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	RemoteIDs []string  `json:"remote_ids"`
	At        time.Time `json:"at"`
}

// NewEvent builds an outbox entry for a user-scoped event.
func NewEvent(userID, eventType, msgID string, payload interface{}) (store.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.OutboxEvent{}, fmt.Errorf("marshaling %s event: %w", eventType, err)
	}
	return store.OutboxEvent{
		Subject:   Subject(userID, eventType),
		EventType: eventType,
		Payload:   data,
		MsgID:     eventType + "|" + msgID,
	}, nil
}

func Subject(userID, eventType string) string {
	return fmt.Sprintf("user.%s.%s", userID, eventType)
}
