package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store"
)

type mockOutbox struct {
	mock.Mock
}

func (m *mockOutbox) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]store.OutboxEvent)
	return events, args.Error(1)
}

func (m *mockOutbox) MarkPublished(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockOutbox) MarkOutboxRetry(ctx context.Context, id string, backoff time.Duration) error {
	return m.Called(ctx, id, backoff).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, payload []byte, msgID string) error {
	return m.Called(subject, payload, msgID).Error(0)
}

func TestDispatchOnce_PublishesAndRetries(t *testing.T) {
	ctx := context.Background()
	ob := &mockOutbox{}
	pub := &mockPublisher{}

	events := []store.OutboxEvent{
		{ID: "e1", Subject: "user.u1.mail.synced", Payload: []byte("{}"), MsgID: "m1"},
		{ID: "e2", Subject: "user.u1.mail.trash", Payload: []byte("{}"), MsgID: "m2"},
	}
	ob.On("DequeueOutbox", ctx, 100).Return(events, nil)
	pub.On("Publish", "user.u1.mail.synced", []byte("{}"), "m1").Return(nil)
	pub.On("Publish", "user.u1.mail.trash", []byte("{}"), "m2").Return(errors.New("nats down"))
	ob.On("MarkPublished", ctx, "e1").Return(nil)
	ob.On("MarkOutboxRetry", ctx, "e2", 10*time.Second).Return(nil)

	d := NewDispatcher(ob, pub, zerolog.Nop())
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ob.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestDispatchOnce_DequeueError(t *testing.T) {
	ctx := context.Background()
	ob := &mockOutbox{}
	ob.On("DequeueOutbox", ctx, 100).Return(nil, errors.New("db locked"))

	d := NewDispatcher(ob, Discard{}, zerolog.Nop())
	_, err := d.DispatchOnce(ctx)
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent("u1", EventSynced, "acct|123", SyncedEvent{AccountID: "acct", Upserted: 3})
	require.NoError(t, err)

	assert.Equal(t, "user.u1.mail.synced", e.Subject)
	assert.Equal(t, "mail.synced|acct|123", e.MsgID)

	var got SyncedEvent
	require.NoError(t, json.Unmarshal(e.Payload, &got))
	assert.Equal(t, 3, got.Upserted)
}
