package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

// MessageMeta is a remote message normalized across providers. Header keys are lower-case.
type MessageMeta struct {
	Provider       model.ProviderKind
	RemoteID       string // Gmail: Id, Outlook: id
	ThreadID       string // Gmail: threadId, Outlook: conversationId
	Subject        string
	SenderName     string
	SenderAddress  string
	ReceivedAt     time.Time
	Snippet        string
	BodyText       string
	BodyHTML       string
	SizeEstimate   int64
	HasAttachments bool
	Headers        map[string]string
}

// Checkpoint is the sync cursor of one account. The orchestrator stores it
// verbatim; only the adapter that minted it parses it.
type Checkpoint struct {
	// Gmail: history id; Outlook: delta or next link
	Cursor string
}

// ListOptions bounds one ListEmails call.
type ListOptions struct {
	MaxResults int
	Checkpoint Checkpoint
}

// ListResult carries the fetched messages and the cursor to persist once they are stored.
type ListResult struct {
	Messages   []MessageMeta
	Checkpoint Checkpoint
	// Resynced is set when the stored cursor was rejected and a full listing was done instead.
	Resynced bool
}

// MailProvider is the provider-agnostic mailbox contract.
type MailProvider interface {
	Kind() model.ProviderKind

	// Connect validates the credential. Rejection is a KindAuth error.
	Connect(ctx context.Context) error

	// ListEmails returns messages visible since opts.Checkpoint plus the next cursor.
	// A rejected cursor falls back to a full listing and is never returned as an error.
	ListEmails(ctx context.Context, opts ListOptions) (*ListResult, error)

	// GetHeaders fetches only the header set of one message.
	GetHeaders(ctx context.Context, remoteID string) (map[string]string, error)

	// Archive removes messages from the primary view. Empty input is a no-op.
	Archive(ctx context.Context, remoteIDs []string) error

	// Delete removes messages permanently. Empty input is a no-op.
	Delete(ctx context.Context, remoteIDs []string) error

	// Unsubscribe applies the message's list-unsubscribe directive.
	Unsubscribe(ctx context.Context, remoteID string) error
}

// Credentials are the decrypted OAuth tokens of one account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ProviderFactory builds the adapter for a provider kind. Unknown kinds must
// return a KindProviderUnsupported error.
type ProviderFactory func(ctx context.Context, kind model.ProviderKind, creds Credentials) (MailProvider, error)
