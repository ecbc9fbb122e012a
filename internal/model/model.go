package model

import (
	"time"
)

// ProviderKind identifies the remote mailbox API an account is connected to.
type ProviderKind string

const (
	ProviderGoogle  ProviderKind = "google"
	ProviderOutlook ProviderKind = "outlook"
)

// Plan is the subscription tier of a user. It only influences the sync fetch ceiling.
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanPro      Plan = "PRO"
	PlanBusiness Plan = "BUSINESS"
)

// User owns accounts and rules.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Plan      Plan      `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is one connected remote mailbox.
type Account struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Provider        ProviderKind `json:"provider"`
	EmailAddress    string       `json:"email_address"`
	AccessTokenEnc  string       `json:"-"`
	RefreshTokenEnc string       `json:"-"`
	// Cursor is the provider's opaque sync marker. Only the adapter that produced it interprets it.
	Cursor       string    `json:"cursor,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a synchronized mail item. (AccountID, RemoteID) is unique.
type Message struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	UserID          string            `json:"user_id"`
	RemoteID        string            `json:"remote_id"`
	ThreadID        string            `json:"thread_id,omitempty"`
	Subject         string            `json:"subject"`
	SenderName      string            `json:"sender_name"`
	SenderAddress   string            `json:"sender_address"`
	ReceivedAt      time.Time         `json:"received_at"`
	Snippet         string            `json:"snippet"`
	BodyText        string            `json:"body_text,omitempty"`
	BodyHTML        string            `json:"body_html,omitempty"`
	SizeEstimate    int64             `json:"size_estimate"`
	HasAttachments  bool              `json:"has_attachments"`
	Headers         map[string]string `json:"headers,omitempty"`
	ListUnsubscribe string            `json:"list_unsubscribe,omitempty"`
	Category        Category          `json:"category"`
	Archived        bool              `json:"archived"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Category is the closed set of classifier outputs.
type Category string

const (
	CategoryFinance    Category = "finance"
	CategoryTravel     Category = "travel"
	CategorySocial     Category = "social"
	CategoryPromotions Category = "promotions"
	CategoryUpdates    Category = "updates"
	CategoryPrimary    Category = "primary"
)

// Categories lists every category in classifier priority order.
var Categories = []Category{
	CategoryFinance,
	CategoryTravel,
	CategorySocial,
	CategoryPromotions,
	CategoryUpdates,
	CategoryPrimary,
}

// RuleType selects which message field a rule matches against.
type RuleType string

const (
	RuleSender  RuleType = "sender"
	RuleSubject RuleType = "subject"
	RuleDomain  RuleType = "domain"
)

// RuleAction is the disposition a matching rule requests.
type RuleAction string

const (
	ActionArchive RuleAction = "archive"
	ActionTrash   RuleAction = "trash"
)

// Rule is a user-defined matcher evaluated at sync time.
type Rule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Type      RuleType   `json:"type"`
	Value     string     `json:"value"`
	Action    RuleAction `json:"action"`
	CreatedAt time.Time  `json:"created_at"`
}

// Valid reports whether the rule has a known type, a known action and a value.
func (r Rule) Valid() bool {
	switch r.Type {
	case RuleSender, RuleSubject, RuleDomain:
	default:
		return false
	}
	switch r.Action {
	case ActionArchive, ActionTrash:
	default:
		return false
	}
	return r.Value != ""
}
