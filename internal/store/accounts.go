package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/model"
)

type userRow struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	Plan      string `db:"plan"`
	CreatedAt int64  `db:"created_at"`
}

func (r userRow) model() model.User {
	return model.User{
		ID:        r.ID,
		Email:     r.Email,
		Plan:      model.Plan(r.Plan),
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

type accountRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	Provider        string `db:"provider"`
	EmailAddress    string `db:"email_address"`
	AccessTokenEnc  string `db:"access_token_enc"`
	RefreshTokenEnc string `db:"refresh_token_enc"`
	Cursor          string `db:"cursor"`
	LastSyncedAt    int64  `db:"last_synced_at"`
	LastError       string `db:"last_error"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r accountRow) model() model.Account {
	return model.Account{
		ID:              r.ID,
		UserID:          r.UserID,
		Provider:        model.ProviderKind(r.Provider),
		EmailAddress:    r.EmailAddress,
		AccessTokenEnc:  r.AccessTokenEnc,
		RefreshTokenEnc: r.RefreshTokenEnc,
		Cursor:          r.Cursor,
		LastSyncedAt:    fromMillis(r.LastSyncedAt),
		LastError:       r.LastError,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

type ruleRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Name      string `db:"name"`
	Type      string `db:"type"`
	Value     string `db:"value"`
	Action    string `db:"action"`
	CreatedAt int64  `db:"created_at"`
}

func (r ruleRow) model() model.Rule {
	return model.Rule{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Type:      model.RuleType(r.Type),
		Value:     r.Value,
		Action:    model.RuleAction(r.Action),
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

// UpsertUser inserts a user or updates its email and plan.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	if u.Plan == "" {
		u.Plan = model.PlanFree
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, email, plan, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, plan = excluded.plan`),
		u.ID, u.Email, string(u.Plan), toMillis(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns ErrNotFound when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	u := row.model()
	return &u, nil
}

// CreateAccount inserts a connected mailbox. A missing ID is generated.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts (
			id, user_id, provider, email_address,
			access_token_enc, refresh_token_enc, cursor,
			last_synced_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, string(a.Provider), a.EmailAddress,
		a.AccessTokenEnc, a.RefreshTokenEnc, a.Cursor,
		toMillis(a.LastSyncedAt), a.LastError, toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetAccount returns ErrNotFound when the account does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM accounts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	a := row.model()
	return &a, nil
}

// ListAccounts returns the user's accounts, or every account when userID is empty.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	query, args := "SELECT * FROM accounts ORDER BY created_at", []interface{}{}
	if userID != "" {
		query, args = "SELECT * FROM accounts WHERE user_id = ? ORDER BY created_at", []interface{}{userID}
	}

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.model())
	}
	return accounts, nil
}

// UpdateCredentials stores refreshed encrypted tokens.
func (s *Store) UpdateCredentials(ctx context.Context, accountID, accessEnc, refreshEnc string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, updated_at = ? WHERE id = ?`),
		accessEnc, refreshEnc, time.Now().UnixMilli(), accountID,
	)
	if err != nil {
		return fmt.Errorf("updating credentials for %s: %w", accountID, err)
	}
	return nil
}

// AdvanceCursor persists the cursor and sync time, clears the last error and
// enqueues the given events, all in one transaction.
func (s *Store) AdvanceCursor(ctx context.Context, accountID, cursor string, syncedAt time.Time, events ...OutboxEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts SET cursor = ?, last_synced_at = ?, last_error = '', updated_at = ?
		WHERE id = ?`),
		cursor, toMillis(syncedAt), time.Now().UnixMilli(), accountID,
	)
	if err != nil {
		return fmt.Errorf("advancing cursor for %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := s.enqueueTx(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordSyncError stores the latest sync failure on the account.
func (s *Store) RecordSyncError(ctx context.Context, accountID, msg string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE accounts SET last_error = ?, updated_at = ? WHERE id = ?`),
		msg, time.Now().UnixMilli(), accountID,
	)
	if err != nil {
		return fmt.Errorf("recording sync error for %s: %w", accountID, err)
	}
	return nil
}

// CreateRule validates and inserts a rule. A missing ID is generated.
func (s *Store) CreateRule(ctx context.Context, r *model.Rule) error {
	if !r.Valid() {
		return fmt.Errorf("invalid rule: type %q action %q", r.Type, r.Action)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO rules (id, user_id, name, type, value, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.UserID, r.Name, string(r.Type), r.Value, string(r.Action), toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	return nil
}

// ListRules returns the user's rules in creation order.
func (s *Store) ListRules(ctx context.Context, userID string) ([]model.Rule, error) {
	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT * FROM rules WHERE user_id = ? ORDER BY created_at, id"), userID)
	if err != nil {
		return nil, fmt.Errorf("listing rules for %s: %w", userID, err)
	}

	out := make([]model.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// DeleteRule removes one of the user's rules.
func (s *Store) DeleteRule(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM rules WHERE id = ? AND user_id = ?"), id, userID)
	if err != nil {
		return fmt.Errorf("deleting rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
