package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/model"
)

type messageRow struct {
	ID              string `db:"id"`
	AccountID       string `db:"account_id"`
	UserID          string `db:"user_id"`
	RemoteID        string `db:"remote_id"`
	ThreadID        string `db:"thread_id"`
	Subject         string `db:"subject"`
	SenderName      string `db:"sender_name"`
	SenderAddress   string `db:"sender_address"`
	ReceivedAt      int64  `db:"received_at"`
	Snippet         string `db:"snippet"`
	BodyText        string `db:"body_text"`
	BodyHTML        string `db:"body_html"`
	SizeEstimate    int64  `db:"size_estimate"`
	HasAttachments  bool   `db:"has_attachments"`
	Headers         string `db:"headers"`
	ListUnsubscribe string `db:"list_unsubscribe"`
	Category        string `db:"category"`
	Archived        bool   `db:"archived"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r messageRow) model() (model.Message, error) {
	m := model.Message{
		ID:              r.ID,
		AccountID:       r.AccountID,
		UserID:          r.UserID,
		RemoteID:        r.RemoteID,
		ThreadID:        r.ThreadID,
		Subject:         r.Subject,
		SenderName:      r.SenderName,
		SenderAddress:   r.SenderAddress,
		ReceivedAt:      fromMillis(r.ReceivedAt),
		Snippet:         r.Snippet,
		BodyText:        r.BodyText,
		BodyHTML:        r.BodyHTML,
		SizeEstimate:    r.SizeEstimate,
		HasAttachments:  r.HasAttachments,
		ListUnsubscribe: r.ListUnsubscribe,
		Category:        model.Category(r.Category),
		Archived:        r.Archived,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
	if r.Headers != "" && r.Headers != "{}" {
		if err := json.Unmarshal([]byte(r.Headers), &m.Headers); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling headers for %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func messagesFromRows(rows []messageRow) ([]model.Message, error) {
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

const upsertMessage = `
	INSERT INTO messages (
		id, account_id, user_id, remote_id, thread_id,
		subject, sender_name, sender_address, received_at,
		snippet, body_text, body_html, size_estimate, has_attachments,
		headers, list_unsubscribe, category, archived,
		created_at, updated_at
	) VALUES (
		?, ?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?
	)
	ON CONFLICT (account_id, remote_id) DO UPDATE SET
		thread_id = excluded.thread_id,
		subject = excluded.subject,
		sender_name = excluded.sender_name,
		sender_address = excluded.sender_address,
		received_at = excluded.received_at,
		snippet = excluded.snippet,
		body_text = excluded.body_text,
		body_html = excluded.body_html,
		size_estimate = excluded.size_estimate,
		has_attachments = excluded.has_attachments,
		headers = excluded.headers,
		list_unsubscribe = excluded.list_unsubscribe,
		category = excluded.category,
		archived = messages.archived OR excluded.archived,
		updated_at = excluded.updated_at`

// UpsertMessages writes the batch in one transaction keyed on (account_id, remote_id).
// An existing row keeps its id and creation time, and stays archived once archived.
func (s *Store) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.q(upsertMessage))
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		headers := []byte("{}")
		if len(m.Headers) > 0 {
			if headers, err = json.Marshal(m.Headers); err != nil {
				return fmt.Errorf("marshaling headers for %s: %w", m.RemoteID, err)
			}
		}
		category := m.Category
		if category == "" {
			category = model.CategoryPrimary
		}

		_, err = stmt.ExecContext(ctx,
			id, m.AccountID, m.UserID, m.RemoteID, m.ThreadID,
			m.Subject, m.SenderName, m.SenderAddress, toMillis(m.ReceivedAt),
			m.Snippet, m.BodyText, m.BodyHTML, m.SizeEstimate, m.HasAttachments,
			string(headers), m.ListUnsubscribe, string(category), m.Archived,
			now, now,
		)
		if err != nil {
			return fmt.Errorf("upserting message %s: %w", m.RemoteID, err)
		}
	}

	return tx.Commit()
}

// GetMessages returns the user's messages with the given ids. Unknown ids are ignored.
func (s *Store) GetMessages(ctx context.Context, userID string, ids []string) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In("SELECT * FROM messages WHERE user_id = ? AND id IN (?)", userID, ids)
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	return messagesFromRows(rows)
}

// GetMessageByRemoteID returns ErrNotFound when the account has no such message.
func (s *Store) GetMessageByRemoteID(ctx context.Context, accountID, remoteID string) (*model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT * FROM messages WHERE account_id = ? AND remote_id = ?"), accountID, remoteID)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", remoteID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	m, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages counts the rows stored for an account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q("SELECT COUNT(*) FROM messages WHERE account_id = ?"), accountID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// MessageCounts is the per-user overview shown on the dashboard.
type MessageCounts struct {
	Total       int `db:"total" json:"total"`
	Newsletters int `db:"newsletters" json:"newsletters"`
	Archived    int `db:"archived" json:"archived"`
}

// CountUserMessages counts a user's messages, those carrying a list-unsubscribe
// directive and those archived.
func (s *Store) CountUserMessages(ctx context.Context, userID string) (MessageCounts, error) {
	var c MessageCounts
	err := s.db.GetContext(ctx, &c, s.q(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN list_unsubscribe <> '' THEN 1 ELSE 0 END), 0) AS newsletters,
			COALESCE(SUM(CASE WHEN archived THEN 1 ELSE 0 END), 0) AS archived
		FROM messages WHERE user_id = ?`), userID)
	if err != nil {
		return MessageCounts{}, fmt.Errorf("counting messages of %s: %w", userID, err)
	}
	return c, nil
}

// RecentMessages returns the user's newest non-archived messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM messages
		WHERE user_id = ? AND archived = FALSE
		ORDER BY received_at DESC, id
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	return messagesFromRows(rows)
}

// MessagesBySender returns the non-archived messages of one sender within an account.
func (s *Store) MessagesBySender(ctx context.Context, userID, accountID, sender string) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM messages
		WHERE user_id = ? AND account_id = ? AND sender_address = ? AND archived = FALSE
		ORDER BY received_at DESC`), userID, accountID, sender)
	if err != nil {
		return nil, fmt.Errorf("listing messages from %s: %w", sender, err)
	}
	return messagesFromRows(rows)
}

// UnsubscribableMessages returns messages carrying a list-unsubscribe directive, newest first.
func (s *Store) UnsubscribableMessages(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM messages
		WHERE user_id = ? AND list_unsubscribe <> ''
		ORDER BY received_at DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing newsletter messages: %w", err)
	}
	return messagesFromRows(rows)
}

// LargestMessages returns the user's biggest non-archived messages by size estimate.
func (s *Store) LargestMessages(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM messages
		WHERE user_id = ? AND archived = FALSE
		ORDER BY size_estimate DESC, received_at DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing largest messages: %w", err)
	}
	return messagesFromRows(rows)
}

// MessagesSince returns every message of the user received at or after since.
func (s *Store) MessagesSince(ctx context.Context, userID string, since time.Time) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM messages
		WHERE user_id = ? AND received_at >= ?
		ORDER BY received_at DESC`), userID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("listing messages since %s: %w", since.Format(time.RFC3339), err)
	}
	return messagesFromRows(rows)
}

// DeleteMessages removes rows of an account by remote id and returns how many were deleted.
func (s *Store) DeleteMessages(ctx context.Context, accountID string, remoteIDs []string) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In("DELETE FROM messages WHERE account_id = ? AND remote_id IN (?)", accountID, remoteIDs)
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return res.RowsAffected()
}

// SetArchived flags rows of an account by remote id and returns how many were updated.
func (s *Store) SetArchived(ctx context.Context, accountID string, remoteIDs []string, archived bool) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		"UPDATE messages SET archived = ?, updated_at = ? WHERE account_id = ? AND remote_id IN (?)",
		archived, time.Now().UnixMilli(), accountID, remoteIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("building archive update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("archiving messages: %w", err)
	}
	return res.RowsAffected()
}
