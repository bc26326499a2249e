package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RespondAt is the pending debounced run of one conversation.
type RespondAt struct {
	ConversationID string    `json:"conversation_id"`
	AccountID      string    `json:"account_id"`
	DueAt          time.Time `json:"due_at"`
}

// RespondAtRepo holds at most one pending respond-at timestamp per conversation.
type RespondAtRepo interface {
	// UpsertRespondAt sets the conversation's respond-at, overwriting any pending value.
	UpsertRespondAt(ctx context.Context, conversationID, accountID string, dueAt time.Time) error

	// DueRespondAt lists up to limit entries whose due time is at or before now.
	DueRespondAt(ctx context.Context, now time.Time, limit int) ([]RespondAt, error)

	// ClaimRespondAt removes the entry only if it still holds dueAt. It returns false when the
	// timestamp moved (a newer message rescheduled the run) or the entry is gone.
	ClaimRespondAt(ctx context.Context, conversationID string, dueAt time.Time) (bool, error)

	// GetRespondAt returns the pending entry, or nil.
	GetRespondAt(ctx context.Context, conversationID string) (*RespondAt, error)
}

var _ RespondAtRepo = (*Store)(nil)

func (s *Store) UpsertRespondAt(ctx context.Context, conversationID, accountID string, dueAt time.Time) error {
	now := s.now()
	_, err := s.exec(ctx,
		`INSERT INTO respond_at (conversation_id, account_id, due_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET due_at = excluded.due_at, updated_at = excluded.updated_at`,
		conversationID, accountID, dueAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert respond_at failed: %w", err)
	}
	return nil
}

func (s *Store) DueRespondAt(ctx context.Context, now time.Time, limit int) ([]RespondAt, error) {
	rows, err := s.query(ctx,
		`SELECT conversation_id, account_id, due_at FROM respond_at WHERE due_at <= ? ORDER BY due_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due respond_at query failed: %w", err)
	}
	defer rows.Close()

	var out []RespondAt
	for rows.Next() {
		var r RespondAt
		if err := rows.Scan(&r.ConversationID, &r.AccountID, &r.DueAt); err != nil {
			return nil, fmt.Errorf("scan respond_at failed: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due respond_at iteration failed: %w", err)
	}
	return out, nil
}

func (s *Store) ClaimRespondAt(ctx context.Context, conversationID string, dueAt time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`DELETE FROM respond_at WHERE conversation_id = ? AND due_at = ?`,
		conversationID, dueAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim respond_at failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim respond_at rows affected failed: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetRespondAt(ctx context.Context, conversationID string) (*RespondAt, error) {
	var r RespondAt
	err := s.queryRow(ctx,
		`SELECT conversation_id, account_id, due_at FROM respond_at WHERE conversation_id = ?`,
		conversationID,
	).Scan(&r.ConversationID, &r.AccountID, &r.DueAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get respond_at failed: %w", err)
	}
	return &r, nil
}
