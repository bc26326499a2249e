package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LedgerRecord is one entry of the processed-message ledger.
type LedgerRecord struct {
	MessageID   string     `json:"message_id"`
	AccountID   string     `json:"account_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// LedgerRepo records provider message ids so each inbound message is processed at most once.
type LedgerRepo interface {
	// RecordInbound inserts the (messageID, accountID) pair. It returns false when the pair was
	// already recorded, i.e. the message is a re-delivery.
	RecordInbound(ctx context.Context, messageID, accountID string) (bool, error)

	// IsProcessed reports whether the pair is already in the ledger.
	IsProcessed(ctx context.Context, messageID, accountID string) (bool, error)

	// MarkProcessed sets processed_at for the pair.
	MarkProcessed(ctx context.Context, messageID, accountID string) error

	// ForgetInbound removes the pair so a re-delivery is accepted again.
	ForgetInbound(ctx context.Context, messageID, accountID string) error

	// PurgeLedgerBefore deletes entries received before cutoff and returns how many were removed.
	PurgeLedgerBefore(ctx context.Context, cutoff time.Time) (int, error)
}

var _ LedgerRepo = (*Store)(nil)

func (s *Store) RecordInbound(ctx context.Context, messageID, accountID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO processed_messages (message_id, account_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id, account_id) DO NOTHING`,
		messageID, accountID, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *Store) IsProcessed(ctx context.Context, messageID, accountID string) (bool, error) {
	var id string
	err := s.queryRow(ctx,
		`SELECT message_id FROM processed_messages WHERE message_id = ? AND account_id = ?`,
		messageID, accountID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger check failed: %w", err)
	}
	return true, nil
}

func (s *Store) MarkProcessed(ctx context.Context, messageID, accountID string) error {
	_, err := s.exec(ctx,
		`UPDATE processed_messages SET processed_at = ? WHERE message_id = ? AND account_id = ?`,
		s.now(), messageID, accountID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *Store) ForgetInbound(ctx context.Context, messageID, accountID string) error {
	_, err := s.exec(ctx,
		`DELETE FROM processed_messages WHERE message_id = ? AND account_id = ?`,
		messageID, accountID,
	)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *Store) PurgeLedgerBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM processed_messages WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge ledger failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
