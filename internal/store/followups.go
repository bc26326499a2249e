package store

import (
	"context"
	"fmt"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// FollowUpRepo stores follow-up reminders.
type FollowUpRepo interface {
	CreateFollowUp(ctx context.Context, f *models.FollowUp) error
	GetFollowUp(ctx context.Context, id string) (*models.FollowUp, error)
	// CompleteFollowUp marks a pending reminder done and reports whether it was still pending.
	CompleteFollowUp(ctx context.Context, id string) (bool, error)
	ListPendingFollowUps(ctx context.Context, conversationID string) ([]models.FollowUp, error)
}

var _ FollowUpRepo = (*Store)(nil)

const followUpColumns = `id, account_id, conversation_id, contact_id, due_at, reason, status, created_at`

func scanFollowUp(row rowScanner) (models.FollowUp, error) {
	var f models.FollowUp
	err := row.Scan(&f.ID, &f.AccountID, &f.ConversationID, &f.ContactID, &f.DueAt, &f.Reason, &f.Status, &f.CreatedAt)
	return f, err
}

func (s *Store) CreateFollowUp(ctx context.Context, f *models.FollowUp) error {
	if f.ID == "" {
		f.ID = util.NewID("fu_")
	}
	f.Status = models.FollowUpPending
	f.CreatedAt = s.now()
	_, err := s.exec(ctx,
		`INSERT INTO followups (`+followUpColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.ConversationID, f.ContactID, f.DueAt.UTC(), f.Reason, f.Status, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create follow-up failed: %w", err)
	}
	return nil
}

func (s *Store) GetFollowUp(ctx context.Context, id string) (*models.FollowUp, error) {
	f, err := scanFollowUp(s.queryRow(ctx, `SELECT `+followUpColumns+` FROM followups WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get follow-up")
	}
	return &f, nil
}

func (s *Store) CompleteFollowUp(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE followups SET status = ? WHERE id = ? AND status = ?`,
		models.FollowUpDone, id, models.FollowUpPending)
	if err != nil {
		return false, fmt.Errorf("complete follow-up failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) ListPendingFollowUps(ctx context.Context, conversationID string) ([]models.FollowUp, error) {
	rows, err := s.query(ctx,
		`SELECT `+followUpColumns+` FROM followups WHERE conversation_id = ? AND status = ? ORDER BY due_at`,
		conversationID, models.FollowUpPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups failed: %w", err)
	}
	defer rows.Close()

	var out []models.FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan follow-up failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
