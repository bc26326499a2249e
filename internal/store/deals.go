package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// DealRepo stores pipelines, pipeline stages and deals.
type DealRepo interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) error
	ListPipelines(ctx context.Context, accountID string) ([]models.Pipeline, error)
	CreatePipelineStage(ctx context.Context, st *models.PipelineStage) error
	ListPipelineStages(ctx context.Context, pipelineID string) ([]models.PipelineStage, error)
	GetPipelineStage(ctx context.Context, id string) (*models.PipelineStage, error)

	CreateDeal(ctx context.Context, d *models.Deal) error
	// OpenDeal returns the contact's open deal in the pipeline, or nil.
	OpenDeal(ctx context.Context, contactID, pipelineID string) (*models.Deal, error)
	MoveDeal(ctx context.Context, dealID, stageID string) error
	ListDeals(ctx context.Context, contactID string) ([]models.Deal, error)

	// ClientStatus reports whether the contact is a client: it has a won deal or a deal in a
	// stage flagged is_client. stageName names the stage that made it one.
	ClientStatus(ctx context.Context, contactID string) (isClient bool, stageName string, err error)
}

var _ DealRepo = (*Store)(nil)

func (s *Store) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	if p.ID == "" {
		p.ID = util.NewID("pip_")
	}
	if _, err := s.exec(ctx, `INSERT INTO pipelines (id, account_id, name) VALUES (?, ?, ?)`, p.ID, p.AccountID, p.Name); err != nil {
		return fmt.Errorf("create pipeline failed: %w", err)
	}
	return nil
}

func (s *Store) ListPipelines(ctx context.Context, accountID string) ([]models.Pipeline, error) {
	rows, err := s.query(ctx, `SELECT id, account_id, name FROM pipelines WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines failed: %w", err)
	}
	defer rows.Close()

	var out []models.Pipeline
	for rows.Next() {
		var p models.Pipeline
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan pipeline failed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePipelineStage(ctx context.Context, st *models.PipelineStage) error {
	if st.ID == "" {
		st.ID = util.NewID("ps_")
	}
	_, err := s.exec(ctx,
		`INSERT INTO pipeline_stages (id, pipeline_id, name, position, is_client) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.PipelineID, st.Name, st.Position, st.IsClient,
	)
	if err != nil {
		return fmt.Errorf("create pipeline stage failed: %w", err)
	}
	return nil
}

func (s *Store) ListPipelineStages(ctx context.Context, pipelineID string) ([]models.PipelineStage, error) {
	rows, err := s.query(ctx,
		`SELECT id, pipeline_id, name, position, is_client FROM pipeline_stages WHERE pipeline_id = ? ORDER BY position, id`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline stages failed: %w", err)
	}
	defer rows.Close()

	var out []models.PipelineStage
	for rows.Next() {
		var st models.PipelineStage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Position, &st.IsClient); err != nil {
			return nil, fmt.Errorf("scan pipeline stage failed: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetPipelineStage(ctx context.Context, id string) (*models.PipelineStage, error) {
	var st models.PipelineStage
	err := s.queryRow(ctx, `SELECT id, pipeline_id, name, position, is_client FROM pipeline_stages WHERE id = ?`, id).
		Scan(&st.ID, &st.PipelineID, &st.Name, &st.Position, &st.IsClient)
	if err != nil {
		return nil, notFound(err, "get pipeline stage")
	}
	return &st, nil
}

const dealColumns = `id, account_id, contact_id, pipeline_id, stage_id, title, status, created_at, updated_at`

func scanDeal(row rowScanner) (models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.AccountID, &d.ContactID, &d.PipelineID, &d.StageID, &d.Title, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *Store) CreateDeal(ctx context.Context, d *models.Deal) error {
	if d.ID == "" {
		d.ID = util.NewID("deal_")
	}
	if d.Status == "" {
		d.Status = models.DealStatusOpen
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.exec(ctx,
		`INSERT INTO deals (`+dealColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AccountID, d.ContactID, d.PipelineID, d.StageID, d.Title, d.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("create deal failed: %w", err)
	}
	return nil
}

func (s *Store) OpenDeal(ctx context.Context, contactID, pipelineID string) (*models.Deal, error) {
	d, err := scanDeal(s.queryRow(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE contact_id = ? AND pipeline_id = ? AND status = 'open'
		 ORDER BY updated_at DESC LIMIT 1`,
		contactID, pipelineID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open deal lookup failed: %w", err)
	}
	return &d, nil
}

func (s *Store) MoveDeal(ctx context.Context, dealID, stageID string) error {
	res, err := s.exec(ctx, `UPDATE deals SET stage_id = ?, updated_at = ? WHERE id = ?`, stageID, s.now(), dealID)
	if err != nil {
		return fmt.Errorf("move deal failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("move deal: %w", models.ErrNotFound)
	}
	return nil
}

func (s *Store) ListDeals(ctx context.Context, contactID string) ([]models.Deal, error) {
	rows, err := s.query(ctx, `SELECT `+dealColumns+` FROM deals WHERE contact_id = ? ORDER BY created_at`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list deals failed: %w", err)
	}
	defer rows.Close()

	var out []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal failed: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClientStatus(ctx context.Context, contactID string) (bool, string, error) {
	var name string
	err := s.queryRow(ctx,
		`SELECT ps.name FROM deals d JOIN pipeline_stages ps ON ps.id = d.stage_id
		 WHERE d.contact_id = ? AND (ps.is_client = ? OR d.status = 'won')
		 ORDER BY d.updated_at DESC LIMIT 1`,
		contactID, true,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("client status lookup failed: %w", err)
	}
	return true, name, nil
}
