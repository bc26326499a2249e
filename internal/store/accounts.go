package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// AccountRepo stores accounts, their model credentials, agents and agent script stages.
type AccountRepo interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	UpsertCredential(ctx context.Context, c models.AICredential) error
	// ActiveCredential returns models.ErrNoActiveCredential when the account has none.
	ActiveCredential(ctx context.Context, accountID string) (*models.AICredential, error)

	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, accountID string) ([]models.Agent, error)
	// PrimaryAgent returns models.ErrNoActiveAgent when no active primary agent exists.
	PrimaryAgent(ctx context.Context, accountID string) (*models.Agent, error)

	CreateAgentStage(ctx context.Context, st *models.AgentStage) error
	// ListAgentStages returns the stages of an agent ordered by position.
	ListAgentStages(ctx context.Context, agentID string) ([]models.AgentStage, error)
}

var _ AccountRepo = (*Store)(nil)

func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.ID == "" {
		a.ID = util.NewID("acc_")
	}
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	_, err := s.exec(ctx,
		`INSERT INTO accounts (id, name, timezone, notify_phone) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.Timezone, a.NotifyPhone,
	)
	if err != nil {
		return fmt.Errorf("create account failed: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.queryRow(ctx, `SELECT id, name, timezone, notify_phone FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Timezone, &a.NotifyPhone)
	if err != nil {
		return nil, notFound(err, "get account")
	}
	return &a, nil
}

func (s *Store) UpsertCredential(ctx context.Context, c models.AICredential) error {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	_, err := s.exec(ctx,
		`INSERT INTO ai_credentials (account_id, provider, api_key, model, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, provider) DO UPDATE SET api_key = excluded.api_key, model = excluded.model, active = excluded.active`,
		c.AccountID, c.Provider, c.APIKey, c.Model, c.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert credential failed: %w", err)
	}
	return nil
}

func (s *Store) ActiveCredential(ctx context.Context, accountID string) (*models.AICredential, error) {
	var c models.AICredential
	err := s.queryRow(ctx,
		`SELECT account_id, provider, api_key, model, active FROM ai_credentials
		 WHERE account_id = ? AND active = ? AND api_key <> '' ORDER BY provider LIMIT 1`,
		accountID, true,
	).Scan(&c.AccountID, &c.Provider, &c.APIKey, &c.Model, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoActiveCredential
	}
	if err != nil {
		return nil, fmt.Errorf("active credential lookup failed: %w", err)
	}
	return &c, nil
}

const agentColumns = `id, account_id, name, prompt, model, max_tokens, temperature, history_limit, is_primary, active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (models.Agent, error) {
	var a models.Agent
	var temp sql.NullFloat64
	err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.Prompt, &a.Model, &a.MaxTokens, &temp, &a.HistoryLimit, &a.IsPrimary, &a.Active)
	if temp.Valid {
		t := temp.Float64
		a.Temperature = &t
	}
	return a, err
}

func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = util.NewID("agt_")
	}
	if a.HistoryLimit <= 0 {
		a.HistoryLimit = 20
	}
	var temp interface{}
	if a.Temperature != nil {
		temp = *a.Temperature
	}
	_, err := s.exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.Name, a.Prompt, a.Model, a.MaxTokens, temp, a.HistoryLimit, a.IsPrimary, a.Active,
	)
	if err != nil {
		return fmt.Errorf("create agent failed: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get agent")
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, accountID string) ([]models.Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list agents failed: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent failed: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) PrimaryAgent(ctx context.Context, accountID string) (*models.Agent, error) {
	a, err := scanAgent(s.queryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE account_id = ? AND is_primary = ? AND active = ? LIMIT 1`,
		accountID, true, true,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoActiveAgent
	}
	if err != nil {
		return nil, fmt.Errorf("primary agent lookup failed: %w", err)
	}
	return &a, nil
}

func (s *Store) CreateAgentStage(ctx context.Context, st *models.AgentStage) error {
	if st.ID == "" {
		st.ID = util.NewID("stg_")
	}
	_, err := s.exec(ctx,
		`INSERT INTO agent_stages (id, agent_id, position, name, instructions) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.AgentID, st.Position, st.Name, st.Instructions,
	)
	if err != nil {
		return fmt.Errorf("create agent stage failed: %w", err)
	}
	return nil
}

func (s *Store) ListAgentStages(ctx context.Context, agentID string) ([]models.AgentStage, error) {
	rows, err := s.query(ctx,
		`SELECT id, agent_id, position, name, instructions FROM agent_stages WHERE agent_id = ? ORDER BY position, id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent stages failed: %w", err)
	}
	defer rows.Close()

	var out []models.AgentStage
	for rows.Next() {
		var st models.AgentStage
		if err := rows.Scan(&st.ID, &st.AgentID, &st.Position, &st.Name, &st.Instructions); err != nil {
			return nil, fmt.Errorf("scan agent stage failed: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
