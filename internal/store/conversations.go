package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// ConversationRepo stores conversations and their append-only transcript.
type ConversationRepo interface {
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// LatestConversation returns the most recently updated conversation between the account
	// and the contact, or models.ErrNotFound.
	LatestConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error)
	// SetActiveStage records the agent script stage the conversation is in.
	SetActiveStage(ctx context.Context, conversationID, stageID string) error
	// AssignAgent points the conversation at agentID. An empty agentID with active false hands
	// the conversation to a human.
	AssignAgent(ctx context.Context, conversationID, agentID string, active bool) error
	// CloseConversation marks the conversation closed, clears its active stage and forgets
	// history before resetAt.
	CloseConversation(ctx context.Context, conversationID string, resetAt time.Time) error
	ReopenConversation(ctx context.Context, conversationID string) error

	AppendMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the whole transcript oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// RecentMessages returns at most limit messages created at or after since, oldest first.
	RecentMessages(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error)
	// RecentDialogue is RecentMessages where only inbound and outbound messages count toward
	// limit. System messages within the returned span are included, at most limit of them.
	RecentDialogue(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error)
	// InboundSinceLastOutbound returns the inbound messages recorded after the last outbound
	// reply, oldest first.
	InboundSinceLastOutbound(ctx context.Context, conversationID string) ([]models.Message, error)
}

var _ ConversationRepo = (*Store)(nil)

const conversationColumns = `id, account_id, contact_id, agent_id, agent_active, status, active_stage_id, memory_reset_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		c.ID = util.NewID("conv_")
	}
	if c.Status == "" {
		c.Status = models.ConversationOpen
	}
	c.UpdatedAt = s.now()
	_, err := s.exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.ContactID, nilIfEmpty(c.AgentID), c.AgentActive, c.Status,
		nilIfEmpty(c.ActiveStageID), nullTime(c.MemoryResetAt), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	var agentID, stageID sql.NullString
	var resetAt sql.NullTime
	err := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).Scan(
		&c.ID, &c.AccountID, &c.ContactID, &agentID, &c.AgentActive, &c.Status, &stageID, &resetAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "get conversation")
	}
	c.AgentID = agentID.String
	c.ActiveStageID = stageID.String
	if resetAt.Valid {
		c.MemoryResetAt = &resetAt.Time
	}
	return &c, nil
}

func (s *Store) LatestConversation(ctx context.Context, accountID, contactID string) (*models.Conversation, error) {
	var id string
	err := s.queryRow(ctx,
		`SELECT id FROM conversations WHERE account_id = ? AND contact_id = ? ORDER BY updated_at DESC LIMIT 1`,
		accountID, contactID,
	).Scan(&id)
	if err != nil {
		return nil, notFound(err, "latest conversation")
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) updateConversation(ctx context.Context, what, set string, args ...interface{}) error {
	res, err := s.exec(ctx, `UPDATE conversations SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}

func (s *Store) SetActiveStage(ctx context.Context, conversationID, stageID string) error {
	return s.updateConversation(ctx, "set active stage", `active_stage_id = ?`,
		nilIfEmpty(stageID), s.now(), conversationID)
}

func (s *Store) AssignAgent(ctx context.Context, conversationID, agentID string, active bool) error {
	return s.updateConversation(ctx, "assign agent", `agent_id = ?, agent_active = ?, active_stage_id = NULL`,
		nilIfEmpty(agentID), active, s.now(), conversationID)
}

func (s *Store) CloseConversation(ctx context.Context, conversationID string, resetAt time.Time) error {
	return s.updateConversation(ctx, "close conversation", `status = ?, active_stage_id = NULL, memory_reset_at = ?`,
		models.ConversationClosed, resetAt.UTC(), s.now(), conversationID)
}

func (s *Store) ReopenConversation(ctx context.Context, conversationID string) error {
	return s.updateConversation(ctx, "reopen conversation", `status = ?`,
		models.ConversationOpen, s.now(), conversationID)
}

const messageColumns = `id, conversation_id, direction, kind, body, provider_id, payload_json, created_at`

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		var providerID, payload sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Kind, &m.Body, &providerID, &payload, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.ProviderID = providerID.String
		m.PayloadJSON = payload.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = util.NewID("msg_")
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Direction, m.Kind, m.Body, nilIfEmpty(m.ProviderID), nilIfEmpty(m.PayloadJSON), m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append message failed: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, `+s.seqColumn(),
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return scanMessages(rows)
}

func (s *Store) RecentMessages(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error) {
	var b strings.Builder
	args := []interface{}{conversationID}
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`)
	if since != nil {
		b.WriteString(` AND created_at >= ?`)
		args = append(args, since.UTC())
	}
	b.WriteString(` ORDER BY created_at DESC, ` + s.seqColumn() + ` DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages failed: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) RecentDialogue(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error) {
	seq := s.seqColumn()
	var b strings.Builder
	args := []interface{}{conversationID}
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND direction <> 'system'`)
	if since != nil {
		b.WriteString(` AND created_at >= ?`)
		args = append(args, since.UTC())
	}
	b.WriteString(` ORDER BY created_at DESC, ` + seq + ` DESC LIMIT ?`)
	args = append(args, limit)
	rows, err := s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("recent dialogue failed: %w", err)
	}
	dialogue, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// System messages from the oldest kept dialogue message on, or from since when the
	// dialogue did not fill the limit.
	from := since
	if len(dialogue) == limit && limit > 0 {
		oldest := dialogue[len(dialogue)-1].CreatedAt
		from = &oldest
	}
	b.Reset()
	args = []interface{}{conversationID}
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND direction = 'system'`)
	if from != nil {
		b.WriteString(` AND created_at >= ?`)
		args = append(args, from.UTC())
	}
	b.WriteString(` ORDER BY created_at DESC, ` + seq + ` DESC LIMIT ?`)
	args = append(args, limit)
	rows, err = s.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("recent system messages failed: %w", err)
	}
	system, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	out := append(dialogue, system...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InboundSinceLastOutbound(ctx context.Context, conversationID string) ([]models.Message, error) {
	seq := s.seqColumn()
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.conversation_id = ? AND m.direction = 'inbound'
		 AND NOT EXISTS (
		   SELECT 1 FROM messages o WHERE o.conversation_id = m.conversation_id AND o.direction = 'outbound'
		   AND (o.created_at > m.created_at OR (o.created_at = m.created_at AND o.`+seq+` > m.`+seq+`))
		 )
		 ORDER BY m.created_at, m.`+seq,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("inbound since last outbound failed: %w", err)
	}
	return scanMessages(rows)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
