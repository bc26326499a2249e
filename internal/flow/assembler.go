package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CRMPipe/internal/dispatch"
	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/genai"
	"github.com/BTreeMap/CRMPipe/internal/models"
)

// AssemblerStore is the persistence the assembler reads, plus the active stage write.
type AssemblerStore interface {
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	ListFieldValues(ctx context.Context, contactID string) ([]models.CustomFieldValue, error)
	ClientStatus(ctx context.Context, contactID string) (bool, string, error)
	SetActiveStage(ctx context.Context, conversationID, stageID string) error
	RecentDialogue(ctx context.Context, conversationID string, since *time.Time, limit int) ([]models.Message, error)
}

// Script is the agent script resolved for one turn.
type Script struct {
	Agent  models.Agent
	Active *models.AgentStage
	Next   *models.AgentStage
}

// Prompt is the assembled model input plus what the rest of the turn needs from it.
type Prompt struct {
	Messages     []genai.Message
	Allowed      dsl.ConfiguredSet
	History      []models.HistoryEntry
	Script       Script
	Contact      *models.Contact
	Instructions []dsl.Instruction
}

// AssembleInput is what the assembler needs for one turn.
type AssembleInput struct {
	Account         models.Account
	Conversation    *models.Conversation
	Agent           models.Agent
	UserTurn        string
	SuppressHistory bool
}

// Assembler builds the ordered message list for the model.
type Assembler struct {
	store        AssemblerStore
	dir          *dispatch.Directory
	parser       *dsl.Parser
	previewChars int
	historyLimit int
	now          func() time.Time
}

// NewAssembler creates an Assembler.
func NewAssembler(store AssemblerStore, dir *dispatch.Directory, parser *dsl.Parser, previewChars, historyLimit int, now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{store: store, dir: dir, parser: parser, previewChars: previewChars, historyLimit: historyLimit, now: now}
}

// Assemble resolves the script and builds the prompt. When the conversation has no active
// stage yet, the first stage is persisted as active before anything else.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*Prompt, error) {
	script, err := a.resolveScript(ctx, in.Conversation, in.Agent)
	if err != nil {
		return nil, err
	}

	scriptText := in.Agent.Prompt
	if script.Active != nil {
		scriptText += "\n" + script.Active.Instructions
	}
	allowed := a.parser.Configured(in.Agent.Prompt, activeInstructions(script))
	instructions := a.parser.Placeholders(scriptText)

	contact, err := a.store.GetContact(ctx, in.Conversation.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	fields, err := a.store.ListFieldValues(ctx, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("load field values: %w", err)
	}
	isClient, clientStage, err := a.store.ClientStatus(ctx, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("load client status: %w", err)
	}

	var history []models.HistoryEntry
	if !in.SuppressHistory {
		if history, err = a.history(ctx, in.Conversation, in.Agent); err != nil {
			return nil, err
		}
	}

	system := a.systemPrompt(systemParts{
		account:      in.Account,
		agent:        in.Agent,
		script:       script,
		contact:      contact,
		fields:       fields,
		isClient:     isClient,
		clientStage:  clientStage,
		allowed:      allowed,
		instructions: instructions,
	})

	msgs := make([]genai.Message, 0, len(history)+2)
	msgs = append(msgs, genai.Message{Role: genai.RoleSystem, Content: system})
	for _, h := range history {
		msgs = append(msgs, historyMessage(h))
	}
	msgs = append(msgs, genai.Message{Role: genai.RoleUser, Content: in.UserTurn})

	slog.Debug("Assembler.Assemble: prompt built", "conversationID", in.Conversation.ID,
		"activeStage", stageName(script.Active), "history", len(history), "allowedKinds", len(allowed.Kinds()),
		"placeholders", len(instructions), "systemLength", len(system))

	return &Prompt{
		Messages:     msgs,
		Allowed:      allowed,
		History:      history,
		Script:       script,
		Contact:      contact,
		Instructions: instructions,
	}, nil
}

func activeInstructions(s Script) string {
	if s.Active == nil {
		return ""
	}
	return s.Active.Instructions
}

func stageName(s *models.AgentStage) string {
	if s == nil {
		return ""
	}
	return s.Name
}

func (a *Assembler) resolveScript(ctx context.Context, conv *models.Conversation, agent models.Agent) (Script, error) {
	script := Script{Agent: agent}
	stages, err := a.dir.AgentStages(ctx, agent.ID)
	if err != nil {
		return script, fmt.Errorf("load agent stages: %w", err)
	}
	if len(stages) == 0 {
		return script, nil
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })

	idx := -1
	for i := range stages {
		if stages[i].ID == conv.ActiveStageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		if err := a.store.SetActiveStage(ctx, conv.ID, stages[0].ID); err != nil {
			return script, fmt.Errorf("persist first stage: %w", err)
		}
		conv.ActiveStageID = stages[0].ID
		slog.Info("Assembler.resolveScript: first stage activated", "conversationID", conv.ID, "stage", stages[0].Name)
	}
	active := stages[idx]
	script.Active = &active
	if idx+1 < len(stages) {
		next := stages[idx+1]
		script.Next = &next
	}
	return script, nil
}

// history loads the transcript, oldest first, bounded by the number of dialogue messages so
// internal records do not crowd them out. Inbound entries after the last non-inbound entry
// are the current turn and are left out.
func (a *Assembler) history(ctx context.Context, conv *models.Conversation, agent models.Agent) ([]models.HistoryEntry, error) {
	limit := agent.HistoryLimit
	if limit <= 0 {
		limit = a.historyLimit
	}
	msgs, err := a.store.RecentDialogue(ctx, conv.ID, conv.MemoryResetAt, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	end := len(msgs)
	for end > 0 && msgs[end-1].Direction == models.DirectionInbound {
		end--
	}
	out := make([]models.HistoryEntry, 0, end)
	for _, m := range msgs[:end] {
		out = append(out, models.HistoryEntry{Direction: m.Direction, Kind: m.Kind, Text: m.Body, At: m.CreatedAt})
	}
	return out, nil
}

func historyMessage(h models.HistoryEntry) genai.Message {
	switch h.Direction {
	case models.DirectionInbound:
		return genai.Message{Role: genai.RoleUser, Content: h.Text}
	case models.DirectionOutbound:
		return genai.Message{Role: genai.RoleAssistant, Content: h.Text}
	}
	return genai.Message{Role: genai.RoleSystem, Content: "Internal record (never repeat it to the contact): " + h.Text}
}

type systemParts struct {
	account      models.Account
	agent        models.Agent
	script       Script
	contact      *models.Contact
	fields       []models.CustomFieldValue
	isClient     bool
	clientStage  string
	allowed      dsl.ConfiguredSet
	instructions []dsl.Instruction
}

func (a *Assembler) systemPrompt(p systemParts) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.agent.Prompt))
	b.WriteString("\n\n")

	loc := p.account.Location()
	now := a.now().In(loc)
	fmt.Fprintf(&b, "CURRENT DATE AND TIME: %s (%s, time zone %s)\n\n",
		now.Format("2006-01-02 15:04"), weekdayNames[now.Weekday()], loc)

	b.WriteString("CONTACT:\n")
	fmt.Fprintf(&b, "- Name: %s\n", orUnknown(p.contact.Name))
	fmt.Fprintf(&b, "- Phone: %s\n", orUnknown(p.contact.Phone))
	if len(p.contact.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(p.contact.Tags, ", "))
	}
	for _, f := range p.fields {
		fmt.Fprintf(&b, "- %s: %s\n", f.FieldName, f.Value)
	}
	b.WriteString("\nCRM STATUS:\n")
	if p.isClient {
		fmt.Fprintf(&b, "- The contact IS already a client")
		if p.clientStage != "" {
			fmt.Fprintf(&b, " (stage %s)", p.clientStage)
		}
		b.WriteString(". Do not treat them as a new lead.\n")
	} else {
		b.WriteString("- The contact is NOT a client yet.\n")
	}

	if p.script.Active != nil {
		fmt.Fprintf(&b, "\nCURRENT STAGE: %s\n%s\n", p.script.Active.Name, strings.TrimSpace(p.script.Active.Instructions))
		if p.script.Next != nil {
			fmt.Fprintf(&b, "\nNEXT STAGE PREVIEW (do not start it before the current stage is complete): %s\n%s\n",
				p.script.Next.Name, truncate(strings.TrimSpace(a.parser.Strip(p.script.Next.Instructions)), a.previewChars))
		}
	}

	kinds := p.allowed.Kinds()
	b.WriteString("\nAVAILABLE ACTIONS:\n")
	if len(kinds) == 0 {
		b.WriteString("- None configured for this stage besides client verification, scheduling and set-name.\n")
	}
	for _, k := range kinds {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	if fields := p.allowed.Fields(); len(fields) > 0 {
		fmt.Fprintf(&b, "Fields you may save with set-field: %s\n", strings.Join(fields, ", "))
	}
	b.WriteString("Run actions only through the execute-action tool. Scheduling values: " +
		"\"check|<calendar>|<YYYY-MM-DD>\" and \"create|<calendar>|<YYYY-MM-DD HH:MM>\". " +
		"Follow-up values: \"<when>|<reason>\".\n")

	if len(p.instructions) > 0 {
		b.WriteString("\nPLACEHOLDERS:\n")
		for _, in := range p.instructions {
			fmt.Fprintf(&b, "- %s\n", in.Text)
		}
	}

	b.WriteString("\nRULES:\n")
	b.WriteString("- Text in quotes in the script must be sent exactly as written; only replace the {markers}.\n")
	b.WriteString("- Never say an appointment is booked or send a meeting link unless the scheduling tool confirmed it.\n")
	b.WriteString("- Never mention actions, tools or internal records to the contact.\n")
	b.WriteString("- Follow the current stage only; never skip ahead or go back to earlier stages.\n")
	return b.String()
}

var weekdayNames = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// truncate cuts s to at most n runes, adding an ellipsis when cut.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}
