package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func newTestClient(mock *mockChatService, opts ...Option) *Client {
	c := NewClient(opts...)
	c.newChat = func(string) chatService { return mock }
	return c
}

func TestComplete_TextAndUsage(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Olá, Maria!"}}},
		Usage:   openai.CompletionUsage{PromptTokens: 120, CompletionTokens: 8},
	}}
	c := newTestClient(mock, WithAPIKey("sk-test"))

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "oi"}}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "Olá, Maria!" || resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 8 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(mock.params) != 1 || len(mock.params[0].Tools) != 0 {
		t.Errorf("tools sent without kinds: %+v", mock.params)
	}
	if mock.params[0].Model != openai.ChatModel(DefaultModel) {
		t.Errorf("model = %v", mock.params[0].Model)
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			ToolCalls: []openai.ChatCompletionMessageToolCall{{
				ID:       "call_1",
				Function: openai.ChatCompletionMessageToolCallFunction{Name: "execute-action", Arguments: `{"kind":"tag","value":"vip"}`},
			}},
		}}},
	}}
	c := newTestClient(mock)

	temp := 0.0
	resp, err := c.Complete(context.Background(), Request{
		APIKey:      "sk-account",
		Model:       "gpt-4o",
		Tools:       []models.ActionKind{models.ActionTag, models.ActionScheduling},
		Temperature: &temp,
		Messages:    []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "oi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	params, kind, err := resp.ToolCalls[0].Function.ParseExecuteActionParams()
	if err != nil || kind != models.ActionTag || params.Value != "vip" {
		t.Errorf("ParseExecuteActionParams = %+v, %q, %v", params, kind, err)
	}
	if len(mock.params[0].Tools) != 1 || mock.params[0].Tools[0].Function.Name != "execute-action" {
		t.Errorf("tool definition not sent: %+v", mock.params[0].Tools)
	}
	if mock.params[0].Model != "gpt-4o" {
		t.Errorf("request model ignored: %v", mock.params[0].Model)
	}
}

func TestComplete_Errors(t *testing.T) {
	c := newTestClient(&mockChatService{})
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}

	c = newTestClient(&mockChatService{err: errors.New("service failure")}, WithAPIKey("k"))
	if _, err := c.Complete(context.Background(), Request{}); err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}

	c = newTestClient(&mockChatService{resp: openai.ChatCompletion{}}, WithAPIKey("k"))
	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestChatForCachesPerKey(t *testing.T) {
	c := NewClient()
	created := 0
	c.newChat = func(string) chatService {
		created++
		return &mockChatService{}
	}
	for _, key := range []string{"a", "b", "a"} {
		if _, err := c.chatFor(key); err != nil {
			t.Fatalf("chatFor(%q) failed: %v", key, err)
		}
	}
	if created != 2 {
		t.Errorf("created %d services, want 2", created)
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := ToOpenAIMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "oi"},
		{Role: RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Function: models.FunctionCall{Name: "execute-action", Arguments: []byte(`{}`)}}}},
		{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "c1"},
		{Role: RoleAssistant, Content: "pronto"},
		{Role: Role("narrator"), Content: "ignored"},
	})
	if len(msgs) != 5 {
		t.Fatalf("converted %d messages, want 5", len(msgs))
	}
	if msgs[2].OfAssistant == nil || len(msgs[2].OfAssistant.ToolCalls) != 1 || msgs[2].OfAssistant.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool call not converted: %+v", msgs[2])
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "c1" {
		t.Errorf("tool message not converted: %+v", msgs[3])
	}
}

func TestExecuteActionToolEnum(t *testing.T) {
	tool := ExecuteActionTool([]models.ActionKind{models.ActionTag, models.ActionSetField})
	props := tool.Function.Parameters["properties"].(map[string]interface{})
	kind := props["kind"].(map[string]interface{})
	if enum := kind["enum"].([]string); len(enum) != 2 || enum[1] != "set-field" {
		t.Errorf("enum = %v", kind["enum"])
	}
}
