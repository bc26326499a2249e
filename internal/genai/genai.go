// Package genai is the chat-completion transport of CRMPipe.
//
// It wraps the OpenAI chat completions API behind provider-neutral Request and Response
// types, exposes the single execute-action tool, and keeps one SDK client per API key so
// each account talks to the model with its own credential.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

// Default model parameters.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.4
	DefaultMaxTokens   = 1024
)

var (
	// ErrNoChoicesReturned is returned when the provider answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoAPIKey is returned when neither the request nor the client carries a key.
	ErrNoAPIKey = errors.New("no API key for model call")
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string            `json:"tool_call_id,omitempty"` // tool messages only
}

// Request is one chat-completion call.
type Request struct {
	APIKey      string              `json:"-"`
	Model       string              `json:"model,omitempty"`
	Messages    []Message           `json:"messages"`
	Tools       []models.ActionKind `json:"tools,omitempty"` // kinds offered through execute-action; empty omits the tool
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is the assistant answer of one call.
type Response struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage             `json:"usage"`
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChat adapts the SDK client to chatService.
type openAIChat struct {
	client openai.Client
}

func (o *openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string  // fallback key used when a request carries none
	BaseURL     string  // optional OpenAI-compatible endpoint
	Model       string  // default model
	Temperature float64 // default temperature
	MaxTokens   int     // default completion token cap
	DebugMode   bool    // dump every call under StateDir/debug
	StateDir    string
	RateLimit   rate.Limit // calls per second across the process; 0 disables limiting
	RateBurst   int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the fallback API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables JSON dumps of each call under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// WithRateLimit bounds model calls per second across the process.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimit = rate.Limit(perSecond)
		o.RateBurst = burst
	}
}

// Client sends chat-completion requests with tool calling.
type Client struct {
	mu          sync.Mutex
	chats       map[string]chatService // keyed by API key
	newChat     func(apiKey string) chatService
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
	limiter     *rate.Limiter
}

// NewClient builds a client. Keys may come per request, so none is required here.
func NewClient(opts ...Option) *Client {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("genai.NewClient", "model", cfg.Model, "apiKey_set", cfg.APIKey != "", "baseURL_set", cfg.BaseURL != "", "debug", cfg.DebugMode)

	c := &Client{
		chats:       make(map[string]chatService),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}
	c.newChat = func(apiKey string) chatService {
		reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
		return &openAIChat{client: openai.NewClient(reqOpts...)}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return c
}

func (c *Client) chatFor(apiKey string) (chatService, error) {
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.chats[apiKey]
	if !ok {
		svc = c.newChat(apiKey)
		c.chats[apiKey] = svc
	}
	return svc, nil
}

// Complete sends one chat-completion request and returns the assistant answer.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	chat, err := c.chatFor(req.APIKey)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	params := c.buildParams(req)
	start := time.Now()
	resp, err := chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.Complete: chat completion failed", "model", params.Model, "error", err)
		c.dump("Complete", params, nil, err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	c.dump("Complete", params, &resp, nil)
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Content: msg.Content,
		Usage:   Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)},
		})
	}
	slog.Debug("Client.Complete: response received", "model", params.Model, "toolCalls", len(out.ToolCalls),
		"contentLength", len(out.Content), "promptTokens", out.Usage.PromptTokens, "elapsed", time.Since(start))
	return out, nil
}

func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := c.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            ToOpenAIMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(temp),
	}
	if len(req.Tools) > 0 {
		params.Tools = []openai.ChatCompletionToolParam{ExecuteActionTool(req.Tools)}
	}
	return params
}

// ToOpenAIMessages converts messages into SDK message params.
func ToOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			slog.Warn("genai.ToOpenAIMessages: skipping message with unknown role", "role", m.Role)
		}
	}
	return out
}

// ExecuteActionTool builds the execute-action tool definition restricted to kinds.
func ExecuteActionTool(kinds []models.ActionKind) openai.ChatCompletionToolParam {
	enum := make([]string, 0, len(kinds))
	for _, k := range kinds {
		enum = append(enum, string(k))
	}
	return openai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name: string(models.ToolTypeExecuteAction),
			Description: openai.String("Executes one CRM action from the script. Use the kinds listed in the instructions. " +
				"value formats: stage-move 'pipeline/stage' or 'stage'; create-deal 'pipeline/stage:title'; tag 'name'; " +
				"transfer 'human', 'primary' or an agent name; notify 'target:message'; set-name 'name'; " +
				"set-field 'field:value'; get-field 'field'; goto-stage 'stage'; " +
				"scheduling 'check|calendar|date' or 'create|calendar|YYYY-MM-DD HH:MM'; follow-up 'when|reason'."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"kind": map[string]interface{}{
						"type":        "string",
						"enum":        enum,
						"description": "Action kind",
					},
					"value": map[string]interface{}{
						"type":        "string",
						"description": "Kind-specific argument",
					},
				},
				"required": []string{"kind", "value"},
			},
		},
	}
}

// dump writes one call to stateDir/debug as JSON when debug mode is on.
func (c *Client) dump(method string, params openai.ChatCompletionNewParams, resp *openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.dump: cannot create debug directory", "dir", dir, "error", err)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     string(params.Model),
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.dump: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", strings.ReplaceAll(time.Now().UTC().Format("20060102T150405.000000000"), ".", "_"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.dump: write failed", "error", err)
	}
}
