// Package config loads the engine tunables of CRMPipe.
//
// Word lists, thresholds and timeouts live in an embedded defaults.yaml. An operator file
// passed at startup is decoded on top of the defaults, so every key is optional.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CRMPipe/internal/filter"
	"github.com/BTreeMap/CRMPipe/internal/models"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxFileSize bounds the operator configuration file.
const MaxFileSize = 1 << 20

// Config is the full engine configuration.
type Config struct {
	Loop        LoopConfig        `yaml:"loop"`
	Assembler   AssemblerConfig   `yaml:"assembler"`
	Guard       GuardConfig       `yaml:"guard"`
	Words       WordLists         `yaml:"words"`
	Filter      FilterConfig      `yaml:"filter"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	DSL         DSLConfig         `yaml:"dsl"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// LoopConfig drives the tool-calling loop.
type LoopConfig struct {
	MaxRounds            int    `yaml:"max_rounds"`
	SubstantiveMinLength int    `yaml:"substantive_min_length"`
	ForceTextInstruction string `yaml:"force_text_instruction"`
	FinalTextInstruction string `yaml:"final_text_instruction"`
	ToolAckMessage       string `yaml:"tool_ack_message"`
}

// AssemblerConfig shapes the prompt.
type AssemblerConfig struct {
	NextStagePreviewChars int `yaml:"next_stage_preview_chars"`
	HistoryLimit          int `yaml:"history_limit"` // used when the agent sets none
}

// GuardConfig configures the hallucination guard.
type GuardConfig struct {
	ClarifyingFallback  string   `yaml:"clarifying_fallback"`
	BookingClaimPhrases []string `yaml:"booking_claim_phrases"`
	MeetingLinkPatterns []string `yaml:"meeting_link_patterns"`
}

// WordLists holds the phrases used to tell filler replies from substantive ones.
type WordLists struct {
	Greetings []string `yaml:"greetings"`
	Fillers   []string `yaml:"fillers"`
}

// FilterConfig mirrors filter.Config in YAML form.
type FilterConfig struct {
	CaptureCap          int      `yaml:"capture_cap"`
	StructuralCap       int      `yaml:"structural_cap"`
	TotalThreshold      int      `yaml:"total_threshold"`
	FieldScoreThreshold int      `yaml:"field_score_threshold"`
	PhraseScore         int      `yaml:"phrase_score"`
	WordScore           int      `yaml:"word_score"`
	StopWords           []string `yaml:"stop_words"`
	Priority            []string `yaml:"priority"`
}

// TriggerConfig configures debounce and the processed-message ledger.
type TriggerConfig struct {
	Debounce        time.Duration `yaml:"debounce"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ClaimLimit      int           `yaml:"claim_limit"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`
}

// TimeoutConfig bounds blocking calls inside a turn.
type TimeoutConfig struct {
	Model    time.Duration `yaml:"model"`
	Executor time.Duration `yaml:"executor"`
}

// DispatchConfig configures action handlers.
type DispatchConfig struct {
	EndConversationOffset time.Duration `yaml:"end_conversation_offset"`
	FollowUpDefaultHour   int           `yaml:"follow_up_default_hour"`
}

// MaintenanceConfig holds the cron schedules of housekeeping tasks.
type MaintenanceConfig struct {
	LedgerPurge string `yaml:"ledger_purge"` // prunes the processed-message ledger
	Recovery    string `yaml:"recovery"`     // requeues jobs and outbox messages stuck by a crash
}

// DSLConfig adds localized spellings of action kinds.
type DSLConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

// Default returns the embedded defaults.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	cfg.Filter.StopWords = filter.DefaultConfig().StopWords
	return cfg
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	slog.Debug("config.Load: read configuration file", "path", path, "bytes", len(data))
	return Parse(data)
}

// Parse decodes data on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(data) > MaxFileSize {
		return cfg, fmt.Errorf("config exceeds maximum size (%d > %d)", len(data), MaxFileSize)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges, action kind names and link patterns.
func (c Config) Validate() error {
	if c.Loop.MaxRounds < 2 {
		return fmt.Errorf("loop.max_rounds must be at least 2, got %d", c.Loop.MaxRounds)
	}
	if c.Guard.ClarifyingFallback == "" {
		return fmt.Errorf("guard.clarifying_fallback must not be empty")
	}
	if c.Filter.CaptureCap < 1 || c.Filter.TotalThreshold < 1 || c.Filter.StructuralCap < 1 {
		return fmt.Errorf("filter caps must be positive")
	}
	for _, p := range c.Filter.Priority {
		if _, ok := models.ParseActionKind(p); !ok {
			return fmt.Errorf("filter.priority: unknown action kind %q", p)
		}
	}
	for alias, kind := range c.DSL.Aliases {
		if _, ok := models.ParseActionKind(kind); !ok {
			return fmt.Errorf("dsl.aliases[%s]: unknown action kind %q", alias, kind)
		}
	}
	if _, err := c.Guard.LinkPatterns(); err != nil {
		return err
	}
	if c.Trigger.Debounce < 0 || c.Timeouts.Model <= 0 || c.Timeouts.Executor <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}

// FilterConfig converts the YAML section into filter.Config.
func (c Config) FilterConfig() filter.Config {
	fc := filter.Config{
		CaptureCap:          c.Filter.CaptureCap,
		StructuralCap:       c.Filter.StructuralCap,
		TotalThreshold:      c.Filter.TotalThreshold,
		FieldScoreThreshold: c.Filter.FieldScoreThreshold,
		PhraseScore:         c.Filter.PhraseScore,
		WordScore:           c.Filter.WordScore,
		StopWords:           c.Filter.StopWords,
	}
	for _, p := range c.Filter.Priority {
		if k, ok := models.ParseActionKind(p); ok {
			fc.Priority = append(fc.Priority, k)
		}
	}
	return fc
}

// Aliases returns the DSL aliases as action kinds, skipping unknown kinds.
func (c Config) Aliases() map[string]models.ActionKind {
	out := make(map[string]models.ActionKind, len(c.DSL.Aliases))
	for alias, kind := range c.DSL.Aliases {
		if k, ok := models.ParseActionKind(kind); ok {
			out[alias] = k
		}
	}
	return out
}

// LinkPatterns compiles the meeting link patterns case-insensitively.
func (g GuardConfig) LinkPatterns() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(g.MeetingLinkPatterns))
	for _, p := range g.MeetingLinkPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("guard.meeting_link_patterns: %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
