// Package filter narrows the actions proposed by the model during a turn down to the ones
// that are allowed to execute.
//
// Apply is pure: it reads the proposals, the configured action set of the active script and
// the inferred expected field, and returns the executable actions plus the discarded ones with
// a reason. It never touches the datastore or the model.
package filter

import (
	"strings"

	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// Discard reasons.
const (
	ReasonNotConfigured      = "kind not configured in script"
	ReasonFieldNotConfigured = "field not configured in script"
	ReasonUnexpectedField    = "field does not match the question asked"
	ReasonPlaceholder        = "unresolved placeholder"
	ReasonDuplicate          = "duplicate action"
	ReasonStructuralCap      = "structural action cap"
	ReasonCaptureCap         = "capture action cap"
	ReasonMalformed          = "malformed value"
)

// Config holds the tunables of the filter.
type Config struct {
	CaptureCap          int                 // capture actions kept when the cap applies
	StructuralCap       int                 // structural actions allowed before the cap applies
	TotalThreshold      int                 // executable actions allowed before the cap applies
	FieldScoreThreshold int                 // minimum score to accept an expected field
	PhraseScore         int                 // score for a multi-word field phrase found in the question
	WordScore           int                 // score per significant field word found in the question
	StopWords           []string            // words ignored when scoring field names
	Priority            []models.ActionKind // structural kind kept when capping, highest first
}

// DefaultConfig returns the tunables used when no configuration file overrides them.
func DefaultConfig() Config {
	return Config{
		CaptureCap:          5,
		StructuralCap:       1,
		TotalThreshold:      3,
		FieldScoreThreshold: 3,
		PhraseScore:         10,
		WordScore:           3,
		StopWords: []string{
			"a", "o", "as", "os", "de", "da", "do", "das", "dos", "e", "em", "no", "na", "um", "uma",
			"para", "por", "com", "seu", "sua", "qual", "quais", "the", "of", "and", "to", "for",
			"your", "my", "is", "what",
		},
		Priority: []models.ActionKind{
			models.ActionCreateDeal, models.ActionGotoStage, models.ActionStageMove, models.ActionFollowUp,
			models.ActionScheduling, models.ActionTransfer, models.ActionEndConversation, models.ActionTag,
			models.ActionNotify,
		},
	}
}

// Input is everything Apply needs for one turn.
type Input struct {
	Proposed      []models.ProposedAction
	Allowed       dsl.ConfiguredSet
	ExpectedField string // empty when no single field is expected
	UserMessage   string // literal current user text used to fill set-field placeholders
}

// Result is the outcome of Apply.
type Result struct {
	Executable []models.ProposedAction
	Discarded  []models.DiscardedAction
}

// Apply filters, deduplicates and caps the proposed actions.
// Actions already executed inside the tool loop pass straight through and are not counted.
func Apply(in Input, cfg Config) Result {
	var res Result
	discard := func(a models.ProposedAction, reason string) {
		res.Discarded = append(res.Discarded, models.DiscardedAction{Action: a, Reason: reason})
	}

	var candidates []models.ProposedAction
	seen := make(map[string]bool)
	for _, a := range in.Proposed {
		if a.Executed {
			res.Executable = append(res.Executable, a)
			continue
		}

		if a.Kind == models.ActionSetField {
			var ok bool
			if a, ok = substitute(a, in.UserMessage); !ok {
				discard(a, ReasonMalformed)
				continue
			}
		}
		if strings.ContainsAny(a.Value, "{}") {
			discard(a, ReasonPlaceholder)
			continue
		}
		if !in.Allowed.Allows(a.Kind) {
			discard(a, ReasonNotConfigured)
			continue
		}
		if a.Kind == models.ActionSetField {
			field := dsl.FieldOf(a.Value)
			if !in.Allowed.HasField(field) {
				discard(a, ReasonFieldNotConfigured)
				continue
			}
			if in.ExpectedField != "" && !resolve.Equal(field, in.ExpectedField) {
				discard(a, ReasonUnexpectedField)
				continue
			}
		}
		if seen[a.Key()] {
			discard(a, ReasonDuplicate)
			continue
		}
		seen[a.Key()] = true
		candidates = append(candidates, a)
	}

	kept, dropped := applyCap(candidates, cfg)
	res.Executable = append(res.Executable, kept...)
	res.Discarded = append(res.Discarded, dropped...)
	return res
}

// substitute fills an empty or placeholder set-field value with the literal user message.
func substitute(a models.ProposedAction, userMessage string) (models.ProposedAction, bool) {
	field, value := dsl.SplitValue(models.ActionSetField, a.Value)
	if field == "" || strings.ContainsAny(field, "{}") {
		return a, false
	}
	if value != "" && !strings.ContainsAny(value, "{}") {
		return a, true
	}
	literal := strings.TrimSpace(userMessage)
	if literal == "" {
		return a, false
	}
	a.Value = field + ":" + literal
	return a, true
}

// structural treats scheduling proposals that did not run in the loop like structural ones.
func structural(k models.ActionKind) bool {
	return k.IsStructural() || k == models.ActionScheduling
}

func applyCap(actions []models.ProposedAction, cfg Config) ([]models.ProposedAction, []models.DiscardedAction) {
	structuralCount := 0
	for _, a := range actions {
		if structural(a.Kind) {
			structuralCount++
		}
	}
	if structuralCount <= cfg.StructuralCap && len(actions) <= cfg.TotalThreshold {
		return actions, nil
	}

	chosen := -1
	for i, a := range actions {
		if !structural(a.Kind) {
			continue
		}
		if chosen < 0 || rank(a.Kind, cfg.Priority) < rank(actions[chosen].Kind, cfg.Priority) {
			chosen = i
		}
	}

	var kept []models.ProposedAction
	var dropped []models.DiscardedAction
	captures := 0
	for i, a := range actions {
		switch {
		case a.Kind.IsCapture():
			if captures < cfg.CaptureCap {
				captures++
				kept = append(kept, a)
			} else {
				dropped = append(dropped, models.DiscardedAction{Action: a, Reason: ReasonCaptureCap})
			}
		case structural(a.Kind):
			if i == chosen {
				kept = append(kept, a)
			} else {
				dropped = append(dropped, models.DiscardedAction{Action: a, Reason: ReasonStructuralCap})
			}
		default:
			kept = append(kept, a)
		}
	}
	return kept, dropped
}

func rank(k models.ActionKind, priority []models.ActionKind) int {
	for i, p := range priority {
		if p == k {
			return i
		}
	}
	return len(priority)
}
