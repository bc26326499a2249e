package dsl

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// Instruction tells the model how to fill one placeholder template.
type Instruction struct {
	Token  Token
	Marker string // the brace marker, e.g. "{email}"
	Text   string
}

// Placeholders returns one instruction per distinct placeholder template in text.
func Placeholders(text string) []Instruction { return defaultParser.Placeholders(text) }

// Placeholders returns one instruction per distinct placeholder template in text.
func (p *Parser) Placeholders(text string) []Instruction {
	var out []Instruction
	seen := make(map[string]bool)
	for _, t := range p.Scan(text) {
		if !t.IsPlaceholder() || seen[t.Raw] {
			continue
		}
		seen[t.Raw] = true
		marker := markerOf(t)
		out = append(out, Instruction{Token: t, Marker: marker, Text: instructionText(t, marker)})
	}
	return out
}

func markerOf(t Token) string {
	for _, f := range []string{t.Value, t.Target} {
		if i := strings.IndexByte(f, '{'); i >= 0 {
			if j := strings.IndexByte(f[i:], '}'); j >= 0 {
				return f[i : i+j+1]
			}
			return f[i:]
		}
	}
	return "{}"
}

func instructionText(t Token, marker string) string {
	template := ToolValue(t)
	slot := strings.ReplaceAll(template, marker, "<exact value the user sent>")
	sample := sampleFor(marker)
	example := strings.ReplaceAll(template, marker, sample)
	return fmt.Sprintf(
		"The script template %s contains the placeholder %s. Never send %s literally. "+
			"When the user supplies this value, call execute-action with kind %q and value %q, "+
			"substituting the literal text from the user's most recent message. "+
			"Example: if the user writes %q, send kind %q with value %q.",
		t.Raw, marker, marker, t.Kind, slot, sample, t.Kind, example)
}

func sampleFor(marker string) string {
	words := strings.Join(resolve.Words(marker), " ")
	switch {
	case strings.Contains(words, "mail"):
		return "maria@example.com"
	case strings.Contains(words, "phone"), strings.Contains(words, "telefone"),
		strings.Contains(words, "whats"), strings.Contains(words, "celular"):
		return "+5511999990000"
	case strings.Contains(words, "date"), strings.Contains(words, "data"):
		return "2025-03-10"
	case strings.Contains(words, "name"), strings.Contains(words, "nome"):
		return "Maria Silva"
	case strings.Contains(words, "cidade"), strings.Contains(words, "city"),
		strings.Contains(words, "estado"), strings.Contains(words, "state"):
		return "São Paulo"
	}
	return "Plano Premium"
}

// ConfiguredSet is the allow-list of action kinds and set-field fields the active script mentions.
type ConfiguredSet struct {
	kinds  map[models.ActionKind]bool
	fields []string
}

// Configured scans the script texts (agent prompt, active stage) for the configured set.
// Placeholder templates count: they configure a kind even though they are not executable.
func Configured(texts ...string) ConfiguredSet { return defaultParser.Configured(texts...) }

// Configured scans the script texts for the configured set.
func (p *Parser) Configured(texts ...string) ConfiguredSet {
	cs := ConfiguredSet{kinds: make(map[models.ActionKind]bool)}
	for _, text := range texts {
		for _, t := range p.Scan(text) {
			cs.kinds[t.Kind] = true
			if t.Kind != models.ActionSetField {
				continue
			}
			field := strings.TrimSpace(t.Target)
			if field == "" || strings.ContainsAny(field, "{}") || cs.HasField(field) {
				continue
			}
			cs.fields = append(cs.fields, field)
		}
	}
	return cs
}

// Has reports whether the script mentions kind.
func (cs ConfiguredSet) Has(kind models.ActionKind) bool { return cs.kinds[kind] }

// Allows reports whether an action of kind may execute this turn.
func (cs ConfiguredSet) Allows(kind models.ActionKind) bool {
	return cs.kinds[kind] || kind.AlwaysAllowed()
}

// Empty reports whether the script configures no action at all.
func (cs ConfiguredSet) Empty() bool { return len(cs.kinds) == 0 }

// Kinds returns the configured kinds in canonical order.
func (cs ConfiguredSet) Kinds() []models.ActionKind {
	var out []models.ActionKind
	for _, k := range models.AllActionKinds {
		if cs.kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

// Fields returns the set-field field names in script order.
func (cs ConfiguredSet) Fields() []string {
	return append([]string(nil), cs.fields...)
}

// HasField reports whether name matches a configured field after normalization.
func (cs ConfiguredSet) HasField(name string) bool {
	for _, f := range cs.fields {
		if resolve.Equal(f, name) {
			return true
		}
	}
	return false
}
