// Package dsl reads the action language operators embed in agent scripts.
//
// A token has the form @kind, @kind:target or @kind:target:value. Target and value are either
// quoted ("with spaces"), a brace placeholder ({...}) or a bare word; bare words lose trailing
// sentence punctuation. Tokens whose target or value hold a brace placeholder are templates
// for the model and never become executable actions on their own.
package dsl

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/CRMPipe/internal/models"
)

// Token is one action occurrence in free text.
type Token struct {
	Kind     models.ActionKind
	Target   string
	Value    string
	HasValue bool
	Quoted   bool // target or value was quoted
	Start    int  // byte offset of '@'
	End      int  // byte offset just past the token
	Raw      string
}

// IsPlaceholder reports whether the token still carries a brace marker.
func (t Token) IsPlaceholder() bool {
	return strings.ContainsAny(t.Target, "{}") || strings.ContainsAny(t.Value, "{}")
}

// Opts holds configuration options for a Parser.
type Opts struct {
	Aliases map[string]models.ActionKind // extra kind names, e.g. localized ones
}

// Option defines a configuration option for a Parser.
type Option func(*Opts)

// WithAliases registers extra names for action kinds.
func WithAliases(aliases map[string]models.ActionKind) Option {
	return func(o *Opts) {
		if o.Aliases == nil {
			o.Aliases = make(map[string]models.ActionKind, len(aliases))
		}
		for k, v := range aliases {
			o.Aliases[strings.ToLower(k)] = v
		}
	}
}

// Parser scans text for action tokens.
type Parser struct {
	aliases map[string]models.ActionKind
}

// New creates a Parser.
func New(opts ...Option) *Parser {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Parser{aliases: cfg.Aliases}
}

var defaultParser = New()

// Scan returns every token in text, placeholders included, in text order.
func Scan(text string) []Token { return defaultParser.Scan(text) }

// Parse returns the executable tokens in text, in text order.
func Parse(text string) []Token { return defaultParser.Parse(text) }

// Strip removes every token from text.
func Strip(text string) string { return defaultParser.Strip(text) }

// Parse returns the tokens of text that carry no placeholder.
func (p *Parser) Parse(text string) []Token {
	all := p.Scan(text)
	out := make([]Token, 0, len(all))
	for _, t := range all {
		if !t.IsPlaceholder() {
			out = append(out, t)
		}
	}
	return out
}

// Scan returns every token in text in text order.
func (p *Parser) Scan(text string) []Token {
	var tokens []Token
	for i := 0; i < len(text); {
		if text[i] != '@' || !boundary(text, i) {
			i++
			continue
		}
		tok, end, ok := p.scanToken(text, i)
		if !ok {
			i++
			continue
		}
		tokens = append(tokens, tok)
		i = end
	}
	return tokens
}

// Strip removes every token from text and tidies the surrounding whitespace.
func (p *Parser) Strip(text string) string {
	tokens := p.Scan(text)
	if len(tokens) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, t := range tokens {
		b.WriteString(text[last:t.Start])
		last = t.End
	}
	b.WriteString(text[last:])

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		l = punctSpace.Replace(strings.Join(strings.Fields(l), " "))
		kept = append(kept, l)
	}
	return strings.TrimSpace(collapseBlank(kept))
}

var punctSpace = strings.NewReplacer(" .", ".", " ,", ",", " ;", ";", " !", "!", " ?", "?")

func collapseBlank(lines []string) string {
	var out []string
	blank := false
	for _, l := range lines {
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// boundary rejects '@' glued to a preceding word, as in e-mail addresses.
func boundary(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev := rune(text[i-1])
	return !(unicode.IsLetter(prev) || unicode.IsDigit(prev) || prev == '_' || prev == '.')
}

func (p *Parser) kind(name string) (models.ActionKind, bool) {
	if k, ok := models.ParseActionKind(name); ok {
		return k, true
	}
	k, ok := p.aliases[strings.ToLower(name)]
	return k, ok
}

func (p *Parser) scanToken(text string, start int) (Token, int, bool) {
	i := start + 1
	for i < len(text) && isKindByte(text[i]) {
		i++
	}
	// a kind never ends with a separator; "@tag-" leaves the dash to the text
	for i > start+1 && (text[i-1] == '-' || text[i-1] == '_') {
		i--
	}
	kind, ok := p.kind(text[start+1 : i])
	if !ok {
		return Token{}, 0, false
	}
	tok := Token{Kind: kind, Start: start}

	if i < len(text) && text[i] == ':' {
		if f, end, quoted, ok := scanField(text, i+1, true); ok {
			tok.Target, tok.Quoted, i = f, quoted, end
			if i < len(text) && text[i] == ':' {
				if f, end, quoted, ok := scanField(text, i+1, false); ok {
					tok.Value, tok.HasValue, i = f, true, end
					tok.Quoted = tok.Quoted || quoted
				}
			}
		}
	}
	tok.End = i
	tok.Raw = text[start:i]
	return tok, i, true
}

// scanField reads one field starting at i. Bare targets stop at ':'; bare values run to
// whitespace so they may contain colons.
func scanField(text string, i int, isTarget bool) (field string, end int, quoted bool, ok bool) {
	if i >= len(text) {
		return "", i, false, false
	}
	switch text[i] {
	case '"', '\'':
		q := text[i]
		j := strings.IndexByte(text[i+1:], q)
		if j < 0 {
			return "", i, false, false
		}
		return text[i+1 : i+1+j], i + j + 2, true, true
	case '{':
		j := strings.IndexByte(text[i:], '}')
		if j < 0 {
			return "", i, false, false
		}
		return text[i : i+j+1], i + j + 1, false, true
	}

	j := i
	for j < len(text) {
		c := text[j]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '"' {
			break
		}
		if isTarget && c == ':' {
			break
		}
		j++
	}
	raw := text[i:j]
	trimmed := strings.TrimRight(raw, ".,;!?")
	if trimmed == "" {
		return "", i, false, false
	}
	// trailing punctuation stays in the surrounding text
	return trimmed, i + len(trimmed), false, true
}

func isKindByte(c byte) bool {
	return c == '-' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}
