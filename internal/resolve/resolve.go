// Package resolve maps operator-written names (stages, tags, agents, custom fields, calendars)
// onto CRM records.
//
// Names are compared after normalization: lowercase, diacritics removed, and separator runes
// dropped. Matching runs exact, then substring, then fuzzy (edit distance) and stops at the
// first strategy that yields a candidate.
package resolve

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchKind tells which strategy produced a match.
type MatchKind string

const (
	MatchID        MatchKind = "id"
	MatchExact     MatchKind = "exact"
	MatchSubstring MatchKind = "substring"
	MatchFuzzy     MatchKind = "fuzzy"
)

// DefaultMinPartial is the shortest normalized name, in runes, that may take part in a
// substring or fuzzy match. Shorter names resolve only exactly.
const DefaultMinPartial = 3

// Candidate is a record that can be looked up by name.
type Candidate struct {
	ID   string
	Name string
	// Aliases are extra names accepted for the record, e.g. a custom field key.
	Aliases []string
}

// Match is a successful resolution.
type Match struct {
	Candidate Candidate
	Kind      MatchKind
}

// NameResolver is implemented by Resolver. Consumers depend on this interface so tests can
// substitute fixtures.
type NameResolver interface {
	Resolve(name string, candidates []Candidate) (Match, error)
}

// Opts holds configuration options for a Resolver.
type Opts struct {
	Fuzzy       bool // enable the edit-distance strategy
	MaxDistance int  // absolute cap on edit distance; 0 means derived from length
	MinPartial  int  // shortest name allowed in substring and fuzzy matches
}

// Option defines a configuration option for a Resolver.
type Option func(*Opts)

// WithoutFuzzy disables the fuzzy strategy so only exact and substring matches resolve.
func WithoutFuzzy() Option {
	return func(o *Opts) {
		o.Fuzzy = false
	}
}

// WithMaxDistance caps the edit distance accepted by the fuzzy strategy.
func WithMaxDistance(d int) Option {
	return func(o *Opts) {
		o.MaxDistance = d
	}
}

// WithMinPartial sets the shortest name, in runes, allowed in substring and fuzzy matches.
func WithMinPartial(n int) Option {
	return func(o *Opts) {
		o.MinPartial = n
	}
}

// Resolver resolves names against candidate lists.
type Resolver struct {
	fuzzy       bool
	maxDistance int
	minPartial  int
}

// New creates a Resolver. Fuzzy matching is on by default.
func New(opts ...Option) *Resolver {
	cfg := Opts{Fuzzy: true, MinPartial: DefaultMinPartial}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{fuzzy: cfg.Fuzzy, maxDistance: cfg.MaxDistance, minPartial: cfg.MinPartial}
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize folds a name for comparison: lowercase, no diacritics, no separators.
func Normalize(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Words splits a name into normalized words on separators and case is folded.
func Words(s string) []string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Equal reports whether two names are the same after normalization.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// Resolve finds the candidate best matching name.
func (r *Resolver) Resolve(name string, candidates []Candidate) (Match, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Match{}, fmt.Errorf("empty name: %w", models.ErrNotResolved)
	}

	for _, c := range candidates {
		if c.ID != "" && c.ID == name {
			return Match{Candidate: c, Kind: MatchID}, nil
		}
	}

	query := Normalize(name)
	if query == "" {
		return Match{}, fmt.Errorf("name %q has no comparable characters: %w", name, models.ErrNotResolved)
	}

	for _, c := range candidates {
		for _, n := range c.names() {
			if Normalize(n) == query {
				return Match{Candidate: c, Kind: MatchExact}, nil
			}
		}
	}

	// Substring: prefer the candidate whose normalized name is closest in length to the query.
	best, bestGap := -1, 0
	for i, c := range candidates {
		for _, n := range c.names() {
			cn := Normalize(n)
			if !r.partial(query, cn) || !(strings.Contains(cn, query) || strings.Contains(query, cn)) {
				continue
			}
			gap := abs(len(cn) - len(query))
			if best < 0 || gap < bestGap {
				best, bestGap = i, gap
			}
		}
	}
	if best >= 0 {
		return Match{Candidate: candidates[best], Kind: MatchSubstring}, nil
	}

	if r.fuzzy {
		best, bestDist := -1, 0
		for i, c := range candidates {
			for _, n := range c.names() {
				cn := Normalize(n)
				if !r.partial(query, cn) {
					continue
				}
				d := distance(query, cn)
				if d > r.allowed(query, cn) {
					continue
				}
				if best < 0 || d < bestDist {
					best, bestDist = i, d
				}
			}
		}
		if best >= 0 {
			return Match{Candidate: candidates[best], Kind: MatchFuzzy}, nil
		}
	}

	return Match{}, fmt.Errorf("%q: %w", name, models.ErrNotResolved)
}

// SplitCompound splits a "parent/child" reference. Without a slash parent is empty.
func SplitCompound(ref string) (parent, child string) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "/"); i >= 0 {
		return strings.TrimSpace(ref[:i]), strings.TrimSpace(ref[i+1:])
	}
	return "", ref
}

func (c Candidate) names() []string {
	if len(c.Aliases) == 0 {
		return []string{c.Name}
	}
	return append([]string{c.Name}, c.Aliases...)
}

// partial reports whether both names are long enough for a substring or fuzzy match.
func (r *Resolver) partial(a, b string) bool {
	return b != "" && utf8.RuneCountInString(a) >= r.minPartial && utf8.RuneCountInString(b) >= r.minPartial
}

// allowed is roughly one edit per four characters of the shorter name, at least one.
func (r *Resolver) allowed(a, b string) int {
	n := len([]rune(a))
	if m := len([]rune(b)); m < n {
		n = m
	}
	d := n / 4
	if d < 1 {
		d = 1
	}
	if r.maxDistance > 0 && d > r.maxDistance {
		d = r.maxDistance
	}
	return d
}

// distance is the Levenshtein distance between two strings, by rune.
func distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
