package flow

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/metrics"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// Guard replaces final texts that claim a booking nothing in the turn performed.
type Guard struct {
	fallback string
	phrases  []string
	links    []*regexp.Regexp
}

// NewGuard creates a Guard. Phrases match on normalized words; links are matched as given.
func NewGuard(fallback string, phrases []string, links []*regexp.Regexp) *Guard {
	g := &Guard{fallback: fallback, links: links}
	for _, p := range phrases {
		if w := resolve.Words(p); len(w) > 0 {
			g.phrases = append(g.phrases, " "+strings.Join(w, " ")+" ")
		}
	}
	return g
}

// Check returns the text to deliver and whether it was substituted.
func (g *Guard) Check(text string, executed []models.ExecutedAction) (string, bool) {
	claim := g.claim(text)
	if claim == "" || booked(executed) {
		return text, false
	}
	metrics.GuardSubstitutions.Inc()
	slog.Warn("Guard.Check: unbacked booking claim replaced", "claim", claim)
	return g.fallback, true
}

// claim returns the first booking phrase or meeting link found in text.
func (g *Guard) claim(text string) string {
	for _, re := range g.links {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	norm := " " + strings.Join(resolve.Words(text), " ") + " "
	for _, p := range g.phrases {
		if strings.Contains(norm, p) {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

// booked reports whether a scheduling create succeeded this turn.
func booked(executed []models.ExecutedAction) bool {
	for _, e := range executed {
		if e.Kind != models.ActionScheduling || !e.Result.Success {
			continue
		}
		a, err := dsl.Decode(e.Kind, e.Value)
		if err != nil {
			continue
		}
		if s, ok := a.(dsl.Scheduling); ok && s.Op == dsl.SchedulingCreate {
			return true
		}
	}
	return false
}
