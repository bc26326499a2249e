package filter

import (
	"strings"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

// LastQuestion returns the agent's most recent question: the last outbound entry that precedes
// the last inbound entry. Without any inbound entry the last outbound entry is used.
func LastQuestion(history []models.HistoryEntry) string {
	end := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == models.DirectionInbound {
			end = i
			break
		}
	}
	for i := end - 1; i >= 0; i-- {
		if history[i].Direction == models.DirectionOutbound {
			return history[i].Text
		}
	}
	return ""
}

// InferExpectedField scores each configured field against the question and returns the single
// best field, or "" when none clears the threshold or the best score is shared.
func InferExpectedField(question string, fields []string, cfg Config) string {
	if strings.TrimSpace(question) == "" || len(fields) == 0 {
		return ""
	}
	qWords := resolve.Words(question)
	qSet := make(map[string]bool, len(qWords))
	for _, w := range qWords {
		qSet[w] = true
	}
	qPhrase := " " + strings.Join(qWords, " ") + " "

	stop := make(map[string]bool, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		stop[strings.ToLower(w)] = true
	}

	best, bestScore, tie := "", 0, false
	for _, f := range fields {
		score := scoreField(f, qSet, qPhrase, stop, cfg)
		switch {
		case score > bestScore:
			best, bestScore, tie = f, score, false
		case score == bestScore && score > 0 && !resolve.Equal(f, best):
			tie = true
		}
	}
	if bestScore < cfg.FieldScoreThreshold || tie {
		return ""
	}
	return best
}

func scoreField(field string, qSet map[string]bool, qPhrase string, stop map[string]bool, cfg Config) int {
	words := resolve.Words(field)
	var significant []string
	for _, w := range words {
		if !stop[w] {
			significant = append(significant, w)
		}
	}

	score := 0
	if len(words) > 1 && strings.Contains(qPhrase, " "+strings.Join(words, " ")+" ") {
		score += cfg.PhraseScore
	} else if len(significant) > 1 && strings.Contains(qPhrase, " "+strings.Join(significant, " ")+" ") {
		score += cfg.PhraseScore
	}
	for _, w := range significant {
		if qSet[w] {
			score += cfg.WordScore
		}
	}
	return score
}
