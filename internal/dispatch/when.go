package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/calendar"
	"github.com/BTreeMap/CRMPipe/internal/resolve"
)

var relativeDays = map[string]int{
	"hoje": 0, "today": 0,
	"amanha": 1, "tomorrow": 1,
	"depois de amanha": 2,
}

var relativeUnits = map[string]time.Duration{
	"minuto": time.Minute, "minutos": time.Minute, "minute": time.Minute, "minutes": time.Minute, "min": time.Minute,
	"hora": time.Hour, "horas": time.Hour, "hour": time.Hour, "hours": time.Hour, "h": time.Hour,
	"dia": 24 * time.Hour, "dias": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"semana": 7 * 24 * time.Hour, "semanas": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseWhen resolves a follow-up time expression relative to now, in now's location.
// Accepted forms: a full timestamp, a bare date (at defaultHour), a bare clock time (its next
// occurrence), "hoje"/"amanhã" with an optional clock time, and "em N horas/dias" style offsets.
func ParseWhen(expr string, now time.Time, defaultHour int) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty follow-up time")
	}
	loc := now.Location()

	if t, hasTime, err := calendar.ParseDateTime(expr, loc); err == nil {
		if !hasTime {
			t = time.Date(t.Year(), t.Month(), t.Day(), defaultHour, 0, 0, 0, loc)
		}
		return t, nil
	}

	if h, m, err := calendar.ParseClock(expr); err == nil {
		t := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	words := resolve.Words(expr)
	if len(words) == 0 {
		return time.Time{}, fmt.Errorf("unrecognized follow-up time %q", expr)
	}

	// "em 2 horas", "in 3 days", "2 dias"
	if words[0] == "em" || words[0] == "in" || words[0] == "daqui" {
		words = words[1:]
	}
	if len(words) == 2 {
		if n, err := strconv.Atoi(words[0]); err == nil && n > 0 {
			if unit, ok := relativeUnits[words[1]]; ok {
				// Whole days keep the wall-clock time across daylight saving changes.
				if unit%(24*time.Hour) == 0 {
					return now.AddDate(0, 0, n*int(unit/(24*time.Hour))), nil
				}
				return now.Add(time.Duration(n) * unit), nil
			}
		}
	}

	// "amanhã 10:00", "amanhã às 10h", "today 18:30"
	phrase := strings.Join(words, " ")
	for day, offset := range relativeDays {
		if phrase != day && !strings.HasPrefix(phrase, day+" ") {
			continue
		}
		rest := strings.Fields(strings.TrimPrefix(strings.ToLower(expr), strings.ToLower(strings.Fields(expr)[0])))
		if day == "depois de amanha" && len(rest) >= 2 {
			rest = rest[2:]
		}
		if len(rest) > 0 && (rest[0] == "às" || rest[0] == "as" || rest[0] == "at") {
			rest = rest[1:]
		}
		h, m := defaultHour, 0
		if len(rest) > 0 {
			var err error
			if h, m, err = calendar.ParseClock(strings.Join(rest, "")); err != nil {
				return time.Time{}, fmt.Errorf("unrecognized clock time in %q", expr)
			}
		}
		base := now.AddDate(0, 0, offset)
		return time.Date(base.Year(), base.Month(), base.Day(), h, m, 0, 0, loc), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized follow-up time %q", expr)
}
