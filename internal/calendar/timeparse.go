package calendar

import (
	"fmt"
	"strings"
	"time"
)

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04",
	"02/01/2006 15h04",
	"02/01/2006 às 15:04",
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02/01/06",
}

// ParseDateTime parses a full timestamp or a bare date in loc. hasTime is false for a bare
// date, which is returned at local midnight.
func ParseDateTime(s string, loc *time.Location) (t time.Time, hasTime bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, fmt.Errorf("empty date/time")
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), true, nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized date/time %q", s)
}

// ParseClock parses a bare clock time such as "14:30", "14h30", "14h" or "9".
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "hs")
	s = strings.TrimSuffix(s, "h")
	if s == "" {
		return 0, 0, fmt.Errorf("empty clock time")
	}
	sep := strings.IndexAny(s, ":h")
	hs, ms := s, "0"
	if sep >= 0 {
		hs, ms = s[:sep], s[sep+1:]
		if ms == "" {
			ms = "0"
		}
	}
	if _, err := fmt.Sscanf(hs, "%d", &hour); err != nil || len(hs) > 2 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if _, err := fmt.Sscanf(ms, "%d", &minute); err != nil || len(ms) > 2 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock time out of range: %q", s)
	}
	return hour, minute, nil
}

// startOfDay returns local midnight of t.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
