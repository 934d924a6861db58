package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWhen resolves a human-friendly time specification against now.
// Accepted: relative offsets ("in 5m", "2h", "1d", "in 10 minutes",
// bare seconds "90"), RFC 3339 instants, and wall-clock forms
// ("2006-01-02 15:04:05", "2006-01-02 15:04", "15:04") read in loc.
// A bare clock time already past today means tomorrow.
func ParseWhen(when string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(when)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if loc == nil {
		loc = time.UTC
	}

	if d, err := ParseOffset(s); err == nil {
		return now.Add(d), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if t, ok := parseWallClock(s, loc); ok {
		return t, nil
	}

	for _, layout := range []string{"15:04", "15:04:05", "3:04pm", "3:04 pm", "3pm"} {
		t, err := time.Parse(layout, strings.ToLower(s))
		if err != nil {
			continue
		}
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", when)
}

// ParseAbsolute reads an absolute instant: RFC 3339, or a wall-clock
// date-time in loc.
func ParseAbsolute(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, ok := parseWallClock(s, loc); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not parse timestamp: %s", s)
}

func parseWallClock(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
	} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseOffset reads a relative delay: an optional "in " prefix followed
// by a Go duration ("30m", "1h30m"), a day count ("2d"), a number with
// a unit word ("10 minutes"), or bare seconds ("90").
func ParseOffset(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimPrefix(s, "in "))
	if s == "" {
		return 0, fmt.Errorf("empty offset")
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative offset: %s", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}

	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative offset: %s", s)
		}
		return d, nil
	}

	return parseHumanDuration(s)
}

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected '<number> <unit>', got %q", s)
	}

	num, err := strconv.Atoi(parts[0])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid count %q", parts[0])
	}

	unit := parts[1]
	switch {
	case strings.HasPrefix(unit, "sec"):
		return time.Duration(num) * time.Second, nil
	case strings.HasPrefix(unit, "min"):
		return time.Duration(num) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"), unit == "hr", unit == "hrs":
		return time.Duration(num) * time.Hour, nil
	case strings.HasPrefix(unit, "day"):
		return time.Duration(num) * 24 * time.Hour, nil
	case strings.HasPrefix(unit, "week"):
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}
