// Package ratelimit turns backend rate-limit responses into wait hints a
// user can act on.
package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Unknown marks a counter the response did not report.
const Unknown = -1

// epochThreshold separates "seconds from now" from Unix timestamps.
// Anything larger than ~11.5 days is read as an absolute epoch.
const epochThreshold = 1_000_000

// Hint is what could be learned from one rate-limited response.
type Hint struct {
	RemainingTokens   int
	RemainingRequests int
	LimitTokens       int
	LimitRequests     int

	// RetryAfter is the soonest safe retry delay, zero when unknown.
	RetryAfter time.Duration
}

// Parse extracts a Hint from a rate-limited response. It never fails;
// anything it cannot read is left Unknown.
func Parse(h http.Header, body string) Hint {
	return parseAt(h, body, time.Now())
}

func parseAt(h http.Header, body string, now time.Time) Hint {
	hint := Hint{
		RemainingTokens:   headerInt(h, "x-ratelimit-remaining-tokens"),
		RemainingRequests: headerInt(h, "x-ratelimit-remaining-requests"),
		LimitTokens:       headerInt(h, "x-ratelimit-limit-tokens"),
		LimitRequests:     headerInt(h, "x-ratelimit-limit-requests"),
	}

	var candidates []time.Duration
	if h != nil {
		if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
			if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
				candidates = append(candidates, time.Duration(ms*float64(time.Millisecond)))
			}
		}
		for _, key := range []string{"retry-after", "x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
			if d, ok := parseWait(h.Get(key), now); ok {
				candidates = append(candidates, d)
			}
		}
	}
	if m := tryAgainPattern.FindStringSubmatch(body); m != nil {
		if d, ok := parseWait(m[1], now); ok {
			candidates = append(candidates, d)
		}
	}

	for _, d := range candidates {
		if d > 0 && (hint.RetryAfter == 0 || d < hint.RetryAfter) {
			hint.RetryAfter = d
		}
	}
	return hint
}

var tryAgainPattern = regexp.MustCompile(`(?i)try again in\s+((?:[0-9]+(?:\.[0-9]+)?(?:ms|h|m|s)?)+)`)

// parseWait reads a wait duration in any of the encodings backends use:
// integer or fractional seconds, Go durations ("20ms", "1.5s", "6m0s"),
// Unix epoch seconds, HTTP-date, or RFC 3339.
func parseWait(raw string, now time.Time) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			return 0, false
		}
		if f >= epochThreshold {
			return positive(time.Unix(int64(f), 0).Sub(now))
		}
		return time.Duration(f * float64(time.Second)), true
	}

	if d, err := time.ParseDuration(s); err == nil {
		return positive(d)
	}
	if t, err := http.ParseTime(s); err == nil {
		return positive(t.Sub(now))
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return positive(t.Sub(now))
	}
	return 0, false
}

func positive(d time.Duration) (time.Duration, bool) {
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func headerInt(h http.Header, key string) int {
	if h == nil {
		return Unknown
	}
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return Unknown
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return Unknown
	}
	return n
}

// Message renders the hint as user-facing guidance for model.
func (h Hint) Message(model string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 %s is rate limited right now.", model)

	if h.RemainingTokens != Unknown || h.RemainingRequests != Unknown {
		b.WriteString("\nRemaining:")
		if h.RemainingTokens != Unknown {
			fmt.Fprintf(&b, " %s tokens", humanize.Comma(int64(h.RemainingTokens)))
			if h.LimitTokens != Unknown {
				fmt.Fprintf(&b, " of %s", humanize.Comma(int64(h.LimitTokens)))
			}
			if h.RemainingRequests != Unknown {
				b.WriteString(",")
			}
		}
		if h.RemainingRequests != Unknown {
			fmt.Fprintf(&b, " %s requests", humanize.Comma(int64(h.RemainingRequests)))
		}
	}

	if h.RetryAfter > 0 {
		fmt.Fprintf(&b, "\nPlease wait about %s before trying again.", formatWait(h.RetryAfter))
	} else {
		b.WriteString("\nPlease wait a minute before trying again.")
	}
	b.WriteString("\nYou can also switch to a cheaper model with /model or shorten the request.")
	return b.String()
}

func formatWait(d time.Duration) string {
	if d < time.Second {
		return "1 second"
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 120 {
		if secs == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", secs)
	}
	mins := int(math.Ceil(d.Minutes()))
	return fmt.Sprintf("%d minutes", mins)
}
