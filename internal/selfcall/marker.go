package selfcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/nudge/internal/tools"
)

var (
	commentMarker = regexp.MustCompile(`(?s)<!--\s*self_call\s*:\s*(\{.*?\})\s*-->`)
	fenceMarker   = regexp.MustCompile("(?s)```self_call[ \\t]*\\r?\\n(.*?)\\r?\\n?```")
)

// Marker is a follow-up the model asked for at the end of a reply.
type Marker struct {
	DueAt   time.Time
	Topic   string
	Payload json.RawMessage
}

type markerJSON struct {
	In      json.RawMessage `json:"in"`
	At      string          `json:"at"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ParseMarker strips every self-call marker from text and parses the
// last one. Markers are either an HTML comment
// <!--self_call:{...}--> or a fenced block tagged self_call. ok is
// false when there is no marker or the last one cannot be parsed; the
// returned text is stripped either way.
func ParseMarker(text string, now time.Time) (visible string, m *Marker, ok bool) {
	type hit struct {
		start int
		body  string
	}
	var hits []hit
	for _, re := range []*regexp.Regexp{commentMarker, fenceMarker} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{start: loc[0], body: text[loc[2]:loc[3]]})
		}
	}

	visible = fenceMarker.ReplaceAllString(commentMarker.ReplaceAllString(text, ""), "")
	visible = strings.TrimSpace(visible)
	if len(hits) == 0 {
		return visible, nil, false
	}

	last := hits[0]
	for _, h := range hits[1:] {
		if h.start > last.start {
			last = h
		}
	}

	m, err := parseMarkerBody(last.body, now)
	if err != nil {
		return visible, nil, false
	}
	return visible, m, true
}

func parseMarkerBody(body string, now time.Time) (*Marker, error) {
	var raw markerJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}

	m := &Marker{Topic: strings.TrimSpace(raw.Topic)}
	if p := bytes.TrimSpace(raw.Payload); len(p) > 0 && string(p) != "null" {
		m.Payload = p
	}

	switch {
	case len(raw.In) > 0 && string(raw.In) != "null":
		d, err := parseIn(raw.In)
		if err != nil {
			return nil, err
		}
		m.DueAt = now.Add(d).UTC()
	case strings.TrimSpace(raw.At) != "":
		t, err := tools.ParseAbsolute(raw.At, time.UTC)
		if err != nil {
			return nil, err
		}
		m.DueAt = t.UTC()
	default:
		return nil, fmt.Errorf("marker has neither in nor at")
	}
	return m, nil
}

// parseIn accepts a JSON number of seconds or an offset string.
func parseIn(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		n, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid in: %s", raw)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	return tools.ParseOffset(s)
}
