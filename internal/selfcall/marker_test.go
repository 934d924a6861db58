package selfcall

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseMarker(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		in          string
		wantVisible string
		want        *Marker
	}{
		{
			name:        "no marker",
			in:          "Just checking in.",
			wantVisible: "Just checking in.",
		},
		{
			name:        "comment with offset",
			in:          "Drink some water!\n<!--self_call:{\"in\":\"in 30m\",\"topic\":\"water\",\"payload\":{\"glasses\":2}}-->",
			wantVisible: "Drink some water!",
			want:        &Marker{DueAt: now.Add(30 * time.Minute), Topic: "water", Payload: json.RawMessage(`{"glasses":2}`)},
		},
		{
			name:        "numeric seconds",
			in:          `Ok. <!-- self_call: {"in": 90} -->`,
			wantVisible: "Ok.",
			want:        &Marker{DueAt: now.Add(90 * time.Second)},
		},
		{
			name:        "absolute at",
			in:          `Later. <!--self_call:{"at":"2026-03-11 08:00:00","topic":"morning"}-->`,
			wantVisible: "Later.",
			want:        &Marker{DueAt: time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), Topic: "morning"},
		},
		{
			name:        "fenced block",
			in:          "See you soon.\n```self_call\n{\"in\":\"2h\",\"topic\":\"walk\"}\n```",
			wantVisible: "See you soon.",
			want:        &Marker{DueAt: now.Add(2 * time.Hour), Topic: "walk"},
		},
		{
			name:        "last marker wins",
			in:          "A <!--self_call:{\"in\":\"1h\",\"topic\":\"first\"}--> B <!--self_call:{\"in\":\"1d\",\"topic\":\"second\"}-->",
			wantVisible: "A  B",
			want:        &Marker{DueAt: now.Add(24 * time.Hour), Topic: "second"},
		},
		{
			name:        "unparseable json",
			in:          "Hi <!--self_call:{\"in\":}-->",
			wantVisible: "Hi",
		},
		{
			name:        "neither in nor at",
			in:          `Hi <!--self_call:{"topic":"x"}-->`,
			wantVisible: "Hi",
		},
		{
			name:        "bad offset",
			in:          `Hi <!--self_call:{"in":"whenever"}-->`,
			wantVisible: "Hi",
		},
		{
			name:        "marker only",
			in:          `<!--self_call:{"in":"10m"}-->`,
			wantVisible: "",
			want:        &Marker{DueAt: now.Add(10 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, m, ok := ParseMarker(tt.in, now)
			if visible != tt.wantVisible {
				t.Errorf("visible = %q, want %q", visible, tt.wantVisible)
			}
			if ok != (tt.want != nil) {
				t.Fatalf("ok = %v, want %v", ok, tt.want != nil)
			}
			if diff := cmp.Diff(tt.want, m); diff != "" {
				t.Errorf("marker mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
