package tools

import (
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC) // 15:00 in Berlin

	tests := []struct {
		in   string
		want time.Time
	}{
		{"in 5m", now.Add(5 * time.Minute)},
		{"2h", now.Add(2 * time.Hour)},
		{"1d", now.Add(24 * time.Hour)},
		{"in 10 minutes", now.Add(10 * time.Minute)},
		{"90", now.Add(90 * time.Second)},
		{"2026-03-11T09:00:00+02:00", time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)},
		{"2026-03-11 09:30", time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC)},
		{"2026-03-11 09:30:15", time.Date(2026, 3, 11, 8, 30, 15, 0, time.UTC)},
		{"16:30", time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)},
		{"09:00", time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)}, // already past today
		{"3pm", time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)},  // 15:00 now, so tomorrow
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWhen(tt.in, now, berlin)
			if err != nil {
				t.Fatalf("ParseWhen(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseWhen(%q) = %v, want %v", tt.in, got.UTC(), tt.want)
			}
		})
	}
}

func TestParseWhen_Invalid(t *testing.T) {
	for _, in := range []string{"", "someday", "in a bit", "-5m", "25:99"} {
		if _, err := ParseWhen(in, time.Now(), time.UTC); err == nil {
			t.Errorf("ParseWhen(%q) succeeded, want error", in)
		}
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"in 30m", 30 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"1 week", 7 * 24 * time.Hour},
		{"45 sec", 45 * time.Second},
		{"600", 10 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseOffset(tt.in)
		if err != nil {
			t.Errorf("ParseOffset(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOffset(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
