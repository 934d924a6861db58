package reminders

import (
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	fired := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yes := true

	tests := []struct {
		name       string
		chain      *ChainMeta
		silent     bool
		wantDue    time.Time // zero means no follow-up
		wantSteps  int       // remaining steps on the follow-up, 0 means no chain
		wantSilent bool
	}{
		{"no chain", nil, false, time.Time{}, 0, false},
		{"exhausted", &ChainMeta{Steps: 0, NextOffsetSeconds: 60}, false, time.Time{}, 0, false},
		{"offset", &ChainMeta{Steps: 2, NextOffsetSeconds: 60}, false, fired.Add(time.Minute), 1, false},
		{"last step", &ChainMeta{Steps: 1, NextOffsetSeconds: 60}, false, fired.Add(time.Minute), 0, false},
		{"future next_at wins", &ChainMeta{Steps: 3, NextOffsetSeconds: 60, NextAt: fired.Add(time.Hour)}, false, fired.Add(time.Hour), 2, false},
		{"past next_at falls back to offset", &ChainMeta{Steps: 3, NextOffsetSeconds: 60, NextAt: fired.Add(-time.Hour)}, false, fired.Add(time.Minute), 2, false},
		{"past next_at without offset stops", &ChainMeta{Steps: 3, NextAt: fired.Add(-time.Hour)}, false, time.Time{}, 0, false},
		{"end_at cut-off", &ChainMeta{Steps: 5, NextOffsetSeconds: 600, EndAt: fired.Add(5 * time.Minute)}, false, time.Time{}, 0, false},
		{"end_at inclusive", &ChainMeta{Steps: 5, NextOffsetSeconds: 300, EndAt: fired.Add(5 * time.Minute)}, false, fired.Add(5 * time.Minute), 4, false},
		{"inherits silence", &ChainMeta{Steps: 1, NextOffsetSeconds: 60}, true, fired.Add(time.Minute), 0, true},
		{"chain silence overrides", &ChainMeta{Steps: 1, NextOffsetSeconds: 60, Silent: &yes}, false, fired.Add(time.Minute), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Reminder{ID: "r1", ConversationID: "c1", UserID: "u1", Text: "stretch", Silent: tt.silent, Chain: tt.chain}
			next := Next(r, fired)

			if tt.wantDue.IsZero() {
				if next != nil {
					t.Fatalf("Next = %+v, want nil", next)
				}
				return
			}
			if next == nil {
				t.Fatal("Next = nil, want a follow-up")
			}
			if !next.DueAt.Equal(tt.wantDue) {
				t.Errorf("DueAt = %v, want %v", next.DueAt, tt.wantDue)
			}
			if next.Text != "stretch" || next.ConversationID != "c1" || next.UserID != "u1" {
				t.Errorf("follow-up lost identity: %+v", next)
			}
			if next.Silent != tt.wantSilent {
				t.Errorf("Silent = %v, want %v", next.Silent, tt.wantSilent)
			}
			steps := 0
			if next.Chain != nil {
				steps = next.Chain.Steps
				if !next.Chain.NextAt.IsZero() {
					t.Error("next_at carried into the follow-up")
				}
			}
			if steps != tt.wantSteps {
				t.Errorf("remaining steps = %d, want %d", steps, tt.wantSteps)
			}
		})
	}
}
