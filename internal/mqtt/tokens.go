package mqtt

import (
	"maps"
	"sync"
	"time"
)

// DailyTokens counts backend tokens since local midnight, per model.
// It is safe for concurrent use. Its OnTokens method matches
// agent.TokenObserver.
type DailyTokens struct {
	mu       sync.Mutex
	total    int64
	requests int64
	byModel  map[string]int64
	day      int // year*1000 + day-of-year of the last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that resets at midnight in loc. A nil
// loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{byModel: make(map[string]int64), loc: loc, now: time.Now}
	d.day = d.dayKey()
	return d
}

// OnTokens records one completed backend call.
func (d *DailyTokens) OnTokens(model string, tokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.total += int64(tokens)
	d.requests++
	d.byModel[model] += int64(tokens)
}

// Snapshot returns today's totals. byModel is a copy.
func (d *DailyTokens) Snapshot() (total, requests int64, byModel map[string]int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.total, d.requests, maps.Clone(d.byModel)
}

// maybeReset zeroes the counters when the local date has changed. Must
// be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.dayKey(); today != d.day {
		d.total = 0
		d.requests = 0
		clear(d.byModel)
		d.day = today
	}
}

func (d *DailyTokens) dayKey() int {
	t := d.now().In(d.loc)
	return t.Year()*1000 + t.YearDay()
}
