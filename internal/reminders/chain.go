package reminders

import "time"

// Next returns the follow-up that r's chain schedules after r fired at
// firedAt, or nil when the chain is finished. NextAt is used once, and
// only while it is still in the future; otherwise the follow-up comes
// NextOffsetSeconds after firedAt. Nothing is scheduled past EndAt.
func Next(r *Reminder, firedAt time.Time) *Reminder {
	c := r.Chain
	if c == nil || c.Steps <= 0 {
		return nil
	}

	var due time.Time
	switch {
	case !c.NextAt.IsZero() && c.NextAt.After(firedAt):
		due = c.NextAt
	case c.NextOffsetSeconds > 0:
		due = firedAt.Add(time.Duration(c.NextOffsetSeconds) * time.Second)
	default:
		return nil
	}
	if !c.EndAt.IsZero() && due.After(c.EndAt) {
		return nil
	}

	silent := r.Silent
	if c.Silent != nil {
		silent = *c.Silent
	}

	next := &Reminder{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Text:           r.Text,
		DueAt:          due.UTC(),
		Silent:         silent,
	}
	if c.Steps > 1 {
		next.Chain = &ChainMeta{
			Steps:             c.Steps - 1,
			NextOffsetSeconds: c.NextOffsetSeconds,
			EndAt:             c.EndAt,
			Silent:            c.Silent,
		}
	}
	return next
}
