// Package limiter bounds in-flight backend calls across the process and
// within each conversation.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter holds one global semaphore and a lazily created semaphore per
// conversation. Per-conversation entries are reference counted and
// dropped once no caller holds or waits on them.
type Limiter struct {
	global     *semaphore.Weighted
	perConvCap int64

	mu    sync.Mutex
	convs map[string]*convSlot
}

type convSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// New creates a Limiter. Capacities below 1 are raised to 1.
func New(global, perConversation int) *Limiter {
	if global < 1 {
		global = 1
	}
	if perConversation < 1 {
		perConversation = 1
	}
	return &Limiter{
		global:     semaphore.NewWeighted(int64(global)),
		perConvCap: int64(perConversation),
		convs:      make(map[string]*convSlot),
	}
}

// Conversation holds a conversation slot until release is called. A
// whole turn runs under it: the continuation token is read, every
// backend call is made, and the new token is stored before another turn
// of the same conversation can start. An empty conversationID holds
// nothing. If ctx ends while waiting, ctx's error is returned and
// release is nil.
func (l *Limiter) Conversation(ctx context.Context, conversationID string) (release func(), err error) {
	if conversationID == "" {
		return func() {}, nil
	}
	slot := l.acquireRef(conversationID)
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		l.releaseRef(conversationID, slot)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			l.releaseRef(conversationID, slot)
		})
	}, nil
}

// WithGlobal runs fn while holding a global slot, released when fn
// returns or panics.
func (l *Limiter) WithGlobal(ctx context.Context, fn func(context.Context) error) error {
	if err := l.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.global.Release(1)
	return fn(ctx)
}

// WithSlot runs fn while holding a conversation slot and then a global
// slot. The conversation slot is taken first so a call queued behind
// another call of the same conversation does not sit on a global slot.
func (l *Limiter) WithSlot(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	release, err := l.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()
	return l.WithGlobal(ctx, fn)
}

func (l *Limiter) acquireRef(id string) *convSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.convs[id]
	if !ok {
		slot = &convSlot{sem: semaphore.NewWeighted(l.perConvCap)}
		l.convs[id] = slot
	}
	slot.refs++
	return slot
}

func (l *Limiter) releaseRef(id string, slot *convSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.convs, id)
	}
}

// Conversations returns how many conversations currently hold or wait
// for a slot.
func (l *Limiter) Conversations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}
