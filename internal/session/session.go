// Package session keeps per-conversation and per-user state on top of
// opstate: backend continuation tokens, user time zones, and the model
// currently selected for new turns.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/nudge/internal/opstate"
)

const (
	nsThread   = "conversation_thread"
	nsTimezone = "user_timezone"
	nsSettings = "settings"

	keyCurrentModel = "current_model"
)

// maxThreadAge is how long the backend keeps a stored response. Older
// continuation tokens would fail the next request.
const maxThreadAge = 30 * 24 * time.Hour

// Store reads and writes session state.
type Store struct {
	kv          *opstate.Store
	defaultZone *time.Location
	now         func() time.Time
}

// NewStore wraps kv. defaultZone is used for users who never set a time
// zone; nil means UTC.
func NewStore(kv *opstate.Store, defaultZone *time.Location) *Store {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	return &Store{kv: kv, defaultZone: defaultZone, now: time.Now}
}

// Token returns the continuation token for conversationID, or "" when
// the conversation has none. A token older than the backend's retention
// is dropped and the conversation starts a fresh thread.
func (s *Store) Token(ctx context.Context, conversationID string) (string, error) {
	e, ok, err := s.kv.Lookup(ctx, nsThread, conversationID)
	if err != nil || !ok {
		return "", err
	}
	if s.now().Sub(e.UpdatedAt) > maxThreadAge {
		return "", s.Reset(ctx, conversationID)
	}
	return e.Value, nil
}

// SetToken persists the continuation token for conversationID.
func (s *Store) SetToken(ctx context.Context, conversationID, token string) error {
	if token == "" {
		return nil
	}
	return s.kv.Set(ctx, nsThread, conversationID, token)
}

// Reset drops the continuation token so the next turn starts a fresh
// thread.
func (s *Store) Reset(ctx context.Context, conversationID string) error {
	return s.kv.Delete(ctx, nsThread, conversationID)
}

// Timezone returns the user's location and whether the user set it.
func (s *Store) Timezone(ctx context.Context, userID string) (*time.Location, bool, error) {
	name, err := s.kv.Get(ctx, nsTimezone, userID)
	if err != nil {
		return s.defaultZone, false, err
	}
	if name == "" {
		return s.defaultZone, false, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// A zone that loaded once but not now means tzdata changed.
		return s.defaultZone, false, nil
	}
	return loc, true, nil
}

// SetTimezone validates and stores an IANA zone name for userID.
func (s *Store) SetTimezone(ctx context.Context, userID, name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" || name == "Local" {
		return nil, fmt.Errorf("unknown time zone %q", name)
	}
	if err := s.kv.Set(ctx, nsTimezone, userID, loc.String()); err != nil {
		return nil, err
	}
	return loc, nil
}

// Model returns the selected model, or fallback when none is set.
func (s *Store) Model(ctx context.Context, fallback string) string {
	m, err := s.kv.Get(ctx, nsSettings, keyCurrentModel)
	if err != nil || m == "" {
		return fallback
	}
	return m
}

// SetModel selects the model used for new turns.
func (s *Store) SetModel(ctx context.Context, model string) error {
	return s.kv.Set(ctx, nsSettings, keyCurrentModel, model)
}
