package turnengine

import (
	"context"
	"sync"
	"time"

	"github.com/corvidlabs/turnengine/internal/learning"
	"github.com/corvidlabs/turnengine/internal/sessions"
)

// ManualInvocation records a tool call the operator triggered directly
// (outside of model generation), kept so the learning store and transcripts
// can distinguish model-initiated from human-initiated tool use.
type ManualInvocation struct {
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	InvokedAt time.Time `json:"invoked_at"`
}

// SessionStore is the turn loop's single composed view over conversation
// history, durable pending-tool state, and advisory learning data. It wraps
// sessions.Store, PendingToolStore, and learning.Store rather than
// reimplementing any of them, plus the two small pieces of state (session
// topics and manual invocation history) that exist nowhere else in the
// runtime.
type SessionStore interface {
	sessions.Store

	GetAndClearPendingTool(ctx context.Context, sessionID string) (*PendingToolState, error)
	SetPendingTool(ctx context.Context, state *PendingToolState) error
	HasPendingTool(ctx context.Context, sessionID string) (bool, error)

	GetSessionTopics(ctx context.Context, sessionID string) ([]string, error)
	UpdateSessionTopics(ctx context.Context, sessionID string, topics []string) error

	TrackManualInvocation(ctx context.Context, inv ManualInvocation) error
	GetManualInvocations(ctx context.Context, sessionID string, limit int) ([]ManualInvocation, error)

	Learning() learning.Store
}

// composedSessionStore implements SessionStore by delegating to the three
// existing stores and keeping the two net-new, small pieces of state
// in-memory regardless of which backend those three stores use. A
// deployment that needs topics/invocations persisted can swap this field
// for a SQL-backed equivalent without touching the turn loop.
type composedSessionStore struct {
	sessions.Store
	pending  PendingToolStore
	learn    learning.Store

	mu         sync.RWMutex
	topics     map[string][]string
	invocations map[string][]ManualInvocation
}

// NewSessionStore composes the three backing stores into the turn loop's
// SessionStore view.
func NewSessionStore(sessionStore sessions.Store, pending PendingToolStore, learn learning.Store) SessionStore {
	return &composedSessionStore{
		Store:       sessionStore,
		pending:     pending,
		learn:       learn,
		topics:      map[string][]string{},
		invocations: map[string][]ManualInvocation{},
	}
}

func (s *composedSessionStore) GetAndClearPendingTool(ctx context.Context, sessionID string) (*PendingToolState, error) {
	return s.pending.GetAndClearPendingTool(ctx, sessionID)
}

func (s *composedSessionStore) SetPendingTool(ctx context.Context, state *PendingToolState) error {
	return s.pending.SetPendingTool(ctx, state)
}

func (s *composedSessionStore) HasPendingTool(ctx context.Context, sessionID string) (bool, error) {
	return s.pending.HasPendingTool(ctx, sessionID)
}

func (s *composedSessionStore) GetSessionTopics(_ context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := s.topics[sessionID]
	out := make([]string, len(topics))
	copy(out, topics)
	return out, nil
}

func (s *composedSessionStore) UpdateSessionTopics(_ context.Context, sessionID string, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]string, len(topics))
	copy(stored, topics)
	s.topics[sessionID] = stored
	return nil
}

func (s *composedSessionStore) TrackManualInvocation(_ context.Context, inv ManualInvocation) error {
	if inv.InvokedAt.IsZero() {
		inv.InvokedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[inv.SessionID] = append(s.invocations[inv.SessionID], inv)
	return nil
}

func (s *composedSessionStore) GetManualInvocations(_ context.Context, sessionID string, limit int) ([]ManualInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.invocations[sessionID]
	if limit <= 0 || limit >= len(all) {
		out := make([]ManualInvocation, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]ManualInvocation, limit)
	copy(out, all[start:])
	return out, nil
}

func (s *composedSessionStore) Learning() learning.Store {
	return s.learn
}
