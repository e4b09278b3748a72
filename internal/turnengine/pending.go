package turnengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/corvidlabs/turnengine/pkg/models"
)

// PendingToolState is the durable record of a turn suspended mid-round
// because a tool call needs human approval (or a sudo secret). A session
// has at most one of these at a time; StartTurn refuses to begin a new turn
// while one is outstanding, and ContinueAfterTool consumes exactly one.
type PendingToolState struct {
	SessionID       string          `json:"session_id"`
	ToolCall        models.ToolCall `json:"tool_call"`
	// RemainingCalls holds the calls the model requested in the same
	// generation as ToolCall but that come after it, still unexecuted. They
	// must run (in order) before the turn starts a new round, so approving
	// or denying ToolCall doesn't silently drop the rest of the response.
	RemainingCalls  []models.ToolCall  `json:"remaining_calls,omitempty"`
	Decision        PermissionDecision `json:"decision"`
	RoundIndex      int             `json:"round_index"`
	ToolsUsedBefore int             `json:"tools_used_before"`
	// ToolMessages holds the other tool calls/results already produced this
	// round before the blocking call was hit, so the round can be replayed
	// with the resolved result slotted back in.
	ToolMessages []*models.Message `json:"tool_messages,omitempty"`
	// ContextSnapshot is the packed message window the model saw when it
	// emitted the blocking call, kept so a resumed round doesn't need to
	// re-pack context from a history that may have moved on.
	ContextSnapshot []*models.Message `json:"context_snapshot,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// PendingToolStore persists and clears PendingToolState rows. Implementations
// must enforce at most one pending row per session.
type PendingToolStore interface {
	// SetPendingTool stores state, replacing any existing row for the
	// session.
	SetPendingTool(ctx context.Context, state *PendingToolState) error

	// GetAndClearPendingTool atomically fetches and deletes the pending
	// state for a session, returning nil if there is none.
	GetAndClearPendingTool(ctx context.Context, sessionID string) (*PendingToolState, error)

	// HasPendingTool reports whether a session currently has a suspended
	// turn, without consuming it.
	HasPendingTool(ctx context.Context, sessionID string) (bool, error)

	// DeleteStalePendingTools removes rows older than olderThan and returns
	// the count removed, for the periodic janitor sweep.
	DeleteStalePendingTools(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryPendingToolStore is a thread-safe in-memory PendingToolStore.
type MemoryPendingToolStore struct {
	mu    sync.Mutex
	rows  map[string]*PendingToolState
}

// NewMemoryPendingToolStore returns an empty in-memory store.
func NewMemoryPendingToolStore() *MemoryPendingToolStore {
	return &MemoryPendingToolStore{rows: map[string]*PendingToolState{}}
}

func (s *MemoryPendingToolStore) SetPendingTool(_ context.Context, state *PendingToolState) error {
	if state == nil {
		return nil
	}
	clone := *state
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[state.SessionID] = &clone
	return nil
}

func (s *MemoryPendingToolStore) GetAndClearPendingTool(_ context.Context, sessionID string) (*PendingToolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rows[sessionID]
	if !ok {
		return nil, nil
	}
	delete(s.rows, sessionID)
	clone := *state
	return &clone, nil
}

func (s *MemoryPendingToolStore) HasPendingTool(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[sessionID]
	return ok, nil
}

func (s *MemoryPendingToolStore) DeleteStalePendingTools(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, row := range s.rows {
		if row.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

// marshalToolMessages and unmarshalToolMessages are used by the SQL-backed
// store to round-trip the slice fields through a JSONB column.
func marshalToolMessages(msgs []*models.Message) ([]byte, error) {
	if len(msgs) == 0 {
		return []byte(`[]`), nil
	}
	return json.Marshal(msgs)
}

func unmarshalToolMessages(raw []byte) ([]*models.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var msgs []*models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func marshalToolCalls(calls []models.ToolCall) ([]byte, error) {
	if len(calls) == 0 {
		return []byte(`[]`), nil
	}
	return json.Marshal(calls)
}

func unmarshalToolCalls(raw []byte) ([]models.ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var calls []models.ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}
