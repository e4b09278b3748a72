package turnengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/corvidlabs/turnengine/pkg/models"
)

// CockroachPendingToolStore implements PendingToolStore against
// CockroachDB/Postgres, mirroring sessions.CockroachStore's connection
// conventions.
type CockroachPendingToolStore struct {
	db *sql.DB
}

// NewCockroachPendingToolStoreFromDB wraps an existing *sql.DB and ensures
// the turn engine schema is migrated.
func NewCockroachPendingToolStoreFromDB(ctx context.Context, db *sql.DB) (*CockroachPendingToolStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	m, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	if err := m.up(ctx); err != nil {
		return nil, fmt.Errorf("migrate turn engine schema: %w", err)
	}
	return &CockroachPendingToolStore{db: db}, nil
}

// NewCockroachPendingToolStoreFromDSN opens a fresh connection and migrates
// the schema.
func NewCockroachPendingToolStoreFromDSN(ctx context.Context, dsn string) (*CockroachPendingToolStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store, err := NewCockroachPendingToolStoreFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *CockroachPendingToolStore) Close() error {
	return s.db.Close()
}

func (s *CockroachPendingToolStore) SetPendingTool(ctx context.Context, state *PendingToolState) error {
	if state == nil {
		return nil
	}
	toolCallJSON, err := json.Marshal(state.ToolCall)
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}
	toolMsgsJSON, err := marshalToolMessages(state.ToolMessages)
	if err != nil {
		return fmt.Errorf("marshal tool messages: %w", err)
	}
	ctxSnapJSON, err := marshalToolMessages(state.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}
	remainingJSON, err := marshalToolCalls(state.RemainingCalls)
	if err != nil {
		return fmt.Errorf("marshal remaining calls: %w", err)
	}
	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turnengine_pending_tool_state
			(session_id, tool_call, remaining_calls, decision, round_index, tools_used_before, tool_messages, context_snapshot, project_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			tool_call = $2, remaining_calls = $3, decision = $4, round_index = $5, tools_used_before = $6,
			tool_messages = $7, context_snapshot = $8, project_id = $9, created_at = $10
	`, state.SessionID, toolCallJSON, remainingJSON, string(state.Decision), state.RoundIndex, state.ToolsUsedBefore,
		toolMsgsJSON, ctxSnapJSON, state.ProjectID, createdAt)
	return err
}

func (s *CockroachPendingToolStore) GetAndClearPendingTool(ctx context.Context, sessionID string) (*PendingToolState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var state PendingToolState
	var toolCallJSON, remainingJSON, toolMsgsJSON, ctxSnapJSON []byte
	var decision string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, tool_call, remaining_calls, decision, round_index, tools_used_before, tool_messages, context_snapshot, project_id, created_at
		FROM turnengine_pending_tool_state
		WHERE session_id = $1
	`, sessionID).Scan(&state.SessionID, &toolCallJSON, &remainingJSON, &decision, &state.RoundIndex, &state.ToolsUsedBefore,
		&toolMsgsJSON, &ctxSnapJSON, &state.ProjectID, &state.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending tool state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turnengine_pending_tool_state WHERE session_id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("delete pending tool state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	state.Decision = PermissionDecision(decision)
	var toolCall models.ToolCall
	if err := json.Unmarshal(toolCallJSON, &toolCall); err != nil {
		return nil, fmt.Errorf("unmarshal tool call: %w", err)
	}
	state.ToolCall = toolCall
	if state.RemainingCalls, err = unmarshalToolCalls(remainingJSON); err != nil {
		return nil, fmt.Errorf("unmarshal remaining calls: %w", err)
	}
	if state.ToolMessages, err = unmarshalToolMessages(toolMsgsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal tool messages: %w", err)
	}
	if state.ContextSnapshot, err = unmarshalToolMessages(ctxSnapJSON); err != nil {
		return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	return &state, nil
}

func (s *CockroachPendingToolStore) HasPendingTool(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM turnengine_pending_tool_state WHERE session_id = $1)
	`, sessionID).Scan(&exists)
	return exists, err
}

func (s *CockroachPendingToolStore) DeleteStalePendingTools(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM turnengine_pending_tool_state WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
