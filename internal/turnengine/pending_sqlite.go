package turnengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvidlabs/turnengine/pkg/models"
)

// SQLitePendingToolStore implements PendingToolStore against an embedded
// SQLite database, sharing the same parameterized queries as
// CockroachPendingToolStore so the turn loop doesn't care which dialect is
// behind the SessionStore. Intended for the demonstration binary and for
// store tests that want a real database/sql engine without a server.
type SQLitePendingToolStore struct {
	db *sql.DB
}

// NewSQLitePendingToolStoreFromDB wraps an existing *sql.DB and ensures the
// turn engine schema is migrated.
func NewSQLitePendingToolStoreFromDB(ctx context.Context, db *sql.DB) (*SQLitePendingToolStore, error) {
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
	return &SQLitePendingToolStore{db: db}, nil
}

// NewSQLitePendingToolStoreFromPath opens (creating if absent) a SQLite
// database file and migrates the schema. Pass ":memory:" for an ephemeral
// database scoped to the process.
func NewSQLitePendingToolStoreFromPath(ctx context.Context, path string) (*SQLitePendingToolStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent tool dispatch within one process.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store, err := NewSQLitePendingToolStoreFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *SQLitePendingToolStore) Close() error {
	return s.db.Close()
}

func (s *SQLitePendingToolStore) SetPendingTool(ctx context.Context, state *PendingToolState) error {
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

func (s *SQLitePendingToolStore) GetAndClearPendingTool(ctx context.Context, sessionID string) (*PendingToolState, error) {
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

func (s *SQLitePendingToolStore) HasPendingTool(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM turnengine_pending_tool_state WHERE session_id = $1)
	`, sessionID).Scan(&exists)
	return exists, err
}

func (s *SQLitePendingToolStore) DeleteStalePendingTools(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM turnengine_pending_tool_state WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
