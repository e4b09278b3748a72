package turnengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLPermissionCacheStore implements PermissionCacheStore over database/sql,
// against either Postgres (via lib/pq) or embedded SQLite (via
// modernc.org/sqlite) depending on which constructor opened it. Both
// dialects accept the same parameterized query set, so there is exactly one
// implementation here rather than one per driver.
type SQLPermissionCacheStore struct {
	db *sql.DB
}

// NewPostgresPermissionCacheStore opens (or reuses) a Postgres/CockroachDB
// connection and migrates the turn engine schema.
func NewPostgresPermissionCacheStore(ctx context.Context, db *sql.DB) (*SQLPermissionCacheStore, error) {
	return newSQLPermissionCacheStore(ctx, db)
}

// NewSQLitePermissionCacheStore opens (or reuses) a SQLite connection and
// migrates the turn engine schema.
func NewSQLitePermissionCacheStore(ctx context.Context, db *sql.DB) (*SQLPermissionCacheStore, error) {
	return newSQLPermissionCacheStore(ctx, db)
}

func newSQLPermissionCacheStore(ctx context.Context, db *sql.DB) (*SQLPermissionCacheStore, error) {
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
	return &SQLPermissionCacheStore{db: db}, nil
}

func (s *SQLPermissionCacheStore) CachePermissionDecision(ctx context.Context, scope PolicyScope, scopeKey, toolName, argsSignature string, decision PermissionDecision, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = *expiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turnengine_permission_cache
			(scope, scope_key, tool_name, args_signature, decision, expires_at, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, scope_key, tool_name, args_signature) DO UPDATE SET
			decision = $5, expires_at = $6, cached_at = $7
	`, string(scope), scopeKey, toolName, argsSignature, string(decision), exp, time.Now())
	return err
}

func (s *SQLPermissionCacheStore) GetCachedPermissionDecision(ctx context.Context, scope PolicyScope, scopeKey, toolName, argsSignature string) (PermissionDecision, bool, error) {
	var decision string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT decision, expires_at FROM turnengine_permission_cache
		WHERE scope = $1 AND scope_key = $2 AND tool_name = $3 AND args_signature = $4
	`, string(scope), scopeKey, toolName, argsSignature).Scan(&decision, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM turnengine_permission_cache
			WHERE scope = $1 AND scope_key = $2 AND tool_name = $3 AND args_signature = $4
		`, string(scope), scopeKey, toolName, argsSignature)
		return "", false, nil
	}
	return PermissionDecision(decision), true, nil
}

func (s *SQLPermissionCacheStore) ClearSessionPermissionCache(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM turnengine_permission_cache WHERE scope = $1 AND scope_key = $2
	`, string(ScopeSession), sessionID)
	return err
}

// Close closes the underlying database handle.
func (s *SQLPermissionCacheStore) Close() error {
	return s.db.Close()
}
