package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// CockroachStore implements Store against CockroachDB/Postgres, mirroring
// the connection conventions of sessions.CockroachStore.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDB wraps an existing *sql.DB (typically shared with
// the session store) and ensures the learning schema is migrated.
func NewCockroachStoreFromDB(ctx context.Context, db *sql.DB) (*CockroachStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	m, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	if err := m.up(ctx); err != nil {
		return nil, fmt.Errorf("migrate learning schema: %w", err)
	}
	return &CockroachStore{db: db}, nil
}

// NewCockroachStoreFromDSN opens a fresh connection and migrates the schema.
func NewCockroachStoreFromDSN(ctx context.Context, dsn string) (*CockroachStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store, err := NewCockroachStoreFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *CockroachStore) Close() error {
	return s.db.Close()
}

func (s *CockroachStore) StoreUserFeedback(ctx context.Context, fb *Feedback) error {
	if fb == nil {
		return nil
	}
	id := fb.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_feedback (id, session_id, agent, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, fb.SessionID, fb.Agent, fb.Content, createdAt)
	return err
}

func (s *CockroachStore) ListUserFeedback(ctx context.Context, sessionID string, limit int) ([]*Feedback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, agent, content, created_at
		FROM learning_feedback
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.ID, &fb.SessionID, &fb.Agent, &fb.Content, &fb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &fb)
	}
	return out, rows.Err()
}

func (s *CockroachStore) UpsertMistakePattern(ctx context.Context, agent string, mistakeType MistakeType, trigger, suggestedFix string) (*MistakePattern, error) {
	id := uuid.NewString()
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learning_mistake_patterns (id, agent, type, trigger, frequency, suggested_fix, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $6)
		ON CONFLICT (agent, type, trigger) DO UPDATE SET
			frequency = learning_mistake_patterns.frequency + 1,
			last_seen_at = $6,
			suggested_fix = CASE WHEN $5 = '' THEN learning_mistake_patterns.suggested_fix ELSE $5 END
		RETURNING id, agent, type, trigger, frequency, suggested_fix, first_seen_at, last_seen_at
	`, id, agent, string(mistakeType), trigger, suggestedFix, now)

	var out MistakePattern
	var typ string
	if err := row.Scan(&out.ID, &out.Agent, &typ, &out.Trigger, &out.Frequency, &out.SuggestedFix, &out.FirstSeenAt, &out.LastSeenAt); err != nil {
		return nil, fmt.Errorf("upsert mistake pattern: %w", err)
	}
	out.Type = MistakeType(typ)
	return &out, nil
}

func (s *CockroachStore) ListMistakePatterns(ctx context.Context, agent string) ([]*MistakePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, type, trigger, frequency, suggested_fix, first_seen_at, last_seen_at
		FROM learning_mistake_patterns
		WHERE agent = $1 OR $1 = ''
		ORDER BY frequency DESC
	`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MistakePattern
	for rows.Next() {
		var row MistakePattern
		var typ string
		if err := rows.Scan(&row.ID, &row.Agent, &typ, &row.Trigger, &row.Frequency, &row.SuggestedFix, &row.FirstSeenAt, &row.LastSeenAt); err != nil {
			return nil, err
		}
		row.Type = MistakeType(typ)
		out = append(out, &row)
	}
	return out, rows.Err()
}

func (s *CockroachStore) UpsertUserPreference(ctx context.Context, pref *UserPreference) error {
	if pref == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_user_preferences (session_id, key, value, kind, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id, key) DO UPDATE SET
			value = $3, kind = $4, updated_at = now()
	`, pref.SessionID, pref.Key, pref.Value, string(pref.Kind))
	return err
}

func (s *CockroachStore) GetUserPreference(ctx context.Context, sessionID, key string) (*UserPreference, error) {
	var pref UserPreference
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, key, value, kind, updated_at
		FROM learning_user_preferences
		WHERE session_id = $1 AND key = $2
	`, sessionID, key).Scan(&pref.SessionID, &pref.Key, &pref.Value, &kind, &pref.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pref.Kind = PreferenceKind(kind)
	return &pref, nil
}

func (s *CockroachStore) ListUserPreferences(ctx context.Context, sessionID string) ([]*UserPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, key, value, kind, updated_at
		FROM learning_user_preferences
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserPreference
	for rows.Next() {
		var pref UserPreference
		var kind string
		if err := rows.Scan(&pref.SessionID, &pref.Key, &pref.Value, &kind, &pref.UpdatedAt); err != nil {
			return nil, err
		}
		pref.Kind = PreferenceKind(kind)
		out = append(out, &pref)
	}
	return out, rows.Err()
}

func (s *CockroachStore) UpsertSuccessPattern(ctx context.Context, agent, name string, category SuccessCategory, template string, tools []string) (*SuccessPattern, error) {
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("marshal tools: %w", err)
	}
	id := uuid.NewString()
	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learning_success_patterns (id, agent, name, category, template, tools, usage_count, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (agent, name, category) DO UPDATE SET
			usage_count = learning_success_patterns.usage_count + 1,
			last_used_at = $7,
			template = CASE WHEN $5 = '' THEN learning_success_patterns.template ELSE $5 END,
			tools = CASE WHEN $6 = '[]' THEN learning_success_patterns.tools ELSE $6 END
		RETURNING id, agent, name, category, template, tools, usage_count, created_at, last_used_at
	`, id, agent, name, string(category), template, toolsJSON, now)

	var out SuccessPattern
	var cat string
	var toolsRaw []byte
	if err := row.Scan(&out.ID, &out.Agent, &out.Name, &cat, &out.Template, &toolsRaw, &out.UsageCount, &out.CreatedAt, &out.LastUsedAt); err != nil {
		return nil, fmt.Errorf("upsert success pattern: %w", err)
	}
	out.Category = SuccessCategory(cat)
	if len(toolsRaw) > 0 {
		_ = json.Unmarshal(toolsRaw, &out.Tools)
	}
	return &out, nil
}

func (s *CockroachStore) FindSuccessPatterns(ctx context.Context, agent string, category SuccessCategory, limit int) ([]*SuccessPattern, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, name, category, template, tools, usage_count, created_at, last_used_at
		FROM learning_success_patterns
		WHERE (agent = $1 OR $1 = '') AND (category = $2 OR $2 = '')
		ORDER BY usage_count DESC
		LIMIT $3
	`, agent, string(category), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SuccessPattern
	for rows.Next() {
		var row SuccessPattern
		var cat string
		var toolsRaw []byte
		if err := rows.Scan(&row.ID, &row.Agent, &row.Name, &cat, &row.Template, &toolsRaw, &row.UsageCount, &row.CreatedAt, &row.LastUsedAt); err != nil {
			return nil, err
		}
		row.Category = SuccessCategory(cat)
		if len(toolsRaw) > 0 {
			_ = json.Unmarshal(toolsRaw, &row.Tools)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
