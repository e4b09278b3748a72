package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store implementation, suitable for
// tests and single-process deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	feedback    map[string][]*Feedback             // sessionID -> feedback, newest last
	mistakes    map[string]*MistakePattern          // agent|type|trigger -> pattern
	preferences map[string]map[string]*UserPreference // sessionID -> key -> pref
	successes   map[string]*SuccessPattern          // agent|name|category -> pattern
}

// NewMemoryStore creates an empty in-memory learning store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		feedback:    make(map[string][]*Feedback),
		mistakes:    make(map[string]*MistakePattern),
		preferences: make(map[string]map[string]*UserPreference),
		successes:   make(map[string]*SuccessPattern),
	}
}

func mistakeKey(agent string, t MistakeType, trigger string) string {
	return agent + "\x00" + string(t) + "\x00" + trigger
}

func successKey(agent, name string, category SuccessCategory) string {
	return agent + "\x00" + name + "\x00" + string(category)
}

func (m *MemoryStore) StoreUserFeedback(ctx context.Context, fb *Feedback) error {
	if fb == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *fb
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.feedback[clone.SessionID] = append(m.feedback[clone.SessionID], &clone)
	return nil
}

func (m *MemoryStore) ListUserFeedback(ctx context.Context, sessionID string, limit int) ([]*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.feedback[sessionID]
	out := make([]*Feedback, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		clone := *rows[i]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertMistakePattern(ctx context.Context, agent string, mistakeType MistakeType, trigger, suggestedFix string) (*MistakePattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mistakeKey(agent, mistakeType, trigger)
	now := time.Now()
	if existing, ok := m.mistakes[key]; ok {
		existing.Frequency++
		existing.LastSeenAt = now
		if suggestedFix != "" {
			existing.SuggestedFix = suggestedFix
		}
		clone := *existing
		return &clone, nil
	}
	row := &MistakePattern{
		ID:           uuid.NewString(),
		Agent:        agent,
		Type:         mistakeType,
		Trigger:      trigger,
		Frequency:    1,
		SuggestedFix: suggestedFix,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	m.mistakes[key] = row
	clone := *row
	return &clone, nil
}

func (m *MemoryStore) ListMistakePatterns(ctx context.Context, agent string) ([]*MistakePattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MistakePattern
	for _, row := range m.mistakes {
		if agent != "" && row.Agent != agent {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) UpsertUserPreference(ctx context.Context, pref *UserPreference) error {
	if pref == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *pref
	clone.UpdatedAt = time.Now()
	if m.preferences[clone.SessionID] == nil {
		m.preferences[clone.SessionID] = make(map[string]*UserPreference)
	}
	m.preferences[clone.SessionID][clone.Key] = &clone
	return nil
}

func (m *MemoryStore) GetUserPreference(ctx context.Context, sessionID, key string) (*UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.preferences[sessionID]
	if byKey == nil {
		return nil, nil
	}
	pref, ok := byKey[key]
	if !ok {
		return nil, nil
	}
	clone := *pref
	return &clone, nil
}

func (m *MemoryStore) ListUserPreferences(ctx context.Context, sessionID string) ([]*UserPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.preferences[sessionID]
	out := make([]*UserPreference, 0, len(byKey))
	for _, pref := range byKey {
		clone := *pref
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) UpsertSuccessPattern(ctx context.Context, agent, name string, category SuccessCategory, template string, tools []string) (*SuccessPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := successKey(agent, name, category)
	now := time.Now()
	if existing, ok := m.successes[key]; ok {
		existing.UsageCount++
		existing.LastUsedAt = now
		if template != "" {
			existing.Template = template
		}
		if len(tools) > 0 {
			existing.Tools = append([]string(nil), tools...)
		}
		clone := *existing
		return &clone, nil
	}
	row := &SuccessPattern{
		ID:         uuid.NewString(),
		Agent:      agent,
		Name:       name,
		Category:   category,
		Template:   template,
		Tools:      append([]string(nil), tools...),
		UsageCount: 1,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	m.successes[key] = row
	clone := *row
	return &clone, nil
}

func (m *MemoryStore) FindSuccessPatterns(ctx context.Context, agent string, category SuccessCategory, limit int) ([]*SuccessPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SuccessPattern
	for _, row := range m.successes {
		if agent != "" && row.Agent != agent {
			continue
		}
		if category != "" && row.Category != category {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	sortSuccessByUsageDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortSuccessByUsageDesc(rows []*SuccessPattern) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].UsageCount > rows[j-1].UsageCount; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}
