// Package learning records advisory signals about what an agent has gotten
// wrong or right in the past and surfaces them back into the turn loop.
// Every operation here is best-effort: callers must never let a learning
// store failure interrupt a turn.
package learning

import "time"

// MistakeType classifies a recorded mistake pattern.
type MistakeType string

const (
	MistakePermissionDenied MistakeType = "permission_denied"
	MistakeToolTimeout      MistakeType = "tool_timeout"
	MistakeFileNotFound     MistakeType = "file_not_found"
	MistakeCompilationError MistakeType = "compilation_error"
	MistakeTestFailure      MistakeType = "test_failure"
	MistakeWrongApproach    MistakeType = "wrong_approach"
	MistakeToolNotAllowed   MistakeType = "tool_not_allowed"
)

// MistakePattern is an upserted-on-(agent,type,trigger) frequency counter
// with an optional suggested fix, surfaced to the turn loop as a warning
// once it has recurred often enough to be worth mentioning.
type MistakePattern struct {
	ID            string      `json:"id"`
	Agent         string      `json:"agent"`
	Type          MistakeType `json:"type"`
	Trigger       string      `json:"trigger"`
	Frequency     int         `json:"frequency"`
	SuggestedFix  string      `json:"suggested_fix,omitempty"`
	FirstSeenAt   time.Time   `json:"first_seen_at"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
}

// SuccessCategory classifies a recorded success pattern.
type SuccessCategory string

const (
	SuccessErrorFixing           SuccessCategory = "error_fixing"
	SuccessRefactoring           SuccessCategory = "refactoring"
	SuccessDebugging             SuccessCategory = "debugging"
	SuccessTesting               SuccessCategory = "testing"
	SuccessFeatureImplementation SuccessCategory = "feature_implementation"
)

// SuccessPattern is a named, reusable approach that completed a turn without
// a failed tool call. Template is free text describing the approach; Tools
// is the set of tool names used while executing it.
type SuccessPattern struct {
	ID         string          `json:"id"`
	Agent      string          `json:"agent"`
	Name       string          `json:"name"`
	Category   SuccessCategory `json:"category"`
	Template   string          `json:"template,omitempty"`
	Tools      []string        `json:"tools,omitempty"`
	UsageCount int             `json:"usage_count"`
	CreatedAt  time.Time       `json:"created_at"`
	LastUsedAt time.Time       `json:"last_used_at"`
}

// PreferenceKind describes how to interpret UserPreference.Value.
type PreferenceKind string

const (
	PreferenceString PreferenceKind = "string"
	PreferenceBool   PreferenceKind = "bool"
	PreferenceNumber PreferenceKind = "number"
	PreferenceJSON   PreferenceKind = "json"
)

// UserPreference is a per-session key/value learned preference, e.g. "always
// run tests before claiming a fix is complete".
type UserPreference struct {
	SessionID string         `json:"session_id"`
	Key       string         `json:"key"`
	Value     string         `json:"value"`
	Kind      PreferenceKind `json:"kind"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Feedback is raw free-text user feedback tied to a session, stored verbatim
// for later pattern mining.
type Feedback struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MistakeWarningThreshold is the recurrence count at which a mistake pattern
// is considered frequent enough to warn about before generation.
const MistakeWarningThreshold = 2
