package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/corvidlabs/turnengine/pkg/models"
)

// Tool is a single executable capability offered to the model. It mirrors
// agent.Tool's shape so existing tool implementations need no changes, and
// adds an optional streaming path for tools that want to emit incremental
// output before completing.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// StreamingTool is implemented by tools that can report incremental output
// (e.g. a shell command's stdout) while they run. The turn loop forwards
// each chunk as a TurnEventToolOutput event.
type StreamingTool interface {
	Tool
	StreamExecute(ctx context.Context, params json.RawMessage, onChunk func(chunk string)) (*models.ToolResult, error)
}

// ErrPermissionPending is returned by ToolManager.ExecuteWithCancel when a
// tool call has been suspended pending human approval rather than denied or
// run. Callers must treat a nil result with this error as "the turn should
// suspend", not as a failure to report to the model.
var ErrPermissionPending = fmt.Errorf("tool call pending permission")

// ToolManager dispatches tool calls through the permission policy and
// executes them in a cancellable, panic-isolated manner.
type ToolManager struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy PermissionPolicy
}

// NewToolManager builds a ToolManager backed by the given policy.
func NewToolManager(policy PermissionPolicy) *ToolManager {
	if policy == nil {
		policy = NewMemoryPolicy(DefaultToolRule())
	}
	return &ToolManager{tools: map[string]Tool{}, policy: policy}
}

// Register adds or replaces a tool by name.
func (m *ToolManager) Register(tool Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool.Name()] = tool
}

// Get returns the tool registered under name, if any.
func (m *ToolManager) Get(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (m *ToolManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tools))
	for name := range m.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every registered tool, ordered by name so shortlisting and
// prompt assembly are deterministic.
func (m *ToolManager) All() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, m.tools[name])
	}
	return out
}

// ExecuteWithCancel resolves the permission decision for a call and, if
// allowed, runs the tool to completion or until ctx is cancelled. A nil
// result with ErrPermissionPending means the caller must persist a
// PendingToolState and suspend the turn; any other non-nil error means the
// call was denied or failed outright and the loop should synthesize a
// failing tool result and continue the round.
func (m *ToolManager) ExecuteWithCancel(ctx context.Context, sessionID, projectID string, call models.ToolCall, onChunk func(string)) (*models.ToolResult, error) {
	tool, ok := m.Get(call.Name)
	if !ok {
		return &models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}, nil
	}

	var args map[string]any
	_ = json.Unmarshal(call.Input, &args)

	switch m.policy.Check(ctx, sessionID, projectID, call.Name, args) {
	case PermissionDeny:
		return &models.ToolResult{ToolCallID: call.ID, Content: "tool call denied by policy", IsError: true}, nil
	case PermissionAsk, PermissionSudoPrompt:
		return nil, ErrPermissionPending
	}

	return m.run(ctx, tool, call, onChunk)
}

func (m *ToolManager) run(ctx context.Context, tool Tool, call models.ToolCall, onChunk func(string)) (result *models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = &models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool panicked: %v", r), IsError: true}
			err = nil
		}
	}()

	var out *models.ToolResult
	if st, ok := tool.(StreamingTool); ok && onChunk != nil {
		out, err = st.StreamExecute(ctx, call.Input, onChunk)
	} else {
		out, err = tool.Execute(ctx, call.Input)
	}
	if err != nil {
		return &models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, nil
	}
	if out == nil {
		out = &models.ToolResult{}
	}
	out.ToolCallID = call.ID
	return out, nil
}

// ResolvePermission is invoked by the caller once a human has decided an Ask
// or SudoPrompt call. It does not itself execute anything; the loop's
// ContinueAfterTool is responsible for re-running ExecuteWithCancel once the
// policy has been updated to allow the call (e.g. via AddSessionAllowedPath
// or MarkSudoUnlocked), or for synthesizing a denial result if the human
// rejected it. The resolution is also cached by (tool, args signature) at
// the chosen scope: an allow persists until explicitly revoked, a deny
// expires after DefaultDenyCacheTTL and is asked about again.
func (m *ToolManager) ResolvePermission(ctx context.Context, sessionID, projectID string, allow bool, scope PolicyScope, pattern string, call models.ToolCall) {
	var args map[string]any
	_ = json.Unmarshal(call.Input, &args)

	decision := PermissionDeny
	if allow {
		decision = PermissionAllow
	}
	m.policy.CacheDecision(ctx, sessionID, projectID, scope, call.Name, args, decision)

	if !allow || pattern == "" {
		return
	}
	switch scope {
	case ScopeGlobal:
		m.policy.AddGlobalCommandPattern(pattern)
		m.policy.AddGlobalAllowedPath(pattern)
	case ScopeProject:
		m.policy.AddProjectCommandPattern(projectID, pattern)
		m.policy.AddProjectAllowedPath(projectID, pattern)
	default:
		m.policy.AddSessionCommandPattern(sessionID, pattern)
		m.policy.AddSessionAllowedPath(sessionID, pattern)
	}
}

// ResolveSudoPrompt unlocks sudo-classified tools for the remainder of the
// session once the operator has supplied the interactive secret.
func (m *ToolManager) ResolveSudoPrompt(sessionID string) {
	m.policy.MarkSudoUnlocked(sessionID)
}
