package turnengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/corvidlabs/turnengine/internal/agent"
	"github.com/corvidlabs/turnengine/internal/learning"
	"github.com/corvidlabs/turnengine/internal/sessions"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// fakeProviderClient replays a queued sequence of responses, one per
// StreamGenerate call, mirroring the teacher's hand-rolled fake-over-mock
// test style rather than a generated/reflection-based mock.
type fakeProviderClient struct {
	responses []string
	calls     int
}

func (f *fakeProviderClient) Generate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions) (*GenerateResult, error) {
	return f.StreamGenerate(ctx, req, opts, nil)
}

func (f *fakeProviderClient) StreamGenerate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions, onChunk func(string)) (*GenerateResult, error) {
	if f.calls >= len(f.responses) {
		return &GenerateResult{Text: "done"}, nil
	}
	text := f.responses[f.calls]
	f.calls++
	if onChunk != nil {
		onChunk(text)
	}
	return &GenerateResult{Text: text}, nil
}

// echoingTool returns its input verbatim as the result content, letting
// tests assert on what the loop actually dispatched.
type echoingTool struct{ name string }

func (t echoingTool) Name() string            { return t.name }
func (t echoingTool) Description() string     { return "test tool" }
func (t echoingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t echoingTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: string(params)}, nil
}

func newTestLoop(t *testing.T, responses []string, policy PermissionPolicy, tool Tool) (*TurnLoop, SessionStore, string) {
	t.Helper()
	sessionStore := sessions.NewMemoryStore()
	pending := NewMemoryPendingToolStore()
	store := NewSessionStore(sessionStore, pending, learning.NewMemoryStore())

	if policy == nil {
		policy = NewMemoryPolicy(DefaultToolRule())
	}
	tools := NewToolManager(policy)
	if tool != nil {
		tools.Register(tool)
	}

	ctxBuilder := NewContextBuilder(DefaultContextBuilderConfig(), nil, nil)
	provider := &fakeProviderClient{responses: responses}

	loop := NewTurnLoop(TurnLoopConfig{
		Agent:        "test-agent",
		SystemPrompt: "be terse",
		Model:        "test-model",
		Budgets:      func() *TurnBudgets { return NewTurnBudgets(4, 8, 24, -1) },
	}, store, provider, tools, ctxBuilder, nil)

	ctx := context.Background()
	session, err := sessionStore.GetOrCreate(ctx, "sess-key", "test-agent", models.ChannelAPI, "chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return loop, store, session.ID
}

func TestStartTurnCompletesWithoutTools(t *testing.T) {
	loop, _, sessionID := newTestLoop(t, []string{"hello there"}, nil, nil)
	ctx := context.Background()

	result, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "hi",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnCompleted {
		t.Fatalf("status = %v, want TurnCompleted", result.Status)
	}
	if result.FinalText != "hello there" {
		t.Fatalf("FinalText = %q", result.FinalText)
	}
	if result.RoundsUsed != 1 {
		t.Fatalf("RoundsUsed = %d, want 1", result.RoundsUsed)
	}
}

func TestStartTurnDispatchesAllowedTool(t *testing.T) {
	responses := []string{
		`{"tool":"echo","args":{"x":1}}`,
		"final answer",
	}
	loop, store, sessionID := newTestLoop(t, responses, nil, echoingTool{name: "echo"})
	ctx := context.Background()

	result, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "use echo",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnCompleted {
		t.Fatalf("status = %v, want TurnCompleted", result.Status)
	}
	if result.FinalText != "final answer" {
		t.Fatalf("FinalText = %q", result.FinalText)
	}
	if result.ToolsUsed != 1 {
		t.Fatalf("ToolsUsed = %d, want 1", result.ToolsUsed)
	}

	history, err := store.GetHistory(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	var sawToolResult bool
	for _, m := range history {
		if m.Role == models.RoleTool && len(m.ToolResults) == 1 {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a tool-result message in history, got %d messages", len(history))
	}
}

func TestStartTurnSuspendsOnAskToolThenResumes(t *testing.T) {
	responses := []string{
		`{"tool":"fs_write","args":{"path":"/tmp/x"}}`,
		"wrote the file",
	}
	loop, _, sessionID := newTestLoop(t, responses, nil, echoingTool{name: "fs_write"})
	ctx := context.Background()

	result, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "use fs_write",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnPending {
		t.Fatalf("status = %v, want TurnPending", result.Status)
	}
	if result.PendingTool == nil || result.PendingTool.ToolCall.Name != "fs_write" {
		t.Fatalf("PendingTool = %+v", result.PendingTool)
	}

	resumed, err := loop.ContinueAfterTool(ctx, sessionID, true, ScopeSession, "", false)
	if err != nil {
		t.Fatalf("ContinueAfterTool: %v", err)
	}
	if resumed.Status != TurnCompleted {
		t.Fatalf("resumed status = %v, want TurnCompleted", resumed.Status)
	}
	if resumed.FinalText != "wrote the file" {
		t.Fatalf("resumed FinalText = %q", resumed.FinalText)
	}
}

func TestStartTurnDeniedToolSynthesizesFailingResultAndContinues(t *testing.T) {
	responses := []string{
		`{"tool":"forbidden","args":{}}`,
		"handled the denial",
	}
	rule := ToolRule{DenyTools: []string{"forbidden"}, DefaultDecide: PermissionAllow}
	loop, _, sessionID := newTestLoop(t, responses, NewMemoryPolicy(rule), echoingTool{name: "forbidden"})
	ctx := context.Background()

	result, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "use forbidden",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnCompleted {
		t.Fatalf("status = %v, want TurnCompleted", result.Status)
	}
	if result.FinalText != "handled the denial" {
		t.Fatalf("FinalText = %q", result.FinalText)
	}
}

func TestContinueAfterToolDrainsRemainingCallsFromSameResponse(t *testing.T) {
	responses := []string{
		`[{"tool":"fs_write","args":{"path":"/tmp/a"}},{"tool":"echo","args":{"x":1}},{"tool":"echo","args":{"x":2}}]`,
		"all three handled",
	}
	rule := ToolRule{AskTools: []string{"fs_write"}, DefaultDecide: PermissionAllow}
	loop, store, sessionID := newTestLoop(t, responses, NewMemoryPolicy(rule), echoingTool{name: "fs_write"})
	loop.tools.Register(echoingTool{name: "echo"})
	ctx := context.Background()

	result, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "use fs_write then echo twice",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnPending {
		t.Fatalf("status = %v, want TurnPending", result.Status)
	}
	if len(result.PendingTool.RemainingCalls) != 2 {
		t.Fatalf("RemainingCalls = %d, want 2", len(result.PendingTool.RemainingCalls))
	}

	resumed, err := loop.ContinueAfterTool(ctx, sessionID, true, ScopeSession, "", false)
	if err != nil {
		t.Fatalf("ContinueAfterTool: %v", err)
	}
	if resumed.Status != TurnCompleted {
		t.Fatalf("resumed status = %v, want TurnCompleted", resumed.Status)
	}
	if resumed.FinalText != "all three handled" {
		t.Fatalf("resumed FinalText = %q", resumed.FinalText)
	}
	if resumed.ToolsUsed != 3 {
		t.Fatalf("ToolsUsed = %d, want 3 (fs_write + two echoes)", resumed.ToolsUsed)
	}

	history, err := store.GetHistory(ctx, sessionID, 20)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	toolResults := 0
	for _, m := range history {
		if m.Role == models.RoleTool {
			toolResults += len(m.ToolResults)
		}
	}
	if toolResults != 3 {
		t.Fatalf("expected 3 tool-result messages in history (none dropped), got %d", toolResults)
	}
}

func TestStartTurnRejectsDisallowedTool(t *testing.T) {
	sessionStore := sessions.NewMemoryStore()
	pending := NewMemoryPendingToolStore()
	store := NewSessionStore(sessionStore, pending, learning.NewMemoryStore())
	tools := NewToolManager(NewMemoryPolicy(DefaultToolRule()))
	tools.Register(echoingTool{name: "echo"})
	ctxBuilder := NewContextBuilder(DefaultContextBuilderConfig(), nil, nil)
	provider := &fakeProviderClient{responses: []string{
		`{"tool":"echo","args":{}}`,
		"done anyway",
	}}
	loop := NewTurnLoop(TurnLoopConfig{
		Agent:        "test-agent",
		SystemPrompt: "be terse",
		Model:        "test-model",
		Tools:        []string{"fs_write"},
		Budgets:      func() *TurnBudgets { return NewTurnBudgets(4, 8, 24, -1) },
	}, store, provider, tools, ctxBuilder, nil)

	ctx := context.Background()
	session, err := sessionStore.GetOrCreate(ctx, "sess-key", "test-agent", models.ChannelAPI, "chan-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	result, err := loop.StartTurn(ctx, session.ID, "", &models.Message{
		ID: "m1", SessionID: session.ID, Role: models.RoleUser, Content: "use echo",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if result.Status != TurnCompleted {
		t.Fatalf("status = %v, want TurnCompleted", result.Status)
	}
	if result.ToolsUsed != 0 {
		t.Fatalf("ToolsUsed = %d, want 0 (tool call should have been refused)", result.ToolsUsed)
	}

	history, err := store.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	var sawRefusal bool
	for _, m := range history {
		for _, r := range m.ToolResults {
			if r.IsError && r.Content == "tool 'echo' is not allowed for agent 'test-agent'" {
				sawRefusal = true
			}
		}
	}
	if !sawRefusal {
		t.Fatalf("expected a disallowed-tool refusal result in history")
	}
}

func TestStartTurnRejectsWhenPendingToolOutstanding(t *testing.T) {
	responses := []string{`{"tool":"fs_write","args":{}}`}
	loop, _, sessionID := newTestLoop(t, responses, nil, echoingTool{name: "fs_write"})
	ctx := context.Background()

	if _, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m1", SessionID: sessionID, Role: models.RoleUser, Content: "use fs_write",
	}); err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}

	_, err := loop.StartTurn(ctx, sessionID, "", &models.Message{
		ID: "m2", SessionID: sessionID, Role: models.RoleUser, Content: "another message",
	})
	if err == nil {
		t.Fatal("expected StartTurn to reject a session with an outstanding pending tool")
	}
}
