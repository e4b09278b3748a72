package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/corvidlabs/turnengine/internal/agent"
	"github.com/corvidlabs/turnengine/internal/learning"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// TurnStatus is the outward-visible state a turn finishes (or suspends) in.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnPending   TurnStatus = "pending_permission"
	TurnFailed    TurnStatus = "failed"
)

// TurnResult is returned by both StartTurn and ContinueAfterTool once the
// turn either finishes or suspends again.
type TurnResult struct {
	Status       TurnStatus
	FinalText    string
	RoundsUsed   int
	ToolsUsed    int
	PendingTool  *PendingToolState
	Err          error
}

// TurnLoopConfig bundles the collaborators a TurnLoop needs. Agent is the
// identifier used to scope learning-store lookups (mistake/success patterns
// are recorded per agent, not per session).
type TurnLoopConfig struct {
	Agent        string
	SystemPrompt string
	Model        string
	Budgets      func() *TurnBudgets
	// AgentCfg supplies budgets (when Budgets is nil) and the tool
	// allow-list (when Tools is empty), using its optional/pointer fields
	// to distinguish an unspecified cap from an explicit "unlimited".
	AgentCfg *AgentConfig
	// Tools, if non-empty, is the allow-list of tool names this agent may
	// invoke; a call to anything else is refused without ever reaching the
	// permission policy. Falls back to AgentCfg.Tools when empty.
	Tools []string
	// Instrumentation reports round and tool-execution spans/metrics. Nil
	// disables observability entirely.
	Instrumentation *Instrumentation
}

// TurnLoop is the scheduler described by the runtime's turn engine: it
// drives provider calls, tool dispatch, and durable suspension for a single
// user turn, emitting models.TurnEvent as it goes.
type TurnLoop struct {
	cfg      TurnLoopConfig
	store    SessionStore
	provider ProviderClient
	tools    *ToolManager
	context  *ContextBuilder
	events   func(models.TurnEvent)
}

// NewTurnLoop wires the loop's collaborators. events may be nil, in which
// case events are dropped (useful for tests that only check the returned
// TurnResult).
func NewTurnLoop(cfg TurnLoopConfig, store SessionStore, provider ProviderClient, tools *ToolManager, ctxBuilder *ContextBuilder, events func(models.TurnEvent)) *TurnLoop {
	if events == nil {
		events = func(models.TurnEvent) {}
	}
	return &TurnLoop{cfg: cfg, store: store, provider: provider, tools: tools, context: ctxBuilder, events: events}
}

func (l *TurnLoop) emit(sessionID string, ev models.TurnEvent) {
	ev.SessionID = sessionID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.events(ev)
}

// StartTurn begins a new turn for a session's incoming user message. It
// refuses to start if the session already has a suspended pending-tool
// state; callers must call ContinueAfterTool (having resolved the
// permission) before starting a new turn.
func (l *TurnLoop) StartTurn(ctx context.Context, sessionID, projectID string, incoming *models.Message) (*TurnResult, error) {
	hasPending, err := l.store.HasPendingTool(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check pending tool state: %w", err)
	}
	if hasPending {
		return nil, fmt.Errorf("session %s has an outstanding pending tool call; resolve it before starting a new turn", sessionID)
	}

	if err := l.store.AppendMessage(ctx, sessionID, incoming); err != nil {
		return nil, fmt.Errorf("append incoming message: %w", err)
	}

	budgets := l.newBudgets()
	return l.runRounds(ctx, sessionID, projectID, budgets, 0, incoming)
}

// ContinueAfterTool resumes a turn that suspended waiting on a permission
// decision. allow is the operator's decision; scope/pattern (optional)
// record a standing allow-list entry so future identical calls don't ask
// again; sudoSecretProvided, if true, unlocks sudo-classified tools for the
// session.
func (l *TurnLoop) ContinueAfterTool(ctx context.Context, sessionID string, allow bool, scope PolicyScope, pattern string, sudoSecretProvided bool) (*TurnResult, error) {
	state, err := l.store.GetAndClearPendingTool(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch pending tool state: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("session %s has no pending tool call to continue", sessionID)
	}

	if state.Decision == PermissionSudoPrompt && sudoSecretProvided {
		l.tools.ResolveSudoPrompt(sessionID)
	}
	if scope == "" {
		scope = ScopeSession
	}
	l.tools.ResolvePermission(ctx, sessionID, state.ProjectID, allow, scope, pattern, state.ToolCall)

	var result *models.ToolResult
	if !allow {
		result = &models.ToolResult{ToolCallID: state.ToolCall.ID, Content: "tool call denied by operator", IsError: true}
	} else {
		toolStarted := time.Now()
		toolCtx, finishToolSpan := l.cfg.Instrumentation.traceTool(ctx, state.ToolCall.Name)
		result, err = l.tools.ExecuteWithCancel(toolCtx, sessionID, state.ProjectID, state.ToolCall, func(chunk string) {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventToolOutput, Tool: state.ToolCall.Name, Stdout: chunk})
		})
		if err == ErrPermissionPending {
			// The human approved, but the tool itself still needs a sudo
			// secret that hasn't been supplied; re-suspend.
			finishToolSpan(nil)
			state.CreatedAt = time.Now()
			if setErr := l.store.SetPendingTool(ctx, state); setErr != nil {
				return nil, fmt.Errorf("re-persist pending tool state: %w", setErr)
			}
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventSudoSecretPrompt, Tool: state.ToolCall.Name})
			return &TurnResult{Status: TurnPending, PendingTool: state}, nil
		}
		if err != nil {
			finishToolSpan(err)
			l.cfg.Instrumentation.recordError("tool", state.ToolCall.Name)
			return nil, fmt.Errorf("execute resumed tool call: %w", err)
		}
		finishToolSpan(nil)
		status := "ok"
		if result.IsError {
			status = "error"
		}
		l.cfg.Instrumentation.recordTool(state.ToolCall.Name, status, toolStarted)
	}

	l.emit(sessionID, models.TurnEvent{Type: models.TurnEventToolCompleted, Tool: state.ToolCall.Name})
	if result.IsError {
		l.recordMistake(ctx, state.ToolCall.Name, result.Content)
	}

	toolMsg := &models.Message{
		ID:          newID("msg"),
		SessionID:   sessionID,
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{*result},
		CreatedAt:   time.Now(),
	}
	if err := l.store.AppendMessage(ctx, sessionID, toolMsg); err != nil {
		return nil, fmt.Errorf("append resumed tool result: %w", err)
	}

	budgets := l.newBudgets()
	budgets.RoundsUsed = state.RoundIndex
	budgets.TotalToolsUsed = state.ToolsUsedBefore + 1

	// The assistant response that triggered this suspension may have asked
	// for more than one tool call. Drain the ones that came after the call
	// just resolved before starting a fresh round, so they aren't silently
	// dropped.
	roundMessages := append(append([]*models.Message{}, state.ToolMessages...), toolMsg)
	pending, roundMessages, err := l.dispatchCalls(ctx, sessionID, state.ProjectID, state.RemainingCalls, state.RoundIndex, budgets, roundMessages, state.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}
	_ = roundMessages // already persisted via AppendMessage inside dispatchCalls

	return l.runRounds(ctx, sessionID, state.ProjectID, budgets, state.RoundIndex+1, nil)
}

func (l *TurnLoop) newBudgets() *TurnBudgets {
	if l.cfg.Budgets != nil {
		if b := l.cfg.Budgets(); b != nil {
			return b
		}
	}
	if l.cfg.AgentCfg != nil {
		return NewTurnBudgetsFromConfig(l.cfg.AgentCfg)
	}
	return NewTurnBudgetsFromConfig(nil)
}

// allowedTools returns the agent's tool allow-list, preferring the config's
// explicit Tools field over AgentCfg.Tools. An empty result means no
// restriction.
func (l *TurnLoop) allowedTools() []string {
	if len(l.cfg.Tools) > 0 {
		return l.cfg.Tools
	}
	if l.cfg.AgentCfg != nil {
		return l.cfg.AgentCfg.Tools
	}
	return nil
}

// generateOptions derives the provider sampling options from AgentCfg, when
// configured; zero values mean "use the provider's own default".
func (l *TurnLoop) generateOptions() GenerateOptions {
	var opts GenerateOptions
	if l.cfg.AgentCfg == nil {
		return opts
	}
	if l.cfg.AgentCfg.Temperature != nil {
		opts.Temperature = *l.cfg.AgentCfg.Temperature
	}
	if l.cfg.AgentCfg.MaxTokens != nil {
		opts.MaxTokens = *l.cfg.AgentCfg.MaxTokens
	}
	return opts
}

func (l *TurnLoop) toolAllowed(name string) bool {
	allowed := l.allowedTools()
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == name {
			return true
		}
	}
	return false
}

// runRounds is the scheduler body shared by StartTurn and ContinueAfterTool:
// it loops generate -> extract tool calls -> dispatch -> append, until the
// model stops requesting tools, a budget is exhausted, or a tool call
// suspends the turn. incoming is the user message that started the turn;
// it is nil for every round after the first and for rounds entered via
// ContinueAfterTool, since retrieval and the tool-shortlist focus hint only
// apply to a freshly submitted message.
func (l *TurnLoop) runRounds(ctx context.Context, sessionID, projectID string, budgets *TurnBudgets, startRound int, incoming *models.Message) (*TurnResult, error) {
	round := startRound
	var lastText string

	for {
		if budgets.RoundsExhausted() {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventProgress, Message: "round budget exhausted"})
			return &TurnResult{Status: TurnCompleted, FinalText: lastText, RoundsUsed: round, ToolsUsed: budgets.TotalToolsUsed}, nil
		}
		if budgets.TotalToolsExhausted() {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventProgress, Message: "total tool call budget exhausted"})
			return &TurnResult{Status: TurnCompleted, FinalText: lastText, RoundsUsed: round, ToolsUsed: budgets.TotalToolsUsed}, nil
		}
		if budgets.DurationExhausted() {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventProgress, Message: "turn duration budget exhausted"})
			return &TurnResult{Status: TurnCompleted, FinalText: lastText, RoundsUsed: round, ToolsUsed: budgets.TotalToolsUsed}, nil
		}

		roundCtx := ctx
		var cancel context.CancelFunc
		if remaining := budgets.Remaining(); remaining < 24*time.Hour {
			roundCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		var finishRoundSpan func(error)
		roundCtx, finishRoundSpan = l.cfg.Instrumentation.traceRound(roundCtx, sessionID, round)
		defer finishRoundSpan(nil)

		built, err := l.buildContext(roundCtx, sessionID, incoming)
		if cancel != nil {
			defer cancel()
		}
		if err != nil {
			return nil, fmt.Errorf("build context for round %d: %w", round, err)
		}
		focusHint := ""
		if incoming != nil {
			focusHint = incoming.Content
		}
		incoming = nil // only the round that saw the fresh user message gets retrieval/focus treatment
		if built.Summary != nil {
			evType := models.TurnEventSummaryGenerated
			if built.Summary.TriggerKind == "reused" {
				evType = models.TurnEventSummaryQualityUpdated
			}
			l.emit(sessionID, models.TurnEvent{Type: evType, Summary: built.Summary})
		}
		if built.Retrieval != nil {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventRetrievalContextInject, Retrieval: built.Retrieval})
		}

		var sidebarPrefix []*models.Message
		if sidebars := l.buildSidebarMessages(roundCtx, sessionID, projectID); len(sidebars) > 0 {
			sidebarPrefix = append(sidebarPrefix, sidebars...)
		}
		if prefMsg := l.injectMistakeWarnings(roundCtx, sessionID); prefMsg != nil {
			sidebarPrefix = append(sidebarPrefix, prefMsg)
		}
		if len(sidebarPrefix) > 0 {
			built.Messages = append(sidebarPrefix, built.Messages...)
		}

		req := &agent.CompletionRequest{Model: l.cfg.Model, System: l.buildSystemPrompt(focusHint), Messages: toCompletionMessages(built.Messages)}

		l.emit(sessionID, models.TurnEvent{Type: models.TurnEventAgentThinking})
		genResult, err := l.provider.StreamGenerate(roundCtx, req, l.generateOptions(), func(text string) {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventModelChunk, Text: text})
		})
		if err != nil {
			l.cfg.Instrumentation.recordError("provider", l.cfg.Model)
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventError, Message: err.Error()})
			return &TurnResult{Status: TurnFailed, Err: err, RoundsUsed: round, ToolsUsed: budgets.TotalToolsUsed}, nil
		}
		lastText = genResult.Text

		assistantMsg := &models.Message{ID: newID("msg"), SessionID: sessionID, Role: models.RoleAssistant, Content: genResult.Text, CreatedAt: time.Now()}
		calls := ExtractToolCalls(genResult.Text)
		assistantMsg.ToolCalls = calls
		if err := l.store.AppendMessage(ctx, sessionID, assistantMsg); err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}

		if len(calls) == 0 {
			l.recordSuccess(ctx, sessionID)
			return &TurnResult{Status: TurnCompleted, FinalText: lastText, RoundsUsed: round + 1, ToolsUsed: budgets.TotalToolsUsed}, nil
		}

		if len(calls) > budgets.MaxToolsPerRound {
			calls = calls[:budgets.MaxToolsPerRound]
		}

		pending, _, err := l.dispatchCalls(ctx, sessionID, projectID, calls, round, budgets, nil, built.Messages)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return pending, nil
		}

		round++
		budgets.RoundsUsed = round
	}
}

// dispatchCalls runs calls in order against the tool manager, appending a
// tool-result message to the store for each, and stops early (returning a
// non-nil *TurnResult) the moment one suspends on a permission decision. Any
// calls after the one that suspended are recorded on the resulting
// PendingToolState's RemainingCalls rather than dropped, so ContinueAfterTool
// can resume draining the same response. roundMessages seeds the messages
// already produced earlier in this round (used when resuming); the returned
// slice includes whatever this call appended on top of it.
func (l *TurnLoop) dispatchCalls(ctx context.Context, sessionID, projectID string, calls []models.ToolCall, round int, budgets *TurnBudgets, roundMessages []*models.Message, snapshot []*models.Message) (*TurnResult, []*models.Message, error) {
	for i, call := range calls {
		if budgets.TotalToolsExhausted() {
			break
		}

		if !l.toolAllowed(call.Name) {
			content := fmt.Sprintf("tool '%s' is not allowed for agent '%s'", call.Name, l.cfg.Agent)
			l.recordDisallowedTool(ctx, call.Name)
			toolMsg := &models.Message{ID: newID("msg"), SessionID: sessionID, Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: content, IsError: true}}, CreatedAt: time.Now()}
			if err := l.store.AppendMessage(ctx, sessionID, toolMsg); err != nil {
				return nil, roundMessages, fmt.Errorf("append disallowed-tool result: %w", err)
			}
			roundMessages = append(roundMessages, toolMsg)
			continue
		}

		l.emit(sessionID, models.TurnEvent{Type: models.TurnEventToolStarted, Tool: call.Name, Args: call.Input})

		toolStarted := time.Now()
		toolCtx, finishToolSpan := l.cfg.Instrumentation.traceTool(ctx, call.Name)
		result, err := l.tools.ExecuteWithCancel(toolCtx, sessionID, projectID, call, func(chunk string) {
			l.emit(sessionID, models.TurnEvent{Type: models.TurnEventToolOutput, Tool: call.Name, Stdout: chunk})
		})
		if err == ErrPermissionPending {
			finishToolSpan(nil)
			state := &PendingToolState{
				SessionID:       sessionID,
				ToolCall:        call,
				RemainingCalls:  append([]models.ToolCall{}, calls[i+1:]...),
				Decision:        l.classifyPending(ctx, sessionID, projectID, call),
				RoundIndex:      round,
				ToolsUsedBefore: budgets.TotalToolsUsed,
				ToolMessages:    roundMessages,
				ContextSnapshot: snapshot,
				ProjectID:       projectID,
				CreatedAt:       time.Now(),
			}
			if setErr := l.store.SetPendingTool(ctx, state); setErr != nil {
				return nil, roundMessages, fmt.Errorf("persist pending tool state: %w", setErr)
			}
			evType := models.TurnEventPermissionRequest
			if state.Decision == PermissionSudoPrompt {
				evType = models.TurnEventSudoSecretPrompt
			}
			l.emit(sessionID, models.TurnEvent{Type: evType, Tool: call.Name, Args: call.Input, Reason: "awaiting approval"})
			return &TurnResult{Status: TurnPending, RoundsUsed: round + 1, ToolsUsed: budgets.TotalToolsUsed, PendingTool: state}, roundMessages, nil
		}
		if err != nil {
			finishToolSpan(err)
			l.cfg.Instrumentation.recordError("tool", call.Name)
			return nil, roundMessages, fmt.Errorf("execute tool %s: %w", call.Name, err)
		}
		finishToolSpan(nil)

		status := "ok"
		if result.IsError {
			status = "error"
		}
		l.cfg.Instrumentation.recordTool(call.Name, status, toolStarted)

		budgets.TotalToolsUsed++
		l.emit(sessionID, models.TurnEvent{Type: models.TurnEventToolCompleted, Tool: call.Name})
		if result.IsError {
			l.recordMistake(ctx, call.Name, result.Content)
		}
		l.trackTopic(ctx, sessionID, call.Name)

		toolMsg := &models.Message{ID: newID("msg"), SessionID: sessionID, Role: models.RoleTool, ToolResults: []models.ToolResult{*result}, CreatedAt: time.Now()}
		if err := l.store.AppendMessage(ctx, sessionID, toolMsg); err != nil {
			return nil, roundMessages, fmt.Errorf("append tool result: %w", err)
		}
		roundMessages = append(roundMessages, toolMsg)
	}
	return nil, roundMessages, nil
}

func (l *TurnLoop) buildContext(ctx context.Context, sessionID string, incoming *models.Message) (*BuiltContext, error) {
	history, err := l.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return l.context.Build(ctx, sessionID, history, incoming, nil)
}

// buildSystemPrompt assembles the base system prompt plus a tool shortlist:
// a "prioritize these" clause narrowed to the tools most relevant to
// focusHint, followed by the full enumeration of configured tool names as a
// fallback list, truncated to the context builder's character budget.
func (l *TurnLoop) buildSystemPrompt(focusHint string) string {
	base := l.cfg.SystemPrompt
	if l.cfg.AgentCfg != nil && l.cfg.AgentCfg.SystemPromptTemplate != nil {
		base = *l.cfg.AgentCfg.SystemPromptTemplate
	}
	all := l.tools.All()
	if len(all) == 0 {
		return base
	}

	names := make([]string, 0, len(all))
	for _, t := range all {
		names = append(names, t.Name())
	}

	shortlisted := l.context.ShortlistTools(all, focusHint)
	var clause strings.Builder
	clause.WriteString("Prioritize these tools for the current request:\n")
	for _, t := range shortlisted {
		clause.WriteString("- " + t.Name() + ": " + t.Description() + "\n")
	}
	text := clause.String()
	if budget := l.context.ShortlistCharBudget(); budget > 0 && len(text) > budget {
		text = text[:budget]
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n")
	sb.WriteString(text)
	sb.WriteString("\nAll configured tools: " + strings.Join(names, ", "))
	return sb.String()
}

// buildSidebarMessages assembles the system-message sidebars the turn loop
// injects immediately after the primary system prompt: the session's
// accumulated topics, the agent's tool allow-list (its "applicable rules"),
// and the project the turn is scoped to. Learned-preference injection is
// handled separately by injectMistakeWarnings.
func (l *TurnLoop) buildSidebarMessages(ctx context.Context, sessionID, projectID string) []*models.Message {
	var lines []string

	if topics, err := l.store.GetSessionTopics(ctx, sessionID); err == nil && len(topics) > 0 {
		lines = append(lines, "Session topics so far: "+strings.Join(topics, ", "))
	}
	if allowed := l.allowedTools(); len(allowed) > 0 {
		lines = append(lines, "Applicable rules: only these tools may be used - "+strings.Join(allowed, ", "))
	}
	if projectID != "" {
		lines = append(lines, "Project profile: "+projectID)
	}
	if len(lines) == 0 {
		return nil
	}
	return []*models.Message{{
		ID: newID("msg"), SessionID: sessionID, Role: models.RoleSystem,
		Content: strings.Join(lines, "\n"), CreatedAt: time.Now(),
	}}
}

// trackTopic records a tool name as a session topic the first time it is
// used, bounding the list so the sidebar stays short.
func (l *TurnLoop) trackTopic(ctx context.Context, sessionID, topic string) {
	existing, err := l.store.GetSessionTopics(ctx, sessionID)
	if err != nil {
		return
	}
	for _, t := range existing {
		if t == topic {
			return
		}
	}
	existing = append(existing, topic)
	const maxTopics = 8
	if len(existing) > maxTopics {
		existing = existing[len(existing)-maxTopics:]
	}
	_ = l.store.UpdateSessionTopics(ctx, sessionID, existing)
}

// classifyPending re-derives the four-way decision for a call that already
// returned ErrPermissionPending, so the caller knows whether to render an
// approval prompt or a sudo-secret prompt.
func (l *TurnLoop) classifyPending(ctx context.Context, sessionID, projectID string, call models.ToolCall) PermissionDecision {
	var args map[string]any
	_ = json.Unmarshal(call.Input, &args)
	return l.tools.policy.Check(ctx, sessionID, projectID, call.Name, args)
}

// injectMistakeWarnings emits a LearningPatternWarning event for every
// mistake pattern that has recurred often enough to warn about, and builds a
// system message surfacing the session's learned preferences (e.g. "always
// run tests before claiming a fix is complete") so the model sees them
// alongside the base prompt rather than only as a sidecar event. Returns nil
// when there is nothing to inject.
func (l *TurnLoop) injectMistakeWarnings(ctx context.Context, sessionID string) *models.Message {
	if l.store.Learning() == nil {
		return nil
	}
	patterns, err := l.store.Learning().ListMistakePatterns(ctx, l.cfg.Agent)
	if err == nil {
		for _, p := range patterns {
			if p.Frequency >= learning.MistakeWarningThreshold {
				l.emit(sessionID, models.TurnEvent{Type: models.TurnEventLearningPatternWarning, Warning: &models.LearningWarning{
					Agent: p.Agent, Type: string(p.Type), Trigger: p.Trigger, Frequency: p.Frequency, SuggestedFix: p.SuggestedFix,
				}})
			}
		}
	}

	prefs, err := l.store.Learning().ListUserPreferences(ctx, sessionID)
	if err != nil || len(prefs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("Preferred approach, based on prior feedback in this session:\n")
	for _, p := range prefs {
		sb.WriteString("- " + p.Key + ": " + p.Value + "\n")
	}
	return &models.Message{ID: newID("msg"), SessionID: sessionID, Role: models.RoleSystem, Content: sb.String(), CreatedAt: time.Now()}
}

func (l *TurnLoop) recordMistake(ctx context.Context, toolName, content string) {
	if l.store.Learning() == nil {
		return
	}
	_, _ = l.store.Learning().UpsertMistakePattern(ctx, l.cfg.Agent, learning.MistakeToolTimeout, toolName, content)
}

// recordDisallowedTool records a tool_not_allowed mistake so repeated
// attempts at the same blocked tool eventually surface as a learning warning.
func (l *TurnLoop) recordDisallowedTool(ctx context.Context, toolName string) {
	if l.store.Learning() == nil {
		return
	}
	_, _ = l.store.Learning().UpsertMistakePattern(ctx, l.cfg.Agent, learning.MistakeToolNotAllowed, toolName, "not in agent's tool allow-list")
}

func (l *TurnLoop) recordSuccess(ctx context.Context, sessionID string) {
	if l.store.Learning() == nil {
		return
	}
	_, _ = l.store.Learning().UpsertSuccessPattern(ctx, l.cfg.Agent, "turn-completed-without-error", learning.SuccessFeatureImplementation, "", nil)
}

func toCompletionMessages(msgs []*models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}
