package turnengine

import (
	"context"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// PermissionDecision is the four-way outcome of checking a tool call against
// the permission policy, extending the engine's binary-ish allow/deny with
// the two human-in-the-loop paths the turn loop must be able to suspend on.
type PermissionDecision string

const (
	// PermissionAllow means the tool call executes immediately.
	PermissionAllow PermissionDecision = "allow"
	// PermissionDeny means the tool call is refused outright; the loop
	// synthesizes a failing tool result and continues the round.
	PermissionDeny PermissionDecision = "deny"
	// PermissionAsk means the turn must suspend until a human approves or
	// denies the specific call.
	PermissionAsk PermissionDecision = "ask"
	// PermissionSudoPrompt means the tool call is allowed in principle but
	// first requires an interactively supplied secret (e.g. a sudo
	// password) before it can run.
	PermissionSudoPrompt PermissionDecision = "sudo_prompt"
)

// PolicyScope controls which allow-list tier a pattern is added to.
type PolicyScope string

const (
	ScopeSession PolicyScope = "session"
	ScopeProject PolicyScope = "project"
	ScopeGlobal  PolicyScope = "global"
)

// PermissionPolicy decides what happens when the turn loop wants to execute
// a tool call, and records operator decisions so future identical calls
// don't need to ask again.
type PermissionPolicy interface {
	// Check returns the decision for a tool call, given the session and the
	// already-parsed arguments (used for pattern matching, e.g. against a
	// command or path argument).
	Check(ctx context.Context, sessionID, projectID, toolName string, args map[string]any) PermissionDecision

	AddSessionAllowedPath(sessionID, pattern string)
	AddProjectAllowedPath(projectID, pattern string)
	AddGlobalAllowedPath(pattern string)

	AddSessionCommandPattern(sessionID, pattern string)
	AddProjectCommandPattern(projectID, pattern string)
	AddGlobalCommandPattern(pattern string)

	// MarkSudoUnlocked records that the operator supplied the sudo secret
	// for a session, so subsequent sudo-requiring calls in that session
	// resolve to Allow instead of SudoPrompt until the session ends.
	MarkSudoUnlocked(sessionID string)

	// CacheDecision records a resolved Ask/Sudo outcome (or an explicit
	// deny) for the given scope, so a later identical call short-circuits
	// Check without re-asking. A cached PermissionDeny expires after
	// DefaultDenyCacheTTL; a cached PermissionAllow persists until
	// ClearSessionCache or process restart of an in-memory-only scope.
	CacheDecision(ctx context.Context, sessionID, projectID string, scope PolicyScope, toolName string, args map[string]any, decision PermissionDecision)

	// ClearSessionCache drops every session-scope cache entry for a
	// session, called when the session ends.
	ClearSessionCache(ctx context.Context, sessionID string)
}

// ToolRule classifies a tool name into one of three buckets, consulted in
// order: always-deny, always-ask, everything else resolved by pattern
// matches and the default decision.
type ToolRule struct {
	DenyTools     []string
	AskTools      []string
	SudoTools     []string
	DefaultDecide PermissionDecision
}

// DefaultToolRule returns the engine's baseline classification: destructive
// or irreversible tool families require asking, privilege-escalation tools
// require the sudo prompt, and everything else is allowed by default,
// narrowed further by path/command pattern lists.
func DefaultToolRule() ToolRule {
	return ToolRule{
		AskTools:      []string{"fs_write", "fs_delete", "exec_shell", "git_push", "network_request"},
		SudoTools:     []string{"sudo_exec"},
		DefaultDecide: PermissionAllow,
	}
}

// memoryPolicy is an in-memory PermissionPolicy implementation keyed by
// scope-qualified pattern buckets, mirroring the structure of
// agent.ApprovalChecker but extended to the four-way decision and the three
// allow-list scopes the spec requires.
type memoryPolicy struct {
	mu   sync.RWMutex
	rule ToolRule

	sessionPaths map[string][]string
	projectPaths map[string][]string
	globalPaths  []string

	sessionCmds map[string][]string
	projectCmds map[string][]string
	globalCmds  []string

	sudoUnlocked map[string]bool

	// sessionCache always lives in-process, per §4.5: session scope is
	// cleared when the session ends rather than surviving a restart.
	sessionCache PermissionCacheStore
	// durable backs project/global scope caching; nil means those scopes
	// are cached in-process too (fine for a single-instance deployment).
	durable PermissionCacheStore
}

// NewMemoryPolicy returns a PermissionPolicy backed by in-process maps,
// suitable for a single-instance deployment or tests. Project and global
// scope caching is also kept in-process.
func NewMemoryPolicy(rule ToolRule) PermissionPolicy {
	return NewMemoryPolicyWithCache(rule, nil)
}

// NewMemoryPolicyWithCache is like NewMemoryPolicy but persists project/
// global scope permission-cache entries through durable, typically a
// SQL-backed PermissionCacheStore so a restart doesn't re-prompt for a
// previously-approved command. Session scope always stays in-process
// regardless of durable.
func NewMemoryPolicyWithCache(rule ToolRule, durable PermissionCacheStore) PermissionPolicy {
	return &memoryPolicy{
		rule:         rule,
		sessionPaths: map[string][]string{},
		projectPaths: map[string][]string{},
		sessionCmds:  map[string][]string{},
		projectCmds:  map[string][]string{},
		sudoUnlocked: map[string]bool{},
		sessionCache: NewMemoryPermissionCacheStore(),
		durable:      durable,
	}
}

func (p *memoryPolicy) Check(ctx context.Context, sessionID, projectID, toolName string, args map[string]any) PermissionDecision {
	sig := argsSignature(args)
	if d, ok := p.lookupCache(ctx, ScopeSession, sessionID, toolName, sig); ok {
		return d
	}
	if projectID != "" {
		if d, ok := p.lookupCache(ctx, ScopeProject, projectID, toolName, sig); ok {
			return d
		}
	}
	if d, ok := p.lookupCache(ctx, ScopeGlobal, "", toolName, sig); ok {
		return d
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if matchesAny(p.rule.DenyTools, toolName) {
		return PermissionDeny
	}

	if matchesAny(p.rule.SudoTools, toolName) {
		if p.sudoUnlocked[sessionID] {
			return PermissionAllow
		}
		return PermissionSudoPrompt
	}

	if matchesAny(p.rule.AskTools, toolName) {
		if p.allowedByPattern(sessionID, projectID, toolName, args) {
			return PermissionAllow
		}
		return PermissionAsk
	}

	decide := p.rule.DefaultDecide
	if decide == "" {
		decide = PermissionAllow
	}
	return decide
}

// cacheStoreFor returns the store backing scope: session scope is always
// in-process, project/global scope prefer the durable store if configured.
func (p *memoryPolicy) cacheStoreFor(scope PolicyScope) PermissionCacheStore {
	if scope == ScopeSession || p.durable == nil {
		return p.sessionCache
	}
	return p.durable
}

func (p *memoryPolicy) lookupCache(ctx context.Context, scope PolicyScope, scopeKey, toolName, sig string) (PermissionDecision, bool) {
	store := p.cacheStoreFor(scope)
	d, ok, err := store.GetCachedPermissionDecision(ctx, scope, scopeKey, toolName, sig)
	if err != nil || !ok {
		return "", false
	}
	return d, true
}

func (p *memoryPolicy) CacheDecision(ctx context.Context, sessionID, projectID string, scope PolicyScope, toolName string, args map[string]any, decision PermissionDecision) {
	scopeKey := sessionID
	switch scope {
	case ScopeProject:
		scopeKey = projectID
	case ScopeGlobal:
		scopeKey = ""
	}
	sig := argsSignature(args)
	var expiresAt *time.Time
	if decision == PermissionDeny {
		t := time.Now().Add(DefaultDenyCacheTTL)
		expiresAt = &t
	}
	_ = p.cacheStoreFor(scope).CachePermissionDecision(ctx, scope, scopeKey, toolName, sig, decision, expiresAt)
}

func (p *memoryPolicy) ClearSessionCache(ctx context.Context, sessionID string) {
	_ = p.sessionCache.ClearSessionPermissionCache(ctx, sessionID)
	if p.durable != nil {
		_ = p.durable.ClearSessionPermissionCache(ctx, sessionID)
	}
}

// allowedByPattern checks whether the tool's path or command argument
// matches an already-granted allow-list entry at any scope.
func (p *memoryPolicy) allowedByPattern(sessionID, projectID, toolName string, args map[string]any) bool {
	path, hasPath := stringArg(args, "path")
	cmd, hasCmd := stringArg(args, "command")

	if hasPath {
		if matchesAny(p.sessionPaths[sessionID], path) || matchesAny(p.projectPaths[projectID], path) || matchesAny(p.globalPaths, path) {
			return true
		}
	}
	if hasCmd {
		if matchesAny(p.sessionCmds[sessionID], cmd) || matchesAny(p.projectCmds[projectID], cmd) || matchesAny(p.globalCmds, cmd) {
			return true
		}
	}
	_ = toolName
	return false
}

func stringArg(args map[string]any, key string) (string, bool) {
	if args == nil {
		return "", false
	}
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p *memoryPolicy) AddSessionAllowedPath(sessionID, pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionPaths[sessionID] = append(p.sessionPaths[sessionID], pattern)
}

func (p *memoryPolicy) AddProjectAllowedPath(projectID, pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectPaths[projectID] = append(p.projectPaths[projectID], pattern)
}

func (p *memoryPolicy) AddGlobalAllowedPath(pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalPaths = append(p.globalPaths, pattern)
}

func (p *memoryPolicy) AddSessionCommandPattern(sessionID, pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionCmds[sessionID] = append(p.sessionCmds[sessionID], pattern)
}

func (p *memoryPolicy) AddProjectCommandPattern(projectID, pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectCmds[projectID] = append(p.projectCmds[projectID], pattern)
}

func (p *memoryPolicy) AddGlobalCommandPattern(pattern string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalCmds = append(p.globalCmds, pattern)
}

func (p *memoryPolicy) MarkSudoUnlocked(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sudoUnlocked[sessionID] = true
}

// matchesAny reports whether name matches any pattern in patterns, using
// doublestar glob syntax (so "fs_*", "/workspace/**/*.go", and "**" all
// work as path and command patterns). An exact match always succeeds even
// if the pattern contains characters doublestar would otherwise treat as
// glob metacharacters literally escaped; a malformed pattern is simply
// never matched rather than erroring the whole check.
func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == name {
			return true
		}
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
