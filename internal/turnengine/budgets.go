// Package turnengine implements the agent turn engine: the scheduler that
// drives one user turn through provider calls, tool dispatch under a
// permission policy, and durable suspension while a human approves a tool.
package turnengine

import "time"

// Hard ceilings no agent configuration may exceed, regardless of what it
// requests.
const (
	HardMaxRounds           = 32
	HardMaxToolsPerRound    = 64
	HardMaxTotalToolsPerRun = 256
	DefaultMaxDuration      = 300 * time.Second
)

// TurnBudgets tracks per-turn counters and the caps they must not exceed.
// Zero caps for rounds/tools mean "unlimited" up to the corresponding hard
// ceiling; a zero duration means unbounded.
type TurnBudgets struct {
	MaxRounds        int
	MaxToolsPerRound int
	MaxTotalTools    int
	MaxDuration      time.Duration

	RoundsUsed    int
	TotalToolsUsed int
	StartedAt     time.Time
}

// NewTurnBudgets clamps the requested caps to the hard maxima and returns a
// fresh, zeroed counter set. This constructor cannot distinguish "caller
// passed 0 because they want the default" from "caller passed 0 because they
// want unlimited" — both collapse to the documented default. Callers that
// need that distinction should build an AgentConfig and call
// NewTurnBudgetsFromConfig instead.
func NewTurnBudgets(maxRounds, maxToolsPerRound, maxTotalTools int, maxDuration time.Duration) *TurnBudgets {
	b := &TurnBudgets{
		MaxRounds:        clamp(maxRounds, 4, HardMaxRounds),
		MaxToolsPerRound: clamp(maxToolsPerRound, 8, HardMaxToolsPerRound),
		MaxTotalTools:    clamp(maxTotalTools, 24, HardMaxTotalToolsPerRun),
		MaxDuration:      maxDuration,
		StartedAt:        time.Now(),
	}
	if b.MaxDuration == 0 {
		b.MaxDuration = DefaultMaxDuration
	}
	if maxDuration < 0 {
		b.MaxDuration = 0 // explicit unbounded
	}
	return b
}

// clamp treats 0 as "use default", and caps anything above hardMax down to
// hardMax. A negative value is treated as unlimited (clamped to hardMax).
func clamp(requested, def, hardMax int) int {
	if requested == 0 {
		if def > hardMax {
			return hardMax
		}
		return def
	}
	if requested < 0 || requested > hardMax {
		return hardMax
	}
	return requested
}

// AgentConfig is the per-agent settings table: turn budgets, the tool
// allow-list, and prompt-assembly knobs. Pointer fields distinguish
// "unspecified" (nil, apply the documented default) from an explicit
// request for "unlimited" (0, clamped only by the hard ceiling) — a plain
// int parameter can't represent that distinction, which is why
// NewTurnBudgets above can't either.
type AgentConfig struct {
	MaxToolRounds            *int
	MaxToolsPerRound         *int
	MaxTotalToolCallsPerTurn *int
	MaxTurnDurationSeconds   *int

	// Tools is the allow-list of tool names the agent may invoke. A nil or
	// empty slice means no restriction beyond the permission policy.
	Tools []string

	SystemPromptTemplate    *string
	ToolShortlistMaxItems   *int
	ToolShortlistCharBudget *int

	Temperature *float64
	MaxTokens   *int
}

// NewTurnBudgetsFromConfig builds a TurnBudgets from an AgentConfig. A nil
// cfg, or a nil field within it, applies the documented default (4 rounds, 8
// tools/round, 24 total tools, 300s duration); an explicit 0 means
// unlimited, clamped to the corresponding hard ceiling.
func NewTurnBudgetsFromConfig(cfg *AgentConfig) *TurnBudgets {
	if cfg == nil {
		cfg = &AgentConfig{}
	}
	b := &TurnBudgets{
		MaxRounds:        clampOptional(cfg.MaxToolRounds, 4, HardMaxRounds),
		MaxToolsPerRound: clampOptional(cfg.MaxToolsPerRound, 8, HardMaxToolsPerRound),
		MaxTotalTools:    clampOptional(cfg.MaxTotalToolCallsPerTurn, 24, HardMaxTotalToolsPerRun),
		StartedAt:        time.Now(),
	}
	switch {
	case cfg.MaxTurnDurationSeconds == nil:
		b.MaxDuration = DefaultMaxDuration
	case *cfg.MaxTurnDurationSeconds == 0:
		b.MaxDuration = 0 // explicit unbounded
	default:
		b.MaxDuration = time.Duration(*cfg.MaxTurnDurationSeconds) * time.Second
	}
	return b
}

// clampOptional is clamp's pointer-aware counterpart: nil means "apply def",
// an explicit 0 (or anything above hardMax) means "unlimited", clamped to
// hardMax.
func clampOptional(requested *int, def, hardMax int) int {
	if requested == nil {
		if def > hardMax {
			return hardMax
		}
		return def
	}
	if *requested <= 0 || *requested > hardMax {
		return hardMax
	}
	return *requested
}

// Remaining returns the time left in the turn's duration budget. A zero or
// negative MaxDuration means unbounded, represented as a very large value.
func (b *TurnBudgets) Remaining() time.Duration {
	if b.MaxDuration <= 0 {
		return time.Hour * 24 * 365
	}
	elapsed := time.Since(b.StartedAt)
	remaining := b.MaxDuration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DurationExhausted reports whether the turn has used its full duration
// budget.
func (b *TurnBudgets) DurationExhausted() bool {
	if b.MaxDuration <= 0 {
		return false
	}
	return time.Since(b.StartedAt) >= b.MaxDuration
}

// RoundsExhausted reports whether the round cap has been reached.
func (b *TurnBudgets) RoundsExhausted() bool {
	return b.RoundsUsed >= b.MaxRounds
}

// TotalToolsExhausted reports whether the per-turn tool-call cap has been
// reached.
func (b *TurnBudgets) TotalToolsExhausted() bool {
	return b.TotalToolsUsed >= b.MaxTotalTools
}
