package turnengine

import (
	"context"
	"fmt"
	"strings"

	agentcontext "github.com/corvidlabs/turnengine/internal/agent/context"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// RetrievalSource looks up supporting snippets for a query, e.g. a vector
// store over prior sessions or project documentation. The context builder
// treats it as optional: a nil source simply skips retrieval injection.
type RetrievalSource interface {
	Retrieve(ctx context.Context, query string, maxChars int) (text string, sourceNames []string, err error)
}

// ContextBuilderConfig bundles the packing and summarization knobs the
// turn loop exposes to callers, with the teacher's defaults.
type ContextBuilderConfig struct {
	Pack        agentcontext.PackOptions
	Summarize   agentcontext.SummarizationConfig
	MaxToolHint int // max number of tool shortlist entries surfaced per round
	// ToolShortlistCharBudget caps the length of the "prioritize these
	// tools" clause assembled into the system prompt each round.
	ToolShortlistCharBudget int
	RetrievalCharBudget     int
}

// DefaultContextBuilderConfig mirrors agentcontext's own defaults, adding the
// turn engine's tool-shortlist and retrieval-injection budgets.
func DefaultContextBuilderConfig() ContextBuilderConfig {
	return ContextBuilderConfig{
		Pack:                    agentcontext.DefaultPackOptions(),
		Summarize:               agentcontext.DefaultSummarizationConfig(),
		MaxToolHint:             12,
		ToolShortlistCharBudget: 1200,
		RetrievalCharBudget:     4000,
	}
}

// ContextBuilder produces the bounded message window and tool shortlist fed
// to the provider each round, reusing the existing packer/summarizer pair
// rather than reimplementing budget math.
type ContextBuilder struct {
	cfg        ContextBuilderConfig
	packer     *agentcontext.Packer
	summarizer *agentcontext.Summarizer
	retrieval  RetrievalSource
}

// NewContextBuilder wires a packer and, if a SummaryProvider is supplied, a
// summarizer. summaryProvider may be nil, in which case summarization is
// disabled and ShouldSummarize always reports false.
func NewContextBuilder(cfg ContextBuilderConfig, summaryProvider agentcontext.SummaryProvider, retrieval RetrievalSource) *ContextBuilder {
	var summarizer *agentcontext.Summarizer
	if summaryProvider != nil {
		summarizer = agentcontext.NewSummarizer(summaryProvider, cfg.Summarize)
	}
	return &ContextBuilder{
		cfg:        cfg,
		packer:     agentcontext.NewPacker(cfg.Pack),
		summarizer: summarizer,
		retrieval:  retrieval,
	}
}

// BuiltContext is the packed, ready-to-send state for one provider call.
type BuiltContext struct {
	Messages []*models.Message
	Summary  *SummarySignal
	Retrieval *RetrievalInjection
}

// Build packs history plus the incoming message into a bounded window,
// generating or reusing a rolling summary when the history has grown past
// threshold, and optionally injecting retrieved context relevant to the
// incoming message.
func (b *ContextBuilder) Build(ctx context.Context, sessionID string, history []*models.Message, incoming *models.Message, currentSummary *models.Message) (*BuiltContext, error) {
	out := &BuiltContext{}

	summaryMsg := currentSummary
	if b.summarizer != nil && b.summarizer.ShouldSummarize(history, currentSummary) {
		generated, err := b.summarizer.Summarize(ctx, sessionID, history, currentSummary)
		if err != nil {
			return nil, fmt.Errorf("summarize context: %w", err)
		}
		if generated != nil {
			summaryMsg = generated
			out.Summary = &SummarySignal{
				Key:           sessionID,
				MessageCount:  len(history),
				TriggerKind:   "generated",
			}
		}
	} else if currentSummary != nil {
		out.Summary = &SummarySignal{
			Key:          sessionID,
			MessageCount: len(history),
			TriggerKind:  "reused",
		}
	}

	packed, err := b.packer.Pack(history, incoming, summaryMsg)
	if err != nil {
		return nil, fmt.Errorf("pack context: %w", err)
	}
	out.Messages = packed

	if b.retrieval != nil && incoming != nil && incoming.Content != "" {
		text, sources, err := b.retrieval.Retrieve(ctx, incoming.Content, b.cfg.RetrievalCharBudget)
		if err == nil && text != "" {
			out.Retrieval = &RetrievalInjection{Query: incoming.Content, Sources: sources, CharCount: len(text)}
			injected := *incoming
			injected.Content = text + "\n\n" + incoming.Content
			for i, m := range out.Messages {
				if m == incoming {
					out.Messages[i] = &injected
					break
				}
			}
		}
	}

	return out, nil
}

// ShortlistCharBudget returns the configured character budget for the
// "prioritize these tools" clause assembled from ShortlistTools.
func (b *ContextBuilder) ShortlistCharBudget() int {
	if b.cfg.ToolShortlistCharBudget <= 0 {
		return 1200
	}
	return b.cfg.ToolShortlistCharBudget
}

// ShortlistTools narrows a full tool set down to the MaxToolHint entries
// most relevant to the incoming message, preserving registration order for
// ties. A nil or short focusHint leaves the tool list untouched: narrowing
// only happens for a real oversupply of tools.
func (b *ContextBuilder) ShortlistTools(allTools []Tool, focusHint string) []Tool {
	if len(allTools) <= b.cfg.MaxToolHint {
		return allTools
	}
	scored := make([]Tool, 0, len(allTools))
	rest := make([]Tool, 0, len(allTools))
	for _, t := range allTools {
		if focusHint != "" && strings.Contains(strings.ToLower(t.Description()), strings.ToLower(focusHint)) {
			scored = append(scored, t)
		} else {
			rest = append(rest, t)
		}
	}
	out := append(scored, rest...)
	if len(out) > b.cfg.MaxToolHint {
		out = out[:b.cfg.MaxToolHint]
	}
	return out
}
