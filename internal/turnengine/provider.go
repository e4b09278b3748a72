package turnengine

import (
	"context"
	"time"

	"github.com/corvidlabs/turnengine/internal/agent"
)

// GenerateOptions carries sampling parameters for a single generation call,
// independent of any one provider's request shape.
type GenerateOptions struct {
	Temperature       float64
	MaxTokens         int
	TopP              float64
	TopK              int
	StopSequences     []string
	PresencePenalty   float64
	FrequencyPenalty  float64
}

// GenerateResult is the blocking-call counterpart to agent.CompletionChunk
// aggregated to completion: the full response text, any tool calls the
// provider surfaced as structured output (rather than embedded in Text),
// and token usage.
type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ProviderClient adapts the engine's generation needs onto agent.LLMProvider,
// which already implements the streaming chunk protocol the rest of the
// runtime relies on.
type ProviderClient interface {
	// Generate blocks until the full response is available.
	Generate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions) (*GenerateResult, error)

	// StreamGenerate delivers the response incrementally via onChunk and
	// returns once the stream completes or ctx is cancelled.
	StreamGenerate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions, onChunk func(text string)) (*GenerateResult, error)
}

// llmProviderClient wraps an agent.LLMProvider, which always streams, and
// exposes both the streaming and blocking call shapes the turn loop needs.
type llmProviderClient struct {
	provider agent.LLMProvider
	instr    *Instrumentation
}

// NewProviderClient adapts an existing agent.LLMProvider implementation
// (Anthropic, OpenAI, etc.) into a ProviderClient with no observability.
func NewProviderClient(provider agent.LLMProvider) ProviderClient {
	return NewInstrumentedProviderClient(provider, nil)
}

// NewInstrumentedProviderClient is like NewProviderClient but reports a
// tracing span and a request-duration/token-count metric per call, mirroring
// the reference runtime's "otel span-per-call plus Prometheus histogram"
// convention for LLM requests. instr may be nil.
func NewInstrumentedProviderClient(provider agent.LLMProvider, instr *Instrumentation) ProviderClient {
	return &llmProviderClient{provider: provider, instr: instr}
}

func (c *llmProviderClient) Generate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions) (*GenerateResult, error) {
	return c.StreamGenerate(ctx, req, opts, nil)
}

func (c *llmProviderClient) StreamGenerate(ctx context.Context, req *agent.CompletionRequest, opts GenerateOptions, onChunk func(text string)) (*GenerateResult, error) {
	applyGenerateOptions(req, opts)

	started := time.Now()
	ctx, finishSpan := c.instr.traceLLM(ctx, c.provider.Name(), req.Model)

	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		finishSpan(err, 0, 0)
		c.instr.recordLLM(c.provider.Name(), req.Model, "error", started, 0, 0)
		return nil, err
	}

	result := &GenerateResult{}
	for chunk := range chunks {
		if chunk.Error != nil {
			finishSpan(chunk.Error, result.InputTokens, result.OutputTokens)
			c.instr.recordLLM(c.provider.Name(), req.Model, "error", started, result.InputTokens, result.OutputTokens)
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			result.Text += chunk.Text
			if onChunk != nil {
				onChunk(chunk.Text)
			}
		}
		if chunk.Done {
			result.InputTokens = chunk.InputTokens
			result.OutputTokens = chunk.OutputTokens
		}
	}
	finishSpan(nil, result.InputTokens, result.OutputTokens)
	c.instr.recordLLM(c.provider.Name(), req.Model, "ok", started, result.InputTokens, result.OutputTokens)
	return result, nil
}

func applyGenerateOptions(req *agent.CompletionRequest, opts GenerateOptions) {
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
}
