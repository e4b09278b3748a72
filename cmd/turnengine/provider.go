package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corvidlabs/turnengine/internal/agent"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// echoProvider is the demo binary's built-in fallback LLMProvider. It has no
// external dependency and no API key requirement, so `turnengine serve` is
// runnable out of the box; wiring a real backend (Anthropic, OpenAI, ...)
// means implementing agent.LLMProvider and passing it to newTurnLoop instead.
//
// Its "completion" is deliberately simple: it echoes the latest user message
// back as assistant text, unless the message asks for a tool by name (a
// crude `use <tool> <json-args>` grammar), in which case it emits a single
// tool call. This is enough to drive the turn loop's full round/permission/
// tool-dispatch machinery without a network call.
type echoProvider struct {
	name   string
	models []agent.Model
}

func newEchoProvider() *echoProvider {
	return &echoProvider{
		name: "echo",
		models: []agent.Model{
			{ID: "echo-1", Name: "Echo (local demo)", ContextSize: 32000},
		},
	}
}

func (p *echoProvider) Name() string          { return p.name }
func (p *echoProvider) Models() []agent.Model { return p.models }
func (p *echoProvider) SupportsTools() bool   { return true }

func (p *echoProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, 4)

	var last agent.CompletionMessage
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i]
			break
		}
	}

	go func() {
		defer close(out)

		if name, args, ok := parseToolInvocation(last.Content); ok {
			call := &models.ToolCall{ID: newCallID(), Name: name, Input: args}
			select {
			case out <- &agent.CompletionChunk{ToolCall: call}:
			case <-ctx.Done():
				return
			}
			select {
			case out <- &agent.CompletionChunk{Done: true}:
			case <-ctx.Done():
			}
			return
		}

		reply := fmt.Sprintf("echo: %s", strings.TrimSpace(last.Content))
		for _, word := range strings.Fields(reply) {
			select {
			case out <- &agent.CompletionChunk{Text: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- &agent.CompletionChunk{Done: true, InputTokens: len(req.Messages), OutputTokens: len(strings.Fields(reply))}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// parseToolInvocation recognizes the demo grammar "use <tool> <json-args>",
// e.g. `use clock {}`. Anything else is treated as plain chat text.
func parseToolInvocation(content string) (name string, args json.RawMessage, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "use ") {
		return "", nil, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(content, "use "))
	parts := strings.SplitN(rest, " ", 2)
	name = parts[0]
	if name == "" {
		return "", nil, false
	}
	raw := "{}"
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		raw = strings.TrimSpace(parts[1])
	}
	if !json.Valid([]byte(raw)) {
		return "", nil, false
	}
	return name, json.RawMessage(raw), true
}

var callSeq int

func newCallID() string {
	callSeq++
	return fmt.Sprintf("call-%d", callSeq)
}
