package turnengine

import (
	"encoding/json"
	"strings"

	"github.com/corvidlabs/turnengine/pkg/models"
)

// rawToolCall is the wire shape a provider is instructed to emit for a tool
// call embedded in free-form generation text: a JSON object
// `{"tool": <name>, "args": {...}}`. Name/Arguments/Input are accepted as
// aliases for providers that emit the more common "name"/"arguments" shape
// instead.
type rawToolCall struct {
	ID        string          `json:"id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ExtractToolCalls pulls structured tool calls out of a model's raw text
// output. It tries, in order:
//
//  1. the entire trimmed text as a single JSON object,
//  2. the entire trimmed text as a JSON array of objects,
//  3. each line of the text as a standalone JSON object fragment.
//
// Malformed fragments are silently skipped rather than aborting extraction;
// a provider is free to interleave prose and tool-call JSON, and most of
// that prose will not parse as JSON at all. Returns an empty, non-nil slice
// when no tool calls are found.
func ExtractToolCalls(text string) []models.ToolCall {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []models.ToolCall{}
	}

	if calls, ok := tryParseSingleObject(trimmed); ok {
		return calls
	}
	if calls, ok := tryParseArray(trimmed); ok {
		return calls
	}
	return parseLineFragments(trimmed)
}

func tryParseSingleObject(text string) ([]models.ToolCall, bool) {
	if len(text) == 0 || text[0] != '{' {
		return nil, false
	}
	var raw rawToolCall
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	call, ok := toModelToolCall(raw)
	if !ok {
		return nil, false
	}
	return []models.ToolCall{call}, true
}

func tryParseArray(text string) ([]models.ToolCall, bool) {
	if len(text) == 0 || text[0] != '[' {
		return nil, false
	}
	var raws []rawToolCall
	if err := json.Unmarshal([]byte(text), &raws); err != nil {
		return nil, false
	}
	calls := make([]models.ToolCall, 0, len(raws))
	for _, raw := range raws {
		if call, ok := toModelToolCall(raw); ok {
			calls = append(calls, call)
		}
	}
	return calls, true
}

func parseLineFragments(text string) []models.ToolCall {
	var calls []models.ToolCall
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var raw rawToolCall
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if call, ok := toModelToolCall(raw); ok {
			calls = append(calls, call)
		}
	}
	if calls == nil {
		calls = []models.ToolCall{}
	}
	return calls
}

func toModelToolCall(raw rawToolCall) (models.ToolCall, bool) {
	name := raw.Tool
	if name == "" {
		name = raw.Name
	}
	if name == "" {
		return models.ToolCall{}, false
	}
	args := raw.Args
	if len(args) == 0 {
		args = raw.Arguments
	}
	if len(args) == 0 {
		args = raw.Input
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	id := raw.ID
	if id == "" {
		id = newID("call")
	}
	return models.ToolCall{ID: id, Name: name, Input: args}, true
}
