package turnengine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateArgs checks raw tool-call arguments against a tool's published
// JSON Schema. The core turn loop never calls this itself — per the
// runtime's "tools validate at entry" contract, a Tool implementation opts
// in by calling it at the top of Execute. Built-in demonstration tools use
// it; third-party tools are free to skip it or bring their own validator.
func ValidateArgs(schema json.RawMessage, args json.RawMessage) error {
	compiled, err := compileToolSchema(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool args invalid: %w", err)
	}
	return nil
}

var toolSchemaCache sync.Map

func compileToolSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := toolSchemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}
