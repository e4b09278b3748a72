package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corvidlabs/turnengine/internal/turnengine"
	"github.com/corvidlabs/turnengine/pkg/models"
)

// clockTool is a trivial, side-effect-free demonstration tool: it reports
// the server's current time. Its Schema is validated against every call via
// turnengine.ValidateArgs before Execute runs, exercising the jsonschema
// wiring even though the schema here has nothing interesting to reject.
type clockTool struct{}

func (clockTool) Name() string        { return "clock" }
func (clockTool) Description() string { return "Returns the current server time in RFC3339." }

func (clockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"zone": {"type": "string", "description": "IANA time zone name; defaults to UTC"}
		},
		"additionalProperties": false
	}`)
}

func (t clockTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	if err := turnengine.ValidateArgs(t.Schema(), params); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	var input struct {
		Zone string `json:"zone"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &input)
	}

	loc := time.UTC
	if input.Zone != "" {
		if l, err := time.LoadLocation(input.Zone); err == nil {
			loc = l
		}
	}

	return &models.ToolResult{Content: time.Now().In(loc).Format(time.RFC3339)}, nil
}
