package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quillcms/connect/ability"
	"github.com/quillcms/connect/host"
)

// builtinAbilities is the daemon's diagnostic catalog. A real deployment
// registers the host's content abilities here instead; these two exist so a
// fresh connectd can demonstrate the full dispatch pipeline, including the
// write-disabled-by-default policy.
func builtinAbilities() []*ability.Ability {
	return []*ability.Ability{
		{
			Name:        "diagnostics/health",
			Description: "Report server health and version",
			Kind:        ability.KindRead,
			Group:       "diagnostics",
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["status", "version", "time"],
				"properties": {
					"status":  {"type": "string"},
					"version": {"type": "string"},
					"time":    {"type": "string"}
				}
			}`),
			Permission: func(ctx context.Context, caps host.Capabilities, userID string, args map[string]any) (bool, error) {
				return caps.Can(ctx, userID, "read", "site")
			},
			Handler: func(ctx context.Context, caller ability.Caller, args map[string]any) (any, error) {
				return map[string]any{
					"status":  "ok",
					"version": version,
					"time":    time.Now().UTC().Format(time.RFC3339),
				}, nil
			},
		},
		{
			Name:        "diagnostics/echo",
			Description: "Echo a message back (write-classified, disabled until enabled)",
			Kind:        ability.KindWrite,
			Group:       "diagnostics",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "string", "maxLength": 1024}
				},
				"additionalProperties": false
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "string"}
				}
			}`),
			Permission: func(ctx context.Context, caps host.Capabilities, userID string, args map[string]any) (bool, error) {
				return caps.Can(ctx, userID, "manage", "site")
			},
			Handler: func(ctx context.Context, caller ability.Caller, args map[string]any) (any, error) {
				msg, _ := args["message"].(string)
				return map[string]any{"message": msg}, nil
			},
		},
	}
}
