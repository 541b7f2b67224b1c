package toolcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kousw/codelia/internal/tools"
)

// ReadTool recovers stored tool output by ref id. Register it when the
// store supports reads; its output bypasses truncation.
func ReadTool(store Reader) tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"ref": {"type": "string", "description": "Reference id from a truncation tag"},
			"offset": {"type": "integer", "description": "Line offset to start from"},
			"limit": {"type": "integer", "description": "Maximum number of lines"}
		},
		"required": ["ref"]
	}`)
	return tools.Func(ReadToolName,
		"Read the full output of a previously truncated tool result by its ref id.",
		schema,
		func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
			var args struct {
				Ref    string `json:"ref"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			text, err := store.Read(ctx, args.Ref, args.Offset, args.Limit)
			if err != nil {
				return nil, err
			}
			return tools.TextResult(text), nil
		})
}

// GrepTool searches stored tool output by ref id.
func GrepTool(store Grepper) tools.Tool {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"ref": {"type": "string", "description": "Reference id from a truncation tag"},
			"pattern": {"type": "string", "description": "Substring or regular expression"},
			"regex": {"type": "boolean", "description": "Treat pattern as a regular expression"},
			"before": {"type": "integer", "description": "Context lines before each match"},
			"after": {"type": "integer", "description": "Context lines after each match"},
			"max_matches": {"type": "integer", "description": "Stop after this many matches"}
		},
		"required": ["ref", "pattern"]
	}`)
	return tools.Func(GrepToolName,
		"Search the full output of a previously truncated tool result.",
		schema,
		func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
			var args struct {
				Ref        string `json:"ref"`
				Pattern    string `json:"pattern"`
				Regex      bool   `json:"regex"`
				Before     int    `json:"before"`
				After      int    `json:"after"`
				MaxMatches int    `json:"max_matches"`
			}
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			text, err := store.Grep(ctx, args.Ref, GrepOptions{
				Pattern:    args.Pattern,
				Regex:      args.Regex,
				Before:     args.Before,
				After:      args.After,
				MaxMatches: args.MaxMatches,
			})
			if err != nil {
				return nil, err
			}
			return tools.TextResult(text), nil
		})
}
