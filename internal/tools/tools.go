// Package tools implements the tool pipeline: definitions, the registry,
// schema normalization and validation, execution context, and the
// TaskComplete control signal.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kousw/codelia/pkg/models"
)

// Tool is one executable agent tool. Execute receives the raw JSON
// argument text exactly as the model produced it; on unparseable
// arguments the loop passes {"_raw": <text>} and the tool decides.
type Tool interface {
	// Name returns the tool name for function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema (draft-07) for the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Returning an error produces an error tool
	// message; returning TaskComplete ends the turn.
	Execute(ctx context.Context, params json.RawMessage, tc *Context) (*Result, error)
}

// ResultType tags how a tool result is rendered into a tool message.
type ResultType string

const (
	ResultText  ResultType = "text"
	ResultParts ResultType = "parts"
	ResultJSON  ResultType = "json"
)

// Result is the output of one tool execution.
type Result struct {
	Type    ResultType
	Content string
	Parts   []models.ContentPart
	JSON    any
	IsError bool
}

// TextResult builds a plain text result.
func TextResult(content string) *Result {
	return &Result{Type: ResultText, Content: content}
}

// ErrorResult builds an error-flagged text result.
func ErrorResult(content string) *Result {
	return &Result{Type: ResultText, Content: content, IsError: true}
}

// JSONResult builds a result rendered as JSON text.
func JSONResult(v any) *Result {
	return &Result{Type: ResultJSON, JSON: v}
}

// ToMessage renders the result as a tool message for the given call.
func (r *Result) ToMessage(callID, toolName string) *models.Message {
	msg := &models.Message{
		Role:       models.RoleTool,
		ToolCallID: callID,
		ToolName:   toolName,
		IsError:    r.IsError,
	}
	switch r.Type {
	case ResultParts:
		msg.Content = r.Parts
	case ResultJSON:
		data, err := json.Marshal(r.JSON)
		if err != nil {
			msg.Content = []models.ContentPart{models.TextPart(fmt.Sprintf("%v", r.JSON))}
		} else {
			msg.Content = []models.ContentPart{models.TextPart(string(data))}
		}
	default:
		msg.Content = []models.ContentPart{models.TextPart(r.Content)}
	}
	return msg
}

// TaskComplete is the control signal a tool returns to end the turn.
// It is not a failure; the loop converts it into the final event.
type TaskComplete struct {
	// FinalMessage overrides the turn's final content when non-empty.
	FinalMessage string
}

func (t *TaskComplete) Error() string {
	return "task complete"
}

// Complete builds a TaskComplete signal.
func Complete(finalMessage string) *TaskComplete {
	return &TaskComplete{FinalMessage: finalMessage}
}

// funcTool adapts a plain function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, params json.RawMessage, tc *Context) (*Result, error)
}

// Func builds a Tool from a function.
func Func(name, description string, schema json.RawMessage, fn func(ctx context.Context, params json.RawMessage, tc *Context) (*Result, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *funcTool) Name() string             { return t.name }
func (t *funcTool) Description() string      { return t.description }
func (t *funcTool) Schema() json.RawMessage  { return t.schema }
func (t *funcTool) Execute(ctx context.Context, params json.RawMessage, tc *Context) (*Result, error) {
	return t.fn(ctx, params, tc)
}

// PermissionDecision is the outcome of the permission hook for one call.
type PermissionDecision struct {
	Allow    bool
	Reason   string
	StopTurn bool
}

// PermissionHook gates tool execution. A hook failure is treated as a
// deny carrying the failure message.
type PermissionHook func(ctx context.Context, call models.ToolCall, rawArgs json.RawMessage, tc *Context) (PermissionDecision, error)
