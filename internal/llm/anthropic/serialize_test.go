package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/pkg/models"
)

func functionTool(name string) models.ToolDefinition {
	return models.ToolDefinition{
		Type:       models.ToolTypeFunction,
		Name:       name,
		Parameters: json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"],"additionalProperties":false}`),
	}
}

func TestBuildParamsConsolidatesSystem(t *testing.T) {
	req := &llm.Request{
		Messages: []*models.Message{
			models.SystemMessage("first"),
			models.UserMessage("hi"),
			models.SystemMessage("second"),
		},
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.System) != 1 || params.System[0].Text != "first\n\nsecond" {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 (system excluded)", len(params.Messages))
	}
}

func TestBuildParamsDropsOrphanToolUse(t *testing.T) {
	req := &llm.Request{
		Messages: []*models.Message{
			models.UserMessage("go"),
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "answered", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: `{"value":"a"}`}},
					{ID: "orphan", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: `{"value":"b"}`}},
				},
			},
			models.ToolMessage("answered", "echo", "ok:a", false),
		},
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	// user, assistant(tool_use), user(tool_result)
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	assistant := params.Messages[1]
	if len(assistant.Content) != 1 {
		t.Fatalf("assistant blocks = %d, want 1 (orphan dropped)", len(assistant.Content))
	}
}

func TestBuildParamsCoalescesAssistantRuns(t *testing.T) {
	req := &llm.Request{
		Messages: []*models.Message{
			models.UserMessage("go"),
			{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: `{}`}}},
			},
			{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "c2", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: `{}`}}},
			},
			models.ToolMessage("c1", "echo", "r1", false),
			models.ToolMessage("c2", "echo", "r2", false),
		},
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	// user, assistant(coalesced 2 tool_use), user(coalesced 2 tool_result)
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(params.Messages), params.Messages)
	}
	if len(params.Messages[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(params.Messages[1].Content))
	}
	if len(params.Messages[2].Content) != 2 {
		t.Errorf("tool result blocks = %d, want 2", len(params.Messages[2].Content))
	}
}

func TestBuildParamsDropsReasoning(t *testing.T) {
	req := &llm.Request{
		Messages: []*models.Message{
			models.UserMessage("hi"),
			models.ReasoningMessage("chain", json.RawMessage(`{"type":"reasoning"}`)),
			models.AssistantMessage("done"),
		},
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (reasoning dropped)", len(params.Messages))
	}
}

func TestBuildParamsForeignOtherDegrades(t *testing.T) {
	req := &llm.Request{
		Messages: []*models.Message{
			models.UserMessageParts([]models.ContentPart{
				models.OtherPart("openai", "computer_call", json.RawMessage(`{"x":1}`)),
			}),
		},
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 1 || len(params.Messages[0].Content) != 1 {
		t.Fatalf("unexpected shape: %+v", params.Messages)
	}
	block := params.Messages[0].Content[0]
	if block.OfText == nil || block.OfText.Text != `[other:openai/computer_call] {"x":1}` {
		t.Errorf("foreign other should degrade to marker text, got %+v", block)
	}
}

func TestBuildParamsToolChoiceNoneOmitsTools(t *testing.T) {
	req := &llm.Request{
		Messages:   []*models.Message{models.UserMessage("hi")},
		Tools:      []models.ToolDefinition{functionTool("echo")},
		ToolChoice: llm.ToolChoiceNone,
	}
	params, err := buildParams(req, "claude-sonnet-4-5", 1024)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Tools) != 0 {
		t.Errorf("tools should be omitted with tool_choice=none")
	}
}

func TestSplitDataURL(t *testing.T) {
	mt, data, ok := splitDataURL("data:image/png;base64,AAAA")
	if !ok || mt != "image/png" || data != "AAAA" {
		t.Errorf("splitDataURL = %q %q %v", mt, data, ok)
	}
	if _, _, ok := splitDataURL("https://example.com/a.png"); ok {
		t.Error("plain URL should not parse as data URL")
	}
}
