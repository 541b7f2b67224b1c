package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageText(t *testing.T) {
	msg := &Message{
		Role: RoleUser,
		Content: []ContentPart{
			TextPart("hello "),
			ImagePart("https://example.com/x.png", "auto", ""),
			TextPart("world"),
		},
	}
	if got := msg.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

func TestMessageTextEmpty(t *testing.T) {
	var m *Message
	if m.Text() != "" {
		t.Error("nil message should have empty text")
	}
	if (&Message{Role: RoleUser}).Text() != "" {
		t.Error("empty content should have empty text")
	}
}

func TestValidateAssistant(t *testing.T) {
	if err := (&Message{Role: RoleAssistant}).Validate(); err == nil {
		t.Error("assistant with no content and no tool calls should be invalid")
	}
	withCalls := &Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Type: "function", Function: FunctionCall{Name: "echo", Arguments: "{}"}}},
	}
	if err := withCalls.Validate(); err != nil {
		t.Errorf("assistant with tool calls should be valid: %v", err)
	}
}

func TestValidateTool(t *testing.T) {
	if err := (&Message{Role: RoleTool}).Validate(); err == nil {
		t.Error("tool message without tool_call_id should be invalid")
	}
	if err := ToolMessage("c1", "echo", "ok", false).Validate(); err != nil {
		t.Errorf("valid tool message rejected: %v", err)
	}
}

func TestValidateSystemRejectsNonText(t *testing.T) {
	msg := &Message{Role: RoleSystem, Content: []ContentPart{ImagePart("u", "", "")}}
	if err := msg.Validate(); err == nil {
		t.Error("system message with image content should be invalid")
	}
}

func TestOtherPartDegraded(t *testing.T) {
	p := OtherPart("openai", "computer_call", json.RawMessage(`{"x":1}`))
	got := p.Degraded()
	if !strings.HasPrefix(got, "[other:openai/computer_call]") {
		t.Errorf("Degraded() = %q", got)
	}
	if !strings.Contains(got, `{"x":1}`) {
		t.Errorf("Degraded() should include payload, got %q", got)
	}
}

func TestClone(t *testing.T) {
	orig := &Message{
		Role:      RoleAssistant,
		Content:   []ContentPart{TextPart("a")},
		ToolCalls: []ToolCall{{ID: "c1"}},
	}
	cp := orig.Clone()
	cp.Content[0].Text = "b"
	cp.ToolCalls[0].ID = "c2"
	if orig.Content[0].Text != "a" || orig.ToolCalls[0].ID != "c1" {
		t.Error("Clone must not share slices with the original")
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"type":"reasoning","encrypted_content":"abc"}`)
	history := []*Message{
		SystemMessage("be brief"),
		UserMessage("hi"),
		ReasoningMessage("thinking", raw),
		{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "echo", Arguments: `{"value":"x"}`}}},
		},
		ToolMessage("call_1", "echo", "ok:x", false),
		AssistantMessage("done"),
	}

	data, err := MarshalHistory(history)
	if err != nil {
		t.Fatalf("MarshalHistory: %v", err)
	}
	restored, err := UnmarshalHistory(data)
	if err != nil {
		t.Fatalf("UnmarshalHistory: %v", err)
	}
	if len(restored) != len(history) {
		t.Fatalf("restored %d messages, want %d", len(restored), len(history))
	}
	if string(restored[2].RawItem) != string(raw) {
		t.Errorf("reasoning raw item not preserved: %s", restored[2].RawItem)
	}
	if restored[3].ToolCalls[0].Function.Arguments != `{"value":"x"}` {
		t.Errorf("tool call arguments not preserved")
	}
	if restored[4].ToolCallID != "call_1" || restored[4].Text() != "ok:x" {
		t.Errorf("tool message not preserved: %+v", restored[4])
	}
}

func TestUnmarshalHistoryBadVersion(t *testing.T) {
	if _, err := UnmarshalHistory([]byte(`{"version":99,"messages":[]}`)); err == nil {
		t.Error("unknown version should be rejected")
	}
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{Model: "a", InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	u.Add(&Usage{Model: "b", InputTokens: 1, InputCachedTokens: 2, OutputTokens: 3, TotalTokens: 4})
	if u.Model != "b" {
		t.Errorf("model = %q, want b", u.Model)
	}
	if u.InputTokens != 11 || u.InputCachedTokens != 2 || u.OutputTokens != 8 || u.TotalTokens != 19 {
		t.Errorf("unexpected totals: %+v", u)
	}
	u.Add(nil)
	if u.TotalTokens != 19 {
		t.Error("Add(nil) must be a no-op")
	}
}
