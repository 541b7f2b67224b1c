// Package models defines the provider-neutral message model shared by the
// agent loop, the LLM transports, and the context-management services.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleReasoning Role = "reasoning"
	RoleTool      Role = "tool"
)

// PartType tags a content part variant.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
	PartDocument PartType = "document"
	// PartOther carries a provider-opaque payload preserved verbatim so a
	// round-tripped response stays replayable to the originating provider.
	PartOther PartType = "other"
)

// ContentPart is one element of a message's content.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text content (PartText).
	Text string `json:"text,omitempty"`

	// Image content (PartImageURL). URL may be a data: URL.
	URL       string `json:"url,omitempty"`
	Detail    string `json:"detail,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	// Document content (PartDocument). Data is base64-encoded; MediaType
	// above applies (application/pdf).
	Data string `json:"data,omitempty"`

	// Provider-opaque content (PartOther).
	Provider string          `json:"provider,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url, detail, mediaType string) ContentPart {
	return ContentPart{Type: PartImageURL, URL: url, Detail: detail, MediaType: mediaType}
}

// DocumentPart builds a PDF document part from base64 data.
func DocumentPart(data string) ContentPart {
	return ContentPart{Type: PartDocument, Data: data, MediaType: "application/pdf"}
}

// OtherPart builds a provider-opaque part.
func OtherPart(provider, kind string, payload json.RawMessage) ContentPart {
	return ContentPart{Type: PartOther, Provider: provider, Kind: kind, Payload: payload}
}

// Degraded renders a part for a provider that cannot represent it natively.
func (p ContentPart) Degraded() string {
	switch p.Type {
	case PartText:
		return p.Text
	case PartImageURL:
		return fmt.Sprintf("[image: %s]", p.URL)
	case PartDocument:
		return "[document: application/pdf]"
	case PartOther:
		return fmt.Sprintf("[other:%s/%s] %s", p.Provider, p.Kind, string(p.Payload))
	}
	return ""
}

// FunctionCall names a tool and carries its raw JSON argument text.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an assistant request to execute a tool.
type ToolCall struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // always "function"
	Function     FunctionCall   `json:"function"`
	ProviderMeta map[string]any `json:"provider_meta,omitempty"`
}

// Message is the tagged message variant shared across the core. The Role
// selects which fields are meaningful:
//
//	system     Content (text parts only; at most one accepted by history)
//	user       Content (arbitrary part mix)
//	assistant  Content (may be empty only when ToolCalls is non-empty),
//	           ToolCalls, Refusal
//	reasoning  Content, RawItem (provider-native payload for replay)
//	tool       ToolCallID, ToolName, Content, IsError, OutputRef, Trimmed
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content,omitempty"`

	// Assistant fields.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Refusal   string     `json:"refusal,omitempty"`

	// Reasoning fields. RawItem preserves the provider-native item
	// (encrypted thinking, web_search_call) and is replayed verbatim to
	// the same provider only.
	RawItem json.RawMessage `json:"raw_item,omitempty"`

	// Tool fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	OutputRef  string `json:"output_ref,omitempty"`
	Trimmed    bool   `json:"trimmed,omitempty"`
}

// SystemMessage builds a system message from plain text.
func SystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage builds a user message from plain text.
func UserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// UserMessageParts builds a user message from content parts.
func UserMessageParts(parts []ContentPart) *Message {
	return &Message{Role: RoleUser, Content: parts}
}

// AssistantMessage builds an assistant message from plain text.
func AssistantMessage(text string) *Message {
	return &Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ReasoningMessage builds a reasoning message. raw may be nil for
// summary-only reasoning that is omitted from replay.
func ReasoningMessage(text string, raw json.RawMessage) *Message {
	m := &Message{Role: RoleReasoning, RawItem: raw}
	if text != "" {
		m.Content = []ContentPart{TextPart(text)}
	}
	return m
}

// ToolMessage builds a tool result message.
func ToolMessage(callID, toolName, content string, isError bool) *Message {
	return &Message{
		Role:       RoleTool,
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    []ContentPart{TextPart(content)},
		IsError:    isError,
	}
}

// Text concatenates the text parts of the message content.
func (m *Message) Text() string {
	if m == nil || len(m.Content) == 0 {
		return ""
	}
	if len(m.Content) == 1 && m.Content[0].Type == PartText {
		return m.Content[0].Text
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SetText replaces the message content with a single text part.
func (m *Message) SetText(text string) {
	m.Content = []ContentPart{TextPart(text)}
}

// HasContent reports whether the message carries any non-empty content part.
func (m *Message) HasContent() bool {
	for _, p := range m.Content {
		if p.Type != PartText || p.Text != "" {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with its own content and tool-call slices.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Content != nil {
		cp.Content = append([]ContentPart(nil), m.Content...)
	}
	if m.ToolCalls != nil {
		cp.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &cp
}

// Validate checks the variant invariants that the history adapter and the
// transports rely on.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem:
		for _, p := range m.Content {
			if p.Type != PartText {
				return fmt.Errorf("system message content must be text, got %q", p.Type)
			}
		}
	case RoleAssistant:
		if len(m.Content) == 0 && len(m.ToolCalls) == 0 && m.Refusal == "" {
			return fmt.Errorf("assistant message requires content or tool calls")
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires tool_call_id")
		}
	case RoleUser, RoleReasoning:
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}
