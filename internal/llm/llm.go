// Package llm defines the pluggable transport interface between the agent
// loop and LLM backends.
package llm

import (
	"context"

	"github.com/kousw/codelia/pkg/models"
)

// Tool choice values understood by every transport. Any other value is
// treated as the name of the tool to force.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// Request carries one invocation's input.
type Request struct {
	// Messages is the full prepared conversation, system prompt included.
	Messages []*models.Message

	// Tools the model may call. Nil disables tool calling entirely.
	Tools []models.ToolDefinition

	// ToolChoice is one of the ToolChoice constants or a tool name.
	ToolChoice string

	// Model overrides the provider's default model when non-empty.
	Model string

	// Options carries provider-specific knobs (reasoning effort, cache
	// hints). Transports ignore keys they do not understand.
	Options map[string]any
}

// InvokeContext carries cross-call state the caller wants bound to the
// request, independent of its content.
type InvokeContext struct {
	// SessionKey is a stable identifier binding requests to a
	// prompt-cache/chain slot. Empty disables stateful transports.
	SessionKey string
}

// Provider is one LLM backend. Implementations must be safe for
// concurrent use; Invoke blocks until the full completion is available.
type Provider interface {
	Invoke(ctx context.Context, req *Request, ic *InvokeContext) (*models.Completion, error)

	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// DefaultModel returns the model used when a request does not
	// specify one.
	DefaultModel() string
}

// Provider-meta keys reported on completions.
const (
	MetaResponseID       = "response_id"
	MetaTransport        = "transport"
	MetaWebsocketMode    = "websocket_mode"
	MetaFallbackUsed     = "fallback_used"
	MetaChainReset       = "chain_reset"
	MetaWsReconnectCount = "ws_reconnect_count"
	MetaWsInputMode      = "ws_input_mode"
)
