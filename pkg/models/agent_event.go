package models

// EventType tags an agent event.
type EventType string

const (
	EventReasoning          EventType = "reasoning"
	EventStepStart          EventType = "step_start"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventStepComplete       EventType = "step_complete"
	EventText               EventType = "text"
	EventCompactionStart    EventType = "compaction_start"
	EventCompactionComplete EventType = "compaction_complete"
	EventFinal              EventType = "final"
)

// StepStatus reports the outcome of a tool step.
type StepStatus string

const (
	StepOK         StepStatus = "ok"
	StepError      StepStatus = "error"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// AgentEvent is one element of the ordered event stream produced by an
// agent run. The stream is consumed externally (for example encoded as
// JSON-RPC notifications); the core never encodes it to bytes itself.
type AgentEvent struct {
	Type EventType `json:"type"`

	// Content carries reasoning, text, and final payloads.
	Content string `json:"content,omitempty"`

	// Tool step fields. StepID equals the tool call id; hosted callbacks
	// reuse the provider's call id.
	StepID     string     `json:"step_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Arguments  string     `json:"arguments,omitempty"`
	Result     string     `json:"result,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Status     StepStatus `json:"status,omitempty"`

	// Err carries transport failures and aborts out of the stream. It is
	// never serialized; callers surface it as an error, not an event.
	Err error `json:"-"`
}
