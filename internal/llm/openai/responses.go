package openai

import (
	"encoding/json"

	"github.com/kousw/codelia/pkg/models"
)

// requestBody is the Responses API request shared by the HTTP and WS
// paths.
type requestBody struct {
	Model              string           `json:"model"`
	Input              []map[string]any `json:"input"`
	Instructions       string           `json:"instructions,omitempty"`
	Tools              []map[string]any `json:"tools,omitempty"`
	ToolChoice         any              `json:"tool_choice,omitempty"`
	Include            []string         `json:"include,omitempty"`
	Reasoning          *reasoningOpts   `json:"reasoning,omitempty"`
	Store              bool             `json:"store"`
	Stream             bool             `json:"stream,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int64            `json:"max_output_tokens,omitempty"`
}

type reasoningOpts struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// responseBody is the terminal Responses API object.
type responseBody struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Model  string            `json:"model"`
	Output []json.RawMessage `json:"output"`
	Usage  *responseUsage    `json:"usage"`
	Error  *responseError    `json:"error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

type responseUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *responseError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// streamEvent is one SSE or WS frame of a streamed response.
type streamEvent struct {
	Type     string          `json:"type"`
	Response *responseBody   `json:"response,omitempty"`
	Error    *responseError  `json:"error,omitempty"`
	Item     json.RawMessage `json:"item,omitempty"`
}

// toCompletion converts a terminal response into the neutral form.
func (r *responseBody) toCompletion(model string) (*models.Completion, error) {
	messages, err := parseOutput(r.Output)
	if err != nil {
		return nil, err
	}
	completion := &models.Completion{Messages: messages}

	if r.Usage != nil {
		completion.Usage = &models.Usage{
			Model:             model,
			InputTokens:       r.Usage.InputTokens,
			InputCachedTokens: r.Usage.InputTokensDetails.CachedTokens,
			OutputTokens:      r.Usage.OutputTokens,
			TotalTokens:       r.Usage.TotalTokens,
		}
	}

	switch {
	case r.IncompleteDetails != nil && r.IncompleteDetails.Reason != "":
		completion.StopReason = r.IncompleteDetails.Reason
	case r.Status != "":
		completion.StopReason = r.Status
	}
	return completion, nil
}
