package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/pkg/models"
)

// buildParams maps the neutral conversation to Anthropic message params.
// System messages consolidate into a single system string, consecutive
// assistant tool_use turns coalesce into one message, orphan tool_use
// blocks are dropped, and reasoning raw items are dropped entirely.
func buildParams(req *llm.Request, model string, maxTokens int64) (*anthropic.MessageNewParams, error) {
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}

	if system := consolidateSystem(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	answered := answeredToolCalls(req.Messages)

	var result []anthropic.MessageParam
	appendMessage := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		// Same-role runs merge into one message; Anthropic rejects
		// consecutive turns with the same role.
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem, models.RoleReasoning:
			continue

		case models.RoleUser:
			appendMessage(anthropic.MessageParamRoleUser, userBlocks(msg))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				if text := partText(part); text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(text))
				}
			}
			if msg.Refusal != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Refusal))
			}
			for _, call := range msg.ToolCalls {
				if _, ok := answered[call.ID]; !ok {
					continue
				}
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", call.Function.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Function.Name))
			}
			appendMessage(anthropic.MessageParamRoleAssistant, blocks)

		case models.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), msg.IsError)
			appendMessage(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{block})
		}
	}

	params.Messages = result

	if len(req.Tools) > 0 && req.ToolChoice != llm.ToolChoiceNone {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		params.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return params, nil
}

// consolidateSystem joins all system message texts into one string.
func consolidateSystem(messages []*models.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// answeredToolCalls returns the ids of tool calls that have a matching
// tool result anywhere later in the conversation.
func answeredToolCalls(messages []*models.Message) map[string]struct{} {
	answered := make(map[string]struct{})
	pending := make(map[string]struct{})
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				pending[call.ID] = struct{}{}
			}
		case models.RoleTool:
			if _, ok := pending[msg.ToolCallID]; ok {
				answered[msg.ToolCallID] = struct{}{}
			}
		}
	}
	return answered
}

// userBlocks maps user content parts to Anthropic blocks. Parts without a
// native representation degrade to their textual form.
func userBlocks(msg *models.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, part := range msg.Content {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case models.PartImageURL:
			if mediaType, data, ok := splitDataURL(part.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(part.Degraded()))
			}
		default:
			if text := part.Degraded(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
		}
	}
	return blocks
}

// partText returns the native text of a part, or its degraded form for
// provider-opaque parts.
func partText(part models.ContentPart) string {
	if part.Type == models.PartText {
		return part.Text
	}
	return part.Degraded()
}

// splitDataURL parses "data:<media>;base64,<data>" image URLs.
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	mediaType, data, found = strings.Cut(rest, ";base64,")
	if !found || mediaType == "" || data == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func convertTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		if def.IsHosted() {
			// Hosted search is OpenAI-side; Anthropic requests skip it.
			continue
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", def.Name)
		}
		if def.Description != "" {
			param.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func convertToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", llm.ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case llm.ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

// parseResponse maps an Anthropic message back to the neutral model.
// Thinking blocks become reasoning messages (summary text only; the
// signed payload is not replayable through the neutral model). Input
// token usage is normalized to include cache reads and creations.
func parseResponse(resp *anthropic.Message, model string) *models.Completion {
	assistant := &models.Message{Role: models.RoleAssistant}
	var out []*models.Message

	for _, block := range resp.Content {
		switch block.Type {
		case "thinking":
			if block.Thinking != "" {
				out = append(out, models.ReasoningMessage(block.Thinking, nil))
			}
		case "text":
			if block.Text != "" {
				assistant.Content = append(assistant.Content, models.TextPart(block.Text))
			}
		case "tool_use":
			assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	if len(assistant.Content) > 0 || len(assistant.ToolCalls) > 0 {
		out = append(out, assistant)
	}

	u := resp.Usage
	usage := &models.Usage{
		Model:                    model,
		InputTokens:              u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		InputCachedTokens:        u.CacheReadInputTokens,
		InputCacheCreationTokens: u.CacheCreationInputTokens,
		OutputTokens:             u.OutputTokens,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &models.Completion{
		Messages:   out,
		Usage:      usage,
		StopReason: string(resp.StopReason),
	}
}
