package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kousw/codelia/pkg/models"
)

// providerName tags parts and raw items this transport owns.
const providerName = "openai"

// buildInput maps the neutral conversation to Responses input items plus
// the consolidated instructions string. System messages become
// instructions; reasoning messages replay their raw item verbatim and are
// omitted when they have none.
func buildInput(messages []*models.Message) ([]map[string]any, string, error) {
	var instructions []string
	var items []map[string]any

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.Text(); text != "" {
				instructions = append(instructions, text)
			}

		case models.RoleUser:
			items = append(items, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": userContent(msg.Content),
			})

		case models.RoleReasoning:
			if len(msg.RawItem) == 0 {
				continue
			}
			item, err := rawToItem(msg.RawItem)
			if err != nil {
				return nil, "", fmt.Errorf("openai: invalid reasoning raw item: %w", err)
			}
			items = append(items, item)

		case models.RoleAssistant:
			if content := assistantContent(msg); len(content) > 0 {
				items = append(items, map[string]any{
					"type":    "message",
					"role":    "assistant",
					"content": content,
				})
			}
			for _, call := range msg.ToolCalls {
				items = append(items, functionCallItem(call))
			}

		case models.RoleTool:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.Text(),
			})
		}
	}

	return items, strings.Join(instructions, "\n\n"), nil
}

func userContent(parts []models.ContentPart) []map[string]any {
	var content []map[string]any
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			content = append(content, map[string]any{"type": "input_text", "text": part.Text})
		case models.PartImageURL:
			item := map[string]any{"type": "input_image", "image_url": part.URL}
			if part.Detail != "" {
				item["detail"] = part.Detail
			}
			content = append(content, item)
		case models.PartDocument:
			content = append(content, map[string]any{
				"type":      "input_file",
				"file_data": "data:" + part.MediaType + ";base64," + part.Data,
			})
		case models.PartOther:
			if part.Provider == providerName {
				if item, err := rawToItem(part.Payload); err == nil {
					content = append(content, item)
					continue
				}
			}
			content = append(content, map[string]any{"type": "input_text", "text": part.Degraded()})
		}
	}
	return content
}

// assistantContent maps replayed assistant content to the provider's
// output_text/refusal form. Same-provider opaque parts pass through;
// foreign ones degrade to a textual marker.
func assistantContent(msg *models.Message) []map[string]any {
	var content []map[string]any
	for _, part := range msg.Content {
		switch {
		case part.Type == models.PartText:
			if part.Text != "" {
				content = append(content, map[string]any{"type": "output_text", "text": part.Text})
			}
		case part.Type == models.PartOther && part.Provider == providerName:
			if item, err := rawToItem(part.Payload); err == nil {
				content = append(content, item)
			}
		default:
			content = append(content, map[string]any{"type": "output_text", "text": part.Degraded()})
		}
	}
	if msg.Refusal != "" {
		content = append(content, map[string]any{"type": "refusal", "refusal": msg.Refusal})
	}
	return content
}

// functionCallItem serializes a tool call, keeping only the wire fields
// the API accepts: type, call_id, name, arguments, and the optional
// "fc"-prefixed item id and status captured at parse time.
func functionCallItem(call models.ToolCall) map[string]any {
	item := map[string]any{
		"type":      "function_call",
		"call_id":   call.ID,
		"name":      call.Function.Name,
		"arguments": call.Function.Arguments,
	}
	if id, ok := call.ProviderMeta["item_id"].(string); ok && strings.HasPrefix(id, "fc") {
		item["id"] = id
	}
	if status, ok := call.ProviderMeta["status"].(string); ok && status != "" {
		item["status"] = status
	}
	return item
}

func rawToItem(raw json.RawMessage) (map[string]any, error) {
	var item map[string]any
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// canonicalItems renders input items to deterministic JSON for the WS
// prefix-extension comparison. Map marshaling sorts keys, so equal items
// always produce equal strings.
func canonicalItems(items []map[string]any) []string {
	out := make([]string, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			// Items are built from JSON-decoded values; marshal cannot
			// fail in practice. An empty sentinel still compares safely.
			data = nil
		}
		out[i] = string(data)
	}
	return out
}

// isPrefixExtension reports whether prior is a prefix of current.
func isPrefixExtension(prior, current []string) bool {
	if len(prior) > len(current) {
		return false
	}
	for i := range prior {
		if prior[i] != current[i] {
			return false
		}
	}
	return true
}

// outputContent is one content element of an output message item.
type outputContent struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// outputItem is the subset of Responses output item fields the parser
// reads; the raw form is retained for replayable item kinds.
type outputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []outputContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Summary   []outputContent `json:"summary,omitempty"`
}

// parseOutput maps Responses output items to neutral messages. Reasoning
// and web_search_call items keep their raw form for same-provider replay;
// unknown item kinds do too, so nothing is lost on round trip.
func parseOutput(rawItems []json.RawMessage) ([]*models.Message, error) {
	var out []*models.Message

	for _, raw := range rawItems {
		var item outputItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("openai: invalid output item: %w", err)
		}

		switch item.Type {
		case "message":
			msg := &models.Message{Role: models.RoleAssistant}
			for _, c := range item.Content {
				switch c.Type {
				case "output_text":
					msg.Content = append(msg.Content, models.TextPart(c.Text))
				case "refusal":
					msg.Refusal = c.Refusal
				default:
					// Keep unknown content replayable to this provider.
					payload, err := json.Marshal(c)
					if err == nil {
						msg.Content = append(msg.Content, models.OtherPart(providerName, c.Type, payload))
					}
				}
			}
			if len(msg.Content) > 0 || msg.Refusal != "" {
				out = append(out, msg)
			}

		case "function_call":
			call := models.ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			}
			meta := map[string]any{}
			if strings.HasPrefix(item.ID, "fc") {
				meta["item_id"] = item.ID
			}
			if item.Status != "" {
				meta["status"] = item.Status
			}
			if len(meta) > 0 {
				call.ProviderMeta = meta
			}
			out = append(out, &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}})

		case "reasoning":
			var summary strings.Builder
			for _, s := range item.Summary {
				summary.WriteString(s.Text)
			}
			out = append(out, models.ReasoningMessage(summary.String(), append(json.RawMessage(nil), raw...)))

		default:
			// web_search_call and future item kinds ride along as
			// reasoning raw items, replayed verbatim to this provider.
			out = append(out, models.ReasoningMessage("", append(json.RawMessage(nil), raw...)))
		}
	}

	return out, nil
}

// buildTools maps neutral tool definitions to Responses tool params.
func buildTools(defs []models.ToolDefinition) []map[string]any {
	var tools []map[string]any
	for _, def := range defs {
		if def.IsHosted() {
			tool := map[string]any{"type": "web_search"}
			filters := map[string]any{}
			if len(def.AllowedDomains) > 0 {
				filters["allowed_domains"] = def.AllowedDomains
			}
			if len(def.BlockedDomains) > 0 {
				filters["blocked_domains"] = def.BlockedDomains
			}
			if len(filters) > 0 {
				tool["filters"] = filters
			}
			if def.UserLocation != nil {
				tool["user_location"] = def.UserLocation
			}
			tools = append(tools, tool)
			continue
		}
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  json.RawMessage(def.Parameters),
			"strict":      true,
		})
	}
	return tools
}

func buildToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case "auto", "none", "required":
		return choice
	default:
		return map[string]any{"type": "function", "name": choice}
	}
}

// hasWebSearch reports whether any hosted search tool is present, which
// widens the stateless-restore include set.
func hasWebSearch(defs []models.ToolDefinition) bool {
	for _, def := range defs {
		if def.IsHosted() {
			return true
		}
	}
	return false
}
