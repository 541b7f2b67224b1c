package agent

import (
	"encoding/json"

	"github.com/kousw/codelia/pkg/models"
)

// hostedCallback is a provider-internal tool invocation (web search)
// surfaced to the consumer as a step lifecycle.
type hostedCallback struct {
	ID      string
	Name    string
	Status  string
	Summary string
}

// hostedRawItem is the subset of a web_search_call raw item the loop
// reads.
type hostedRawItem struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Action struct {
		Type  string `json:"type"`
		Query string `json:"query"`
	} `json:"action"`
}

// collectHostedCallbacks derives callback lifecycles from reasoning
// messages whose raw item is a web_search_call. Duplicate ids within one
// turn collapse to a single lifecycle carrying the latest status, so an
// in-progress update followed by completion does not double-emit.
func collectHostedCallbacks(msgs []*models.Message) []hostedCallback {
	var order []string
	byID := make(map[string]hostedCallback)

	for _, msg := range msgs {
		if msg.Role != models.RoleReasoning || len(msg.RawItem) == 0 {
			continue
		}
		var item hostedRawItem
		if err := json.Unmarshal(msg.RawItem, &item); err != nil {
			continue
		}
		if item.Type != "web_search_call" || item.ID == "" {
			continue
		}
		summary := item.Action.Query
		if summary == "" {
			summary = item.Action.Type
		}
		if _, seen := byID[item.ID]; !seen {
			order = append(order, item.ID)
		}
		byID[item.ID] = hostedCallback{
			ID:      item.ID,
			Name:    "web_search",
			Status:  item.Status,
			Summary: summary,
		}
	}

	callbacks := make([]hostedCallback, 0, len(order))
	for _, id := range order {
		callbacks = append(callbacks, byID[id])
	}
	return callbacks
}
