package agent

import (
	"sync"

	"github.com/kousw/codelia/pkg/models"
)

// History is the append-only conversation view owned by one agent. The
// agent loop is the only writer; reads return the live snapshot slice.
type History struct {
	mu        sync.Mutex
	messages  []*models.Message
	hasSystem bool
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// EnqueueSystem adds the system prompt. At most one system message is
// accepted; repeated enqueues are ignored.
func (h *History) EnqueueSystem(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasSystem {
		return
	}
	h.hasSystem = true
	h.messages = append(h.messages, models.SystemMessage(text))
}

// Enqueue appends a user or tool message. System messages route through
// the single-system invariant.
func (h *History) Enqueue(msg *models.Message) {
	if msg == nil {
		return
	}
	if msg.Role == models.RoleSystem {
		h.EnqueueSystem(msg.Text())
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Commit appends a model response's messages.
func (h *History) Commit(msgs []*models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
}

// PrepareInput returns the current snapshot for an LLM invocation.
func (h *History) PrepareInput() []*models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages
}

// Messages returns the current snapshot.
func (h *History) Messages() []*models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Replace swaps the history for a rewritten one (compaction).
func (h *History) Replace(msgs []*models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = msgs
	h.hasSystem = false
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			h.hasSystem = true
			break
		}
	}
}

// Load replaces the history with a persisted conversation, dropping tool
// results that match no pending tool call and enforcing the single-system
// invariant. Tool calls left without results are kept as they are.
func (h *History) Load(msgs []*models.Message) {
	h.Replace(RepairHistory(msgs))
}

// Clear empties the history.
func (h *History) Clear() {
	h.Replace(nil)
}

// RepairHistory fixes a deserialized conversation so it replays cleanly:
// tool results keep only entries matching a pending tool call (a result
// with no id adopts the oldest pending call), extra system messages are
// dropped, and nil entries disappear.
func RepairHistory(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	var pendingOrder []string
	sawSystem := false
	repaired := make([]*models.Message, 0, len(history))

	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			if sawSystem {
				continue
			}
			sawSystem = true
			repaired = append(repaired, msg)

		case models.RoleAssistant:
			pending = make(map[string]struct{})
			pendingOrder = pendingOrder[:0]
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = struct{}{}
				pendingOrder = append(pendingOrder, call.ID)
			}
			repaired = append(repaired, msg)

		case models.RoleTool:
			id := msg.ToolCallID
			if id == "" && len(pendingOrder) > 0 {
				id = pendingOrder[0]
			}
			if id == "" {
				continue
			}
			if _, ok := pending[id]; !ok {
				continue
			}
			delete(pending, id)
			pendingOrder = removeID(pendingOrder, id)
			if msg.ToolCallID != id {
				fixed := msg.Clone()
				fixed.ToolCallID = id
				msg = fixed
			}
			repaired = append(repaired, msg)

		default:
			repaired = append(repaired, msg)
		}
	}
	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
