package agent

import (
	"testing"

	"github.com/kousw/codelia/pkg/models"
)

func TestHistorySingleSystem(t *testing.T) {
	h := NewHistory()
	h.EnqueueSystem("one")
	h.EnqueueSystem("two")
	h.Enqueue(models.SystemMessage("three"))

	count := 0
	for _, msg := range h.Messages() {
		if msg.Role == models.RoleSystem {
			count++
		}
	}
	if count != 1 {
		t.Errorf("system messages = %d, want 1", count)
	}
	if h.Messages()[0].Text() != "one" {
		t.Errorf("first system enqueue must win: %q", h.Messages()[0].Text())
	}
}

func TestHistoryReplaceResetsSystemInvariant(t *testing.T) {
	h := NewHistory()
	h.EnqueueSystem("one")
	h.Replace([]*models.Message{models.UserMessage("hi")})
	h.EnqueueSystem("two")
	if h.Len() != 2 {
		t.Errorf("len = %d, want 2", h.Len())
	}
}

func TestRepairHistoryDropsOrphanResults(t *testing.T) {
	history := []*models.Message{
		models.UserMessage("go"),
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: "{}"}}},
		},
		models.ToolMessage("c1", "echo", "ok", false),
		models.ToolMessage("stray", "echo", "orphan", false),
		nil,
	}
	repaired := RepairHistory(history)
	if len(repaired) != 3 {
		t.Fatalf("repaired = %d messages, want 3", len(repaired))
	}
	for _, msg := range repaired {
		if msg.Role == models.RoleTool && msg.ToolCallID == "stray" {
			t.Error("orphan tool result must be dropped")
		}
	}
}

func TestRepairHistoryAdoptsMissingCallID(t *testing.T) {
	history := []*models.Message{
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c1", Type: "function", Function: models.FunctionCall{Name: "echo", Arguments: "{}"}}},
		},
		models.ToolMessage("", "echo", "ok", false),
	}
	repaired := RepairHistory(history)
	if len(repaired) != 2 || repaired[1].ToolCallID != "c1" {
		t.Errorf("result should adopt the pending call id: %+v", repaired)
	}
}

func TestRepairHistoryDropsExtraSystems(t *testing.T) {
	history := []*models.Message{
		models.SystemMessage("a"),
		models.UserMessage("u"),
		models.SystemMessage("b"),
	}
	repaired := RepairHistory(history)
	if len(repaired) != 2 {
		t.Errorf("repaired = %d messages, want 2", len(repaired))
	}
}

func TestLoadRepairs(t *testing.T) {
	h := NewHistory()
	h.Load([]*models.Message{
		models.SystemMessage("s"),
		models.ToolMessage("nope", "echo", "orphan", false),
		models.UserMessage("u"),
	})
	if h.Len() != 2 {
		t.Errorf("len = %d, want 2", h.Len())
	}
	h.EnqueueSystem("again")
	if h.Len() != 2 {
		t.Error("loaded system must block further system enqueues")
	}
}
