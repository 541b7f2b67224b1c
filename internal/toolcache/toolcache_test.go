package toolcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kousw/codelia/pkg/models"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	saved   []Record
	failing bool
}

func (m *memStore) Save(ctx context.Context, record Record) (Ref, error) {
	if m.failing {
		return Ref{}, errors.New("store down")
	}
	m.saved = append(m.saved, record)
	return Ref{
		ID:        fmt.Sprintf("ref_%d", len(m.saved)),
		ByteSize:  len(record.Content),
		LineCount: strings.Count(record.Content, "\n") + 1,
	}, nil
}

func newTestService(store Store, cfg Config) *Service {
	return NewService(store, cfg, nil)
}

func TestProcessToolMessageExactBudgetNotTruncated(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, Config{Enabled: true, MaxMessageBytes: 64})

	content := strings.Repeat("a", 64)
	msg := models.ToolMessage("c1", "shell", content, false)
	svc.ProcessToolMessage(context.Background(), msg)

	if msg.Text() != content {
		t.Errorf("content at exactly the budget must not be truncated")
	}
	if msg.OutputRef != "ref_1" {
		t.Errorf("output ref = %q", msg.OutputRef)
	}
}

func TestProcessToolMessageOverBudgetTruncated(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, Config{Enabled: true, MaxMessageBytes: 64, MaxLineLength: 32})

	content := strings.Repeat("a", 65)
	msg := models.ToolMessage("c1", "shell", content, false)
	svc.ProcessToolMessage(context.Background(), msg)

	got := msg.Text()
	if got == content {
		t.Fatal("content over the budget must be truncated")
	}
	if !strings.Contains(got, "[tool output truncated; ref=ref_1]") {
		t.Errorf("truncation tag missing: %q", got)
	}
	if len(store.saved) != 1 || store.saved[0].Content != content {
		t.Error("full content must be persisted before truncation")
	}
}

func TestProcessToolMessageSaveFailureSwallowed(t *testing.T) {
	svc := newTestService(&memStore{failing: true}, Config{Enabled: true, MaxMessageBytes: 16})
	msg := models.ToolMessage("c1", "shell", strings.Repeat("x", 100), false)
	svc.ProcessToolMessage(context.Background(), msg)
	if msg.OutputRef != "" {
		t.Error("failed save must leave no ref")
	}
	if !strings.Contains(msg.Text(), "[tool output truncated]") {
		t.Errorf("truncation still applies without a ref: %q", msg.Text())
	}
}

func TestProcessToolMessageCacheToolsBypass(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, Config{Enabled: true, MaxMessageBytes: 8})
	content := strings.Repeat("b", 100)

	msg := models.ToolMessage("c1", ReadToolName, content, false)
	svc.ProcessToolMessage(context.Background(), msg)
	if msg.Text() != content {
		t.Error("cache read tool output must bypass truncation")
	}

	msg = models.ToolMessage("c2", GrepToolName, content, false)
	svc.ProcessToolMessage(context.Background(), msg)
	if msg.Text() != content {
		t.Error("cache grep tool output must bypass truncation")
	}
	if len(store.saved) != 0 {
		t.Error("bypassed messages are not persisted")
	}
}

func TestTrimHistoryReplacesOldestFirst(t *testing.T) {
	svc := newTestService(nil, Config{Enabled: true, ContextBudgetTokens: 100})

	big := strings.Repeat("x", 4*120) // ~120 tokens each
	history := []*models.Message{
		models.UserMessage("hi"),
		func() *models.Message {
			m := models.ToolMessage("c1", "shell", big, false)
			m.OutputRef = "ref_a"
			return m
		}(),
		models.ToolMessage("c2", "shell", big, false),
	}

	svc.TrimHistory(history, 0)

	if !strings.Contains(history[1].Text(), "[tool output trimmed; ref=ref_a]") {
		t.Errorf("first tool message should be trimmed with ref: %q", history[1].Text())
	}
	if !history[1].Trimmed {
		t.Error("trimmed flag must be set")
	}
	if history[0].Text() != "hi" {
		t.Error("non-tool messages must be untouched")
	}
}

func TestTrimHistoryIdempotent(t *testing.T) {
	svc := newTestService(nil, Config{Enabled: true, ContextBudgetTokens: 10})
	big := strings.Repeat("x", 400)
	history := []*models.Message{
		models.ToolMessage("c1", "shell", big, false),
		models.ToolMessage("c2", "shell", big, false),
	}

	svc.TrimHistory(history, 0)
	snapshot := []string{history[0].Text(), history[1].Text()}
	svc.TrimHistory(history, 0)
	if history[0].Text() != snapshot[0] || history[1].Text() != snapshot[1] {
		t.Error("trimming twice must be a no-op")
	}
}

func TestTrimHistoryDisabled(t *testing.T) {
	off := false
	svc := newTestService(nil, Config{Enabled: true, ContextBudgetTokens: 1, TotalBudgetTrim: &off})
	big := strings.Repeat("x", 400)
	history := []*models.Message{models.ToolMessage("c1", "shell", big, false)}
	svc.TrimHistory(history, 0)
	if history[0].Text() != big {
		t.Error("trimming must be disabled by total_budget_trim=false")
	}
}

func TestBudgetResolution(t *testing.T) {
	svc := newTestService(nil, Config{Enabled: true})
	cases := []struct {
		window int64
		want   int64
	}{
		{0, 20_000},       // unknown window: conservative cap
		{40_000, 20_000},  // quarter clamped up to the floor
		{200_000, 50_000}, // quarter in range
		{1_000_000, 100_000},
	}
	for _, tc := range cases {
		if got := svc.budgetTokens(tc.window); got != tc.want {
			t.Errorf("budget(%d) = %d, want %d", tc.window, got, tc.want)
		}
	}

	explicit := newTestService(nil, Config{Enabled: true, ContextBudgetTokens: 123})
	if explicit.budgetTokens(1_000_000) != 123 {
		t.Error("explicit budget wins")
	}
}
