package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kousw/codelia/internal/catalog"
	"github.com/kousw/codelia/internal/compaction"
	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/tools"
	"github.com/kousw/codelia/pkg/models"
)

// scriptProvider replays a fixed sequence of completions.
type scriptProvider struct {
	mu       sync.Mutex
	script   []*models.Completion
	requests []*llm.Request
	err      error
}

func (p *scriptProvider) Invoke(ctx context.Context, req *llm.Request, _ *llm.InvokeContext) (*models.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.script) == 0 {
		return &models.Completion{}, nil
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next, nil
}

func (p *scriptProvider) Name() string         { return "script" }
func (p *scriptProvider) DefaultModel() string { return "test-model" }

func assistantWithCall(id, name, args string) *models.Message {
	return &models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: id, Type: "function", Function: models.FunctionCall{Name: name, Arguments: args}}},
	}
}

func completionOf(msgs ...*models.Message) *models.Completion {
	return &models.Completion{Messages: msgs}
}

func echoTool(t *testing.T) tools.Tool {
	t.Helper()
	return tools.Func("echo", "Echoes the value.",
		json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}}}`),
		func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
			var args struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return tools.TextResult("ok:" + args.Value), nil
		})
}

func newTestAgent(t *testing.T, provider llm.Provider, mutate func(*Options)) *Agent {
	t.Helper()
	opts := Options{Provider: provider}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func collect(t *testing.T, events <-chan *models.AgentEvent) []*models.AgentEvent {
	t.Helper()
	var out []*models.AgentEvent
	for event := range events {
		out = append(out, event)
	}
	return out
}

func eventTypes(events []*models.AgentEvent) []models.EventType {
	types := make([]models.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// S1: a plain response produces exactly one final event and no text
// event.
func TestRunPlainResponse(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("hello")),
	}}
	a := newTestAgent(t, provider, nil)

	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	if len(events) != 1 || events[0].Type != models.EventFinal || events[0].Content != "hello" {
		t.Fatalf("events = %+v", eventTypes(events))
	}
}

// S2: force compaction with no compaction service terminates with the
// fixed final message and leaves history untouched.
func TestRunForceCompactionWithoutService(t *testing.T) {
	a := newTestAgent(t, &scriptProvider{}, nil)
	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), &RunOptions{ForceCompaction: true}))
	if len(events) != 1 || events[0].Type != models.EventFinal || events[0].Content != compactionRunCompleted {
		t.Fatalf("events = %+v", events)
	}
	if a.History().Len() != 0 {
		t.Errorf("history must stay empty, has %d", a.History().Len())
	}
}

// S3: a single tool turn emits the full step lifecycle in order.
func TestRunSingleToolTurn(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(assistantWithCall("call_1", "echo", `{"value":"x"}`)),
		completionOf(models.AssistantMessage("done")),
	}}
	a := newTestAgent(t, provider, func(o *Options) {
		o.Registry = tools.NewRegistry()
		if err := o.Registry.Register(echoTool(t)); err != nil {
			t.Fatal(err)
		}
	})

	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	want := []models.EventType{
		models.EventStepStart,
		models.EventToolCall,
		models.EventToolResult,
		models.EventStepComplete,
		models.EventFinal,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if events[2].Result != "ok:x" {
		t.Errorf("tool result = %q", events[2].Result)
	}
	if events[4].Content != "done" {
		t.Errorf("final = %q", events[4].Content)
	}

	// The tool result is in history for the second call.
	secondInput := provider.requests[1].Messages
	foundTool := false
	for _, msg := range secondInput {
		if msg.Role == models.RoleTool && msg.Text() == "ok:x" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Error("tool result must be fed back into history")
	}
}

// S4: a stop_turn denial terminates the turn without executing the tool.
func TestRunPermissionDenialStopsTurn(t *testing.T) {
	executed := false
	denyAll := func(ctx context.Context, call models.ToolCall, raw json.RawMessage, tc *tools.Context) (tools.PermissionDecision, error) {
		return tools.PermissionDecision{Allow: false, Reason: "user denied", StopTurn: true}, nil
	}
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(assistantWithCall("call_1", "echo", `{"value":"x"}`)),
	}}
	a := newTestAgent(t, provider, func(o *Options) {
		o.PermissionHook = denyAll
		o.Registry = tools.NewRegistry()
		tool := tools.Func("echo", "e", json.RawMessage(`{"type":"object","properties":{}}`),
			func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
				executed = true
				return tools.TextResult("never"), nil
			})
		if err := o.Registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	})

	final, err := a.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != permissionDeniedFinal {
		t.Errorf("final = %q", final)
	}
	if executed {
		t.Error("tool must not execute after denial")
	}
}

// S5: the iteration cap triggers one summarizer call and a prefixed
// final.
func TestRunMaxIterationsSummary(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("working...")),
		completionOf(models.AssistantMessage("still working...")),
		completionOf(models.AssistantMessage("summary content")),
	}}
	a := newTestAgent(t, provider, func(o *Options) {
		o.MaxIterations = 2
		o.RequireDoneTool = true
	})

	final, err := a.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "[Max Iterations Reached]\n\nsummary content" {
		t.Errorf("final = %q", final)
	}

	// The summarizer call must carry no tools.
	last := provider.requests[len(provider.requests)-1]
	if last.Tools != nil || last.ToolChoice != llm.ToolChoiceNone {
		t.Errorf("summarizer request = %+v", last)
	}
}

func TestRunMaxIterationsSummaryFailure(t *testing.T) {
	inner := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("a")),
	}}
	// The first call succeeds; the summarizer call fails.
	provider := &failingAfterProvider{inner: inner, failFrom: 2}
	a := newTestAgent(t, provider, func(o *Options) {
		o.MaxIterations = 1
		o.RequireDoneTool = true
	})
	final, err := a.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != maxIterationsFallback {
		t.Errorf("final = %q", final)
	}
}

// failingAfterProvider fails every call from failFrom on (1-based).
type failingAfterProvider struct {
	inner    *scriptProvider
	calls    int
	failFrom int
}

func (p *failingAfterProvider) Invoke(ctx context.Context, req *llm.Request, ic *llm.InvokeContext) (*models.Completion, error) {
	p.calls++
	if p.calls >= p.failFrom {
		return nil, errors.New("backend down")
	}
	return p.inner.Invoke(ctx, req, ic)
}

func (p *failingAfterProvider) Name() string         { return "failing" }
func (p *failingAfterProvider) DefaultModel() string { return "test-model" }

func TestRunUnknownTool(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(assistantWithCall("call_1", "nope", `{}`)),
		completionOf(models.AssistantMessage("recovered")),
	}}
	a := newTestAgent(t, provider, nil)

	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	var result *models.AgentEvent
	for _, e := range events {
		if e.Type == models.EventToolResult {
			result = e
		}
	}
	if result == nil || !result.IsError || !strings.Contains(result.Result, "Unknown tool 'nope'") {
		t.Fatalf("tool result = %+v", result)
	}
	if events[len(events)-1].Content != "recovered" {
		t.Error("the loop must continue after an unknown tool")
	}
}

func TestRunToolErrorCaptured(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(assistantWithCall("call_1", "boom", `{}`)),
		completionOf(models.AssistantMessage("recovered")),
	}}
	a := newTestAgent(t, provider, func(o *Options) {
		o.Registry = tools.NewRegistry()
		tool := tools.Func("boom", "fails", json.RawMessage(`{"type":"object","properties":{}}`),
			func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
				return nil, errors.New("kaput")
			})
		if err := o.Registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	})

	final, err := a.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "recovered" {
		t.Errorf("final = %q", final)
	}
	// The error is observable in the history fed to the second call.
	second := provider.requests[1].Messages
	found := false
	for _, msg := range second {
		if msg.Role == models.RoleTool && msg.IsError && strings.Contains(msg.Text(), "Error: kaput") {
			found = true
		}
	}
	if !found {
		t.Error("tool error must be captured as an error tool message")
	}
}

func TestRunTaskComplete(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(assistantWithCall("call_1", "finish", `{}`)),
	}}
	a := newTestAgent(t, provider, func(o *Options) {
		o.Registry = tools.NewRegistry()
		tool := tools.Func("finish", "ends the task", json.RawMessage(`{"type":"object","properties":{}}`),
			func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
				return nil, tools.Complete("all wrapped up")
			})
		if err := o.Registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	})

	final, err := a.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "all wrapped up" {
		t.Errorf("final = %q", final)
	}
}

func TestRunBadToolArgsPassedRaw(t *testing.T) {
	schemas := map[string]json.RawMessage{
		// The default case: a normal schema the registry normalizes to
		// strict (additionalProperties=false, all properties required).
		"strict": json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}}}`),
		"loose":  json.RawMessage(`{"type":"object","additionalProperties":true}`),
	}
	for name, schema := range schemas {
		t.Run(name, func(t *testing.T) {
			var received string
			provider := &scriptProvider{script: []*models.Completion{
				completionOf(assistantWithCall("call_1", "target", `not json at all`)),
				completionOf(models.AssistantMessage("done")),
			}}
			a := newTestAgent(t, provider, func(o *Options) {
				o.Registry = tools.NewRegistry()
				tool := tools.Func("target", "records its raw params", schema,
					func(ctx context.Context, params json.RawMessage, tc *tools.Context) (*tools.Result, error) {
						received = string(params)
						return tools.TextResult("ok"), nil
					})
				if err := o.Registry.Register(tool); err != nil {
					t.Fatal(err)
				}
			})

			final, err := a.Run(context.Background(), "hi", nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if final != "done" {
				t.Errorf("final = %q", final)
			}
			if received == "" {
				t.Fatal("the _raw fallback must reach the tool, bypassing schema validation")
			}
			var args map[string]string
			if err := json.Unmarshal([]byte(received), &args); err != nil || args["_raw"] != "not json at all" {
				t.Errorf("tool received %q", received)
			}
		})
	}
}

func TestRunReasoningEvents(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(
			models.ReasoningMessage("thinking hard", nil),
			models.AssistantMessage("hello"),
		),
	}}
	a := newTestAgent(t, provider, nil)
	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	if events[0].Type != models.EventReasoning || events[0].Content != "thinking hard" {
		t.Fatalf("events = %+v", events)
	}
}

func TestRunHostedCallbackLifecycle(t *testing.T) {
	inProgress := json.RawMessage(`{"type":"web_search_call","id":"ws_1","status":"in_progress","action":{"type":"search","query":"golang"}}`)
	completed := json.RawMessage(`{"type":"web_search_call","id":"ws_1","status":"completed","action":{"type":"search","query":"golang"}}`)
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(
			models.ReasoningMessage("", inProgress),
			models.ReasoningMessage("", completed),
			models.AssistantMessage("found it"),
		),
	}}
	a := newTestAgent(t, provider, nil)
	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))

	// One collapsed lifecycle with the latest status, then the final.
	want := []models.EventType{
		models.EventStepStart,
		models.EventToolCall,
		models.EventToolResult,
		models.EventStepComplete,
		models.EventFinal,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	if events[3].Status != models.StepCompleted {
		t.Errorf("collapsed lifecycle must carry the latest status: %+v", events[3])
	}
	if events[0].StepID != "ws_1" {
		t.Errorf("step id must reuse the callback id: %+v", events[0])
	}
}

func TestRunAbortPropagates(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("hello")),
	}}
	a := newTestAgent(t, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Run(ctx, "hi", nil)
	if err == nil {
		t.Fatal("aborted run must fail")
	}
	if !strings.Contains(err.Error(), "aborted") {
		t.Errorf("err = %v", err)
	}
}

func TestRunSessionSinkOrdering(t *testing.T) {
	sink := &memorySink{}
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("hello")),
	}}
	a := newTestAgent(t, provider, nil)
	if _, err := a.Run(context.Background(), "hi", &RunOptions{Session: sink}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.records) != 2 {
		t.Fatalf("records = %d, want request+response", len(sink.records))
	}
	if sink.records[0].Type != RecordLLMRequest || sink.records[1].Type != RecordLLMResponse {
		t.Errorf("record types = %v, %v", sink.records[0].Type, sink.records[1].Type)
	}
	if sink.records[0].Seq >= sink.records[1].Seq {
		t.Error("seq must be monotone")
	}
	if sink.records[0].RunID == "" || sink.records[0].RunID != sink.records[1].RunID {
		t.Error("records must share the run id")
	}
}

type memorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *memorySink) Append(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func TestRunCompactionEvents(t *testing.T) {
	cat := catalog.New()
	cat.Register(&catalog.Model{ID: "test-model", Provider: "script", ContextWindow: 1000})

	provider := &scriptProvider{script: []*models.Completion{
		{
			Messages: []*models.Message{models.AssistantMessage("hello")},
			Usage:    &models.Usage{Model: "test-model", TotalTokens: 900},
		},
		completionOf(models.AssistantMessage("<summary>compressed</summary>")),
	}}
	svc := compaction.NewService(provider, cat, compaction.DefaultConfig(), nil)
	a := newTestAgent(t, provider, func(o *Options) {
		o.Compaction = svc
		o.Catalog = cat
	})

	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	got := eventTypes(events)
	want := []models.EventType{
		models.EventCompactionStart,
		models.EventCompactionComplete,
		models.EventFinal,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	summaryFound := false
	for _, msg := range a.History().Messages() {
		if strings.Contains(msg.Text(), "compressed") {
			summaryFound = true
		}
	}
	if !summaryFound {
		t.Error("history must be rewritten with the summary")
	}
}

func TestRunTextAndFinalNeverDuplicate(t *testing.T) {
	provider := &scriptProvider{script: []*models.Completion{
		completionOf(models.AssistantMessage("only once")),
	}}
	a := newTestAgent(t, provider, nil)
	events := collect(t, a.RunStream(context.Background(), models.UserMessage("hi"), nil))
	for _, event := range events {
		if event.Type == models.EventText && event.Content == "only once" {
			t.Error("terminal text must not be emitted as both text and final")
		}
	}
}
