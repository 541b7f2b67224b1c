// Package agent implements the reason-act loop: it drives an LLM
// through tool-calling iterations, manages the conversation history and
// its token budget, and emits an ordered event stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kousw/codelia/internal/catalog"
	"github.com/kousw/codelia/internal/compaction"
	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/toolcache"
	"github.com/kousw/codelia/internal/tools"
	"github.com/kousw/codelia/internal/usage"
	"github.com/kousw/codelia/pkg/models"
)

// DefaultMaxIterations bounds the reason-act loop.
const DefaultMaxIterations = 200

// Terminal messages the loop synthesizes.
const (
	maxIterationsPrefix    = "[Max Iterations Reached]\n\n"
	maxIterationsFallback  = maxIterationsPrefix + "Summary unavailable due to an internal error."
	compactionRunCompleted = "Compaction run completed."
	permissionDeniedFinal  = "Permission request was denied. Turn stopped. Please send your next input to continue."
	taskCompleteContent    = "Task complete"

	iterationSummaryPrompt = "The conversation reached its iteration limit. Summarize in a few sentences what was done and what state the task is in now."
)

// Options configures an agent.
type Options struct {
	// Provider is the LLM transport. Required.
	Provider llm.Provider

	// Registry supplies the tools. Nil means no tools.
	Registry *tools.Registry

	// Catalog resolves model context limits. Nil uses the built-ins.
	Catalog *catalog.Catalog

	// SystemPrompt is enqueued once per conversation when non-empty.
	SystemPrompt string

	// Model overrides the provider's default model.
	Model string

	// MaxIterations bounds the loop. Default 200.
	MaxIterations int

	// ToolChoice forwards to the transport ("auto", "required", "none",
	// or a tool name).
	ToolChoice string

	// RequireDoneTool keeps the loop running until TaskComplete or the
	// iteration cap; plain text responses do not terminate the turn.
	RequireDoneTool bool

	// PermissionHook gates every tool execution when set.
	PermissionHook tools.PermissionHook

	// Compaction rewrites history near the context limit. Nil disables
	// the service entirely.
	Compaction *compaction.Service

	// ToolCache truncates and trims tool output. Nil disables it.
	ToolCache *toolcache.Service

	// SessionKey binds LLM calls to a prompt-cache/chain slot.
	SessionKey string

	// Dependencies are lazily resolved by tools through their context.
	Dependencies map[tools.DependencyKey]tools.DependencyProvider

	// Logger receives loop diagnostics.
	Logger *slog.Logger
}

// Agent owns one conversation and its services.
type Agent struct {
	opts       Options
	history    *History
	accountant *usage.Accountant
}

// New creates an agent. The history, accountant, and attached services
// are exclusively owned by the returned agent.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errors.New("agent: provider is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		opts:       opts,
		history:    NewHistory(),
		accountant: usage.NewAccountant(),
	}, nil
}

// History exposes the conversation for persistence between turns.
func (a *Agent) History() *History { return a.history }

// Usage exposes the token accountant.
func (a *Agent) Usage() *usage.Accountant { return a.accountant }

// RunOptions are per-run settings.
type RunOptions struct {
	// Session receives audit records when set.
	Session Sink

	// ForceCompaction runs compaction once and terminates.
	ForceCompaction bool
}

// Run executes one turn for a plain text message and returns the final
// event's content.
func (a *Agent) Run(ctx context.Context, message string, opts *RunOptions) (string, error) {
	return a.drain(a.RunStream(ctx, models.UserMessage(message), opts))
}

// RunParts executes one turn for a content-part message.
func (a *Agent) RunParts(ctx context.Context, parts []models.ContentPart, opts *RunOptions) (string, error) {
	return a.drain(a.RunStream(ctx, models.UserMessageParts(parts), opts))
}

func (a *Agent) drain(events <-chan *models.AgentEvent) (string, error) {
	final := ""
	var firstErr error
	for event := range events {
		if event.Err != nil && firstErr == nil {
			firstErr = event.Err
		}
		if event.Type == models.EventFinal {
			final = event.Content
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return final, nil
}

// RunStream executes one turn and returns the ordered event stream. The
// channel closes after the final event (or an error event).
func (a *Agent) RunStream(ctx context.Context, message *models.Message, opts *RunOptions) <-chan *models.AgentEvent {
	if opts == nil {
		opts = &RunOptions{}
	}
	events := make(chan *models.AgentEvent, 64)
	go func() {
		defer close(events)
		a.run(ctx, message, opts, events)
	}()
	return events
}

// modelID returns the model the next call will use.
func (a *Agent) modelID() string {
	if a.opts.Model != "" {
		return a.opts.Model
	}
	return a.opts.Provider.DefaultModel()
}

// contextWindow resolves the current model's context limit, or 0.
func (a *Agent) contextWindow() int64 {
	spec, ok := a.opts.Catalog.Resolve(a.modelID(), catalog.Provider(a.opts.Provider.Name()))
	if !ok {
		return 0
	}
	return spec.ContextLimit()
}

func (a *Agent) newRecorder(sink Sink) *recorder {
	if sink == nil {
		return nil
	}
	return &recorder{sink: sink, runID: uuid.NewString()}
}

// abortError normalizes a cancellation into a stable error.
func abortError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation aborted: %w", err)
	}
	return nil
}
