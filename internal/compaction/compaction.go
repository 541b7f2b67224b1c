// Package compaction rewrites conversation history near the context
// window into a summary plus an optional retain block, keeping the last
// turns verbatim.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kousw/codelia/internal/catalog"
	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/pkg/models"
)

// DefaultThresholdRatio triggers compaction at 80% of the context limit.
const DefaultThresholdRatio = 0.8

// DefaultRetainLastTurns keeps one user-bounded turn verbatim.
const DefaultRetainLastTurns = 1

const defaultInstruction = `The conversation is approaching the context limit. Summarize it so work can continue seamlessly.

Respond with two blocks:
<retain>verbatim context that must be preserved exactly (open tasks, constraints, identifiers)</retain>
<summary>a concise summary of everything else: what was asked, what was done, what remains</summary>`

// Config is the compaction policy.
type Config struct {
	// Enabled turns the service on. Default true.
	Enabled bool

	// Auto runs compaction from the loop when the threshold is crossed.
	Auto bool

	// ThresholdRatio of the context limit that triggers compaction.
	ThresholdRatio float64

	// Model overrides the provider's model for the compaction call.
	Model string

	// SummaryPrompt replaces the whole default instruction; RetainPrompt
	// is appended after it (or after SummaryPrompt when both are set).
	SummaryPrompt string
	RetainPrompt  string

	// Directives are extra instruction lines appended verbatim.
	Directives []string

	// RetainLastTurns is how many user-bounded turns stay verbatim.
	RetainLastTurns int
}

// DefaultConfig returns the default compaction policy.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Auto:            true,
		ThresholdRatio:  DefaultThresholdRatio,
		RetainLastTurns: DefaultRetainLastTurns,
	}
}

// Service runs threshold checks and the compaction rewrite.
type Service struct {
	provider llm.Provider
	catalog  *catalog.Catalog
	cfg      Config
	logger   *slog.Logger
}

// NewService creates the compaction service.
func NewService(provider llm.Provider, cat *catalog.Catalog, cfg Config, logger *slog.Logger) *Service {
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		cfg.ThresholdRatio = DefaultThresholdRatio
	}
	if cfg.RetainLastTurns <= 0 {
		cfg.RetainLastTurns = DefaultRetainLastTurns
	}
	if cat == nil {
		cat = catalog.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, catalog: cat, cfg: cfg, logger: logger}
}

// ShouldCompact reports whether auto compaction is due for the last
// usage snapshot. The context limit comes from the model spec; dated
// snapshot ids fall back to their base through catalog resolution.
func (s *Service) ShouldCompact(usage *models.Usage) bool {
	if !s.cfg.Enabled || !s.cfg.Auto || usage == nil {
		return false
	}
	limit := s.contextLimit(usage.Model)
	if limit <= 0 {
		s.logger.Warn("compaction skipped: missing context limit", "model", usage.Model)
		return false
	}
	threshold := int64(float64(limit) * s.cfg.ThresholdRatio)
	return usage.TotalTokens >= threshold
}

func (s *Service) contextLimit(model string) int64 {
	if model == "" {
		return 0
	}
	spec, ok := s.catalog.Resolve(model, "")
	if !ok {
		return 0
	}
	return spec.ContextLimit()
}

var (
	retainRe  = regexp.MustCompile(`(?s)<retain>(.*?)</retain>`)
	summaryRe = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
)

// Compact runs the summary/retain rewrite and returns the new history.
// Aborts propagate; any other LLM failure returns the history
// uncompacted so the turn can proceed.
func (s *Service) Compact(ctx context.Context, history []*models.Message) ([]*models.Message, error) {
	if !s.cfg.Enabled || s.provider == nil || len(history) == 0 {
		return history, nil
	}

	prepared := prepareForSummary(history)
	prepared = append(prepared, models.UserMessage(s.instruction()))

	req := &llm.Request{
		Messages:   prepared,
		Tools:      nil,
		ToolChoice: llm.ToolChoiceNone,
		Model:      s.cfg.Model,
	}
	completion, err := s.provider.Invoke(ctx, req, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return history, err
		}
		s.logger.Warn("compaction failed, continuing uncompacted", "error", err)
		return history, nil
	}

	var text strings.Builder
	for _, msg := range completion.Messages {
		if msg.Role == models.RoleAssistant {
			text.WriteString(msg.Text())
		}
	}
	retain, summary := parseBlocks(text.String())
	if summary == "" && retain == "" {
		s.logger.Warn("compaction produced no usable text, continuing uncompacted")
		return history, nil
	}

	return rebuild(history, retain, summary, s.cfg.RetainLastTurns), nil
}

// instruction assembles the compaction prompt from the configured
// blocks and directives.
func (s *Service) instruction() string {
	if s.cfg.SummaryPrompt == "" && s.cfg.RetainPrompt == "" && len(s.cfg.Directives) == 0 {
		return defaultInstruction
	}
	var b strings.Builder
	if s.cfg.SummaryPrompt != "" {
		b.WriteString(s.cfg.SummaryPrompt)
	} else {
		b.WriteString(defaultInstruction)
	}
	if s.cfg.RetainPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(s.cfg.RetainPrompt)
	}
	for _, directive := range s.cfg.Directives {
		b.WriteString("\n")
		b.WriteString(directive)
	}
	return b.String()
}

// prepareForSummary copies history for the compaction call, dropping a
// trailing assistant message that has tool calls but no content: its
// calls have no results yet and would be orphaned in replay.
func prepareForSummary(history []*models.Message) []*models.Message {
	prepared := append([]*models.Message(nil), history...)
	if n := len(prepared); n > 0 {
		last := prepared[n-1]
		if last.Role == models.RoleAssistant && len(last.ToolCalls) > 0 && !last.HasContent() {
			prepared = prepared[:n-1]
		}
	}
	return prepared
}

// parseBlocks extracts the retain and summary blocks. When neither tag
// is present the whole cleaned text is accepted as the summary.
func parseBlocks(text string) (retain, summary string) {
	if m := retainRe.FindStringSubmatch(text); m != nil {
		retain = strings.TrimSpace(m[1])
	}
	if m := summaryRe.FindStringSubmatch(text); m != nil {
		summary = strings.TrimSpace(m[1])
	}
	if retain == "" && summary == "" {
		summary = strings.TrimSpace(text)
	}
	return retain, summary
}

// rebuild assembles the compacted history: system messages, the retain
// block, the summary, then the last retainLastTurns user-bounded turns.
func rebuild(history []*models.Message, retain, summary string, retainLastTurns int) []*models.Message {
	var out []*models.Message
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			out = append(out, msg)
		}
	}
	if retain != "" {
		out = append(out, models.UserMessage(fmt.Sprintf("<retained-context>\n%s\n</retained-context>", retain)))
	}
	if summary != "" {
		out = append(out, models.UserMessage(fmt.Sprintf("<conversation-summary>\n%s\n</conversation-summary>", summary)))
	}

	// Keep the tail starting at the Nth-from-last user message.
	start := len(history)
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			seen++
			start = i
			if seen >= retainLastTurns {
				break
			}
		}
	}
	for _, msg := range history[start:] {
		if msg.Role != models.RoleSystem {
			out = append(out, msg)
		}
	}
	return out
}
