// Package toolcache bounds tool output in the conversation: each tool
// message is truncated to a byte budget with a reference tag pointing at
// the externally stored full text, and the whole history is trimmed to a
// token budget before every LLM call.
package toolcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kousw/codelia/pkg/models"
)

// Cache tool names that bypass immediate truncation; their output is the
// recovered cache content itself.
const (
	ReadToolName = "tool_output_cache"
	GrepToolName = "tool_output_cache_grep"
)

const (
	// DefaultMaxMessageBytes bounds one tool message (50 KiB).
	DefaultMaxMessageBytes = 50 * 1024

	// DefaultMaxLineLength bounds one output line.
	DefaultMaxLineLength = 2000

	// Budget resolution bounds for whole-history trimming.
	minBudgetTokens = 20_000
	maxBudgetTokens = 100_000

	// bytesPerToken is the approximation used for budget math.
	bytesPerToken = 4
)

// Record is the full output persisted to the external store.
type Record struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Ref addresses a stored record.
type Ref struct {
	ID        string `json:"id"`
	ByteSize  int    `json:"byte_size,omitempty"`
	LineCount int    `json:"line_count,omitempty"`
}

// Store persists full tool outputs. Save failures are swallowed by the
// service; the message proceeds without a ref.
type Store interface {
	Save(ctx context.Context, record Record) (Ref, error)
}

// Reader optionally recovers stored output by ref.
type Reader interface {
	Read(ctx context.Context, refID string, offset, limit int) (string, error)
}

// GrepOptions filters a stored record.
type GrepOptions struct {
	Pattern    string
	Regex      bool
	Before     int
	After      int
	MaxMatches int
}

// Grepper optionally searches stored output by ref.
type Grepper interface {
	Grep(ctx context.Context, refID string, opts GrepOptions) (string, error)
}

// Config is the tool-output cache policy.
type Config struct {
	// Enabled turns the service on.
	Enabled bool

	// MaxMessageBytes bounds one tool message. Default 50 KiB.
	MaxMessageBytes int

	// MaxLineLength bounds one line of tool output. Default 2000.
	MaxLineLength int

	// ContextBudgetTokens fixes the whole-history budget; 0 derives it
	// from the model's context window.
	ContextBudgetTokens int64

	// TotalBudgetTrim disables whole-history trimming when false.
	// Nil means enabled.
	TotalBudgetTrim *bool
}

// DefaultConfig returns the default cache policy.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxLineLength:   DefaultMaxLineLength,
	}
}

// Service applies the cache policy. A nil store disables persistence but
// keeps truncation working.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewService creates the cache service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg, logger: logger}
}

// Enabled reports whether per-message processing is active.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// ProcessToolMessage persists the full output and truncates the message
// in place to the per-message byte budget. Cache recovery tools bypass
// truncation so their output stays whole.
func (s *Service) ProcessToolMessage(ctx context.Context, msg *models.Message) *models.Message {
	if !s.cfg.Enabled || msg == nil || msg.Role != models.RoleTool {
		return msg
	}
	if msg.ToolName == ReadToolName || msg.ToolName == GrepToolName {
		return msg
	}

	content := msg.Text()
	refID := ""
	if s.store != nil {
		ref, err := s.store.Save(ctx, Record{
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
			Content:    content,
			IsError:    msg.IsError,
		})
		if err != nil {
			s.logger.Warn("tool output save failed", "tool", msg.ToolName, "error", err)
		} else {
			refID = ref.ID
			msg.OutputRef = ref.ID
		}
	}

	truncated, cut := truncate(content, s.cfg.MaxMessageBytes, s.cfg.MaxLineLength)
	if cut {
		tag := "\n\n[tool output truncated"
		if refID != "" {
			tag += "; ref=" + refID
		}
		tag += "]"
		msg.SetText(truncated + tag)
	}
	return msg
}

// truncate cuts content to maxBytes, line by line, bounding each line to
// maxLine bytes. Content at or under the budget is returned unchanged.
func truncate(content string, maxBytes, maxLine int) (string, bool) {
	if len(content) <= maxBytes {
		return content, false
	}

	var b strings.Builder
	cut := false
	for _, line := range strings.SplitAfter(content, "\n") {
		if len(line) > maxLine {
			line = line[:maxLine] + "…\n"
			cut = true
		}
		if b.Len()+len(line) > maxBytes {
			cut = true
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n"), cut
}

// TrimHistory replaces whole tool messages with trim placeholders until
// the approximate token total of tool output fits the budget. It runs
// before every LLM call and is idempotent: already-trimmed messages
// count at their placeholder size.
func (s *Service) TrimHistory(history []*models.Message, contextWindow int64) {
	if !s.cfg.Enabled {
		return
	}
	if s.cfg.TotalBudgetTrim != nil && !*s.cfg.TotalBudgetTrim {
		return
	}

	budget := s.budgetTokens(contextWindow)
	total := int64(0)
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			total += int64(len(msg.Text()) / bytesPerToken)
		}
	}
	if total <= budget {
		return
	}

	for _, msg := range history {
		if total <= budget {
			return
		}
		if msg.Role != models.RoleTool || msg.Trimmed {
			continue
		}
		before := int64(len(msg.Text()) / bytesPerToken)
		placeholder := "[tool output trimmed"
		if msg.OutputRef != "" {
			placeholder += "; ref=" + msg.OutputRef
		}
		placeholder += "]"
		msg.SetText(placeholder)
		msg.Trimmed = true
		total += int64(len(placeholder)/bytesPerToken) - before
	}
}

// budgetTokens resolves the whole-history budget: the explicit setting,
// else a quarter of the context window clamped to [20k, 100k]. An
// unknown window falls back to the conservative lower bound.
func (s *Service) budgetTokens(contextWindow int64) int64 {
	if s.cfg.ContextBudgetTokens > 0 {
		return s.cfg.ContextBudgetTokens
	}
	if contextWindow <= 0 {
		return minBudgetTokens
	}
	budget := contextWindow / 4
	if budget < minBudgetTokens {
		return minBudgetTokens
	}
	if budget > maxBudgetTokens {
		return maxBudgetTokens
	}
	return budget
}

// FormatRef renders a ref with its id, byte size and line count; the
// truncation and trim tags carry only the ref=<id> part.
func FormatRef(ref Ref) string {
	return fmt.Sprintf("ref=%s size=%dB lines=%d", ref.ID, ref.ByteSize, ref.LineCount)
}
