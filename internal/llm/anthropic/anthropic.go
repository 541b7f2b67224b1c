// Package anthropic implements the llm.Provider interface on top of the
// official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/retry"
	"github.com/kousw/codelia/pkg/models"
)

const defaultModel = "claude-sonnet-4-5"

// Config holds construction parameters for the Anthropic transport.
type Config struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// DefaultModel is used when requests do not specify one.
	DefaultModel string

	// MaxOutputTokens bounds responses; 0 uses a provider default.
	MaxOutputTokens int64

	// Retry overrides the HTTP retry policy.
	Retry *retry.Config

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// Provider is the Anthropic llm.Provider.
type Provider struct {
	client          anthropic.Client
	defaultModel    string
	maxOutputTokens int64
	retry           retry.Config
	logger          *slog.Logger
}

// New creates an Anthropic transport.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	rc := retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:          anthropic.NewClient(opts...),
		defaultModel:    cfg.DefaultModel,
		maxOutputTokens: cfg.MaxOutputTokens,
		retry:           rc,
		logger:          logger,
	}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// DefaultModel returns the configured default model.
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Invoke sends the prepared conversation and returns the completion.
// The InvokeContext is accepted for interface symmetry; Anthropic
// prompt caching binds to message content, not a session key.
func (p *Provider) Invoke(ctx context.Context, req *llm.Request, _ *llm.InvokeContext) (*models.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := buildParams(req, model, p.maxOutputTokens)
	if err != nil {
		return nil, err
	}

	var resp *anthropic.Message
	err = retry.Do(ctx, p.retry, func() error {
		var callErr error
		resp, callErr = p.client.Messages.New(ctx, *params)
		if callErr == nil {
			return nil
		}
		if !isRetryable(callErr) {
			return retry.Permanent(callErr)
		}
		p.logger.Debug("anthropic call retrying", "error", callErr)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	completion := parseResponse(resp, model)
	completion.ProviderMeta = map[string]any{
		llm.MetaTransport:  "http",
		llm.MetaResponseID: resp.ID,
	}
	return completion, nil
}

// isRetryable classifies transport errors worth another attempt: rate
// limits, server errors, and timeouts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"overloaded", "timeout", "deadline exceeded", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
