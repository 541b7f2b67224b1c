// Package openai implements the llm.Provider interface over the OpenAI
// Responses API. The always-available HTTP path streams each call
// statelessly; an optional WebSocket path chains consecutive calls of a
// session through previous_response_id, resending only the input suffix.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/retry"
	"github.com/kousw/codelia/pkg/models"
)

// WebsocketMode selects how the WS chaining path is used.
type WebsocketMode string

const (
	// WsOff disables the WebSocket path entirely.
	WsOff WebsocketMode = "off"
	// WsAuto uses WebSockets when possible and falls back to HTTP.
	WsAuto WebsocketMode = "auto"
	// WsOn requires the WebSocket path and surfaces its failures.
	WsOn WebsocketMode = "on"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModelID         = "gpt-5.2"
	defaultReasoningEffort = "medium"

	// includeEncryptedReasoning keeps stateless restores safe: without it
	// a replayed conversation would lose the model's reasoning state.
	includeEncryptedReasoning = "reasoning.encrypted_content"

	wsAPIVersionV1 = "v1"
	wsAPIVersionV2 = "v2"

	defaultConnectTimeout      = 30 * time.Second
	defaultResponseIdleTimeout = 300 * time.Second

	// idleReuseWindow bounds how stale an open socket may be and still be
	// reused for the next request.
	idleReuseWindow = 30 * time.Second

	// sessionIdleTTL evicts whole session slots that have not been used.
	sessionIdleTTL = 10 * time.Minute

	// disableTTL is how long a session key stays on HTTP after a chain
	// failure in auto mode.
	disableTTL = 60 * time.Second

	wsMaxRetries     = 3
	wsRetryBaseDelay = 250 * time.Millisecond
	wsRetryMaxDelay  = 2 * time.Second
)

// Config holds construction parameters for the Responses transport.
type Config struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint; the WS URL derives from it.
	BaseURL string

	// DefaultModel is used when requests do not specify one.
	DefaultModel string

	// ReasoningEffort is the default reasoning effort; requests override
	// it via Options["reasoning_effort"].
	ReasoningEffort string

	// MaxOutputTokens bounds responses; 0 leaves the provider default.
	MaxOutputTokens int64

	// WebsocketMode selects the WS chaining policy. Default off.
	WebsocketMode WebsocketMode

	// WebsocketAPIVersion is v1 or v2; only v2 chains by
	// previous_response_id. Default v2.
	WebsocketAPIVersion string

	// ConnectTimeout bounds the WS dial. Default 30s.
	ConnectTimeout time.Duration

	// ResponseIdleTimeout bounds the gap between WS events of one
	// response. Default 300s.
	ResponseIdleTimeout time.Duration

	// Headers are forwarded on every HTTP request and WS handshake
	// (account routing, credential-derived headers).
	Headers http.Header

	// Retry overrides the HTTP retry policy.
	Retry *retry.Config

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// Provider is the OpenAI Responses llm.Provider.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Config
	logger     *slog.Logger
	sessions   *sessionStore
}

// New creates a Responses transport.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModelID
	}
	if cfg.ReasoningEffort == "" {
		cfg.ReasoningEffort = defaultReasoningEffort
	}
	if cfg.WebsocketMode == "" {
		cfg.WebsocketMode = WsOff
	}
	switch cfg.WebsocketAPIVersion {
	case "":
		cfg.WebsocketAPIVersion = wsAPIVersionV2
	case wsAPIVersionV1, wsAPIVersionV2:
	default:
		return nil, fmt.Errorf("openai: unsupported websocket api version %q", cfg.WebsocketAPIVersion)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ResponseIdleTimeout <= 0 {
		cfg.ResponseIdleTimeout = defaultResponseIdleTimeout
	}

	rc := retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		cfg:        cfg,
		httpClient: httpClient,
		retry:      rc,
		logger:     logger,
		sessions:   newSessionStore(),
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// DefaultModel returns the configured default model.
func (p *Provider) DefaultModel() string { return p.defaultModel() }

func (p *Provider) defaultModel() string { return p.cfg.DefaultModel }

// Invoke dispatches one request, choosing between the stateless HTTP
// path and the stateful WS path per the configured mode and session key.
func (p *Provider) Invoke(ctx context.Context, req *llm.Request, ic *llm.InvokeContext) (*models.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	body, err := p.buildBody(req, model)
	if err != nil {
		return nil, err
	}

	mode := p.cfg.WebsocketMode
	sessionKey := ""
	if ic != nil {
		sessionKey = ic.SessionKey
	}

	// Session slots are garbage-collected on every invoke.
	p.sessions.gc(time.Now())

	if mode == WsOff || sessionKey == "" {
		completion, err := p.invokeHTTP(ctx, body, model)
		if err != nil {
			return nil, err
		}
		annotate(completion, map[string]any{
			llm.MetaTransport:     "http",
			llm.MetaWebsocketMode: string(mode),
		})
		return completion, nil
	}

	if mode == WsAuto && p.sessions.isDisabled(sessionKey, time.Now()) {
		completion, err := p.invokeHTTP(ctx, body, model)
		if err != nil {
			return nil, err
		}
		annotate(completion, map[string]any{
			llm.MetaTransport:     "http",
			llm.MetaWebsocketMode: string(mode),
			llm.MetaFallbackUsed:  true,
		})
		return completion, nil
	}

	completion, inputMode, wsErr := p.invokeWS(ctx, body, model, sessionKey, mode)
	if wsErr == nil {
		return completion, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if isChainNotFound(wsErr) || isTransientWsError(wsErr) {
		p.sessions.disable(sessionKey, time.Now().Add(disableTTL))
		p.sessions.invalidate(sessionKey)
	}
	if mode == WsOn {
		return nil, wsErr
	}

	p.logger.Warn("websocket path failed, falling back to http", "error", wsErr, "session", sessionKey)
	body.PreviousResponseID = ""
	completion, err = p.invokeHTTP(ctx, body, model)
	if err != nil {
		return nil, err
	}
	annotate(completion, map[string]any{
		llm.MetaTransport:     "http",
		llm.MetaWebsocketMode: string(mode),
		llm.MetaFallbackUsed:  true,
		llm.MetaChainReset:    true,
		llm.MetaWsInputMode:   inputMode,
	})
	return completion, nil
}

// buildBody assembles the request shared by both transports. The input
// here is always the full serialized history; the WS path replaces it
// with a suffix when chaining applies.
func (p *Provider) buildBody(req *llm.Request, model string) (*requestBody, error) {
	input, instructions, err := buildInput(req.Messages)
	if err != nil {
		return nil, err
	}

	include := []string{includeEncryptedReasoning}
	if hasWebSearch(req.Tools) {
		include = append(include,
			"web_search_call.action.sources",
			"web_search_call.results",
		)
	}

	effort := p.cfg.ReasoningEffort
	if v, ok := req.Options["reasoning_effort"].(string); ok && v != "" {
		effort = v
	}

	body := &requestBody{
		Model:           model,
		Input:           input,
		Instructions:    instructions,
		Include:         include,
		Reasoning:       &reasoningOpts{Effort: effort, Summary: "auto"},
		Store:           false,
		MaxOutputTokens: p.cfg.MaxOutputTokens,
	}
	if req.Tools != nil {
		body.Tools = buildTools(req.Tools)
		body.ToolChoice = buildToolChoice(req.ToolChoice)
	}
	return body, nil
}

func annotate(completion *models.Completion, meta map[string]any) {
	if completion.ProviderMeta == nil {
		completion.ProviderMeta = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		completion.ProviderMeta[k] = v
	}
}
