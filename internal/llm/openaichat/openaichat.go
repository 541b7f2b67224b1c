// Package openaichat implements llm.Provider over the Chat Completions
// API for OpenAI-compatible endpoints (OpenAI, Ollama, vLLM, proxies).
// It has no stateful mode and no reasoning replay; the Responses
// transport in internal/llm/openai covers those.
package openaichat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/retry"
	"github.com/kousw/codelia/pkg/models"
)

// Config holds construction parameters for the chat transport.
type Config struct {
	// APIKey authenticates against the endpoint. May be empty for local
	// servers that do not check it.
	APIKey string

	// BaseURL points at an OpenAI-compatible server. Empty uses the
	// official endpoint.
	BaseURL string

	// DefaultModel is used when requests do not specify one.
	DefaultModel string

	// Retry overrides the HTTP retry policy.
	Retry *retry.Config

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// Provider is the Chat Completions llm.Provider.
type Provider struct {
	client       *openai.Client
	defaultModel string
	retry        retry.Config
	logger       *slog.Logger
}

// New creates a Chat Completions transport.
func New(cfg Config) (*Provider, error) {
	if cfg.DefaultModel == "" {
		return nil, errors.New("openaichat: default model is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	rc := retry.DefaultConfig()
	if cfg.Retry != nil {
		rc = *cfg.Retry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        rc,
		logger:       logger,
	}, nil
}

// Name returns "openai-chat".
func (p *Provider) Name() string { return "openai-chat" }

// DefaultModel returns the configured default model.
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Invoke sends the prepared conversation as one chat completion call.
func (p *Provider) Invoke(ctx context.Context, req *llm.Request, _ *llm.InvokeContext) (*models.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		chatReq.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, p.retry, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		if callErr == nil {
			return nil
		}
		var apiErr *openai.APIError
		if errors.As(callErr, &apiErr) && !p.retry.StatusRetryable(apiErr.HTTPStatusCode) {
			return retry.Permanent(callErr)
		}
		p.logger.Debug("chat completion retrying", "error", callErr)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("openaichat: %w", err)
	}

	return parseResponse(resp, model), nil
}

func convertMessages(messages []*models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case models.RoleUser:
			result = append(result, userMessage(msg))

		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: assistantText(msg),
			}
			for _, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					},
				})
			}
			result = append(result, out)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text(),
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleReasoning:
			// Chat Completions has no reasoning replay form.
			continue
		}
	}
	return result
}

func userMessage(msg *models.Message) openai.ChatCompletionMessage {
	hasMedia := false
	for _, part := range msg.Content {
		if part.Type == models.PartImageURL {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		var b strings.Builder
		for _, part := range msg.Content {
			b.WriteString(part.Degraded())
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: b.String()}
	}

	var parts []openai.ChatMessagePart
	for _, part := range msg.Content {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
			}
		case models.PartImageURL:
			detail := openai.ImageURLDetail(part.Detail)
			if detail == "" {
				detail = openai.ImageURLDetailAuto
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: part.URL, Detail: detail},
			})
		default:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Degraded()})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// assistantText renders assistant content for replay; null content with
// tool calls stays empty.
func assistantText(msg *models.Message) string {
	if msg.Refusal != "" && len(msg.Content) == 0 {
		return msg.Refusal
	}
	return msg.Text()
}

func convertTools(defs []models.ToolDefinition) []openai.Tool {
	var result []openai.Tool
	for _, def := range defs {
		if def.IsHosted() {
			continue
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Strict:      def.Strict,
				Parameters:  def.Parameters,
			},
		})
	}
	return result
}

func convertToolChoice(choice string) any {
	switch choice {
	case "":
		return nil
	case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceRequired:
		return choice
	default:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice},
		}
	}
}

func parseResponse(resp openai.ChatCompletionResponse, model string) *models.Completion {
	completion := &models.Completion{
		Usage: &models.Usage{
			Model:        model,
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:  int64(resp.Usage.TotalTokens),
		},
		ProviderMeta: map[string]any{
			llm.MetaTransport:  "http",
			llm.MetaResponseID: resp.ID,
		},
	}
	if details := resp.Usage.PromptTokensDetails; details != nil {
		completion.Usage.InputCachedTokens = int64(details.CachedTokens)
	}

	if len(resp.Choices) == 0 {
		return completion
	}
	choice := resp.Choices[0]
	completion.StopReason = string(choice.FinishReason)

	msg := &models.Message{Role: models.RoleAssistant, Refusal: choice.Message.Refusal}
	if choice.Message.Content != "" {
		msg.Content = []models.ContentPart{models.TextPart(choice.Message.Content)}
	}
	for _, call := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:   call.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	if len(msg.Content) > 0 || len(msg.ToolCalls) > 0 || msg.Refusal != "" {
		completion.Messages = append(completion.Messages, msg)
	}
	return completion
}
