package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kousw/codelia/internal/agent"
	"github.com/kousw/codelia/internal/catalog"
	"github.com/kousw/codelia/internal/compaction"
	"github.com/kousw/codelia/internal/config"
	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/llm/anthropic"
	"github.com/kousw/codelia/internal/llm/openai"
	"github.com/kousw/codelia/internal/llm/openaichat"
	"github.com/kousw/codelia/internal/toolcache"
	"github.com/kousw/codelia/internal/tools"
	"github.com/kousw/codelia/pkg/models"
)

func newRunCmd(configPath *string) *cobra.Command {
	var forceCompaction bool

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one agent turn and stream its events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			message := ""
			if len(args) > 0 {
				message = args[0]
			}
			if message == "" && !forceCompaction {
				return errors.New("a message is required unless --compact is set")
			}

			provider, err := buildProvider(cfg)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			cat := catalog.New()

			var compactionSvc *compaction.Service
			if cfg.Compaction != nil {
				compactionSvc = compaction.NewService(provider, cat, cfg.Compaction.Service(), logger)
			}
			cacheSvc := toolcache.NewService(nil, cfg.ToolOutputCache.Service(), logger)

			a, err := agent.New(agent.Options{
				Provider:        provider,
				Registry:        tools.NewRegistry(),
				Catalog:         cat,
				SystemPrompt:    cfg.SystemPrompt,
				Model:           cfg.Model,
				MaxIterations:   cfg.MaxIterations,
				ToolChoice:      cfg.ToolChoice,
				RequireDoneTool: cfg.RequireDoneTool,
				Compaction:      compactionSvc,
				ToolCache:       cacheSvc,
				SessionKey:      cfg.SessionKey,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			events := a.RunStream(cmd.Context(), models.UserMessage(message), &agent.RunOptions{ForceCompaction: forceCompaction})
			for event := range events {
				if event.Err != nil {
					return event.Err
				}
				printEvent(cmd, event)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceCompaction, "compact", false, "run compaction once and exit")
	return cmd
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	retryCfg := cfg.Retry()
	switch cfg.Provider {
	case "", "openai":
		if cfg.OpenAI.ChatCompletions {
			return openaichat.New(openaichat.Config{
				APIKey:       cfg.OpenAI.APIKey,
				BaseURL:      cfg.OpenAI.BaseURL,
				DefaultModel: orDefault(cfg.Model, "gpt-4o"),
				Retry:        &retryCfg,
			})
		}
		return openai.New(openai.Config{
			APIKey:              cfg.OpenAI.APIKey,
			BaseURL:             cfg.OpenAI.BaseURL,
			DefaultModel:        cfg.Model,
			ReasoningEffort:     cfg.OpenAI.ReasoningEffort,
			WebsocketMode:       openai.WebsocketMode(orDefault(cfg.OpenAI.WebsocketMode, string(openai.WsOff))),
			WebsocketAPIVersion: cfg.OpenAI.WebsocketAPIVersion,
			ConnectTimeout:      time.Duration(cfg.OpenAI.WebsocketConnectTimeout) * time.Millisecond,
			ResponseIdleTimeout: time.Duration(cfg.OpenAI.WebsocketResponseIdleMs) * time.Millisecond,
			Retry:               &retryCfg,
		})
	case "openai-chat":
		return openaichat.New(openaichat.Config{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: orDefault(cfg.Model, "gpt-4o"),
			Retry:        &retryCfg,
		})
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:          cfg.Anthropic.APIKey,
			BaseURL:         cfg.Anthropic.BaseURL,
			DefaultModel:    cfg.Model,
			MaxOutputTokens: cfg.Anthropic.MaxOutputTokens,
			Retry:           &retryCfg,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func printEvent(cmd *cobra.Command, event *models.AgentEvent) {
	out := cmd.OutOrStdout()
	switch event.Type {
	case models.EventReasoning:
		fmt.Fprintf(out, "· %s\n", strings.TrimSpace(event.Content))
	case models.EventStepStart:
		fmt.Fprintf(out, "→ %s\n", event.ToolName)
	case models.EventToolCall:
		fmt.Fprintf(out, "  args: %s\n", event.Arguments)
	case models.EventToolResult:
		marker := ""
		if event.IsError {
			marker = " (error)"
		}
		fmt.Fprintf(out, "  result%s: %s\n", marker, event.Result)
	case models.EventStepComplete:
		fmt.Fprintf(out, "← %s %s\n", event.ToolName, event.Status)
	case models.EventText:
		fmt.Fprintln(out, event.Content)
	case models.EventCompactionStart:
		fmt.Fprintln(out, "compacting history…")
	case models.EventCompactionComplete:
		fmt.Fprintln(out, "compaction complete")
	case models.EventFinal:
		fmt.Fprintln(out, event.Content)
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models and their context limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range catalog.New().List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-24s context=%d\n", m.Provider, m.ID, m.ContextLimit())
			}
			return nil
		},
	}
}
