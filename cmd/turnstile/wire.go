package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"

	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/compaction"
	"github.com/user/turnstile/internal/config"
	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/runtime"
	"github.com/user/turnstile/internal/runtime/tools"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/state/sqlstore"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// stack is everything a turn needs, shared by serve and chat.
type stack struct {
	cfg        *config.Config
	sessions   types.SessionStore
	closeStore func() error
	turnLog    *state.TurnLog
	artifacts  *state.ArtifactStore
	hub        *broadcast.Hub
	engine     *ctxengine.Engine
	registry   *runtime.Registry
	gateway    *gateway.Gateway
	// slack is nil without a bot token.
	slack *slack.Client
}

// sessionDeleter is implemented by both session stores.
type sessionDeleter interface {
	Delete(ctx context.Context, id types.SessionID) error
}

func openSessions(cfg *config.Config) (types.SessionStore, func() error, error) {
	switch cfg.Storage.Driver {
	case "", "file":
		return state.NewSessionStore(cfg.DataDir), func() error { return nil }, nil
	case "sqlite", "mysql":
		dsn := cfg.Storage.DSN
		if dsn == "" && cfg.Storage.Driver == "sqlite" {
			dsn = filepath.Join(cfg.DataDir, "turnstile.db")
		}
		store, err := sqlstore.Open(cfg.Storage.Driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func providers(cfg *config.Config) *runtime.Providers {
	return &runtime.Providers{
		OpenAI: llm.Config{
			Provider:    "openai",
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		},
		Anthropic: llm.Config{
			Provider:       "anthropic",
			BaseURL:        cfg.Anthropic.BaseURL,
			APIKey:         cfg.Anthropic.APIKey,
			MaxTokens:      cfg.LLM.MaxTokens,
			Temperature:    cfg.LLM.Temperature,
			ThinkingBudget: cfg.LLM.ThinkingBudget,
		},
	}
}

func buildStack(cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sessions, closeStore, err := openSessions(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &stack{
		cfg:        cfg,
		sessions:   sessions,
		closeStore: closeStore,
		turnLog:    state.NewTurnLog(cfg.DataDir),
		artifacts:  state.NewArtifactStore(cfg.DataDir),
		hub:        broadcast.NewHub(),
		registry:   runtime.NewRegistry(),
	}

	memoryPath := filepath.Join(cfg.DataDir, "memory.md")
	s.engine, err = ctxengine.New(cfg.LLM.Model, ctxengine.Options{
		PromptPath: cfg.SystemPromptPath,
		MemoryPath: memoryPath,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	memory := tools.NewMemory(memoryPath)
	s.registry.Register(tools.NewBash(cfg.DataDir))
	s.registry.Register(tools.NewMemorySave(memory))
	s.registry.Register(tools.NewMemoryDelete(memory))
	s.registry.Register(tools.NewMemoryList(memory))
	s.registry.Register(tools.NewTodoWrite())
	s.registry.Register(tools.NewAskUser())
	s.registry.Register(tools.NewBraveSearch(cfg.Brave.APIKey, cfg.Brave.BaseURL))
	s.registry.Register(tools.NewReadURL())
	s.registry.Register(tools.NewSlackPost(cfg.Slack.BotToken, ""))
	if cfg.Slack.BotToken != "" {
		s.slack = slack.New(cfg.Slack.BotToken)
	}

	toolsets := runtime.NewToolSetBuilder(s.registry,
		runtime.Integration{
			Name:      "web",
			Tools:     []string{"brave_search", "read_url"},
			Available: func() bool { return cfg.Brave.APIKey != "" },
		},
		runtime.Integration{
			Name:      "slack",
			Tools:     []string{"slack_post_message"},
			Available: func() bool { return cfg.Slack.BotToken != "" },
		},
	)

	exec := runtime.New(runtime.Config{
		Sessions:       sessions,
		Providers:      providers(cfg),
		Engine:         s.engine,
		Compaction:     compaction.New(),
		Tools:          toolsets,
		Artifacts:      s.artifacts,
		TurnLog:        s.turnLog,
		Broadcaster:    broadcast.Tee(s.hub, broadcast.LogSink{Logger: slog.Default()}),
		Agents:         cfg.Agents,
		MaxSteps:       cfg.MaxSteps,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		ThinkingBudget: cfg.LLM.ThinkingBudget,
	})

	s.gateway = gateway.New(sessions, cfg.LLM.Model, int64(cfg.MaxConcurrent))
	s.gateway.SetProcessor(exec.Execute)
	return s, nil
}

func (s *stack) Close() {
	s.hub.Close()
	if err := s.closeStore(); err != nil {
		slog.Warn("close session store", "error", err)
	}
}
