// ABOUTME: Builds the laraclaw object graph from configuration
// ABOUTME: Store, agent, memory ranker, usage pricing, metrics, events, dedupe, gateways and orchestrator

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/2389/laraclaw/internal/agent"
	"github.com/2389/laraclaw/internal/binding"
	"github.com/2389/laraclaw/internal/config"
	"github.com/2389/laraclaw/internal/dedupe"
	"github.com/2389/laraclaw/internal/events"
	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/memory"
	"github.com/2389/laraclaw/internal/metrics"
	"github.com/2389/laraclaw/internal/orchestrator"
	"github.com/2389/laraclaw/internal/store"
	"github.com/2389/laraclaw/internal/usage"
)

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	agent    agent.Agent
	bindings *binding.Manager
	memory   *memory.Manager
	usage    *usage.Tracker
	metrics  *metrics.Collector
	events   *events.Broadcaster
	dedupe   *dedupe.Cache
	gateways *gateway.Registry
	orch     *orchestrator.Orchestrator

	closers []io.Closer
}

// newApp wires every component. cliOut receives replies sent through the CLI gateway.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, cliOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = store.OpenSQLite(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.closers = append(a.closers, a.store)

	if a.agent, err = a.buildAgent(ctx); err != nil {
		return nil, err
	}
	ranker, err := a.buildRanker(ctx)
	if err != nil {
		return nil, err
	}

	pricing := cfg.Usage.Pricing
	if cfg.Usage.PricingFile != "" {
		fromFile, err := usage.LoadPricingFile(cfg.Usage.PricingFile)
		if err != nil {
			return nil, err
		}
		pricing = pricing.Merge(fromFile)
	}

	a.bindings = binding.NewManager(a.store, logger)
	a.memory = memory.NewManager(a.store, ranker, memory.Config{
		HistoryLimit:       cfg.Memory.HistoryLimit,
		HistoryTokenBudget: cfg.Memory.HistoryTokenBudget,
		MemoryLimit:        cfg.Memory.MemoryLimit,
		EmbeddingModel:     cfg.Memory.EmbeddingModel,
	}, logger)
	a.usage = usage.NewTracker(a.store, pricing, logger)
	a.metrics = metrics.NewCollector(metrics.NewMemoryBackend(), metrics.Options{
		Namespace:  cfg.Metrics.Namespace,
		CounterTTL: cfg.Metrics.CounterTTL,
		WindowSize: cfg.Metrics.WindowSize,
	})
	a.events = events.NewBroadcaster(logger)
	a.dedupe = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)

	if a.gateways, err = a.buildGateways(cliOut); err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Store:    a.store,
		Context:  a.memory,
		Agent:    a.agent,
		Usage:    a.usage,
		Metrics:  a.metrics,
		Gateways: a.gateways,
		Bindings: a.bindings,
		Events:   events.Multi{a.events, events.NewLogSink(logger)},
		Dedupe:   a.dedupe,
		Logger:   logger,
	}, orchestrator.Config{
		AgentTimeout:   cfg.Agent.Timeout,
		DefaultGateway: cfg.Gateways.Default,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildAgent(ctx context.Context) (agent.Agent, error) {
	switch a.cfg.Agent.Provider {
	case "gemini":
		g, err := agent.NewGeminiAgent(ctx, agent.GeminiConfig{
			APIKey:       a.cfg.Agent.APIKey,
			Model:        a.cfg.Agent.Model,
			SystemPrompt: a.cfg.Agent.SystemPrompt,
			Endpoint:     a.cfg.Agent.Endpoint,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("creating gemini agent: %w", err)
		}
		a.closers = append(a.closers, g)
		return g, nil
	default:
		return &agent.EchoAgent{}, nil
	}
}

func (a *app) buildRanker(ctx context.Context) (memory.Ranker, error) {
	if a.cfg.Memory.Ranker != "embedding" {
		return memory.KeywordRanker{}, nil
	}
	embedder, err := agent.NewGeminiEmbedder(ctx, a.cfg.Agent.APIKey, a.cfg.Memory.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	a.closers = append(a.closers, embedder)
	return &memory.EmbeddingRanker{
		Embedder:  embedder,
		Vectors:   a.store,
		Threshold: float32(a.cfg.Memory.SimilarityThreshold),
	}, nil
}

func (a *app) buildGateways(cliOut io.Writer) (*gateway.Registry, error) {
	gw := a.cfg.Gateways
	registry := gateway.NewRegistry(gateway.NewCLIAdapter(cliOut, a.bindings))

	if gw.Telegram.Enabled {
		tg, err := gateway.NewTelegramAdapter(gateway.TelegramConfig{
			BotToken:    gw.Telegram.BotToken,
			SecretToken: gw.Telegram.SecretToken,
			APIBaseURL:  gw.Telegram.APIBaseURL,
			FailureText: gw.Telegram.FailureText,
		}, a.bindings, a.logger)
		if err != nil {
			return nil, fmt.Errorf("telegram gateway: %w", err)
		}
		registry.Register(tg)
	}
	if gw.Discord.Enabled {
		dc, err := gateway.NewDiscordAdapter(gateway.DiscordConfig{
			BotToken:    gw.Discord.BotToken,
			PublicKey:   gw.Discord.PublicKey,
			APIBaseURL:  gw.Discord.APIBaseURL,
			AckText:     gw.Discord.AckText,
			FailureText: gw.Discord.FailureText,
		}, a.bindings, a.logger)
		if err != nil {
			return nil, fmt.Errorf("discord gateway: %w", err)
		}
		registry.Register(dc)
	}
	if gw.Matrix.Enabled {
		mx, err := gateway.NewMatrixAdapter(gateway.MatrixConfig{
			Homeserver:  gw.Matrix.Homeserver,
			UserID:      gw.Matrix.UserID,
			AccessToken: gw.Matrix.AccessToken,
			HSToken:     gw.Matrix.HSToken,
			FailureText: gw.Matrix.FailureText,
		}, a.bindings, a.logger)
		if err != nil {
			return nil, fmt.Errorf("matrix gateway: %w", err)
		}
		registry.Register(mx)
	}
	if gw.Webhook.Enabled {
		wh, err := gateway.NewWebhookAdapter(gateway.WebhookConfig{
			Secret:      gw.Webhook.Secret,
			CallbackURL: gw.Webhook.CallbackURL,
			FailureText: gw.Webhook.FailureText,
		}, a.bindings, a.logger)
		if err != nil {
			return nil, fmt.Errorf("webhook gateway: %w", err)
		}
		registry.Register(wh)
	}
	return registry, nil
}

// Close releases clients and the store, newest first.
func (a *app) Close() error {
	if a.dedupe != nil {
		a.dedupe.Close()
	}
	if a.events != nil {
		a.events.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
