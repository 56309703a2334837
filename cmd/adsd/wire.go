package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/config"
	"github.com/Andy963/ads/events"
	"github.com/Andy963/ads/executor"
	"github.com/Andy963/ads/internal/version"
	"github.com/Andy963/ads/planner"
	"github.com/Andy963/ads/provider"
	"github.com/Andy963/ads/provider/mock"
	"github.com/Andy963/ads/queue"
	"github.com/Andy963/ads/server"
	"github.com/Andy963/ads/server/api"
	"github.com/Andy963/ads/task"
)

// daemon holds every long-lived component built from the config.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *task.SQLStore
	bus      events.Bus
	router   *agent.Router
	queue    *queue.Queue
	server   *server.Server
	registry *prometheus.Registry
}

// build wires the daemon. Nothing is started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if d.bus, err = openBus(cfg, logger); err != nil {
		return nil, err
	}

	providers, err := buildProviders(cfg.Agents)
	if err != nil {
		return nil, err
	}
	reg := agent.NewRegistry()
	limits := make(map[agent.Kind]executor.Limit, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		kind := agent.Kind(ac.Kind)
		p := providers[kind]
		opts := []agent.ProviderOption{
			agent.WithModel(ac.Model),
			agent.WithLogger(logger.With("agent", kind)),
		}
		if ac.SystemPrompt != "" {
			opts = append(opts, agent.WithSystemPrompt(ac.SystemPrompt))
		}
		if err := reg.Register(kind, func() (agent.Adapter, error) {
			return agent.NewProviderAdapter(kind, p, opts...), nil
		}); err != nil {
			return nil, err
		}
		limits[kind] = executor.Limit{
			Concurrent: ac.Limit.Concurrent,
			PerSecond:  ac.Limit.PerSecond,
			Burst:      ac.Limit.Burst,
		}
	}
	d.router = agent.NewRouter(reg, agent.Kind(cfg.Queue.DefaultAgent))

	exec, err := executor.New(d.router, executor.Config{
		SessionCacheSize: cfg.Queue.SessionCacheSize,
		Timeout:          cfg.Queue.TaskTimeout,
		Stream:           cfg.Queue.Stream,
		SystemPrompt:     cfg.Queue.SystemPrompt,
		Limits:           limits,
	},
		executor.WithAttachments(executor.DirAttachments{Root: filepath.Join(cfg.DataDir, "attachments")}),
		executor.WithBus(d.bus),
		executor.WithLogger(logger.With("component", "executor")),
	)
	if err != nil {
		return nil, err
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	qopts := []queue.Option{
		queue.WithAgentResolver(exec),
		queue.WithBus(d.bus),
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithMetrics(queue.NewMetrics(d.registry)),
	}
	if cfg.Queue.Planner {
		qopts = append(qopts, queue.WithPlanner(planner.New(d.router, 0, logger.With("component", "planner"))))
	}
	d.queue = queue.New(d.store, exec, queue.Config{
		Concurrency:      cfg.Queue.Concurrency,
		PollInterval:     cfg.Queue.PollInterval,
		DefaultLaneLimit: cfg.Queue.DefaultLaneLimit,
		LaneLimits:       cfg.Queue.LaneLimits,
		RetryBackoff:     cfg.Queue.RetryBackoff,
	}, qopts...)

	rules := make([]queue.PromotionRule, 0, len(cfg.Promotions))
	for _, p := range cfg.Promotions {
		rules = append(rules, queue.PromotionRule{Schedule: p.Schedule, Context: p.Context})
	}
	if err := d.queue.SchedulePromotions(rules); err != nil {
		return nil, err
	}

	d.server = server.New(*cfg, version.Version, logger.With("component", "server"))
	d.server.SetTaskStore(d.store)
	d.server.SetQueue(d.queue)
	d.server.SetAgents(api.NewCatalog(d.router, providers))
	d.server.SetBus(d.bus)
	d.server.SetGatherer(d.registry)
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*task.SQLStore, error) {
	dsn := cfg.Store.DSN
	if cfg.Store.Driver == task.DriverSQLite && dsn == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(cfg.DataDir, "ads.db")
	}
	store, err := task.Open(ctx, cfg.Store.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return store, nil
}

func openBus(cfg *config.Config, logger *slog.Logger) (events.Bus, error) {
	subject := cfg.Events.Subject
	if subject == "" {
		subject = events.DefaultSubject
	}
	log := logger.With("component", "events")
	switch cfg.Events.Backend {
	case "redis":
		bus, err := events.NewRedisBus(cfg.Events.URL, subject, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "nats":
		bus, err := events.NewNATSBus(cfg.Events.URL, subject, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return events.NewMemoryBus(cfg.Events.History), nil
	}
}

func buildProviders(agents []config.AgentConfig) (map[agent.Kind]provider.Provider, error) {
	out := make(map[agent.Kind]provider.Provider, len(agents))
	for _, ac := range agents {
		var p provider.Provider
		switch ac.Provider {
		case "anthropic":
			p = provider.NewAnthropicProvider(provider.AnthropicConfig{
				APIKey: ac.APIKey, Model: ac.Model, BaseURL: ac.BaseURL, MaxTokens: ac.MaxTokens,
			})
		case "openai":
			p = provider.NewOpenAIProvider(provider.OpenAIConfig{
				APIKey: ac.APIKey, Model: ac.Model, BaseURL: ac.BaseURL, MaxTokens: ac.MaxTokens,
			})
		case "gemini":
			p = provider.NewGeminiProvider(provider.GeminiConfig{
				APIKey: ac.APIKey, Model: ac.Model, BaseURL: ac.BaseURL, MaxTokens: ac.MaxTokens,
			})
		case "mock":
			p = mock.New()
		default:
			return nil, fmt.Errorf("agent %s: unknown provider %q", ac.Kind, ac.Provider)
		}
		out[agent.Kind(ac.Kind)] = p
	}
	return out, nil
}

// start brings up the queue when enabled. The HTTP server is started by
// the caller.
func (d *daemon) start(ctx context.Context) error {
	if !d.cfg.Queue.Enabled {
		d.logger.Info("queue disabled by config")
		return nil
	}
	return d.queue.Start(ctx)
}

// shutdown stops accepting requests, drains the queue and releases storage.
func (d *daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := d.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop queue: %w", err))
	}
	if err := d.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *daemon) close() error {
	var errs []error
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
