// Package app assembles the daemon: config, logging, the session pool, the
// bulk dispatcher, and the chatbot router, with one lifecycle for all of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"msgfleet/internal/answer"
	"msgfleet/internal/chatbot"
	"msgfleet/internal/config"
	"msgfleet/internal/dispatch"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/pool"
	"msgfleet/internal/qa"
	"msgfleet/internal/roles"
	"msgfleet/internal/runtime/supervisor"
	"msgfleet/internal/storage"
	"msgfleet/internal/transport"
	"msgfleet/internal/transport/telegram"
	"msgfleet/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	store   storage.Store // nil when the delivery log is disabled
	qaStore qa.Store      // nil when no QA database is configured
	reg     *roles.Registry

	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	engine     *answer.EmbedEngine
	router     *chatbot.Router

	sup          *supervisor.Supervisor
	readyTimeout time.Duration
}

// New loads the config file and builds every component. Nothing is running
// yet; Start brings the daemon up.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{cfgMgr: mgr, logs: logs, log: log, bus: eventbus.New()}

	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	var err error

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open delivery log: %w", err)
	}

	if strings.TrimSpace(cfg.QA.Path) != "" {
		a.qaStore, err = qa.Open(cfg.QA.Path, a.log.With(logx.String("svc", "qa")))
		if err != nil {
			return fmt.Errorf("open qa store: %w", err)
		}
	}

	poolSessions := cfg.Pool.Sessions
	if poolSessions <= 0 {
		poolSessions = 4
	}
	a.reg, err = roles.Open(cfg.Roles.Path, poolSessions, a.log.With(logx.String("svc", "roles")))
	if err != nil {
		return fmt.Errorf("open role registry: %w", err)
	}

	factory, err := a.buildFactory(cfg)
	if err != nil {
		return err
	}

	retryDelay, err := config.ParseDurationOrDefault("pool.retry_delay", cfg.Pool.RetryDelay, 5*time.Second)
	if err != nil {
		return err
	}
	stagger, err := config.ParseDurationField("pool.startup_stagger", cfg.Pool.StartupStagger)
	if err != nil {
		return err
	}
	a.readyTimeout, err = config.ParseDurationOrDefault("pool.ready_timeout", cfg.Pool.ReadyTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.pool = pool.New(pool.Config{
		Sessions:       cfg.Pool.Sessions,
		MaxRetries:     cfg.Pool.MaxRetries,
		RetryDelay:     retryDelay,
		StartupStagger: stagger,
	}, factory, a.reg, a.bus, a.log.With(logx.String("svc", "pool")))

	a.dispatcher = dispatch.New(dispatch.Config{RatePerSec: cfg.Dispatch.RatePerSec},
		a.pool, a.store, a.bus, a.log.With(logx.String("svc", "dispatch")))

	if a.qaStore != nil && strings.TrimSpace(cfg.Answer.Model) != "" {
		embedder, err := answer.NewOpenAIEmbedder(answer.OpenAIConfig{
			APIKey:  cfg.Answer.APIKey,
			BaseURL: cfg.Answer.BaseURL,
			Model:   cfg.Answer.Model,
		})
		if err != nil {
			return err
		}
		a.engine = answer.NewEmbedEngine(answer.Config{
			Threshold:   cfg.Chatbot.MinConfidence,
			Fallback:    cfg.Answer.Fallback,
			RefreshCron: cfg.Answer.RefreshCron,
		}, a.qaStore, embedder, a.log.With(logx.String("svc", "answer")))
	}

	if a.engine != nil {
		chatCfg, err := chatbotConfig(cfg)
		if err != nil {
			return err
		}
		a.router = chatbot.New(chatCfg, a.pool, a.engine, a.bus,
			a.log.With(logx.String("svc", "chatbot")))
	}
	return nil
}

func (a *App) buildFactory(cfg *config.Config) (transport.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		timeout, err := config.ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.NewFactory(telegram.Config{
			Tokens:      cfg.Transport.Telegram.Tokens,
			PollTimeout: timeout,
		}, a.log.With(logx.String("svc", "telegram")))
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

func chatbotConfig(cfg *config.Config) (chatbot.Config, error) {
	freshness, err := config.ParseDurationField("chatbot.freshness_window", cfg.Chatbot.FreshnessWindow)
	if err != nil {
		return chatbot.Config{}, err
	}
	hold, err := config.ParseDurationField("chatbot.hold_window", cfg.Chatbot.HoldWindow)
	if err != nil {
		return chatbot.Config{}, err
	}
	retry, err := config.ParseDurationField("chatbot.assign_retry", cfg.Chatbot.AssignRetry)
	if err != nil {
		return chatbot.Config{}, err
	}
	typing, err := config.ParseDurationOrDefault("chatbot.max_typing_delay", cfg.Chatbot.MaxTypingDelay, 10*time.Second)
	if err != nil {
		return chatbot.Config{}, err
	}
	return chatbot.Config{
		FreshnessWindow: freshness,
		HoldWindow:      hold,
		AssignRetry:     retry,
		MinConfidence:   cfg.Chatbot.MinConfidence,
		MaxTypingDelay:  typing,
		WaitText:        cfg.Chatbot.WaitText,
		HandoffText:     cfg.Chatbot.HandoffText,
	}, nil
}

// validate rejects configs that would fail later during build, so a bad
// reload never replaces a working config.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		if len(cfg.Transport.Telegram.Tokens) == 0 {
			return errors.New("transport.telegram.tokens is required")
		}
	default:
		return fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
	for path, raw := range map[string]string{
		"pool.retry_delay":                cfg.Pool.RetryDelay,
		"pool.startup_stagger":            cfg.Pool.StartupStagger,
		"pool.ready_timeout":              cfg.Pool.ReadyTimeout,
		"transport.telegram.poll_timeout": cfg.Transport.Telegram.PollTimeout,
		"chatbot.freshness_window":        cfg.Chatbot.FreshnessWindow,
		"chatbot.hold_window":             cfg.Chatbot.HoldWindow,
		"chatbot.assign_retry":            cfg.Chatbot.AssignRetry,
		"chatbot.max_typing_delay":        cfg.Chatbot.MaxTypingDelay,
		"storage.busy_timeout":            cfg.Storage.BusyTimeout,
	} {
		if _, err := config.ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	sessions := cfg.Pool.Sessions
	if sessions <= 0 {
		sessions = 4
	}
	if len(cfg.Transport.Telegram.Tokens) < sessions {
		return fmt.Errorf("transport.telegram.tokens: need %d tokens for %d sessions, have %d",
			sessions, sessions, len(cfg.Transport.Telegram.Tokens))
	}
	return nil
}

// Start brings the daemon up: session pool, config watcher, and the
// scheduled QA cache refresh. It returns once everything is spawned; use
// WaitReady to block for connected sessions.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.pool.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.engine != nil {
		if err := a.engine.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go("config-apply", a.applyLoop)

	a.log.Info("daemon started")
	return nil
}

// applyLoop re-applies runtime-adjustable config (logging sinks) after a
// successful reload. Structural changes (pool size, transport) need a
// restart.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// Stop tears the daemon down in dependency order: router first (it sends
// through the pool), then the engine, pool, background goroutines, stores.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.router != nil {
		if err := a.router.Stop(); err != nil && !errors.Is(err, chatbot.ErrNotActive) {
			errs = append(errs, err)
		}
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.qaStore != nil {
		if err := a.qaStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.log.Info("daemon stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// WaitReady blocks until at least min sessions connected, bounded by the
// configured ready timeout.
func (a *App) WaitReady(ctx context.Context, min int) error {
	return a.pool.WaitReady(ctx, min, a.readyTimeout)
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() eventbus.Bus { return a.bus }
