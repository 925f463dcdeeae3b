package main

import (
	"context"
	"fmt"
	"time"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/auth"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/config"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
	"github.com/whytehoux-projecty/LAS/internal/telemetry"
)

// clientEnv is the minimal wiring the one-shot subcommands need: config,
// the credential store, and an authenticated client. No stream, no poll.
type clientEnv struct {
	cfg     config.Config
	db      *persistence.Store
	tokens  *auth.TokenStore
	session *auth.Session
	client  *api.Client

	closers []func()
}

func newClientEnv(ctx context.Context) (*clientEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	env := &clientEnv{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	env.closers = append(env.closers, func() { _ = closer.Close() })

	db, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		env.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.db = db
	env.closers = append(env.closers, func() { _ = db.Close() })

	eventBus := bus.New()
	env.closers = append(env.closers, eventBus.Close)

	env.tokens = auth.NewTokenStore(db)
	env.session = auth.NewSession(eventBus)
	if _, ok, _ := env.tokens.Get(ctx); ok {
		env.session.MarkAuthenticated()
	}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	env.client = api.New(api.Config{
		BaseURL: cfg.DaemonURL,
		Tokens:  env.tokens,
		Session: env.session,
		Logger:  logger,
		Timeout: timeout,
	})
	return env, nil
}

func (e *clientEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}
