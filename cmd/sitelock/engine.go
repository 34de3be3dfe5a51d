package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/daimoniac/sitelock/internal/cache"
	"github.com/daimoniac/sitelock/internal/config"
	"github.com/daimoniac/sitelock/internal/directory"
	"github.com/daimoniac/sitelock/internal/guard"
	"github.com/daimoniac/sitelock/internal/kvstore"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/verifier"
)

// engine is the persistent state every command works against.
type engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  kvstore.Store
	cache  *cache.LocalCache
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (kvstore.Store, error) {
	switch cfg.Store.Type {
	case "sqlite":
		store, err := kvstore.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return store, nil
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	logger.Debug("initializing store", "type", cfg.Store.Type)
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(ctx, store, logger)
	if err != nil {
		closeStore(store, logger)
		return nil, fmt.Errorf("failed to load local cache: %w", err)
	}

	return &engine{cfg: cfg, logger: logger, store: store, cache: c}, nil
}

func (e *engine) Close() {
	closeStore(e.store, e.logger)
}

func closeStore(store kvstore.Store, logger *slog.Logger) {
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("error closing store",
				"error", err.Error())
		}
	}
}

func (e *engine) newGuard() (*guard.Guard, error) {
	scope, err := guard.NewScope(e.cfg.Guard.ScopeExpression, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile scope expression: %w", err)
	}
	e.logger.Debug("navigation scope compiled", "expression", scope.Expression())
	return guard.New(e.cache, nil, scope, e.cfg.Guard.BlockPageURL, e.logger), nil
}

func (e *engine) newDirectory() (*directory.HTTPClient, error) {
	if err := e.cfg.RequireDirectory(); err != nil {
		return nil, err
	}
	client, err := directory.NewClient(e.cfg.Directory.URL, e.cfg.Directory.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize directory client: %w", err)
	}
	return client, nil
}

func (e *engine) newReconciler() (*reconciler.Reconciler, *directory.HTTPClient, error) {
	client, err := e.newDirectory()
	if err != nil {
		return nil, nil, err
	}
	return reconciler.New(e.cache, client, e.logger,
		reconciler.WithFetchTimeout(e.cfg.Directory.Timeout)), client, nil
}

func (e *engine) newVerifier() (verifier.Verifier, error) {
	if e.cfg.Verifier.Mode == config.VerifierBcrypt {
		v, err := verifier.NewBcryptVerifier(e.cfg.Verifier.PINHash)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bcrypt verifier: %w", err)
		}
		return v, nil
	}

	v, err := verifier.NewRemoteVerifier(e.cfg.Verifier.URL, e.cache, e.cfg.Verifier.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize remote verifier: %w", err)
	}
	return v, nil
}
