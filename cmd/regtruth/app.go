package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/regtruth/regtruth/pkg/breaker"
	"github.com/regtruth/regtruth/pkg/config"
	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

// app bundles the shared infrastructure every subcommand needs: the
// database, the durable queue, the KV store, and the breaker registry.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    *store.Store
	queue    *queue.SQL
	kv       kv.Store
	breakers *breaker.Registry
	logger   *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	q := queue.NewSQL(db)
	if err := q.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	// Redis backs breaker state and fetch validators; an in-memory
	// store keeps single-shot commands working without one.
	var kvs kv.Store
	redis := kv.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err := redis.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, using in-memory kv", "addr", cfg.RedisAddr, "error", err)
		kvs = kv.NewMemoryStore()
	} else {
		kvs = redis
	}

	return &app{
		cfg:      cfg,
		db:       db,
		store:    st,
		queue:    q,
		kv:       kvs,
		breakers: breaker.NewRegistry(kvs, logger),
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// extractClient is the chat client for the extraction-side agents.
func (a *app) extractClient() *llm.OllamaClient {
	e := a.cfg.Extract
	return llm.NewOllamaClient(e.Endpoint, e.Model, e.APIKey)
}

// runner builds the schema-validated LLM runner shared by the agents.
func (a *app) runner() *llm.Runner {
	return llm.NewRunner(a.extractClient(), a.cfg.AIProvider, llm.DefaultPrompts(),
		a.breakers, a.store.AgentRuns, a.logger)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
