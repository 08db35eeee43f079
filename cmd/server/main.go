// NeonForge relay server
//
// Features:
// - Streaming chat relay to an OpenAI-compatible gateway (SSE pass-through)
// - Per-user fixed-window rate limiting (in-process or Redis)
// - JWT auth, conversation history, project file trees, attachments
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neonforge/neonforge/internal/api"
	"github.com/neonforge/neonforge/internal/auth"
	"github.com/neonforge/neonforge/internal/config"
	"github.com/neonforge/neonforge/internal/history"
	"github.com/neonforge/neonforge/internal/logging"
	"github.com/neonforge/neonforge/internal/metrics"
	"github.com/neonforge/neonforge/internal/projects"
	"github.com/neonforge/neonforge/internal/ratelimit"
	"github.com/neonforge/neonforge/internal/relay"
	"github.com/neonforge/neonforge/internal/storage"
	"github.com/neonforge/neonforge/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("NeonForge relay starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	if err := migrate(ctx, db); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	// Auth
	authHandler := auth.New(db, cfg.JWTSecret, cfg.TokenTTL)
	if err := authHandler.EnsureDefaultAdmin(ctx); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	// Rate limiter. Redis makes the window counters shared across
	// instances; the in-process store is single-instance only.
	var limiterStore ratelimit.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logging.Fatal("redis connection failed", zap.Error(err))
		}
		defer rdb.Close()
		limiterStore = ratelimit.NewRedisStore(rdb)
		logging.Info("rate limiter using redis", zap.String("addr", cfg.RedisAddr))
	} else {
		limiterStore = ratelimit.NewMemoryStore()
		logging.Info("rate limiter using in-process store")
	}
	limiter := ratelimit.New(limiterStore, cfg.RateLimitMax, cfg.RateLimitWindow, logging.L())
	limiter.StartSweeper(ctx, 5*time.Minute)

	// Upstream gateway
	gateway := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamModel, logging.L())

	// Stores
	historyStore := history.NewStore(db)
	projectStore := projects.NewStore(db)

	backend, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	attachments := storage.NewAttachmentStore(db, backend)
	logging.Info("attachment storage initialized", zap.String("backend", backend.Type()))

	// Chat relay
	chat := relay.NewHandler(limiter, gateway, historyStore, relay.Options{
		MaxMessageChars: cfg.MaxMessageChars,
		IdleReadTimeout: cfg.IdleReadTimeout,
	}, logging.L())

	srv := api.NewServer(authHandler, chat, historyStore, projectStore, attachments)
	srv.SetMaxUpload(cfg.MaxUploadSize)

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat streams run for minutes.
	}

	// Periodic history cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := historyStore.CleanupOld(ctx, 90*24*time.Hour)
				if err != nil {
					logging.Error("history cleanup failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("history cleanup", zap.Int64("removed", n))
				}
			}
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// migrate creates the schema on first run. The service owns its tables;
// statements are idempotent so restarts are safe.
func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id SERIAL PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			tree JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id UUID PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			mime_type TEXT,
			size BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
