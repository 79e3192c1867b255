package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ketobot/ketobot-stack/bot/internal/config"
	"github.com/ketobot/ketobot-stack/bot/internal/ingest"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/bot/internal/server"
	"github.com/ketobot/ketobot-stack/common/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrations := flag.String("migrations", "file://migrations", "golang-migrate source URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("webhook"))
	logging.SetDefault(logger)

	slog.Info("Starting webhook service",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)
	if cfg.Telegram.WebhookSecret == "" {
		slog.Warn("telegram.webhook_secret is empty, webhook requests are not authenticated")
	}

	ctx := context.Background()
	pg := cfg.Database.Postgres

	slog.Info("Connecting to PostgreSQL",
		slog.String("host", pg.Host),
		slog.Int("port", pg.Port),
		slog.String("database", pg.Database),
	)
	repo, err := repository.NewPostgresRepository(ctx, pg.ConnString(), pg.MaxConns)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", logging.Error(err))
		os.Exit(1)
	}
	defer repo.Close()

	version, dirty, err := repository.Migrate(*migrations, pg.ConnString())
	if err != nil {
		slog.Error("Database migration failed", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("Database migration complete",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	rdb, err := queue.Connect(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
	if err != nil {
		slog.Error("Failed to connect to Redis", logging.Error(err))
		os.Exit(1)
	}
	defer rdb.Close()

	svc := ingest.NewService(repo, queue.New(rdb), logger)
	handler := ingest.NewWebhookHandler(svc, cfg.Telegram.WebhookSecret, logger)

	redisPing := server.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	router := server.NewRouter(handler, "webhook", map[string]server.Pinger{
		"postgres": repo,
		"redis":    redisPing,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Webhook service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
		os.Exit(1)
	}

	slog.Info("Server stopped gracefully")
}
