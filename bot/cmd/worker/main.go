package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ketobot/ketobot-stack/bot/internal/cache"
	"github.com/ketobot/ketobot-stack/bot/internal/config"
	"github.com/ketobot/ketobot-stack/bot/internal/delivery"
	"github.com/ketobot/ketobot-stack/bot/internal/events"
	"github.com/ketobot/ketobot-stack/bot/internal/executor"
	"github.com/ketobot/ketobot-stack/bot/internal/lock"
	"github.com/ketobot/ketobot-stack/bot/internal/outbox"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
	"github.com/ketobot/ketobot-stack/bot/internal/recipes"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/bot/internal/safety"
	"github.com/ketobot/ketobot-stack/bot/internal/server"
	"github.com/ketobot/ketobot-stack/bot/internal/worker"
	"github.com/ketobot/ketobot-stack/common/logging"
	"github.com/ketobot/ketobot-stack/common/messaging"
	natsclient "github.com/ketobot/ketobot-stack/common/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrations := flag.String("migrations", "file://migrations", "golang-migrate source URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tag := workerTag()
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("worker"), logging.Worker(tag))
	logging.SetDefault(logger)

	slog.Info("Starting worker service",
		slog.Int("consumers", cfg.Worker.Consumers),
		slog.Int64("llm_max_concurrency", cfg.LLM.MaxConcurrency),
		slog.String("llm_command", cfg.LLM.Command),
	)

	if cfg.Tracing.Enabled {
		tp, err := initTracer()
		if err != nil {
			slog.Error("Failed to initialize tracing", logging.Error(err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg := cfg.Database.Postgres
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

	// Lifecycle events and the dead-letter stream are optional. The
	// publisher must get an untyped nil client when NATS is off.
	var (
		bus         messaging.Publisher
		deadLetters outbox.DeadLetterSink
		js          *natsclient.JetStreamClient
	)
	if cfg.NATS.Enabled {
		js, err = natsclient.NewJetStreamClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          "ketobot-worker-" + tag,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       5 * time.Second,
		})
		if err != nil {
			slog.Error("Failed to connect to NATS", logging.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := js.Drain(); err != nil {
				js.Close()
			}
		}()

		dl, err := outbox.NewJetStreamDeadLetters(ctx, js)
		if err != nil {
			slog.Error("Failed to declare dead-letter stream", logging.Error(err))
			os.Exit(1)
		}
		bus = js.Client
		deadLetters = dl
		slog.Info("NATS enabled", slog.String("url", cfg.NATS.URL))
	} else {
		slog.Warn("NATS disabled, lifecycle events and dead letters are not published")
	}
	publisher := events.NewPublisher(bus, logger)

	classifier := safety.NewDefaultClassifier()
	if path := cfg.Safety.PatternsFile; path != "" {
		classifier, err = safety.LoadPatternClassifier(path)
		if err != nil {
			slog.Error("Failed to load safety patterns", logging.Error(err))
			os.Exit(1)
		}
	}

	catalog, err := recipes.NewOpenSearchCatalog(recipes.OpenSearchConfig{
		URL:      cfg.OpenSearch.URL,
		Username: cfg.OpenSearch.Username,
		Password: cfg.OpenSearch.Password,
		Insecure: cfg.OpenSearch.Insecure,
		Index:    cfg.OpenSearch.Index,
	})
	if err != nil {
		slog.Error("Failed to create recipe catalog", logging.Error(err))
		os.Exit(1)
	}
	engine := recipes.NewEngine(catalog, cache.New(rdb), recipes.EngineConfig{
		CacheTTL:   cfg.Recipes.CacheTTL,
		FetchLimit: cfg.Recipes.FetchLimit,
	}, logger)

	sender := delivery.NewTelegramSender(delivery.TelegramConfig{
		Token:     cfg.Telegram.BotToken,
		APIURL:    cfg.Telegram.APIURL,
		ParseMode: cfg.Telegram.ParseMode,
		Timeout:   cfg.Telegram.Timeout,
	}, logger)

	dispatcher := outbox.NewDispatcher(repo, sender, deadLetters, publisher, outbox.Config{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		ClaimLease:  cfg.Outbox.ClaimLease,
	}, logger)

	llm := executor.New(executor.Config{
		Command:        cfg.LLM.Command,
		Args:           cfg.LLM.Args,
		Timeout:        cfg.LLM.Timeout,
		MaxConcurrency: cfg.LLM.MaxConcurrency,
	}, logger)

	jobs := queue.New(rdb)
	processor := worker.NewProcessor(worker.Deps{
		Store:      repo,
		Queue:      jobs,
		Locker:     lock.New(rdb),
		Classifier: classifier,
		Recipes:    engine,
		Invoker:    llm,
		Sender:     sender,
		Outbox:     dispatcher,
		Events:     publisher,
	}, worker.Config{
		WorkerTag:    tag,
		LockTTL:      cfg.Worker.LockTTL,
		RequeueDelay: cfg.Worker.RequeueDelay,
		HistorySize:  cfg.Worker.HistorySize,
		SendTyping:   cfg.Telegram.SendTyping,
	}, logger)

	pool := worker.NewPool(jobs, processor, worker.PoolConfig{
		Consumers:      cfg.Worker.Consumers,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		ErrorBackoff:   cfg.Worker.ErrorBackoff,
	}, logger)

	deps := map[string]server.Pinger{
		"postgres":   repo,
		"redis":      server.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		"opensearch": catalog,
	}
	if js != nil {
		deps["nats"] = server.PingFunc(func(ctx context.Context) error {
			if status := messaging.CheckClientHealth(ctx, js.Client); !status.Connected {
				return errors.New(status.Error)
			}
			return nil
		})
	}
	probes := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           server.NewRouter(nil, "worker", deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Worker probes listening", slog.String("addr", probes.Addr))
		if err := probes.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Probe server error", logging.Error(err))
		}
	}()

	go dispatcher.Start(ctx)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("Shutting down worker", slog.String("signal", sig.String()))
	case err := <-poolDone:
		slog.Error("Worker pool exited", logging.Error(err))
		poolDone <- err
	}

	cancel()
	dispatcher.Stop()
	if err := <-poolDone; err != nil {
		slog.Error("Worker pool stopped with error", logging.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := probes.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Probe server forced to shutdown", logging.Error(err))
	}

	slog.Info("Worker stopped gracefully")
}

// initTracer exports spans to stdout.
func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func workerTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
