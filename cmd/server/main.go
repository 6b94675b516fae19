package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"docsync/internal/docstore/changefeed"
	"docsync/internal/docstore/gateway"
	"docsync/internal/httpapi"
	"docsync/internal/platform/config"
	"docsync/internal/platform/httpserver"
	"docsync/internal/platform/logger"
	"docsync/internal/platform/metrics"
	platformredis "docsync/internal/platform/redis"
	"docsync/internal/transport"
	"docsync/internal/transport/memory"
	"docsync/internal/transport/postgres"
	redistransport "docsync/internal/transport/redis"
	"docsync/internal/transport/resilient"
	"docsync/pkg/circuit"
)

// main wires the configured backend, the change feed, and the HTTP layer,
// and keeps the server lifecycle small. Document semantics live in the
// internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, cleanup, err := buildTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	feed, err := buildChangeFeed(ctx, cfg)
	if err != nil {
		return err
	}
	if feed != nil {
		defer feed.Close()
	}

	m := metrics.New()
	handler := httpapi.NewHandler(tr, log, m, asChangeFeed(feed))

	router := chi.NewRouter()
	handler.Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting docsync", "addr", cfg.Addr, "backend", string(cfg.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildTransport(ctx context.Context, cfg config.Server, log *slog.Logger) (transport.Transport, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := platformredis.New(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
		if client == nil {
			return nil, nil, errors.New("redis backend selected but REDIS_URL is empty")
		}
		store, err := redistransport.New(client.Client, log)
		if err != nil {
			return nil, nil, err
		}
		wrapped, err := resilient.New(store, circuit.New("redis"), log)
		if err != nil {
			return nil, nil, err
		}
		return wrapped, func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, nil, errors.New("postgres backend selected but POSTGRES_DSN is empty")
		}
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		store, err := postgres.New(db, cfg.Postgres.DSN, log)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		wrapped, err := resilient.New(store, circuit.New("postgres"), log)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return wrapped, func() { _ = db.Close() }, nil

	default:
		log.Warn("using in-memory backend, data will not survive a restart")
		return memory.NewStore(), func() {}, nil
	}
}

func buildChangeFeed(ctx context.Context, cfg config.Server) (*changefeed.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	if err := changefeed.EnsureTopic(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 3); err != nil {
		return nil, err
	}
	return changefeed.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

// asChangeFeed keeps a nil *Publisher from turning into a non-nil interface.
func asChangeFeed(p *changefeed.Publisher) gateway.ChangeFeed {
	if p == nil {
		return nil
	}
	return p
}
