package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/commute-matching/internal/config"
	httpapi "github.com/example/commute-matching/internal/http"
	"github.com/example/commute-matching/internal/ingest"
	"github.com/example/commute-matching/internal/logging"
	"github.com/example/commute-matching/internal/matcher"
	"github.com/example/commute-matching/internal/profiles"
	"github.com/example/commute-matching/internal/storage"
)

// registry is the selected participant store plus its lifecycle hooks.
type registry struct {
	store profiles.Store
	ping  func(ctx context.Context) error
	close func() error
}

// openRegistry picks PostgreSQL when a DSN is configured, else Redis when an
// address is configured, else an in-process store.
func openRegistry(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (registry, error) {
	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return registry{}, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return registry{}, err
			}
			logger.Info("migrations applied")
		}
		logger.Info("using postgres registry")
		return registry{store: ps, ping: ps.Ping, close: ps.Close}, nil
	case cfg.RedisAddr != "":
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return registry{}, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("using redis registry", "addr", cfg.RedisAddr)
		return registry{store: rs, ping: rs.Ping, close: rs.Close}, nil
	default:
		logger.Warn("no registry configured, participants are kept in memory")
		return registry{store: storage.NewMemoryStore(), close: func() error { return nil }}, nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	ctx := cmd.Context()

	reg, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.close() }()

	engine := matcher.New(cfg.MatcherConfig(), reg.store, logger)

	var (
		publisher profiles.Publisher
		producer  *ingest.KafkaProducer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}
	svc := profiles.NewService(reg.store, engine, publisher, cfg.InstanceID, logger)

	g, gctx := errgroup.WithContext(ctx)

	// follow other instances before warming so no change falls in between
	if producer != nil {
		reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, "commute-matching-"+svc.Instance())
		consumer := ingest.NewConsumer(reader, svc, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	n, err := svc.Warm(gctx)
	if err != nil {
		return fmt.Errorf("warm index: %w", err)
	}
	logger.Info("index warmed", "participants", n, "instance", svc.Instance())

	api := httpapi.NewServer(httpapi.Options{
		Matcher:   engine,
		Profiles:  svc,
		Ready:     reg.ping,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("commute-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required for migrate")
	}
	logger := logging.NewLogger(cfg.LogLevel)
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close() }()
	if err := ps.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
