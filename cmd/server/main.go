package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"chronicle/internal/audit/alert"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/enricher"
	"chronicle/internal/audit/service"
	"chronicle/internal/audit/store"
	"chronicle/internal/audit/store/memory"
	"chronicle/internal/audit/store/postgres"
	"chronicle/internal/audit/store/segment"
	"chronicle/internal/audit/stream"
	"chronicle/internal/platform/config"
	"chronicle/internal/platform/httpserver"
	"chronicle/internal/platform/logger"
	"chronicle/internal/platform/metrics"
	platformredis "chronicle/internal/platform/redis"
	httptransport "chronicle/internal/transport/http"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps
// the server lifecycle small. Business logic lives in the audit packages.
func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var signer *chain.Signer
	if cfg.SigningSeed != "" {
		signer, err = chain.NewSigner(cfg.SigningSeed, cfg.SigningKeyID)
		if err != nil {
			log.Error("invalid signing key", "error", err)
			os.Exit(1)
		}
	}
	verifier := chain.NewVerifier(signer, !cfg.ChainDisabled)

	backend, err := openBackend(ctx, cfg, signer, verifier, log)
	if err != nil {
		log.Error("open backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}

	var window alert.Window
	redisClient, err := platformredis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		window = alert.NewRedisWindow(redisClient, cfg.AlertWindow)
		log.Info("alert windows backed by redis")
	} else {
		window = alert.NewMemoryWindow(cfg.AlertWindow)
	}
	thresholds := alert.DefaultThresholds()
	thresholds.Window = cfg.AlertWindow
	evaluator := alert.New(thresholds, window, log)

	m := metrics.New()

	chainOpts := []chain.Option{}
	if signer != nil {
		chainOpts = append(chainOpts, chain.WithSigner(signer))
	}
	if cfg.ChainDisabled {
		chainOpts = append(chainOpts, chain.WithoutLinking())
		log.Warn("hash chaining disabled, tamper evidence is reduced to per-event hashes")
	}

	svcOpts := []service.Option{
		service.WithEvaluator(evaluator),
		service.WithMetrics(m),
	}
	if len(cfg.KafkaBrokers) > 0 {
		announcer, err := stream.New(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		svcOpts = append(svcOpts, service.WithAnnouncer(announcer))
	}
	if cfg.ArchiveAfter > 0 {
		svcOpts = append(svcOpts, service.WithBackgroundArchiver(cfg.ArchiveAfter, cfg.ArchiveInterval))
	}

	enr := enricher.New(cfg.Source, cfg.Component, log)
	svc, err := service.New(ctx, backend, enr, cfg.BufferSize, cfg.FlushInterval, log, chainOpts, svcOpts...)
	if err != nil {
		log.Error("build audit service", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("pipeline stopped", "error", err)
		}
	}()

	handler := httptransport.NewHandler(svc, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	log.Info("starting chronicle",
		"addr", cfg.Addr,
		"backend", cfg.Backend,
		"signing", signer != nil,
		"linking", !cfg.ChainDisabled,
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error("pipeline shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func openBackend(ctx context.Context, cfg config.Config, signer *chain.Signer, verifier *chain.Verifier, log *slog.Logger) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return postgres.Open(ctx, db, verifier, log)
	case config.BackendMemory:
		return memory.New(verifier), nil
	default:
		return segment.Open(cfg.DataDir, log, segment.Options{
			Signer:   signer,
			Verifier: verifier,
		})
	}
}
