package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/qemplois/marketplace-server/internal/api"
	"github.com/qemplois/marketplace-server/internal/cache"
	"github.com/qemplois/marketplace-server/internal/config"
	"github.com/qemplois/marketplace-server/internal/licence"
	"github.com/qemplois/marketplace-server/internal/metrics"
	"github.com/qemplois/marketplace-server/internal/repository"
	"github.com/qemplois/marketplace-server/internal/retention"
	"github.com/qemplois/marketplace-server/internal/service"
	"github.com/qemplois/marketplace-server/internal/utils"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	logger := utils.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up database connection
	db, err := config.SetupDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("set up database: %w", err)
	}
	defer db.Close()
	repo := repository.NewPostgresRepository(db)

	rdb, err := cache.New(cfg.Redis.URL, logger)
	if err != nil {
		return fmt.Errorf("set up redis: %w", err)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup", "error", err)
	}
	links := cache.NewPlatformLinks(rdb, cfg.Auth.PlatformLinkTTL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promCollectors := metrics.NewCollectors(registry, "qemplois")

	forwarder := metrics.NewLogForwarder(metrics.ForwarderOptions{
		AxiomToken:    cfg.Forwarder.AxiomToken,
		AxiomDataset:  cfg.Forwarder.AxiomDataset,
		AxiomDomain:   cfg.Forwarder.AxiomDomain,
		DDAPIKey:      cfg.Forwarder.DDAPIKey,
		DDSite:        cfg.Forwarder.DDSite,
		DDService:     cfg.Forwarder.DDService,
		DDEnv:         cfg.Forwarder.DDEnv,
		BatchSize:     cfg.Forwarder.BatchSize,
		FlushInterval: cfg.Forwarder.FlushInterval,
		Collectors:    promCollectors,
		Logger:        logger.With("component", "forwarder"),
	})

	sinkOpts := []metrics.Option{metrics.WithCollectors(promCollectors)}
	if forwarder.Enabled() {
		sinkOpts = append(sinkOpts, metrics.WithForwarder(forwarder))
	}
	sink := metrics.NewSink(sinkOpts...)
	if doc, err := metrics.LoadDocument(cfg.Metrics.File); err != nil {
		logger.Warn("ignoring persisted metrics", "path", cfg.Metrics.File, "error", err)
	} else {
		sink.Restore(doc)
	}

	verifier := licence.NewVerifier(cfg.Licence, sink, logger)
	sweeper := retention.NewSweeper(repo, links, cfg.Retention.AuditHorizon(), logger)

	svc := service.NewDefaultService(repo, cfg.Auth, cfg.Retention, service.Dependencies{
		Links:       links,
		LinkTokens:  cache.NewLinkTokens(rdb),
		Revocations: cache.NewRevocations(rdb),
		Verifier:    verifier,
		Sweeper:     sweeper,
		Logger:      logger,
	})

	handler := api.NewHandler(svc, api.Options{
		Metrics:       sink,
		Collectors:    promCollectors,
		Gatherer:      registry,
		MetricsAPIKey: cfg.Metrics.APIKey,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Checks:        map[string]api.Pinger{"database": repo, "redis": rdb},
		Logger:        logger,
	})

	// Set up Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.SetupRoutes(router)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sink.RunPersister(gctx, cfg.Metrics.File, cfg.Metrics.PersistInterval, logger)
		return nil
	})
	if forwarder.Enabled() {
		g.Go(func() error {
			forwarder.Run(gctx)
			return nil
		})
	}
	if cfg.Retention.Schedule != "" {
		g.Go(func() error {
			return sweeper.Run(gctx, cfg.Retention.Schedule)
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
