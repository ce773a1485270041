package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"call-evidence/internal/audit"
	"call-evidence/internal/auth"
	"call-evidence/internal/compliance"
	"call-evidence/internal/config"
	"call-evidence/internal/evidence"
	"call-evidence/internal/httpapi"
	"call-evidence/pkg/logger"
	"call-evidence/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := evidence.NewMetrics(registry)
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}

	// Evidence pipeline: one ArtifactStore implementation chosen here.
	recorder := evidence.NewRecorder(
		evidence.NewPostgresRecordRepo(db),
		audit.NewService(audit.NewPostgresRepo(db)),
		cfg.Export.BookkeepingTimeout,
		metrics,
	)
	exporter := evidence.NewExporter(
		compliance.NewGate(compliance.NewPostgresPolicy(db)),
		evidence.NewAggregator(evidence.NewPostgresStore(db), cfg.Export.FetchConcurrency, metrics),
		recorder,
		metrics,
	)
	handlers := httpapi.Handlers{
		Exporter: exporter,
		Limiter:  utils.NewConcurrencyCap(rdb, "evidence:exports", cfg.Export.OrgConcurrency, cfg.Export.CapTTL),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, registry, func(c *gin.Context) error {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		return errors.Join(utils.HealthCheck(ctx, db, time.Second), rdb.Ping(ctx).Err())
	})
	registerProtectedRoutes(r, auth.RequireAccessToken(verifier), handlers)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Export summaries and audit entries still in flight.
	if err := recorder.Wait(shutdownCtx); err != nil {
		log.Warn("export bookkeeping did not drain", "err", err)
	}
}
