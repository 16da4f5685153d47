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

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/agent-gateway/internal/admission"
	"github.com/animus-labs/agent-gateway/internal/automation"
	"github.com/animus-labs/agent-gateway/internal/execution"
	"github.com/animus-labs/agent-gateway/internal/metrics"
	"github.com/animus-labs/agent-gateway/internal/platform/httpserver"
	"github.com/animus-labs/agent-gateway/internal/platform/objectstore"
	"github.com/animus-labs/agent-gateway/internal/platform/postgres"
	"github.com/animus-labs/agent-gateway/internal/registry"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
	"github.com/animus-labs/agent-gateway/internal/storage/results"
)

const service = "agent-gateway"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid env", "error", err)
		os.Exit(2)
	}
	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := execution.DefaultCatalog()
	if cfg.AgentsConfig != "" {
		catalog, err = execution.LoadCatalog(cfg.AgentsConfig)
		if err != nil {
			logger.Error("invalid agent catalog", "path", cfg.AgentsConfig, "error", err)
			os.Exit(2)
		}
	}

	reg := registry.New(registry.Options{Retention: cfg.Retention, Logger: logger})
	go reg.Sweep(ctx, cfg.RetentionSweep)

	controller, err := admission.NewController(admission.Config{
		Capacity:      cfg.MaxConcurrent,
		MaxQueueDepth: cfg.MaxQueueDepth,
	})
	if err != nil {
		logger.Error("invalid admission config", "error", err)
		os.Exit(2)
	}

	promReg := prom.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := metrics.NewExporter(metrics.DefaultNamespace, promReg, metrics.ExporterOptions{
		Stats: controller.Stats,
	})
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	var checks []httpserver.ReadinessCheck

	opts := runs.Options{
		Registry:          reg,
		Admission:         controller,
		Catalog:           catalog,
		Logger:            logger,
		Metrics:           exporter,
		CancelGrace:       cfg.CancelGrace,
		ResultInlineLimit: cfg.ResultInlineLimit,
	}

	storeCfg, storeEnabled, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid result store config", "error", err)
		os.Exit(2)
	}
	if storeEnabled {
		objects, err := results.NewMinioStore(storeCfg)
		if err != nil {
			logger.Error("result store init failed", "error", err)
			os.Exit(1)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = objectstore.EnsureBucket(bucketCtx, objects.Client(), storeCfg)
		cancel()
		if err != nil {
			logger.Error("result store unavailable", "bucket", storeCfg.Bucket, "error", err)
			os.Exit(1)
		}
		store, err := results.NewStore(objects)
		if err != nil {
			logger.Error("result store init failed", "error", err)
			os.Exit(1)
		}
		opts.Results = store
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "result_store",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, objects.Client(), objects.Bucket())
			},
		})
		logger.Info("result offload enabled", "endpoint", storeCfg.Endpoint, "bucket", storeCfg.Bucket)
	}

	svc, err := runs.New(opts)
	if err != nil {
		logger.Error("run service init failed", "error", err)
		os.Exit(1)
	}

	var automationStore automation.Store = automation.NewMemoryStore()
	dbCfg, dbEnabled, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	var db *sql.DB
	if dbEnabled {
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		pgStore, err := automation.NewPostgresStore(db)
		if err != nil {
			logger.Error("automation store init failed", "error", err)
			os.Exit(1)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Error("automation schema failed", "error", err)
			os.Exit(1)
		}
		automationStore = pgStore
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: postgres.Ping(db, 750*time.Millisecond),
		})
	}

	scheduler, err := automation.NewScheduler(automation.Options{
		Store:     automationStore,
		Submitter: svc,
		Logger:    logger,
		Metrics:   exporter,
	})
	if err != nil {
		logger.Error("automation scheduler init failed", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("automation scheduler start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
	newGatewayAPI(logger, svc, scheduler, cfg.MaxWait).register(mux)

	logger.Info("agent gateway configured",
		"max_concurrent", cfg.MaxConcurrent,
		"max_queue_depth", cfg.MaxQueueDepth,
		"agents", catalog.IDs(),
		"durable_automations", dbEnabled,
	)

	serverCfg := httpserver.Config{
		Service:         service,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownGrace,
		Drain: func(ctx context.Context) error {
			scheduler.Stop(ctx)
			return svc.Shutdown(ctx)
		},
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, service, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agent gateway stopped")
}
