// @title Pipeline Orchestrator API
// @version 1.0
// @description Multi-stage generation jobs: submit, follow progress, edit stages, fetch the final package.
// @BasePath /
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "pipeline-orchestrator/docs"
	"pipeline-orchestrator/internal/artifact"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/deadline"
	"pipeline-orchestrator/internal/dispatch"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/orchestrator"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/repository/cached"
	"pipeline-orchestrator/internal/repository/memory"
	"pipeline-orchestrator/internal/repository/postgresql"
	"pipeline-orchestrator/internal/repository/sqlite"
	"pipeline-orchestrator/internal/service"
	"pipeline-orchestrator/internal/stage"
	"pipeline-orchestrator/internal/strategy"
	httptransport "pipeline-orchestrator/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("[orchestrator] config addr=%s store=%s progress=%s transport=%s postgres_dsn=%s fork_policy=%s stage_timeout=%s",
		cfg.HTTPAddr, cfg.StoreBackend, cfg.ProgressBackend, cfg.DispatchTransport,
		config.RedactDSN(cfg.PostgresDSN), cfg.ForkFailurePolicy, cfg.StageTimeout,
	)

	shutdownTracing, err := observability.InitTracing("pipeline-orchestrator", observability.TracingConfig{
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
		Insecure: cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	metrics := observability.NewMetrics()

	// Store
	var backend cached.Backend
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("pg: %v", err)
		}
		defer pool.Close()
		repo := postgresql.NewJobRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("pg schema: %v", err)
		}
		backend = repo
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		defer db.Close()
		backend = db
	default:
		backend = memory.NewStore()
	}
	store, err := cached.New(backend, cfg.RecordCacheSize)
	if err != nil {
		log.Fatalf("record cache: %v", err)
	}

	// Redis
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
	}

	var channel progress.Channel
	if cfg.ProgressBackend == "redis" {
		channel = progress.NewRedisChannel(rdb, cfg.ProgressPrefix)
	} else {
		channel = progress.NewMemoryChannel(256)
	}

	var deadlines orchestrator.DeadlineTracker = deadline.NewMemoryTracker()
	if rdb != nil {
		deadlines = deadline.NewRedisTracker(rdb, cfg.DeadlineKey)
	}

	strategies, err := strategy.LoadFile(cfg.StrategyFile)
	if err != nil {
		log.Fatalf("strategies: %v", err)
	}

	// Transport
	var (
		transport orchestrator.Transport
		local     *dispatch.LocalTransport
	)
	switch cfg.DispatchTransport {
	case "http":
		transport = dispatch.NewHTTPTransport(cfg.StageRunnerURL, &http.Client{Timeout: 10 * time.Second})
	case "queue":
		low, normal, high := dispatch.Lanes(cfg.QueueKey, cfg.ProcessingKey)
		transport = dispatch.NewQueueTransport(
			dispatch.NewRedisStageQueue(rdb, cfg.PayloadKey, cfg.ProcessingMapKey, low, normal, high),
		)
	default:
		failing := make(map[string]bool, len(cfg.FailingStrategies))
		for _, s := range cfg.FailingStrategies {
			failing[s] = true
		}
		local = dispatch.NewLocalTransport(stage.NewRunner(&stage.Echo{Delay: cfg.EchoDelay, Failing: failing}, strategies))
		transport = local
	}

	var exporter orchestrator.ArtifactExporter
	if cfg.MinIOEndpoint != "" {
		exp, err := artifact.NewMinIOExporter(artifact.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatalf("artifact exporter: %v", err)
		}
		exporter = exp
	}

	policy, err := orchestrator.ParseForkFailurePolicy(cfg.ForkFailurePolicy)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// DI
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Transport:  transport,
		Progress:   channel,
		Strategies: strategies,
		Deadlines:  deadlines,
		Exporter:   exporter,
		Metrics:    metrics,
	}, orchestrator.Config{
		StageTimeout:      cfg.StageTimeout,
		ForkFailurePolicy: policy,
		CallbackURL:       cfg.CallbackURL,
		IncludeSnapshots:  cfg.ProgressSnapshots,
		Sync: orchestrator.SyncConfig{
			Enabled:      cfg.SyncDispatch,
			PollInterval: cfg.SyncPollInterval,
			Timeout:      cfg.SyncTimeout,
		},
	})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	if local != nil {
		local.SetHandler(orch.HandleCompletion)
	}

	go orch.RunWatchdog(ctx, cfg.WatchdogInterval)

	jobSvc := service.NewJobService(orch, channel)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(httptransport.NewHandler(jobSvc), metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[orchestrator] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[orchestrator] shutdown error: %v", err)
	}
	if local != nil {
		local.Wait()
	}
	log.Println("orchestrator stopped")
}
