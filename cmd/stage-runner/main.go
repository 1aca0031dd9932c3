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

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/dispatch"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/stage"
	"pipeline-orchestrator/internal/strategy"
	httptransport "pipeline-orchestrator/internal/transport/http"
	"pipeline-orchestrator/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing("stage-runner", observability.TracingConfig{
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
		Insecure: cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	strategies, err := strategy.LoadFile(cfg.StrategyFile)
	if err != nil {
		log.Fatalf("strategies: %v", err)
	}

	failing := make(map[string]bool, len(cfg.FailingStrategies))
	for _, s := range cfg.FailingStrategies {
		failing[s] = true
	}
	runner := stage.NewRunner(&stage.Echo{Delay: cfg.EchoDelay, Failing: failing}, strategies)
	reporter := dispatch.NewHTTPReporter(cfg.CallbackURL, &http.Client{Timeout: 10 * time.Second})
	processor := worker.NewProcessor(runner, reporter)

	// Queue consumer, when the orchestrator dispatches through Redis
	if cfg.DispatchTransport == "queue" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()

		low, normal, high := dispatch.Lanes(cfg.QueueKey, cfg.ProcessingKey)
		queue := dispatch.NewRedisStageQueue(rdb, cfg.PayloadKey, cfg.ProcessingMapKey, low, normal, high)

		go worker.RunReaper(ctx, queue, cfg.ReaperInterval, 100)
		go worker.NewPool(queue, processor, cfg.Workers).Run(ctx)

		log.Printf("[stage-runner] config workers=%d redis_addr=%s queue_key=%s processing_key=%s",
			cfg.Workers, cfg.RedisAddr, cfg.QueueKey, cfg.ProcessingKey,
		)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.RunnerRoutes(httptransport.NewRunnerHandler(ctx, processor), observability.NewMetrics().Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[stage-runner] listening on %s callback_url=%s", cfg.HTTPAddr, cfg.CallbackURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[stage-runner] shutdown error: %v", err)
	}
	log.Println("stage-runner stopped")
}
