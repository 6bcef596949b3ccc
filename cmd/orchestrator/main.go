// Command orchestrator runs the durable refactor-job orchestration core: a
// Temporal worker hosting RefactorJobWorkflow/RevertWorkflow and their
// activities. There is no HTTP server here -- job submission, signal
// delivery, and result streaming live in the intake service; this process
// only polls a task queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iama-platform/orchestrator-core/internal/data/db"
	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
	"github.com/iama-platform/orchestrator-core/internal/observability"
	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/config"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/workerhost"
	"github.com/iama-platform/orchestrator-core/internal/temporalx"
	"github.com/iama-platform/orchestrator-core/internal/utils"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Load(log)

	ctxInit := context.Background()
	shutdownOTel := observability.Init(ctxInit, log, observability.Config{
		ServiceName: "iama-orchestrator",
		Environment: utils.GetEnv("DEPLOY_ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})
	defer func() {
		if err := shutdownOTel(ctxInit); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	postgres, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("failed to connect to postgres", "error", err)
	}
	if err := postgres.AutoMigrateAll(); err != nil {
		log.Fatal("failed to auto-migrate", "error", err)
	}

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Fatal("failed to connect to temporal", "error", err)
	}
	if tc == nil {
		log.Fatal("TEMPORAL_ADDRESS is required to run the orchestration worker")
	}
	defer tc.Close()

	llm, err := llmgateway.NewClient(log)
	if err != nil {
		log.Fatal("failed to initialize llm gateway client", "error", err)
	}

	runner, err := workerhost.NewRunner(log, tc, postgres.DB(), llm, cfg)
	if err != nil {
		log.Fatal("failed to initialize worker host", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		log.Fatal("worker failed to start", "error", err)
	}

	log.Info("orchestration worker running", "task_queue", utils.GetEnv("TEMPORAL_TASK_QUEUE", "iama-orchestrator", log))
	<-ctx.Done()
	log.Info("shutting down orchestration worker")
}
