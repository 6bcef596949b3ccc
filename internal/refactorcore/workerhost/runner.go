// Package workerhost wires the orchestration core's workflow and activities
// onto a Temporal worker: a dial-with-backoff Start that retries
// worker.Start() against transient connection failures, optional namespace
// auto-registration, and context-driven graceful stop.
package workerhost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/config"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/llmwork"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/persist"
	refactorworkflow "github.com/iama-platform/orchestrator-core/internal/refactorcore/workflow"
	"github.com/iama-platform/orchestrator-core/internal/temporalx"
	"github.com/iama-platform/orchestrator-core/internal/utils"
)

// Runner starts and supervises the single worker polling the orchestration
// core's task queue.
type Runner struct {
	log *logger.Logger

	tc  temporalsdkclient.Client
	db  *gorm.DB
	llm *llmgateway.Client
	cfg config.Config
}

// NewRunner validates dependencies and sets the workflow package's process-
// wide timeout table from cfg, exactly once, before any worker starts.
func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, db *gorm.DB, llm *llmgateway.Client, cfg config.Config) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if db == nil || llm == nil {
		return nil, fmt.Errorf("worker host missing deps")
	}
	refactorworkflow.SetTimeouts(cfg.Timeouts)
	return &Runner{log: log, tc: tc, db: db, llm: llm, cfg: cfg}, nil
}

// Start builds and starts the worker, retrying transient connection
// failures with the same backoff shape the Temporal client dial uses.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}

	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("Starting orchestration worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	if utils.GetEnvAsBool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false, r.log) {
		baseCtx := ctx
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		if err := temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
			r.log.Warn("Temporal namespace ensure failed; worker will retry on start", "namespace", cfg.Namespace, "error", err)
		}
	}

	maxWait := time.Duration(utils.GetEnvAsInt("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60, r.log)) * time.Second
	backoff := time.Duration(utils.GetEnvAsInt("TEMPORAL_WORKER_START_BACKOFF_MS", 250, r.log)) * time.Millisecond
	backoffMax := time.Duration(utils.GetEnvAsInt("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000, r.log)) * time.Millisecond

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					w.Stop()
				}()
			}
			if r.log != nil {
				r.log.Info("Orchestration worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}

		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && utils.GetEnvAsBool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false, r.log) {
			baseCtx := ctx
			if baseCtx == nil {
				baseCtx = context.Background()
			}
			_ = temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log)
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			var nfe2 *serviceerror.NamespaceNotFound
			if errors.As(startErr, &nfe2) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		if r.log != nil {
			r.log.Warn("Orchestration worker failed to start; retrying", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		}

		sleep := clampBackoff(backoff, backoffMax, attempt)
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	maxActivities := r.cfg.MaxConcurrentActivities
	if maxActivities < 1 {
		maxActivities = 10
	}
	maxWorkflowTasks := r.cfg.MaxConcurrentWorkflowTasks
	if maxWorkflowTasks < 1 {
		maxWorkflowTasks = 20
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     maxActivities,
		MaxConcurrentWorkflowTaskExecutionSize: maxWorkflowTasks,
	})

	w.RegisterWorkflowWithOptions(refactorworkflow.RefactorJobWorkflow, workflow.RegisterOptions{Name: refactorworkflow.WorkflowName})
	w.RegisterWorkflowWithOptions(refactorworkflow.RevertWorkflow, workflow.RegisterOptions{Name: refactorworkflow.RevertWorkflowName})

	persistActs := &persist.Activities{Log: r.log, DB: r.db}
	w.RegisterActivityWithOptions(persistActs.WriteAuditEvent, activity.RegisterOptions{Name: refactorworkflow.ActivityWriteAuditEvent})
	w.RegisterActivityWithOptions(persistActs.RecordUsage, activity.RegisterOptions{Name: refactorworkflow.ActivityRecordUsage})
	w.RegisterActivityWithOptions(persistActs.WriteEntitlementSnapshot, activity.RegisterOptions{Name: refactorworkflow.ActivityWriteEntitlementSnapshot})
	w.RegisterActivityWithOptions(persistActs.ApplyPatch, activity.RegisterOptions{Name: refactorworkflow.ActivityApplyPatch})
	w.RegisterActivityWithOptions(persistActs.RunTests, activity.RegisterOptions{Name: refactorworkflow.ActivityRunTests})

	llmActs := &llmwork.Activities{Log: r.log, Gateway: r.llm, Limiter: llmwork.NewRateLimiter(2, 4)}
	w.RegisterActivityWithOptions(llmActs.AssembleContext, activity.RegisterOptions{Name: refactorworkflow.ActivityAssembleContext})
	w.RegisterActivityWithOptions(llmActs.GenerateProposals, activity.RegisterOptions{Name: refactorworkflow.ActivityGenerateProposals})
	w.RegisterActivityWithOptions(llmActs.ConvertNLToSpec, activity.RegisterOptions{Name: refactorworkflow.ActivityConvertNLToSpec})
	w.RegisterActivityWithOptions(llmActs.GenerateTests, activity.RegisterOptions{Name: refactorworkflow.ActivityGenerateTests})
	w.RegisterActivityWithOptions(llmActs.GeneratePatch, activity.RegisterOptions{Name: refactorworkflow.ActivityGeneratePatch})

	return w
}

func clampBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
