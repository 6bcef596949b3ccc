// Package config centralizes the orchestration core's env-var
// configuration: plain struct, one Load() constructor, GetEnv/GetEnvAsInt
// for scalar lookups with a logged fallback.
package config

import (
	"time"

	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
	"github.com/iama-platform/orchestrator-core/internal/utils"
)

// Timeouts holds the authoritative per-activity/per-wait durations, each
// overridable via env so ops can tune without a redeploy.
type Timeouts struct {
	AssembleContext    time.Duration
	GenerateProposals  time.Duration
	ProposalsHeartbeat time.Duration
	GenerateTests      time.Duration
	TestsHeartbeat     time.Duration
	RunTests           time.Duration
	GeneratePatch      time.Duration
	PatchHeartbeat     time.Duration
	ApplyPatch         time.Duration
	WriteAuditEvent    time.Duration

	WaitProposal     time.Duration
	WaitSpec         time.Duration
	WaitIntervention time.Duration
	WaitEscalation   time.Duration
	WaitCommand      time.Duration
}

// Config is the orchestration core's full runtime configuration.
type Config struct {
	LogLevel string

	Timeouts Timeouts

	// MaxConcurrentActivities/MaxConcurrentWorkflowTasks are worker
	// defaults, not invariants.
	MaxConcurrentActivities    int
	MaxConcurrentWorkflowTasks int
}

// Load reads the env, applying the orchestration core's defaults.
func Load(log *logger.Logger) Config {
	return Config{
		LogLevel: utils.GetEnv("LOG_LEVEL", "info", log),
		Timeouts: Timeouts{
			AssembleContext:    durationMinutes("ORCH_TIMEOUT_ASSEMBLE_CONTEXT_MINUTES", 5, log),
			GenerateProposals:  durationMinutes("ORCH_TIMEOUT_GENERATE_PROPOSALS_MINUTES", 30, log),
			ProposalsHeartbeat: durationSeconds("ORCH_HEARTBEAT_GENERATE_PROPOSALS_SECONDS", 90, log),
			GenerateTests:      durationMinutes("ORCH_TIMEOUT_GENERATE_TESTS_MINUTES", 30, log),
			TestsHeartbeat:     durationSeconds("ORCH_HEARTBEAT_GENERATE_TESTS_SECONDS", 90, log),
			RunTests:           durationMinutes("ORCH_TIMEOUT_RUN_TESTS_MINUTES", 20, log),
			GeneratePatch:      durationMinutes("ORCH_TIMEOUT_GENERATE_PATCH_MINUTES", 30, log),
			PatchHeartbeat:     durationSeconds("ORCH_HEARTBEAT_GENERATE_PATCH_SECONDS", 90, log),
			ApplyPatch:         durationMinutes("ORCH_TIMEOUT_APPLY_PATCH_MINUTES", 10, log),
			WriteAuditEvent:    durationSeconds("ORCH_TIMEOUT_WRITE_AUDIT_EVENT_SECONDS", 10, log),

			WaitProposal:     durationHours("ORCH_WAIT_PROPOSAL_HOURS", 24, log),
			WaitSpec:         durationHours("ORCH_WAIT_SPEC_APPROVAL_HOURS", 24, log),
			WaitIntervention: durationMinutes("ORCH_WAIT_INTERVENTION_MINUTES", 30, log),
			WaitEscalation:   durationHours("ORCH_WAIT_ESCALATION_HOURS", 1, log),
			WaitCommand:      durationHours("ORCH_WAIT_COMMAND_HOURS", 4, log),
		},
		MaxConcurrentActivities:    utils.GetEnvAsInt("WORKER_MAX_CONCURRENT_ACTIVITIES", 10, log),
		MaxConcurrentWorkflowTasks: utils.GetEnvAsInt("WORKER_MAX_CONCURRENT_WORKFLOW_TASKS", 20, log),
	}
}

func durationMinutes(key string, def int, log *logger.Logger) time.Duration {
	return time.Duration(utils.GetEnvAsInt(key, def, log)) * time.Minute
}

func durationSeconds(key string, def int, log *logger.Logger) time.Duration {
	return time.Duration(utils.GetEnvAsInt(key, def, log)) * time.Second
}

func durationHours(key string, def int, log *logger.Logger) time.Duration {
	return time.Duration(utils.GetEnvAsInt(key, def, log)) * time.Hour
}
