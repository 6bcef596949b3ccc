package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/iama-platform/orchestrator-core/internal/domain/refactor"
)

func strPtr(s string) *string { return &s }

func fingerprintMetadataValue(fingerprint string) any {
	if fingerprint == "" {
		return nil
	}
	return fingerprint
}

// transition pairs a state mutation with an awaited write_audit_event
// call: the audit row must durably exist before any activity of the
// successor state is scheduled.
func transition(ctx workflow.Context, st *signalState, newState refactor.State, metadata map[string]any) error {
	job := &st.job
	old := string(job.State)
	job.State = newState

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.WriteAuditEvent,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	in := writeAuditEventInput{
		JobID:     job.JobID,
		EventType: "job.state_change",
		OldState:  strPtr(old),
		NewState:  strPtr(string(newState)),
		Surface:   "SYSTEM",
		Metadata:  metadata,
	}
	return workflow.ExecuteActivity(actx, ActivityWriteAuditEvent, in).Get(actx, nil)
}

// persistCounters writes the current attempt_count/identical_failure_count/
// last_fingerprint projection via record_usage's "counter_update" branch.
func persistCounters(ctx workflow.Context, job *refactor.Job) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.WriteAuditEvent,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	in := recordUsageInput{
		JobID:     job.JobID,
		UserID:    job.UserID,
		EventType: "counter_update",
		Metadata: map[string]any{
			"attempt_count":               job.AttemptCount,
			"identical_failure_count":     job.IdenticalFailureCount,
			"failure_pattern_fingerprint": fingerprintMetadataValue(job.LastFingerprint),
		},
	}
	return workflow.ExecuteActivity(actx, ActivityRecordUsage, in).Get(actx, nil)
}

// entitlementSnapshot invokes write_entitlement_snapshot. The snapshot
// must exist before ANALYZING is first entered, so the caller runs it while
// the job is still PENDING, before the ANALYZING transition is durably
// committed.
func entitlementSnapshot(ctx workflow.Context, job *refactor.Job) (writeEntitlementSnapshotOutput, error) {
	var out writeEntitlementSnapshotOutput
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.WriteAuditEvent,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := writeEntitlementSnapshotInput{JobID: job.JobID}
	err := workflow.ExecuteActivity(actx, ActivityWriteEntitlementSnapshot, in).Get(actx, &out)
	return out, err
}

// assembleContext invokes assemble_context: 5 min timeout, 3 retries,
// exponential backoff base 2.
func assembleContext(ctx workflow.Context, job *refactor.Job) (assembleContextOutput, error) {
	var out assembleContextOutput
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.AssembleContext,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			BackoffCoefficient: 2,
		},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := struct {
		JobID string `json:"job_id"`
	}{JobID: job.JobID}
	err := workflow.ExecuteActivity(actx, ActivityAssembleContext, in).Get(actx, &out)
	return out, err
}

// generateProposals invokes generate_proposals: L1, streaming, 30 min /
// 90 s heartbeat, no retry (a truncated stream is not safely retryable
// mid-token).
func generateProposals(ctx workflow.Context, job *refactor.Job, assembled assembleContextOutput) (generateProposalsOutput, error) {
	var out generateProposalsOutput
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.GenerateProposals,
		HeartbeatTimeout:    activeTimeouts.ProposalsHeartbeat,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := struct {
		JobID   string                `json:"job_id"`
		Context assembleContextOutput `json:"context"`
	}{JobID: job.JobID, Context: assembled}
	err := workflow.ExecuteActivity(actx, ActivityGenerateProposals, in).Get(actx, &out)
	return out, err
}

// generateTests invokes generate_tests: L2, streaming, 30 min / 90 s
// heartbeat, 3 retries.
func generateTests(ctx workflow.Context, job *refactor.Job, assembled assembleContextOutput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.GenerateTests,
		HeartbeatTimeout:    activeTimeouts.TestsHeartbeat,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := struct {
		JobID      string                `json:"job_id"`
		ProposalID string                `json:"proposal_id"`
		Context    assembleContextOutput `json:"context"`
	}{JobID: job.JobID, ProposalID: job.ProposalSelected, Context: assembled}
	var out generateTestsOutput
	return workflow.ExecuteActivity(actx, ActivityGenerateTests, in).Get(actx, &out)
}

// runTests invokes run_tests: no retries, timeout and retry count supplied
// by the caller (baseline and repair both use activeTimeouts.RunTests with
// 1 attempt, but are parameterized so tests can exercise both).
func runTests(ctx workflow.Context, job *refactor.Job, in runTestsInput, timeout time.Duration, maxAttempts int32) (runTestsOutput, error) {
	var out runTestsOutput
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: maxAttempts},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	err := workflow.ExecuteActivity(actx, ActivityRunTests, in).Get(actx, &out)
	return out, err
}

// generatePatch invokes generate_patch: phase/tier-gated model selection,
// streaming, 30 min / 90 s heartbeat, no retry.
func generatePatch(ctx workflow.Context, job *refactor.Job, assembled assembleContextOutput) (generatePatchOutput, error) {
	var out generatePatchOutput
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.GeneratePatch,
		HeartbeatTimeout:    activeTimeouts.PatchHeartbeat,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := struct {
		JobID         string                `json:"job_id"`
		AttemptNumber int                   `json:"attempt_number"`
		Phase         int                   `json:"phase"`
		Tier          string                `json:"tier"`
		IsDeepFix     bool                  `json:"is_deep_fix"`
		Context       assembleContextOutput `json:"context"`
	}{
		JobID:         job.JobID,
		AttemptNumber: job.AttemptCount,
		Phase:         job.Phase,
		Tier:          string(job.Tier),
		IsDeepFix:     job.InterventionAction == refactor.InterventionDeepFix,
		Context:       assembled,
	}
	err := workflow.ExecuteActivity(actx, ActivityGeneratePatch, in).Get(actx, &out)
	return out, err
}

// applyPatch invokes apply_patch: 10 min, 2 retries. Phase and ModelClass
// come from the patch-generation result, threading the effective phase
// through rather than hard-coding L1/phase 1.
func applyPatch(ctx workflow.Context, job *refactor.Job, patch generatePatchOutput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.ApplyPatch,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	in := applyPatchInput{
		JobID:         job.JobID,
		UserID:        job.UserID,
		AttemptNumber: job.AttemptCount,
		Phase:         patch.EffectivePhase,
		ModelClass:    patch.ModelClass,
		Outcome:       "APPLIED",
	}
	return workflow.ExecuteActivity(actx, ActivityApplyPatch, in).Get(actx, nil)
}
