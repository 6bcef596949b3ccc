package persist_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/persist"
	"github.com/iama-platform/orchestrator-core/internal/testutil"
)

func TestApplyPatch_IdempotentOnRetry(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	ownerID := uuid.New()
	jobID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: ownerID, Status: "REFACTORING", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()
	in := persist.ApplyPatchInput{
		JobID: jobID.String(), UserID: ownerID.String(),
		AttemptNumber: 1, Phase: 1, ModelClass: "iama-router-l1", Outcome: "APPLIED",
	}

	require.NoError(t, acts.ApplyPatch(ctx, in))
	// A second call with the same (job_id, attempt_number) -- simulating an
	// activity retry -- must not create a second patch_attempts row nor a
	// second usage_ledger row.
	require.NoError(t, acts.ApplyPatch(ctx, in))

	var patchCount int64
	require.NoError(t, tx.Model(&types.PatchAttempt{}).
		Where("job_id = ? AND attempt_number = ?", jobID, 1).
		Count(&patchCount).Error)
	require.EqualValues(t, 1, patchCount)

	var usageCount int64
	require.NoError(t, tx.Model(&types.UsageLedgerEntry{}).
		Where("job_id = ?", jobID).
		Count(&usageCount).Error)
	require.EqualValues(t, 1, usageCount)
}

func TestRunTests_IdempotentOnRetry(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	jobID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: uuid.New(), Status: "BASELINE_VALIDATION", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()
	fp := "sig-A"
	in := persist.RunTestsInput{
		JobID: jobID.String(), AttemptNumber: 0, Phase: 1, RunType: "BASELINE",
		ExecutionMode: "AUTO",
		Outcome:       &persist.TestOutcome{Passed: true, FailurePatternFingerprint: &fp},
	}

	out1, err := acts.RunTests(ctx, in)
	require.NoError(t, err)
	require.True(t, out1.Passed)

	out2, err := acts.RunTests(ctx, in)
	require.NoError(t, err)
	require.Equal(t, out1.TestRunID, out2.TestRunID)

	var count int64
	require.NoError(t, tx.Model(&types.TestRun{}).
		Where("job_id = ? AND attempt_number = ? AND run_type = ?", jobID, 0, "BASELINE").
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRunTests_RecordsTerminalStatus(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	jobID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: uuid.New(), Status: "REFACTORING", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()

	// No verdict supplied: the IDE-delegated run records as passed.
	out, err := acts.RunTests(ctx, persist.RunTestsInput{
		JobID: jobID.String(), AttemptNumber: 1, Phase: 1, RunType: "REPAIR", ExecutionMode: "AUTO",
	})
	require.NoError(t, err)
	require.True(t, out.Passed)

	var row types.TestRun
	require.NoError(t, tx.Where("job_id = ? AND attempt_number = ? AND run_type = ?", jobID, 1, "REPAIR").First(&row).Error)
	require.Equal(t, "PASSED", row.Status)
	require.NotNil(t, row.CompletedAt)

	// A failing verdict lands as FAILED and surfaces its fingerprint.
	fp := "sig-B"
	out, err = acts.RunTests(ctx, persist.RunTestsInput{
		JobID: jobID.String(), AttemptNumber: 2, Phase: 1, RunType: "REPAIR", ExecutionMode: "AUTO",
		Outcome: &persist.TestOutcome{Passed: false, FailurePatternFingerprint: &fp},
	})
	require.NoError(t, err)
	require.False(t, out.Passed)
	require.Equal(t, &fp, out.FailurePatternFingerprint)

	var failedRow types.TestRun
	require.NoError(t, tx.Where("job_id = ? AND attempt_number = ? AND run_type = ?", jobID, 2, "REPAIR").First(&failedRow).Error)
	require.Equal(t, "FAILED", failedRow.Status)
}

func TestRecordUsage_RequiresIdempotencyKeyForBillableEvents(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	jobID := uuid.New()
	userID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: userID, Status: "REFACTORING", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()
	// No idempotency key on a non-counter event: no-op, not an error.
	require.NoError(t, acts.RecordUsage(ctx, persist.RecordUsageInput{
		JobID: jobID.String(), UserID: userID.String(), EventType: "llm_call", Quantity: 1, Billable: true,
	}))

	var count int64
	require.NoError(t, tx.Model(&types.UsageLedgerEntry{}).Where("job_id = ?", jobID).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestWriteEntitlementSnapshot_DefaultsWhenNoSubscription(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	ownerID := uuid.New()
	jobID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: ownerID, Status: "PENDING", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()
	out, err := acts.WriteEntitlementSnapshot(ctx, persist.WriteEntitlementSnapshotInput{JobID: jobID.String()})
	require.NoError(t, err)
	require.Equal(t, "FREE", out.Tier)
	require.Equal(t, 128000, out.ContextCap)
	require.False(t, out.WebGithubEnabled)

	// Conflict-ignore on job_id: a second call must not duplicate the row.
	_, err = acts.WriteEntitlementSnapshot(ctx, persist.WriteEntitlementSnapshotInput{JobID: jobID.String()})
	require.NoError(t, err)

	var count int64
	require.NoError(t, tx.Model(&types.EntitlementSnapshot{}).Where("job_id = ?", jobID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestWriteAuditEvent_UpdatesJobStatusOnStateChange(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	acts := &persist.Activities{Log: testutil.Logger(t), DB: tx}

	jobID := uuid.New()
	require.NoError(t, tx.Create(&types.RefactorJob{
		ID: jobID, OwnerID: uuid.New(), Status: "PENDING", ExecutionMode: "AUTO",
	}).Error)

	ctx := context.Background()
	old := "PENDING"
	newState := "ANALYZING"
	require.NoError(t, acts.WriteAuditEvent(ctx, persist.WriteAuditEventInput{
		JobID: jobID.String(), EventType: "job.state_change", OldState: &old, NewState: &newState,
	}))

	var job types.RefactorJob
	require.NoError(t, tx.Where("id = ?", jobID).First(&job).Error)
	require.Equal(t, "ANALYZING", job.Status)
	require.WithinDuration(t, time.Now(), job.UpdatedAt, 5*time.Second)
}
