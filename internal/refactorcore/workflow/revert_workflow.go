package workflow

import (
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// RevertWorkflow is the trivial audit-only sibling of RefactorJobWorkflow:
// it writes one delivery.revert.started audit event and returns, performing
// no state mutation of its own.
func RevertWorkflow(ctx workflow.Context, in RevertInput) (RevertOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activeTimeouts.WriteAuditEvent,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	auditIn := writeAuditEventInput{
		JobID:     in.JobID,
		EventType: "delivery.revert.started",
		Surface:   "SYSTEM",
		Metadata:  map[string]any{"requested_by": in.UserID},
	}
	if err := workflow.ExecuteActivity(actx, ActivityWriteAuditEvent, auditIn).Get(actx, nil); err != nil {
		return RevertOutput{JobID: in.JobID, Reverted: false}, err
	}

	return RevertOutput{JobID: in.JobID, Reverted: true}, nil
}
