// Package workflow implements RefactorJobWorkflow, the durable state machine
// at the center of the orchestration core, and its sibling RevertWorkflow.
// Every activity is invoked by registered name so this package depends on
// nothing but go.temporal.io/sdk, the plain domain types in
// internal/domain/refactor, and the Timeouts struct of
// internal/refactorcore/config -- it performs no I/O itself.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/iama-platform/orchestrator-core/internal/domain/refactor"
	"github.com/iama-platform/orchestrator-core/internal/refactorcore/config"
)

// activeTimeouts holds the authoritative per-activity/per-wait durations.
// SetTimeouts lets the worker host override these from config.Load at
// startup; workflow code itself never reads env or any other
// nondeterministic source.
var activeTimeouts = config.Timeouts{
	AssembleContext:    5 * time.Minute,
	GenerateProposals:  30 * time.Minute,
	ProposalsHeartbeat: 90 * time.Second,
	GenerateTests:      30 * time.Minute,
	TestsHeartbeat:     90 * time.Second,
	RunTests:           20 * time.Minute,
	GeneratePatch:      30 * time.Minute,
	PatchHeartbeat:     90 * time.Second,
	ApplyPatch:         10 * time.Minute,
	WriteAuditEvent:    10 * time.Second,

	WaitProposal:     24 * time.Hour,
	WaitSpec:         24 * time.Hour,
	WaitIntervention: 30 * time.Minute,
	WaitEscalation:   1 * time.Hour,
	WaitCommand:      4 * time.Hour,
}

// SetTimeouts overrides the durations RefactorJobWorkflow uses. Call once
// during worker startup, before the worker begins polling -- never from
// inside a running workflow.
func SetTimeouts(t config.Timeouts) { activeTimeouts = t }

// signalState is the mutable slice of Job fields that signal handlers are
// allowed to touch; the background signal-drain coroutine below is the only
// writer besides the main workflow body, and both run cooperatively on the
// same single-threaded workflow scheduler, so no locking is needed.
type signalState struct {
	job refactor.Job
}

// RefactorJobWorkflow drives one refactor job from PENDING through the
// prologue and repair loop to a terminal state.
func RefactorJobWorkflow(ctx workflow.Context, in JobInput) error {
	st := &signalState{job: refactor.Job{
		JobID:         in.JobID,
		UserID:        in.UserID,
		Tier:          refactor.Tier(in.Tier),
		ExecutionMode: in.ExecutionMode,
		State:         refactor.StatePending,
		Phase:         1,
	}}

	if err := workflow.SetQueryHandler(ctx, QueryCurrentState, func() (string, error) {
		return string(st.job.State), nil
	}); err != nil {
		return fmt.Errorf("refactorcore: set query handler: %w", err)
	}

	startSignalDrain(ctx, st)

	runErr := runJob(ctx, st)
	if runErr == nil {
		return nil
	}

	reason := "USER_CANCELLED"
	if !temporal.IsCanceledError(runErr) && ctx.Err() == nil {
		reason = truncatedErrorString(runErr, 200)
	}
	// Best-effort terminal audit write; the original error is what the
	// platform ultimately records regardless of whether this succeeds.
	_ = transition(disconnectedCtx(ctx), st, refactor.StateFailed, map[string]any{"reason": reason})
	return runErr
}

// startSignalDrain launches the background coroutine that drains every
// signal channel into st.job, mutating fields only and never awaiting. It
// runs cooperatively alongside the main workflow body on Temporal's
// single-threaded scheduler, so plain field writes are safe.
func startSignalDrain(ctx workflow.Context, st *signalState) {
	proposalCh := workflow.GetSignalChannel(ctx, SignalProposalSelected)
	specApprovedCh := workflow.GetSignalChannel(ctx, SignalSpecApproved)
	interventionCh := workflow.GetSignalChannel(ctx, SignalInterventionAction)
	specUpdatedCh := workflow.GetSignalChannel(ctx, SignalSpecUpdatedDuringExecution)
	heartbeatCh := workflow.GetSignalChannel(ctx, SignalHeartbeatReceived)
	nlConvertCh := workflow.GetSignalChannel(ctx, SignalNLConvertRequested)

	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			sel := workflow.NewSelector(gctx)
			sel.AddReceive(proposalCh, func(c workflow.ReceiveChannel, more bool) {
				var p ProposalSelectedPayload
				c.Receive(gctx, &p)
				st.job.ProposalSelected = p.ProposalID
			})
			sel.AddReceive(specApprovedCh, func(c workflow.ReceiveChannel, more bool) {
				var v any
				c.Receive(gctx, &v)
				st.job.SpecApproved = true
			})
			sel.AddReceive(interventionCh, func(c workflow.ReceiveChannel, more bool) {
				var p InterventionActionPayload
				c.Receive(gctx, &p)
				st.job.InterventionAction = refactor.InterventionAction(p.Action)
			})
			sel.AddReceive(specUpdatedCh, func(c workflow.ReceiveChannel, more bool) {
				var v any
				c.Receive(gctx, &v)
				st.job.SpecUpdated = true
			})
			sel.AddReceive(heartbeatCh, func(c workflow.ReceiveChannel, more bool) {
				var v any
				c.Receive(gctx, &v)
				st.job.HeartbeatReceived = true
			})
			sel.AddReceive(nlConvertCh, func(c workflow.ReceiveChannel, more bool) {
				var v any
				c.Receive(gctx, &v)
				st.job.NLConvertRequested = v
			})
			sel.Select(gctx)
		}
	})
}

// runJob implements the prologue and the patch/apply/test repair loop.
func runJob(ctx workflow.Context, st *signalState) error {
	job := &st.job

	if _, err := entitlementSnapshot(ctx, job); err != nil {
		return err
	}
	if err := transition(ctx, st, refactor.StateAnalyzing, nil); err != nil {
		return err
	}
	assembled, err := assembleContext(ctx, job)
	if err != nil {
		return err
	}

	if err := transition(ctx, st, refactor.StateWaitingStrategy, nil); err != nil {
		return err
	}
	if _, err := generateProposals(ctx, job, assembled); err != nil {
		return err
	}
	if err := awaitSignal(ctx, func() bool { return job.ProposalSelected != "" }, activeTimeouts.WaitProposal); err != nil {
		return fmt.Errorf("refactorcore: awaiting proposalSelected: %w", err)
	}

	for {
		if err := transition(ctx, st, refactor.StateWaitingSpecApproval, nil); err != nil {
			return err
		}
		job.SpecApproved = false
		if err := awaitSignal(ctx, func() bool { return job.SpecApproved }, activeTimeouts.WaitSpec); err != nil {
			return fmt.Errorf("refactorcore: awaiting specApproved: %w", err)
		}

		if err := transition(ctx, st, refactor.StateGeneratingTests, nil); err != nil {
			return err
		}
		if err := generateTests(ctx, job, assembled); err != nil {
			return err
		}

		if err := transition(ctx, st, refactor.StateBaselineValidation, nil); err != nil {
			return err
		}
		baselineOut, err := runTests(ctx, job, runTestsInput{
			JobID:         job.JobID,
			AttemptNumber: 0,
			Phase:         job.Phase,
			RunType:       string(refactor.RunTypeBaseline),
			ExecutionMode: job.ExecutionMode,
		}, activeTimeouts.RunTests, 1)
		if err != nil {
			return err
		}
		if baselineOut.Passed {
			break
		}

		if err := transition(ctx, st, refactor.StateBaselineValidationFailed, nil); err != nil {
			return err
		}
		resetCounters(job)
		if err := persistCounters(ctx, job); err != nil {
			return err
		}
	}

	if err := transition(ctx, st, refactor.StateRefactoring, nil); err != nil {
		return err
	}

	for {
		job.AttemptCount++
		job.SpecUpdated = false

		patchOut, err := generatePatch(ctx, job, assembled)
		if err != nil {
			return err
		}

		if job.SpecUpdated {
			resetCounters(job)
			if err := persistCounters(ctx, job); err != nil {
				return err
			}
			if err := transition(ctx, st, refactor.StateWaitingSpecApproval, nil); err != nil {
				return err
			}
			job.SpecApproved = false
			if err := awaitSignal(ctx, func() bool { return job.SpecApproved }, activeTimeouts.WaitSpec); err != nil {
				return fmt.Errorf("refactorcore: awaiting specApproved after spec update: %w", err)
			}
			if err := transition(ctx, st, refactor.StateRefactoring, nil); err != nil {
				return err
			}
			continue
		}

		if err := applyPatch(ctx, job, patchOut); err != nil {
			return err
		}

		repairOut, err := runTests(ctx, job, runTestsInput{
			JobID:         job.JobID,
			AttemptNumber: job.AttemptCount,
			Phase:         job.Phase,
			RunType:       string(refactor.RunTypeRepair),
			ExecutionMode: job.ExecutionMode,
		}, activeTimeouts.RunTests, 1)
		if err != nil {
			return err
		}

		if repairOut.Passed {
			return transition(ctx, st, refactor.StateDelivered, nil)
		}

		fingerprint := ""
		if repairOut.FailurePatternFingerprint != nil {
			fingerprint = *repairOut.FailurePatternFingerprint
		}
		if fingerprint != "" && fingerprint == job.LastFingerprint {
			job.IdenticalFailureCount++
		} else {
			job.IdenticalFailureCount = 1
			job.LastFingerprint = fingerprint
		}
		if err := persistCounters(ctx, job); err != nil {
			return err
		}

		if job.IdenticalFailureCount >= 3 {
			done, err := dispatchIntervention(ctx, st)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if job.AttemptCount >= refactor.CapForPhase(job.Phase) {
			done, err := dispatchEscalation(ctx, st)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if err := transition(ctx, st, refactor.StateSelfHealing, nil); err != nil {
			return err
		}
	}
}

// dispatchIntervention handles the identical-failure intervention wait and
// the DEEP_FIX/CONTINUE/COMMAND dispatch. Returns (true, nil) when the
// workflow has reached a terminal return inside this call.
func dispatchIntervention(ctx workflow.Context, st *signalState) (bool, error) {
	job := &st.job

	if err := transition(ctx, st, refactor.StateWaitingIntervention, nil); err != nil {
		return false, err
	}
	job.InterventionAction = refactor.InterventionNone
	if err := awaitSignal(ctx, func() bool { return job.InterventionAction != refactor.InterventionNone }, activeTimeouts.WaitIntervention); err != nil {
		if !errors.Is(err, errAwaitTimeout) {
			return false, err
		}
		if err := transition(ctx, st, refactor.StateFailed, map[string]any{"reason": "INTERVENTION_TIMEOUT"}); err != nil {
			return false, err
		}
		return true, nil
	}

	// Consume the action on read: leaving it set would leak is_deep_fix into
	// every later generate_patch call, not just the one this dispatch gates.
	action := job.InterventionAction
	job.InterventionAction = refactor.InterventionNone

	switch action {
	case refactor.InterventionDeepFix:
		if err := transition(ctx, st, refactor.StateDeepFixActive, nil); err != nil {
			return false, err
		}
		resetCounters(job)
		if err := persistCounters(ctx, job); err != nil {
			return false, err
		}
		if job.Phase < 3 {
			job.Phase++
		}
		if err := transition(ctx, st, refactor.StateSelfHealing, nil); err != nil {
			return false, err
		}
		return false, nil
	case refactor.InterventionContinue:
		if err := transition(ctx, st, refactor.StateSelfHealing, nil); err != nil {
			return false, err
		}
		return false, nil
	case refactor.InterventionCommand:
		if err := transition(ctx, st, refactor.StateUserIntervening, nil); err != nil {
			return false, err
		}
		if err := awaitSignal(ctx, func() bool { return job.InterventionAction == refactor.InterventionTestsPassed }, activeTimeouts.WaitCommand); err != nil {
			return false, err
		}
		return true, transition(ctx, st, refactor.StateDelivered, nil)
	default:
		// Unrecognized action: treat like CONTINUE rather than stall.
		if err := transition(ctx, st, refactor.StateSelfHealing, nil); err != nil {
			return false, err
		}
		return false, nil
	}
}

// dispatchEscalation handles phase-cap exhaustion: escalation confirmation
// below phase 3, fallback handoff at phase 3. Returns (true, nil) when the
// workflow has reached a terminal return inside this call.
func dispatchEscalation(ctx workflow.Context, st *signalState) (bool, error) {
	job := &st.job

	if job.Phase == 3 {
		if err := transition(ctx, st, refactor.StateRecoveryPending, nil); err != nil {
			return false, err
		}
		return true, transition(ctx, st, refactor.StateFallbackRequired, nil)
	}

	if err := transition(ctx, st, refactor.StateWaitingEscalationDecision, nil); err != nil {
		return false, err
	}
	job.InterventionAction = refactor.InterventionNone
	if err := awaitSignal(ctx, func() bool { return job.InterventionAction != refactor.InterventionNone }, activeTimeouts.WaitEscalation); err != nil {
		if !errors.Is(err, errAwaitTimeout) {
			return false, err
		}
		return true, transition(ctx, st, refactor.StateFailed, map[string]any{"reason": "ESCALATION_CONFIRMATION_TIMEOUT"})
	}

	action := job.InterventionAction
	job.InterventionAction = refactor.InterventionNone

	switch action {
	case refactor.InterventionEscalate:
		job.Phase++
		job.AttemptCount = 0
		if err := persistCounters(ctx, job); err != nil {
			return false, err
		}
		return false, transition(ctx, st, refactor.StateSelfHealing, nil)
	default:
		// CANCEL, or anything else: declining to escalate past phase
		// exhaustion has no resumable path, so it lands as terminal FAILED,
		// equivalent to an escalation-confirmation timeout.
		return true, transition(ctx, st, refactor.StateFailed, map[string]any{"reason": "ESCALATION_CONFIRMATION_TIMEOUT"})
	}
}

func resetCounters(job *refactor.Job) {
	job.AttemptCount = 0
	job.IdenticalFailureCount = 0
	job.LastFingerprint = ""
}

// errAwaitTimeout marks a signal wait that ran out its timer, as opposed to
// one interrupted by workflow cancellation; the intervention/escalation
// dispatchers branch on this to pick INTERVENTION_TIMEOUT /
// ESCALATION_CONFIRMATION_TIMEOUT over USER_CANCELLED.
var errAwaitTimeout = errors.New("refactorcore: timed out waiting for signal")

// awaitSignal blocks until predicate() is true or timeout elapses.
func awaitSignal(ctx workflow.Context, predicate func() bool, timeout time.Duration) error {
	if predicate() {
		return nil
	}
	ok, err := workflow.AwaitWithTimeout(ctx, timeout, predicate)
	if err != nil {
		return err
	}
	if !ok {
		return errAwaitTimeout
	}
	return nil
}

// truncatedErrorString caps an error's message at n characters for the
// failure_reason column.
func truncatedErrorString(err error, n int) string {
	s := err.Error()
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// disconnectedCtx detaches a new disconnected context from ctx so the
// terminal audit write can still run after the workflow's own context has
// been cancelled.
func disconnectedCtx(ctx workflow.Context) workflow.Context {
	newCtx, _ := workflow.NewDisconnectedContext(ctx)
	return newCtx
}
