package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/iama-platform/orchestrator-core/internal/domain/refactor"
)

// Stub activity functions give the test environment a concrete Go signature
// to decode the workflow's JSON-tagged call arguments into; their bodies are
// never invoked because every call is intercepted by an OnActivity mock.

func stubWriteAuditEvent(ctx context.Context, in writeAuditEventInput) error { return nil }
func stubRecordUsage(ctx context.Context, in recordUsageInput) error         { return nil }
func stubWriteEntitlementSnapshot(ctx context.Context, in writeEntitlementSnapshotInput) (writeEntitlementSnapshotOutput, error) {
	return writeEntitlementSnapshotOutput{}, nil
}
func stubApplyPatch(ctx context.Context, in applyPatchInput) error { return nil }
func stubRunTests(ctx context.Context, in runTestsInput) (runTestsOutput, error) {
	return runTestsOutput{}, nil
}
func stubAssembleContext(ctx context.Context, in map[string]any) (assembleContextOutput, error) {
	return assembleContextOutput{}, nil
}
func stubGenerateProposals(ctx context.Context, in map[string]any) (generateProposalsOutput, error) {
	return generateProposalsOutput{}, nil
}
func stubGenerateTests(ctx context.Context, in map[string]any) (generateTestsOutput, error) {
	return generateTestsOutput{}, nil
}
func stubGeneratePatch(ctx context.Context, in map[string]any) (generatePatchOutput, error) {
	return generatePatchOutput{}, nil
}

type workflowFixture struct {
	suite *testsuite.WorkflowTestSuite
	env   *testsuite.TestWorkflowEnvironment
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.RegisterActivityWithOptions(stubWriteAuditEvent, activity.RegisterOptions{Name: ActivityWriteAuditEvent})
	env.RegisterActivityWithOptions(stubRecordUsage, activity.RegisterOptions{Name: ActivityRecordUsage})
	env.RegisterActivityWithOptions(stubWriteEntitlementSnapshot, activity.RegisterOptions{Name: ActivityWriteEntitlementSnapshot})
	env.RegisterActivityWithOptions(stubApplyPatch, activity.RegisterOptions{Name: ActivityApplyPatch})
	env.RegisterActivityWithOptions(stubRunTests, activity.RegisterOptions{Name: ActivityRunTests})
	env.RegisterActivityWithOptions(stubAssembleContext, activity.RegisterOptions{Name: ActivityAssembleContext})
	env.RegisterActivityWithOptions(stubGenerateProposals, activity.RegisterOptions{Name: ActivityGenerateProposals})
	env.RegisterActivityWithOptions(stubGenerateTests, activity.RegisterOptions{Name: ActivityGenerateTests})
	env.RegisterActivityWithOptions(stubGeneratePatch, activity.RegisterOptions{Name: ActivityGeneratePatch})

	env.OnActivity(stubWriteAuditEvent, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(stubRecordUsage, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(stubWriteEntitlementSnapshot, mock.Anything, mock.Anything).
		Return(writeEntitlementSnapshotOutput{Tier: "FREE", OperatingMode: "SIMPLE", ContextCap: 128000}, nil)
	env.OnActivity(stubApplyPatch, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(stubAssembleContext, mock.Anything, mock.Anything).
		Return(assembleContextOutput{FileCount: 10, TotalTokens: 4000, ASTScore: 55, BaselineMode: "AST_SYMBOLIC"}, nil)
	env.OnActivity(stubGenerateTests, mock.Anything, mock.Anything).Return(generateTestsOutput{}, nil)

	// generate_proposals and generate_patch are deliberately NOT mocked here:
	// testify satisfies the first matching expectation with remaining
	// repeatability, so a fixture-level catch-all would shadow the per-test
	// .Once().After(...) mocks the mid-flight scenarios depend on.

	return &workflowFixture{suite: suite, env: env}
}

func (fx *workflowFixture) mockProposals() {
	fx.env.OnActivity(stubGenerateProposals, mock.Anything, mock.Anything).
		Return(generateProposalsOutput{Proposals: []proposal{{ProposalID: "p1"}}}, nil)
}

func (fx *workflowFixture) mockPatches() {
	fx.env.OnActivity(stubGeneratePatch, mock.Anything, mock.Anything).
		Return(generatePatchOutput{ModelClass: "iama-router-l1", EffectivePhase: 1}, nil)
}

func fp(s string) *string { return &s }

func TestRefactorJobWorkflow_S1HappyPath(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env
	fx.mockProposals()
	fx.mockPatches()

	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: true, TestRunID: "baseline-1"}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: true, TestRunID: "repair-1"}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProposalSelected, ProposalSelectedPayload{ProposalID: "p1"})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 2*time.Minute)

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-1", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	requireState(t, env, refactor.StateDelivered)
}

func requireState(t *testing.T, env *testsuite.TestWorkflowEnvironment, want refactor.State) {
	t.Helper()
	state, err := env.QueryWorkflow(QueryCurrentState)
	require.NoError(t, err)
	var stateName string
	require.NoError(t, state.Get(&stateName))
	require.Equal(t, string(want), stateName)
}

func TestRefactorJobWorkflow_S3InterventionDeepFix(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env
	fx.mockProposals()

	// Record the is_deep_fix flag each generate_patch call actually receives:
	// the DEEP_FIX action is consumed at dispatch, so no later attempt may see
	// it set.
	var deepFixFlags []bool
	env.OnActivity(stubGeneratePatch, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in, _ := args.Get(1).(map[string]any)
			flag, _ := in["is_deep_fix"].(bool)
			deepFixFlags = append(deepFixFlags, flag)
		}).
		Return(generatePatchOutput{ModelClass: "iama-router-l1", EffectivePhase: 1}, nil)

	baseline := runTestsOutput{Passed: true, TestRunID: "baseline-1"}
	failing := runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F")}

	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(baseline, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(failing, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(failing, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(failing, nil).Once()
	// After DEEP_FIX resets the counters, one more failure with a fresh
	// fingerprint keeps the loop going before the final pass, so the flag
	// capture above covers more than the single post-dispatch attempt.
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("G")}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: true, TestRunID: "repair-final"}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProposalSelected, ProposalSelectedPayload{ProposalID: "p1"})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 2*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalInterventionAction, InterventionActionPayload{Action: string(refactor.InterventionDeepFix)})
	}, 10*time.Minute)

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-3", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	requireState(t, env, refactor.StateDelivered)

	// Three phase-1 attempts, then two phase-2 attempts after DEEP_FIX; the
	// consumed action must not leak is_deep_fix into any of them.
	require.Equal(t, []bool{false, false, false, false, false}, deepFixFlags)
}

func TestRefactorJobWorkflow_S5InterventionTimeout(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env
	fx.mockProposals()
	fx.mockPatches()

	baseline := runTestsOutput{Passed: true, TestRunID: "baseline-1"}
	failing := runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F")}

	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(baseline, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(failing, nil).Times(3)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProposalSelected, ProposalSelectedPayload{ProposalID: "p1"})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 2*time.Minute)
	// No interventionAction signal ever arrives: WAITING_INTERVENTION times
	// out after activeTimeouts.WaitIntervention (30 min).

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-5", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	requireState(t, env, refactor.StateFailed)
}

func TestRefactorJobWorkflow_S2Escalation(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env
	fx.mockProposals()
	fx.mockPatches()

	baseline := runTestsOutput{Passed: true, TestRunID: "baseline-1"}
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).Return(baseline, nil).Once()

	// Phase 1: three distinct-fingerprint failures (no identical-failure
	// accumulation, so phase exhausts its 3-attempt cap instead of hitting
	// WAITING_INTERVENTION).
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F1")}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F2")}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F3")}, nil).Once()
	// Phase 2: two distinct-fingerprint failures.
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F4")}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F5")}, nil).Once()
	// Phase 3: one failure, then RECOVERY_PENDING -> FALLBACK_REQUIRED.
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: false, FailurePatternFingerprint: fp("F6")}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProposalSelected, ProposalSelectedPayload{ProposalID: "p1"})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 2*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalInterventionAction, InterventionActionPayload{Action: string(refactor.InterventionEscalate)})
	}, 10*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalInterventionAction, InterventionActionPayload{Action: string(refactor.InterventionEscalate)})
	}, 20*time.Minute)

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-2", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	requireState(t, env, refactor.StateFallbackRequired)
}

// S4: a specUpdatedDuringExecution signal lands while the first generatePatch
// call is still in flight (simulated with .After to hold the mocked call open
// across the signal delivery). The repair loop must discard the in-flight
// patch, reset counters, re-enter WAITING_SPEC_APPROVAL, and resume at
// AttemptCount 1 once spec approval is re-granted.
func TestRefactorJobWorkflow_S4SpecUpdateMidGeneratePatch(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env
	fx.mockProposals()

	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: true, TestRunID: "baseline-1"}, nil).Once()
	env.OnActivity(stubRunTests, mock.Anything, mock.Anything).
		Return(runTestsOutput{Passed: true, TestRunID: "repair-1"}, nil).Once()

	env.OnActivity(stubGeneratePatch, mock.Anything, mock.Anything).
		Return(generatePatchOutput{ModelClass: "iama-router-l1", EffectivePhase: 1}, nil).
		Once().After(5 * time.Minute)
	env.OnActivity(stubGeneratePatch, mock.Anything, mock.Anything).
		Return(generatePatchOutput{ModelClass: "iama-router-l1", EffectivePhase: 1}, nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalProposalSelected, ProposalSelectedPayload{ProposalID: "p1"})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 2*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecUpdatedDuringExecution, nil)
	}, 4*time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalSpecApproved, nil)
	}, 10*time.Minute)

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-4", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	requireState(t, env, refactor.StateDelivered)
}

// S6: platform cancellation arrives while generateProposals is still
// streaming (held open with .After). RefactorJobWorkflow must surface a
// canceled error and still durably land on FAILED via its best-effort
// terminal audit write on a disconnected context.
func TestRefactorJobWorkflow_S6PlatformCancellation(t *testing.T) {
	fx := newWorkflowFixture(t)
	env := fx.env

	env.OnActivity(stubGenerateProposals, mock.Anything, mock.Anything).
		Return(generateProposalsOutput{Proposals: []proposal{{ProposalID: "p1"}}}, nil).
		Once().After(10 * time.Minute)

	env.RegisterDelayedCallback(func() {
		env.CancelWorkflow()
	}, time.Minute)

	env.ExecuteWorkflow(RefactorJobWorkflow, JobInput{JobID: "job-6", UserID: "user-1", Tier: "FREE", ExecutionMode: "AUTO"})

	require.True(t, env.IsWorkflowCompleted())
	runErr := env.GetWorkflowError()
	require.Error(t, runErr)
	require.True(t, temporal.IsCanceledError(runErr))
	requireState(t, env, refactor.StateFailed)
}
