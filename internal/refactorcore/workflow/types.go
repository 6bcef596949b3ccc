package workflow

// Activity and signal/query names, registered by name so this package never
// imports the persist/llmwork implementation packages directly -- the
// workflow performs no I/O itself, it only schedules activities by name.
const (
	WorkflowName       = "refactor_job"
	RevertWorkflowName = "refactor_job_revert"

	ActivityWriteAuditEvent          = "write_audit_event"
	ActivityRecordUsage              = "record_usage"
	ActivityWriteEntitlementSnapshot = "write_entitlement_snapshot"
	ActivityApplyPatch               = "apply_patch"
	ActivityRunTests                 = "run_tests"

	ActivityAssembleContext   = "assemble_context"
	ActivityGenerateProposals = "generate_proposals"
	ActivityConvertNLToSpec   = "convert_nl_to_spec"
	ActivityGenerateTests     = "generate_tests"
	ActivityGeneratePatch     = "generate_patch"

	SignalProposalSelected           = "proposalSelected"
	SignalSpecApproved               = "specApproved"
	SignalInterventionAction         = "interventionAction"
	SignalSpecUpdatedDuringExecution = "specUpdatedDuringExecution"
	SignalHeartbeatReceived          = "heartbeatReceived"
	SignalNLConvertRequested         = "nlConvertRequested"

	QueryCurrentState = "currentState"
)

// JobInput is RefactorJobWorkflow's sole run argument.
type JobInput struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	Tier          string `json:"tier"`
	ExecutionMode string `json:"execution_mode"`
}

// ProposalSelectedPayload is the proposalSelected signal's payload.
type ProposalSelectedPayload struct {
	ProposalID string `json:"proposalId"`
}

// InterventionActionPayload is the interventionAction signal's payload.
type InterventionActionPayload struct {
	Action string `json:"action"`
}

// RevertInput is RevertWorkflow's sole run argument.
type RevertInput struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

// RevertOutput is RevertWorkflow's result.
type RevertOutput struct {
	JobID    string `json:"job_id"`
	Reverted bool   `json:"reverted"`
}

// writeAuditEventInput mirrors persist.WriteAuditEventInput's wire shape
// without importing the persist package (name-based activity dispatch).
type writeAuditEventInput struct {
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	OldState  *string        `json:"old_state,omitempty"`
	NewState  *string        `json:"new_state,omitempty"`
	Surface   string         `json:"surface,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// recordUsageInput mirrors persist.RecordUsageInput's wire shape.
type recordUsageInput struct {
	JobID          string         `json:"job_id"`
	UserID         string         `json:"user_id"`
	EventType      string         `json:"event_type"`
	Quantity       float64        `json:"quantity"`
	Billable       bool           `json:"billable"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// writeEntitlementSnapshotInput mirrors persist.WriteEntitlementSnapshotInput.
type writeEntitlementSnapshotInput struct {
	JobID string `json:"job_id"`
}

// writeEntitlementSnapshotOutput mirrors persist.WriteEntitlementSnapshotOutput.
type writeEntitlementSnapshotOutput struct {
	Tier             string `json:"tier"`
	OperatingMode    string `json:"operating_mode"`
	ContextCap       int    `json:"context_cap"`
	WebGithubEnabled bool   `json:"web_github_enabled"`
}

// applyPatchInput mirrors persist.ApplyPatchInput.
type applyPatchInput struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	AttemptNumber int    `json:"attempt_number"`
	Phase         int    `json:"phase"`
	ModelClass    string `json:"model_class"`
	Outcome       string `json:"outcome"`
}

// runTestsInput mirrors persist.RunTestsInput. The workflow never supplies a
// verdict -- the activity's delegation to the IDE extension owns that -- so
// the outcome field is simply absent from this mirror.
type runTestsInput struct {
	JobID         string `json:"job_id"`
	AttemptNumber int    `json:"attempt_number"`
	Phase         int    `json:"phase"`
	RunType       string `json:"run_type"`
	ExecutionMode string `json:"execution_mode"`
}

// runTestsOutput mirrors persist.RunTestsOutput.
type runTestsOutput struct {
	Passed                    bool    `json:"passed"`
	TestRunID                 string  `json:"test_run_id"`
	FailurePatternFingerprint *string `json:"failure_pattern_fingerprint,omitempty"`
}

// assembleContextOutput mirrors llmwork.AssembleContextOutput.
type assembleContextOutput struct {
	FileCount    int      `json:"file_count"`
	TotalTokens  int      `json:"total_tokens"`
	ASTScore     int      `json:"ast_score"`
	BaselineMode string   `json:"baseline_mode"`
	TargetFiles  []string `json:"target_files"`
}

// generateProposalsOutput mirrors llmwork.ProposalsOutput (trimmed to what
// the workflow actually inspects).
type generateProposalsOutput struct {
	Proposals []proposal `json:"proposals"`
}

type proposal struct {
	ProposalID string `json:"proposal_id"`
}

// generatePatchOutput mirrors llmwork.GeneratePatchOutput (trimmed).
type generatePatchOutput struct {
	ModelClass     string `json:"model_class"`
	EffectivePhase int    `json:"effective_phase"`
}

// generateTestsOutput mirrors llmwork.GenerateTestsOutput (trimmed -- the
// workflow doesn't inspect the test files themselves).
type generateTestsOutput struct{}
