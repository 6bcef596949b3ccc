// Package llmwork implements the five streaming-cancellable LLM activities:
// context assembly, strategy proposal, NL-to-spec preview,
// test generation, and patch generation. Everything but assemble_context
// opens a chat-completions stream through internal/llmgateway and observes
// the mandatory per-chunk cancellation discipline.
package llmwork

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.temporal.io/sdk/activity"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
	"github.com/iama-platform/orchestrator-core/internal/observability"
	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
)

// Activities bundles the LLM gateway client and a per-model-class rate
// limiter behind the five activity methods registered on the worker.
type Activities struct {
	Log     *logger.Logger
	Gateway *llmgateway.Client
	Limiter *RateLimiter
}

var tracer = observability.Tracer("llmwork")

// startSpan opens a span covering one activity's request build, stream, and
// decode; the returned end func records the activity's error (if any).
func startSpan(ctx context.Context, name string, jobID string) (context.Context, func(err *error)) {
	ctx, span := tracer.Start(ctx, name)
	if jobID != "" {
		span.SetAttributes(attribute.String("refactorcore.job_id", jobID))
	}
	return ctx, func(err *error) {
		if err != nil && *err != nil {
			span.RecordError(*err)
			span.SetStatus(codes.Error, (*err).Error())
		}
		span.End()
	}
}

// heartbeat records an activity heartbeat when ctx actually belongs to a
// Temporal activity invocation; direct calls (tests, tooling) skip it.
func heartbeat(ctx context.Context, details ...any) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}

// AssembleContextInput is assemble_context's sole argument.
type AssembleContextInput struct {
	JobID      string   `json:"job_id"`
	RepoPath   string   `json:"repo_path"`
	TargetGlob []string `json:"target_glob,omitempty"`
}

// AssembleContextOutput is the deterministic context summary.
type AssembleContextOutput struct {
	FileCount    int      `json:"file_count"`
	TotalTokens  int      `json:"total_tokens"`
	ASTScore     int      `json:"ast_score"`
	BaselineMode string   `json:"baseline_mode"`
	TargetFiles  []string `json:"target_files"`
}

// ProposalsInput is generate_proposals's argument.
type ProposalsInput struct {
	JobID   string                `json:"job_id"`
	Context AssembleContextOutput `json:"context"`
}

// Proposal is one strategy option surfaced to the user at WAITING_STRATEGY.
type Proposal struct {
	ProposalID  string `json:"proposal_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	RiskLevel   string `json:"risk_level"`
}

// ProposalsOutput carries the proposal list and raw usage for billing.
type ProposalsOutput struct {
	Proposals []Proposal       `json:"proposals"`
	Usage     llmgateway.Usage `json:"usage"`
}

// ConvertNLToSpecInput is convert_nl_to_spec's argument -- preview only,
// never persisted by the core.
type ConvertNLToSpecInput struct {
	JobID     string `json:"job_id"`
	NLRequest string `json:"nl_request"`
}

// ConvertNLToSpecOutput is the BDD/SDD preview pair.
type ConvertNLToSpecOutput struct {
	BDDItems []string `json:"bdd_items"`
	SDDItems []string `json:"sdd_items"`
}

// GenerateTestsInput is generate_tests's argument.
type GenerateTestsInput struct {
	JobID          string                `json:"job_id"`
	ProposalID     string                `json:"proposal_id"`
	Context        AssembleContextOutput `json:"context"`
	SpecRevisionID string                `json:"spec_revision_id,omitempty"`
}

// GenerateTestsOutput is the generated test scaffolding; the IDE extension
// performs persistence, the worker never writes these files itself.
type GenerateTestsOutput struct {
	TestFiles []TestFile       `json:"test_files"`
	Usage     llmgateway.Usage `json:"usage"`
}

// TestFile is one generated test scaffold file.
type TestFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PatchEditOp is one patch-edit-schema operation. generate_patch must emit
// only these -- never line-number unified diffs.
type PatchEditOp struct {
	Op      string `json:"op"`
	Symbol  string `json:"symbol,omitempty"`
	Path    string `json:"path,omitempty"`
	Search  string `json:"search,omitempty"`
	Replace string `json:"replace,omitempty"`
	Content string `json:"content,omitempty"`
}

// ValidPatchOps enumerates the patch-edit-schema vocabulary.
var ValidPatchOps = map[string]bool{
	"symbolic_replace":     true,
	"exact_search_replace": true,
	"insert_after_symbol":  true,
	"delete_symbol":        true,
	"create_file":          true,
	"delete_file":          true,
}

// GeneratePatchInput is generate_patch's argument: Phase and Tier together
// gate model selection per the tier-gating rule.
type GeneratePatchInput struct {
	JobID         string                `json:"job_id"`
	AttemptNumber int                   `json:"attempt_number"`
	Phase         int                   `json:"phase"`
	Tier          string                `json:"tier"`
	IsDeepFix     bool                  `json:"is_deep_fix"`
	Context       AssembleContextOutput `json:"context"`
	FailureNotes  string                `json:"failure_notes,omitempty"`
}

// GeneratePatchOutput carries the patch-edit-schema operations actually
// emitted and the effective model class used, so the workflow can thread
// the correct phase/model_class into ApplyPatch.
type GeneratePatchOutput struct {
	Ops            []PatchEditOp    `json:"ops"`
	ModelClass     string           `json:"model_class"`
	EffectivePhase int              `json:"effective_phase"`
	Usage          llmgateway.Usage `json:"usage"`
}

// EffectiveModelClass applies the tier-gating rule: when phase=3 and tier
// is neither MAX nor ENTERPRISE, the effective phase for model selection
// drops to 2.
func EffectiveModelClass(phase int, tier string) (modelClass string, effectivePhase int) {
	effectivePhase = phase
	if phase == 3 && tier != "MAX" && tier != "ENTERPRISE" {
		effectivePhase = 2
	}
	switch effectivePhase {
	case 1:
		return string(llmgateway.ModelClassL1), 1
	case 2:
		return string(llmgateway.ModelClassL2), 2
	default:
		return string(llmgateway.ModelClassL3), 3
	}
}
