package llmwork

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
)

// GeneratePatch is the phase/tier-gated patch-generation activity.
// Model selection follows EffectiveModelClass; the
// returned ops are validated against the patch-edit-schema vocabulary --
// line-number unified diffs are never accepted, matching the contract.
func (a *Activities) GeneratePatch(ctx context.Context, in GeneratePatchInput) (out GeneratePatchOutput, err error) {
	ctx, end := startSpan(ctx, "llmwork.generate_patch", in.JobID)
	defer end(&err)

	modelClass, effectivePhase := EffectiveModelClass(in.Phase, in.Tier)

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx, modelClass); err != nil {
			return out, fmt.Errorf("llmwork: rate limit wait: %w", err)
		}
	}

	userContent := fmt.Sprintf(
		"attempt_number=%d phase=%d effective_phase=%d is_deep_fix=%t baseline_mode=%s failure_notes=%s",
		in.AttemptNumber, in.Phase, effectivePhase, in.IsDeepFix, in.Context.BaselineMode, in.FailureNotes,
	)

	req := llmgateway.ChatCompletionRequest{
		Model: llmgateway.ModelClass(modelClass),
		Messages: []llmgateway.Message{
			{Role: "system", Content: generatePatchSystemPrompt},
			{Role: "user", Content: userContent},
		},
	}

	full, usage, err := a.Gateway.StreamChatCompletion(ctx, req, func(chunk llmgateway.Chunk) error {
		heartbeat(ctx, "generate_patch")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("llmwork: generate_patch stream: %w", err)
	}

	var parsed struct {
		Ops []PatchEditOp `json:"ops"`
	}
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		return out, fmt.Errorf("llmwork: generate_patch decode: %w", err)
	}
	for _, op := range parsed.Ops {
		if !ValidPatchOps[op.Op] {
			return out, fmt.Errorf("llmwork: generate_patch: invalid op %q", op.Op)
		}
	}

	out.Ops = parsed.Ops
	out.ModelClass = modelClass
	out.EffectivePhase = effectivePhase
	out.Usage = usage
	return out, nil
}

const generatePatchSystemPrompt = `You generate a code patch as a sequence of patch-edit-schema operations only.
Respond with JSON only: {"ops": [{"op": string, "symbol": string, "path": string, "search": string, "replace": string, "content": string}]}
"op" must be one of: symbolic_replace, exact_search_replace, insert_after_symbol, delete_symbol, create_file, delete_file.
Never emit a line-number unified diff.`
