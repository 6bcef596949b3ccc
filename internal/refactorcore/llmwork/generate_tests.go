package llmwork

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
)

// GenerateTests is the L2 test-scaffold activity. Persistence of the
// generated files is the IDE extension's responsibility; this activity only
// returns the scaffold.
func (a *Activities) GenerateTests(ctx context.Context, in GenerateTestsInput) (out GenerateTestsOutput, err error) {
	ctx, end := startSpan(ctx, "llmwork.generate_tests", in.JobID)
	defer end(&err)

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx, string(llmgateway.ModelClassL2)); err != nil {
			return out, fmt.Errorf("llmwork: rate limit wait: %w", err)
		}
	}

	req := llmgateway.ChatCompletionRequest{
		Model: llmgateway.ModelClassL2,
		Messages: []llmgateway.Message{
			{Role: "system", Content: generateTestsSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"proposal_id=%s baseline_mode=%s target_files=%v",
				in.ProposalID, in.Context.BaselineMode, in.Context.TargetFiles,
			)},
		},
	}

	full, usage, err := a.Gateway.StreamChatCompletion(ctx, req, func(chunk llmgateway.Chunk) error {
		heartbeat(ctx, "generate_tests")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("llmwork: generate_tests stream: %w", err)
	}

	var parsed struct {
		TestFiles []TestFile `json:"test_files"`
	}
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		return out, fmt.Errorf("llmwork: generate_tests decode: %w", err)
	}

	out.TestFiles = parsed.TestFiles
	out.Usage = usage
	return out, nil
}

const generateTestsSystemPrompt = `You generate test scaffolding for a selected refactor proposal.
Respond with JSON only: {"test_files": [{"path": string, "content": string}]}
Persistence of these files is performed by the caller's IDE extension, not by you.`
