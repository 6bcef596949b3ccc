package llmwork

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
)

// ConvertNLToSpec is the L2 preview activity: it translates a free-form
// request into BDD/SDD items. The result is returned to the caller and
// never persisted -- this activity has no side effect whatsoever.
func (a *Activities) ConvertNLToSpec(ctx context.Context, in ConvertNLToSpecInput) (out ConvertNLToSpecOutput, err error) {
	ctx, end := startSpan(ctx, "llmwork.convert_nl_to_spec", in.JobID)
	defer end(&err)

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx, string(llmgateway.ModelClassL2)); err != nil {
			return out, fmt.Errorf("llmwork: rate limit wait: %w", err)
		}
	}

	req := llmgateway.ChatCompletionRequest{
		Model: llmgateway.ModelClassL2,
		Messages: []llmgateway.Message{
			{Role: "system", Content: nlToSpecSystemPrompt},
			{Role: "user", Content: in.NLRequest},
		},
	}

	full, _, err := a.Gateway.StreamChatCompletion(ctx, req, func(chunk llmgateway.Chunk) error {
		heartbeat(ctx, "convert_nl_to_spec")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("llmwork: convert_nl_to_spec stream: %w", err)
	}

	var parsed ConvertNLToSpecOutput
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		return out, fmt.Errorf("llmwork: convert_nl_to_spec decode: %w", err)
	}
	return parsed, nil
}

const nlToSpecSystemPrompt = `You translate a natural-language refactor request into a spec preview.
Respond with JSON only: {"bdd_items": [string, ...], "sdd_items": [string, ...]}
This preview is never persisted -- do not reference storage or ids.`
