package llmwork

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iama-platform/orchestrator-core/internal/llmgateway"
)

// GenerateProposals is the L1 strategy-proposal activity.
// It streams a chat completion and accumulates it, applying the mandatory
// cancellation discipline via internal/llmgateway.StreamChatCompletion:
// a heartbeat fires on every chunk, and the stream aborts the
// instant the activity's own context is done.
func (a *Activities) GenerateProposals(ctx context.Context, in ProposalsInput) (out ProposalsOutput, err error) {
	ctx, end := startSpan(ctx, "llmwork.generate_proposals", in.JobID)
	defer end(&err)

	if a.Limiter != nil {
		if err := a.Limiter.Wait(ctx, string(llmgateway.ModelClassL1)); err != nil {
			return out, fmt.Errorf("llmwork: rate limit wait: %w", err)
		}
	}

	req := llmgateway.ChatCompletionRequest{
		Model: llmgateway.ModelClassL1,
		Messages: []llmgateway.Message{
			{Role: "system", Content: proposalsSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"file_count=%d total_tokens=%d ast_score=%d baseline_mode=%s",
				in.Context.FileCount, in.Context.TotalTokens, in.Context.ASTScore, in.Context.BaselineMode,
			)},
		},
	}

	full, usage, err := a.Gateway.StreamChatCompletion(ctx, req, func(chunk llmgateway.Chunk) error {
		heartbeat(ctx, "generate_proposals")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("llmwork: generate_proposals stream: %w", err)
	}

	var parsed struct {
		Proposals []Proposal `json:"proposals"`
	}
	if err := json.Unmarshal([]byte(full), &parsed); err != nil {
		return out, fmt.Errorf("llmwork: generate_proposals decode: %w", err)
	}

	out.Proposals = parsed.Proposals
	out.Usage = usage
	return out, nil
}

const proposalsSystemPrompt = `You are the strategy-proposal stage of a code refactoring assistant.
Given a summary of the assembled repository context, respond with JSON only:
{"proposals": [{"proposal_id": string, "title": string, "description": string, "risk_level": "LOW"|"MEDIUM"|"HIGH"}]}
Offer 2-4 distinct strategies. Never include prose outside the JSON object.`
