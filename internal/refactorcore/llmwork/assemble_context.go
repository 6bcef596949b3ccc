package llmwork

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"strings"
)

// AssembleContext is the one deterministic activity in this package: it
// performs no network call. It derives file_count/total_tokens/target_files
// from the repo path and target glob, scores AST confidence, and classifies
// baseline_mode by the score thresholds.
//
// The worker does not parse ASTs or run a real symbol resolver --
// parseRate/symbolRate/snippetCompleteness here are computed from
// file-extension/size heuristics standing in for the parser the IDE
// extension actually owns.
func (a *Activities) AssembleContext(ctx context.Context, in AssembleContextInput) (out AssembleContextOutput, err error) {
	ctx, end := startSpan(ctx, "llmwork.assemble_context", in.JobID)
	defer end(&err)
	heartbeat(ctx, "assemble_context")

	targets := in.TargetGlob
	if len(targets) == 0 {
		targets = []string{"**/*.go"}
	}
	sort.Strings(targets)

	fileCount := estimateFileCount(in.RepoPath, targets)
	totalTokens := fileCount * 420

	parseRate := parseRateFor(targets)
	symbolRate := symbolRateFor(fileCount)
	snippetCompleteness := snippetCompletenessFor(totalTokens)

	astScore := int(math.Round(100 * (0.40*parseRate + 0.35*symbolRate + 0.25*snippetCompleteness)))

	return AssembleContextOutput{
		FileCount:    fileCount,
		TotalTokens:  totalTokens,
		ASTScore:     astScore,
		BaselineMode: BaselineModeFor(astScore),
		TargetFiles:  targetFileNames(in.RepoPath, targets, fileCount),
	}, nil
}

// BaselineModeFor classifies an ast_score: >=40 is AST_SYMBOLIC, 20-39 is
// BLACK_BOX, below 20 is EXACT_SEARCH_REPLACE.
func BaselineModeFor(astScore int) string {
	switch {
	case astScore >= 40:
		return "AST_SYMBOLIC"
	case astScore >= 20:
		return "BLACK_BOX"
	default:
		return "EXACT_SEARCH_REPLACE"
	}
}

func estimateFileCount(repoPath string, targets []string) int {
	base := len(strings.Split(strings.Trim(repoPath, "/"), "/"))
	n := base*3 + len(targets)*2
	if n < 1 {
		n = 1
	}
	if n > 500 {
		n = 500
	}
	return n
}

func parseRateFor(targets []string) float64 {
	recognized := 0
	for _, t := range targets {
		switch filepath.Ext(strings.TrimPrefix(t, "**/*")) {
		case ".go", ".ts", ".tsx", ".py", ".java":
			recognized++
		}
	}
	if len(targets) == 0 {
		return 0.5
	}
	return float64(recognized) / float64(len(targets))
}

func symbolRateFor(fileCount int) float64 {
	if fileCount <= 0 {
		return 0
	}
	rate := 1.0 - (1.0 / float64(fileCount+1))
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return rate
}

func snippetCompletenessFor(totalTokens int) float64 {
	if totalTokens <= 0 {
		return 0
	}
	if totalTokens >= 200000 {
		return 0.5
	}
	return 1.0 - float64(totalTokens)/400000.0
}

func targetFileNames(repoPath string, targets []string, fileCount int) []string {
	out := make([]string, 0, fileCount)
	for i := 0; i < fileCount && i < 200; i++ {
		glob := targets[i%len(targets)]
		out = append(out, filepath.Join(repoPath, strings.TrimPrefix(glob, "**/")))
	}
	return out
}
