package llmwork_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iama-platform/orchestrator-core/internal/refactorcore/llmwork"
)

func TestAssembleContext_IsDeterministic(t *testing.T) {
	a := &llmwork.Activities{}
	in := llmwork.AssembleContextInput{JobID: "job-1", RepoPath: "/repo/a/b", TargetGlob: []string{"**/*.go"}}

	out1, err := a.AssembleContext(context.Background(), in)
	require.NoError(t, err)
	out2, err := a.AssembleContext(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, out1, out2)
	require.Contains(t, []string{"AST_SYMBOLIC", "BLACK_BOX", "EXACT_SEARCH_REPLACE"}, out1.BaselineMode)
}

func TestAssembleContext_BaselineModeThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{40, "AST_SYMBOLIC"},
		{100, "AST_SYMBOLIC"},
		{39, "BLACK_BOX"},
		{20, "BLACK_BOX"},
		{19, "EXACT_SEARCH_REPLACE"},
		{0, "EXACT_SEARCH_REPLACE"},
	}
	for _, c := range cases {
		got := llmwork.BaselineModeFor(c.score)
		require.Equal(t, c.want, got, "score=%d", c.score)
	}
}

func TestEffectiveModelClass_TierGating(t *testing.T) {
	mc, phase := llmwork.EffectiveModelClass(1, "FREE")
	require.Equal(t, "iama-router-l1", mc)
	require.Equal(t, 1, phase)

	mc, phase = llmwork.EffectiveModelClass(2, "FREE")
	require.Equal(t, "iama-router-l2", mc)
	require.Equal(t, 2, phase)

	// Phase 3 + non-MAX/ENTERPRISE tier drops effective phase to 2.
	mc, phase = llmwork.EffectiveModelClass(3, "PRO")
	require.Equal(t, "iama-router-l2", mc)
	require.Equal(t, 2, phase)

	mc, phase = llmwork.EffectiveModelClass(3, "MAX")
	require.Equal(t, "iama-router-l3", mc)
	require.Equal(t, 3, phase)

	mc, phase = llmwork.EffectiveModelClass(3, "ENTERPRISE")
	require.Equal(t, "iama-router-l3", mc)
	require.Equal(t, 3, phase)
}
