package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(acts []Activation) []string {
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.ID
	}
	return out
}

func TestActivateMatchesGoalTerms(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("r1", "http_404", "missing route", 0.6), nil))
	require.NoError(t, g.InsertFragment(causal("r2", "disk_full", "write failure", 0.9), nil))

	acts, err := g.Activate(debugContext("seeing http_404 errors"))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(acts))
	assert.True(t, acts[0].GoalHit)
}

func TestActivateThresholdAndExclusion(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("low", "timeout", "retry", 0.2), nil))
	require.NoError(t, g.InsertFragment(causal("high", "timeout", "backoff", 0.8), nil))
	require.NoError(t, g.InsertFragment(causal("hidden", "timeout", "secret fix", 0.9), nil))

	cv := debugContext("timeout")
	cv.ConfidenceThreshold = 0.5
	cv.Attention.ExclusionPatterns = []string{"secret"}

	acts, err := g.Activate(cv)
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, ids(acts))
}

func TestActivateDomainAndFocus(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(Fragment{
		ID: "c1", Type: Constraint,
		Content:    ConstraintContent{Constraint: "no friday deploys", Context: "ops"},
		Confidence: 0.7, Salience: 0.5, DecayRate: 0.01,
	}, nil))
	require.NoError(t, g.InsertFragment(entity("e1", "alice", "owns", "billing", 0.7), nil))

	cv := debugContext("unrelated")
	cv.DomainHints = []string{"ops"}
	cv.Attention.FocusEntities = []string{"alice"}

	acts, err := g.Activate(cv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "e1"}, ids(acts))
	for _, a := range acts {
		assert.False(t, a.GoalHit)
	}
}

func TestActivateSpreadRaisesConnected(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "cache miss", "slow page", 0.5), nil))
	require.NoError(t, g.InsertFragment(causal("b", "cache evicted", "cache miss", 0.5), []Edge{{From: "b", To: "a", Strength: 1}}))
	require.NoError(t, g.InsertFragment(causal("c", "cache cold", "warmup", 0.5), nil))

	acts, err := g.Activate(debugContext("cache"))
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, "c", acts[2].ID, "unconnected fragment ranks last")
	assert.Greater(t, acts[0].Spread, 0.0)
}

func TestActivateTruncatesAndIsDeterministic(t *testing.T) {
	g := testGraph(t)
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		require.NoError(t, g.InsertFragment(causal(id, "queue backlog "+id, "lag", 0.5), nil))
	}
	cv := debugContext("queue backlog")
	cv.MaxFragments = 2

	first, err := g.Activate(cv)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []string{"f1", "f2"}, ids(first), "ties break on id")

	for i := 0; i < 5; i++ {
		again, err := g.Activate(cv)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestActivateInvalidContext(t *testing.T) {
	g := testGraph(t)
	_, err := g.Activate(ContextVector{})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestBridgesAndMatch(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "alpha", "beta", 0.8), nil))
	require.NoError(t, g.InsertFragment(causal("b", "beta", "gamma", 0.6), []Edge{{From: "a", To: "b", Strength: 0.9}}))
	require.NoError(t, g.InsertFragment(causal("c", "gamma", "delta", 0.8), []Edge{{From: "b", To: "c", Strength: 0.9}}))

	assert.Equal(t, []string{"b"}, g.Bridges("a", "c", 0.5, nil))
	assert.Empty(t, g.Bridges("a", "c", 0.7, nil))
	assert.Empty(t, g.Bridges("a", "c", 0.5, map[string]struct{}{"b": {}}))

	f, ok := g.Match([]string{"gamma delta"}, 0.5, nil)
	require.True(t, ok)
	assert.Equal(t, "c", f.ID)

	_, ok = g.Match([]string{"omega"}, 0, nil)
	assert.False(t, ok)
}
