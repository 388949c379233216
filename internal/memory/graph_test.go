package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// testGraph returns a graph with a frozen clock.
func testGraph(t *testing.T) *Graph {
	t.Helper()
	return New(Options{Clock: func() time.Time { return epoch }})
}

func causal(id, cond, outcome string, conf float64) Fragment {
	return Fragment{
		ID:         id,
		Type:       CausalRule,
		Content:    CausalRuleContent{Condition: cond, Outcome: outcome},
		Confidence: conf,
		Salience:   0.5,
		DecayRate:  0.05,
	}
}

func entity(id, e, rel, target string, conf float64) Fragment {
	return Fragment{
		ID:         id,
		Type:       EntityRelation,
		Content:    EntityRelationContent{Entity: e, Relation: rel, Target: target},
		Confidence: conf,
		Salience:   0.5,
		DecayRate:  0.05,
	}
}

func debugContext(desc string) ContextVector {
	return ContextVector{
		Goal:                Goal{Type: GoalDebug, Description: desc},
		ConfidenceThreshold: 0.1,
		MaxFragments:        10,
	}
}

func TestInsertAndGet(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("r1", "http_404", "missing route", 0.7), nil))

	f, ok := g.GetFragment("r1")
	require.True(t, ok)
	assert.Equal(t, CausalRule, f.Type)
	assert.Equal(t, epoch, f.CreatedAt)

	_, ok = g.GetFragment("nope")
	assert.False(t, ok)
}

func TestInsertRejectsInvalid(t *testing.T) {
	g := testGraph(t)

	tests := []struct {
		name string
		f    Fragment
	}{
		{"empty id", causal("", "a", "b", 0.5)},
		{"confidence above one", causal("x", "a", "b", 1.5)},
		{"unknown type", Fragment{ID: "x", Type: "Nope", Content: CausalRuleContent{}, Confidence: 0.5, DecayRate: 0.1}},
		{"mismatched content", Fragment{ID: "x", Type: Belief, Content: CausalRuleContent{}, Confidence: 0.5, DecayRate: 0.1}},
		{"zero decay", Fragment{ID: "x", Type: CausalRule, Content: CausalRuleContent{}, Confidence: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.InsertFragment(tt.f, nil), ErrInvalidFragment)
		})
	}

	require.NoError(t, g.InsertFragment(causal("dup", "a", "b", 0.5), nil))
	assert.ErrorIs(t, g.InsertFragment(causal("dup", "a", "b", 0.5), nil), ErrDuplicateFragment)
}

func TestInsertDanglingEdgeIsAtomic(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "disk full", "write fails", 0.8), nil))

	err := g.InsertFragment(causal("b", "write fails", "crash", 0.8), []Edge{
		{From: "a", To: "b", Type: EdgeCausal, Strength: 0.9},
		{From: "b", To: "ghost", Type: EdgeCausal, Strength: 0.9},
	})
	require.ErrorIs(t, err, ErrDanglingEdge)

	_, ok := g.GetFragment("b")
	assert.False(t, ok, "fragment must not be committed")
	_, ok = g.GetEdge("a", "b")
	assert.False(t, ok, "edge must not be committed")
	assert.Empty(t, g.Probe(debugContext("crash")), "index must not reference b")
}

func TestEdgeLastWriteWins(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "x1", "y1", 0.8), nil))
	require.NoError(t, g.InsertFragment(causal("b", "x2", "y2", 0.8), []Edge{{From: "a", To: "b", Strength: 0.2}}))
	require.NoError(t, g.InsertFragment(causal("c", "x3", "y3", 0.8), []Edge{{From: "a", To: "b", Strength: 0.7}}))

	e, ok := g.GetEdge("a", "b")
	require.True(t, ok)
	assert.Equal(t, 0.7, e.Strength)
	assert.Equal(t, 1, g.Stats().Edges)
}

func TestEdgesAmongSorted(t *testing.T) {
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "x1", "y1", 0.8), nil))
	require.NoError(t, g.InsertFragment(causal("b", "x2", "y2", 0.8), []Edge{{From: "b", To: "a", Strength: 0.5}}))
	require.NoError(t, g.InsertFragment(causal("c", "x3", "y3", 0.8), []Edge{{From: "a", To: "c", Strength: 0.5}}))

	edges := g.EdgesAmong([]string{"c", "b", "a"})
	require.Len(t, edges, 2)
	assert.Equal(t, EdgeKey{From: "a", To: "c"}, edges[0].Key())
	assert.Equal(t, EdgeKey{From: "b", To: "a"}, edges[1].Key())

	assert.Len(t, g.EdgesAmong([]string{"a"}), 0)
	assert.Equal(t, []string{"b", "c"}, g.Neighbors("a"))
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"http_404", "on", "route"}, Terms("HTTP_404 on /route!"))
	assert.Equal(t, []string{"api-v2"}, Terms("-api-v2-"))
	assert.Empty(t, Terms("a b c"))
}

func TestContextValidate(t *testing.T) {
	cv := debugContext("x")
	require.NoError(t, cv.Validate())

	bad := cv
	bad.Goal.Type = "Dance"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidContext)

	bad = cv
	bad.MaxFragments = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidContext)

	bad = cv
	bad.ConfidenceThreshold = 2
	assert.ErrorIs(t, bad.Validate(), ErrInvalidContext)
}

func TestContextExcluded(t *testing.T) {
	cv := debugContext("x")
	cv.Attention.ExclusionPatterns = []string{"Secret"}
	assert.True(t, cv.Excluded("top-secret plan"))
	assert.False(t, cv.Excluded("public plan"))

	cv.Attention.ExclusionPatterns = []string{"*"}
	assert.True(t, cv.Excluded("anything"))
}

func TestContextHasAnyTerm(t *testing.T) {
	cv := debugContext("http_404 on the router")
	cv.DomainHints = []string{"Web"}
	assert.True(t, cv.HasAnyTerm([]string{"disk", " HTTP_404 "}))
	assert.True(t, cv.HasAnyTerm([]string{"web"}))
	assert.False(t, cv.HasAnyTerm([]string{"disk", "full"}))
	assert.False(t, cv.HasAnyTerm(nil))
}

func TestFragmentJSONRoundTrip(t *testing.T) {
	f := causal("r1", "http_404", "missing route", 0.7)
	f.Content = CausalRuleContent{Condition: "http_404", Outcome: "missing route", Guard: `goal_type == "Debug"`}
	data, err := f.MarshalJSON()
	require.NoError(t, err)

	var got Fragment
	require.NoError(t, got.UnmarshalJSON(data))
	assert.Equal(t, f.Content, got.Content)
	assert.Equal(t, f.ID, got.ID)
}

func TestClaimOf(t *testing.T) {
	a, ok := ClaimOf(CausalRuleContent{Condition: "HTTP_404", Outcome: "x"})
	require.True(t, ok)
	b, _ := ClaimOf(CausalRuleContent{Condition: "http_404 ", Outcome: "y"})
	assert.Equal(t, a.Subject, b.Subject)
	assert.NotEqual(t, a.Value, b.Value)

	_, ok = ClaimOf(TemporalEventContent{Event: "deploy"})
	assert.False(t, ok)
}
