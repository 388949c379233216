package compiler

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/memory"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testMemory(t *testing.T, opts memory.Options) *memory.Graph {
	t.Helper()
	opts.Clock = func() time.Time { return epoch }
	return memory.New(opts)
}

func insert(t *testing.T, g *memory.Graph, f memory.Fragment, edges ...memory.Edge) {
	t.Helper()
	if f.Salience == 0 {
		f.Salience = 0.5
	}
	if f.DecayRate == 0 {
		f.DecayRate = 0.05
	}
	require.NoError(t, g.InsertFragment(f, edges))
}

func rule(id, cond, outcome string, conf float64) memory.Fragment {
	return memory.Fragment{ID: id, Type: memory.CausalRule, Content: memory.CausalRuleContent{Condition: cond, Outcome: outcome}, Confidence: conf}
}

func relation(id, entity, rel, target string, conf float64) memory.Fragment {
	return memory.Fragment{ID: id, Type: memory.EntityRelation, Content: memory.EntityRelationContent{Entity: entity, Relation: rel, Target: target}, Confidence: conf}
}

func link(from, to string, strength float64) memory.Edge {
	return memory.Edge{From: from, To: to, Type: memory.EdgeCausal, Strength: strength}
}

func query(goal memory.GoalType, desc string) memory.ContextVector {
	return memory.ContextVector{
		Goal:                memory.Goal{Type: goal, Description: desc},
		ConfidenceThreshold: 0.3,
		MaxFragments:        20,
	}
}

func TestConflictKeepsMostConfident(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, rule("weak", "http_404", "stale cache", 0.6))
	insert(t, mem, rule("strong", "http_404", "missing route", 0.9))

	c := New(Options{})
	g, err := c.Compile(query(memory.GoalDebug, "http_404"), mem)
	require.NoError(t, err)

	assert.Equal(t, []string{"strong"}, g.FragmentIDs())
	require.Len(t, g.Diagnostics.Dropped, 1)
	assert.Equal(t, eeg.Conflict{Subject: "http_404", Kept: "strong", Dropped: "weak"}, g.Diagnostics.Dropped[0])
}

func TestAgreeingClaimsAreNotConflicts(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, rule("r1", "http_404", "missing route", 0.9))
	insert(t, mem, rule("r2", "HTTP_404", "Missing route", 0.7))
	insert(t, mem, rule("r3", "http_404", "stale cache", 0.6))

	g, err := New(Options{}).Compile(query(memory.GoalLearn, "http_404"), mem)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"r1", "r2"}, g.FragmentIDs())
	assert.Equal(t, []eeg.Conflict{{Subject: "http_404", Kept: "r1", Dropped: "r3"}}, g.Diagnostics.Dropped)
}

func TestConflictTieBreaks(t *testing.T) {
	older := rule("a", "disk_full", "alert", 0.8)
	newer := rule("b", "disk_full", "page", 0.8)
	newer.LastActivated = epoch
	assert.True(t, prefer(&newer, &older))

	slow := rule("c", "x", "y", 0.8)
	slow.DecayRate = 0.01
	fast := rule("d", "x", "z", 0.8)
	fast.DecayRate = 0.1
	assert.True(t, prefer(&slow, &fast))

	same1, same2 := rule("e", "x", "y", 0.8), rule("f", "x", "y", 0.8)
	assert.True(t, prefer(&same1, &same2))
	assert.False(t, prefer(&same2, &same1))
}

func chain(t *testing.T, hop int) *memory.Graph {
	mem := testMemory(t, memory.Options{HopLimit: hop})
	insert(t, mem, relation("a", "nginx", "returns", "http_502", 0.8))
	insert(t, mem, relation("b", "upstream", "times out on", "pool", 0.7), link("a", "b", 0.9))
	insert(t, mem, relation("c", "pool", "exhausts under", "http_502", 0.8), link("b", "c", 0.9))
	return mem
}

func TestGapFillingRecruitsBridge(t *testing.T) {
	mem := chain(t, 10)
	g, err := New(Options{}).Compile(query(memory.GoalDebug, "http_502"), mem)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.FragmentIDs())
	assert.Equal(t, []string{"b"}, g.Diagnostics.Recruited)
	assert.Zero(t, g.Diagnostics.Gaps)
}

func TestGapFillingInsertsGapBeyondHopLimit(t *testing.T) {
	mem := chain(t, 1)
	g, err := New(Options{}).Compile(query(memory.GoalDebug, "http_502"), mem)
	require.NoError(t, err)

	var kinds []eeg.NodeKind
	for _, n := range g.Nodes {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []eeg.NodeKind{eeg.KindFragment, eeg.KindGap, eeg.KindFragment, eeg.KindAction}, kinds)
	assert.Equal(t, 1, g.Diagnostics.Gaps)
	assert.Equal(t, "a", g.Nodes[1].Gap.From)
	assert.Equal(t, "c", g.Nodes[1].Gap.To)
}

func TestGapFillingSkippedForRecall(t *testing.T) {
	mem := chain(t, 10)
	g, err := New(Options{}).Compile(query(memory.GoalLearn, "http_502"), mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, g.FragmentIDs())
	assert.Empty(t, g.Diagnostics.Recruited)
}

func TestCycleBreaksWeakestEdge(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, relation("a", "svc_a", "calls", "svc_b", 0.8))
	insert(t, mem, relation("b", "svc_b", "calls", "svc_c", 0.8), link("a", "b", 0.9))
	insert(t, mem, relation("c", "svc_c", "calls", "svc_a", 0.8), link("b", "c", 0.8), link("c", "a", 0.3))

	cv := query(memory.GoalExplain, "calls")
	g, err := New(Options{}).Compile(cv, mem)
	require.NoError(t, err)

	assert.Equal(t, []memory.EdgeKey{{From: "c", To: "a"}}, g.Diagnostics.BrokenEdges)
	assert.Equal(t, []string{"a", "b", "c"}, g.FragmentIDs())

	stored, ok := mem.GetEdge("c", "a")
	require.True(t, ok, "stored edges are never removed")
	assert.Equal(t, 0.3, stored.Strength)
}

func TestBranchingWrapsRules(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, rule("r", "http_404", "missing route", 0.8))

	g, err := New(Options{}).Compile(query(memory.GoalLearn, "http_404"), mem)
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3)
	d := g.Nodes[0]
	assert.Equal(t, eeg.KindDecision, d.Kind)
	assert.Equal(t, "http_404", d.Condition)
	assert.Equal(t, []eeg.Edge{
		{From: d.ID, To: "frag:r", Label: eeg.LabelThen},
		{From: d.ID, To: "action:goal", Label: eeg.LabelDefault},
	}, g.Out(d.ID))
	assert.Equal(t, eeg.GoalAction, g.Nodes[2].ActionID)
}

func prunable(t *testing.T) (*memory.Graph, memory.ContextVector) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, relation("k", "kafka", "uses", "zookeeper", 0.9))
	insert(t, mem, memory.Fragment{ID: "c1", Type: memory.Constraint, Confidence: 0.5,
		Content: memory.ConstraintContent{Constraint: "no friday deploys", Context: "ops"}})
	insert(t, mem, memory.Fragment{ID: "p1", Type: memory.Preference, Confidence: 0.7,
		Content: memory.PreferenceContent{Preference: "blue green", Context: "ops"}})

	cv := query(memory.GoalLearn, "kafka")
	cv.DomainHints = []string{"ops"}
	return mem, cv
}

func TestPruneDropsLowestOptional(t *testing.T) {
	mem, cv := prunable(t)
	cv.Constraints.ResourceBudget = 3

	g, err := New(Options{}).Compile(cv, mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, g.Diagnostics.Pruned)
	assert.ElementsMatch(t, []string{"k", "p1"}, g.FragmentIDs())
	assert.LessOrEqual(t, g.TotalCost(), 3.0)
	assert.False(t, g.Diagnostics.ResourceExhausted)
}

func TestPruneExhausted(t *testing.T) {
	mem, cv := prunable(t)
	cv.Constraints.ResourceBudget = 0.5

	g, err := New(Options{}).Compile(cv, mem)
	require.NoError(t, err)
	assert.True(t, g.Diagnostics.ResourceExhausted)
	assert.Equal(t, []string{"k"}, g.FragmentIDs())

	_, err = New(Options{StrictBudget: true}).Compile(cv, mem)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestNoActivation(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	cv := query(memory.GoalDebug, "nothing here")

	g, err := New(Options{}).Compile(cv, mem)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, eeg.KindGap, g.Nodes[0].Kind)
	assert.True(t, g.Diagnostics.NoActivation)

	cv.Goal.RequireFragments = true
	g, err = New(Options{}).Compile(cv, mem)
	require.ErrorIs(t, err, ErrNoActivation)
	require.NotNil(t, g)
	assert.NoError(t, g.Validate())
}

func TestInvalidContext(t *testing.T) {
	_, err := New(Options{}).Compile(memory.ContextVector{}, testMemory(t, memory.Options{}))
	assert.ErrorIs(t, err, memory.ErrInvalidContext)
}

func TestCompileDeterministic(t *testing.T) {
	mem := chain(t, 10)
	insert(t, mem, rule("r", "http_502", "restart nginx", 0.6), link("r", "a", 0.4))
	cv := query(memory.GoalDebug, "http_502")

	first, err := New(Options{}).Compile(cv, mem)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := New(Options{}).Compile(cv, mem)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFastPathRebindsModule(t *testing.T) {
	mem := chain(t, 10)
	cv := query(memory.GoalDebug, "http_502")
	c := New(Options{})

	full, err := c.Compile(cv, mem)
	require.NoError(t, err)
	require.False(t, full.FastPath)

	require.NoError(t, mem.StoreModule(memory.CompiledModule{
		ID:          "m1",
		Fingerprint: full.Fingerprint,
		Steps:       eeg.Shape(full),
	}))

	fast, err := c.Compile(cv, mem)
	require.NoError(t, err)
	assert.True(t, fast.FastPath)
	assert.Equal(t, "m1", fast.ModuleID)
	assert.Equal(t, full.Fingerprint, fast.Fingerprint)
	assert.Equal(t, Stats{FullPath: 1, FastPath: 1}, c.Stats())

	// b is not an index hit; its recruited step is bridged again between a and c.
	assert.True(t, fast.Nodes[1].Recruited)
	assert.Equal(t, full.FragmentIDs(), fast.FragmentIDs())
	assert.Equal(t, []string{"b"}, fast.Diagnostics.Recruited)
	assert.Zero(t, fast.Diagnostics.Gaps)
}

func TestFastPathRecruitedStepWithoutBridgeBecomesGap(t *testing.T) {
	mem := chain(t, 10)
	cv := query(memory.GoalDebug, "http_502")
	c := New(Options{})

	full, err := c.Compile(cv, mem)
	require.NoError(t, err)
	steps := eeg.Shape(full)
	require.True(t, steps[1].Recruited)
	steps[1].FragmentType = memory.Belief
	require.NoError(t, mem.StoreModule(memory.CompiledModule{ID: "m1", Fingerprint: full.Fingerprint, Steps: steps}))

	fast, err := c.Compile(cv, mem)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, fast.FragmentIDs())
	require.Equal(t, eeg.KindGap, fast.Nodes[1].Kind)
	assert.Equal(t, "a", fast.Nodes[1].Gap.From)
	assert.Equal(t, "c", fast.Nodes[1].Gap.To)
	assert.Empty(t, fast.Diagnostics.Recruited)
}

func TestFastPathSkipsConflictLoser(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	// The probe ranks high first (0.4*0.9+0.2*0.5 > 0.4*0.6+0.2*1.0) but
	// conflict resolution prefers low (0.6*1.0 > 0.9*0.5).
	low := rule("low", "http_404", "router misconfigured", 0.6)
	low.Salience = 1.0
	insert(t, mem, low)
	insert(t, mem, rule("high", "http_404", "missing route", 0.9))
	cv := query(memory.GoalDebug, "http_404")
	c := New(Options{})

	full, err := c.Compile(cv, mem)
	require.NoError(t, err)
	require.Equal(t, []string{"low"}, full.FragmentIDs())
	require.NoError(t, mem.StoreModule(memory.CompiledModule{ID: "m1", Fingerprint: full.Fingerprint, Steps: eeg.Shape(full)}))

	fast, err := c.Compile(cv, mem)
	require.NoError(t, err)
	require.True(t, fast.FastPath)
	assert.Equal(t, full.FragmentIDs(), fast.FragmentIDs())
	assert.Equal(t, full.Diagnostics.Dropped, fast.Diagnostics.Dropped)
}

func TestFastPathUnbindableStepBecomesGap(t *testing.T) {
	mem := testMemory(t, memory.Options{})
	insert(t, mem, rule("r", "http_404", "missing route", 0.8))
	cv := query(memory.GoalLearn, "http_404")
	c := New(Options{})

	full, err := c.Compile(cv, mem)
	require.NoError(t, err)
	steps := append(eeg.Shape(full)[:2:2], memory.Step{Kind: memory.StepFragment, FragmentType: memory.Belief}, eeg.Shape(full)[2])
	require.NoError(t, mem.StoreModule(memory.CompiledModule{ID: "m", Fingerprint: full.Fingerprint, Steps: steps}))

	fast, err := c.Compile(cv, mem)
	require.NoError(t, err)
	require.Len(t, fast.Nodes, 4)
	assert.Equal(t, eeg.KindGap, fast.Nodes[2].Kind)
	assert.Equal(t, string(memory.Belief), fast.Nodes[2].Gap.Relation)
}

func TestTopologicalValidity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		mem := testMemory(t, memory.Options{})
		n := 3 + rng.Intn(8)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("f%02d", i)
			var edges []memory.Edge
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.4 {
					from, to := fmt.Sprintf("f%02d", j), id
					if rng.Intn(2) == 0 {
						from, to = to, from
					}
					edges = append(edges, link(from, to, rng.Float64()))
				}
			}
			insert(t, mem, relation(id, "node"+id, "links", "target"+id, 0.4+rng.Float64()*0.6), edges...)
		}

		g, err := New(Options{}).Compile(query(memory.GoalExplain, "links"), mem)
		require.NoError(t, err, "round %d", round)
		require.NoError(t, g.Validate(), "round %d", round)
		for _, d := range g.Dependencies {
			assert.Less(t, g.Position(d.From), g.Position(d.To), "round %d: %s -> %s", round, d.From, d.To)
		}
	}
}
