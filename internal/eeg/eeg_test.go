package eeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/memory"
)

func linear() *Graph {
	return &Graph{
		Nodes: []Node{
			{ID: "decision:r1", Kind: KindDecision, Condition: "http_404"},
			{ID: "frag:r1", Kind: KindFragment, FragmentID: "r1", FragmentType: memory.CausalRule},
			{ID: "action:goal", Kind: KindAction, ActionID: GoalAction},
		},
		Edges: []Edge{
			{From: "decision:r1", To: "frag:r1", Label: LabelThen},
			{From: "decision:r1", To: "action:goal", Label: LabelDefault},
			{From: "frag:r1", To: "action:goal", Label: LabelNext},
		},
		Entry: "decision:r1",
		Exits: []string{"action:goal"},
	}
}

func TestValidate(t *testing.T) {
	g := linear()
	require.NoError(t, g.Validate())

	g.Dependencies = []Dependency{{From: "action:goal", To: "frag:r1"}}
	assert.Error(t, g.Validate())

	g = linear()
	g.Edges = g.Edges[2:]
	assert.Error(t, g.Validate(), "decision needs two branches")
}

func TestShapeStripsIDs(t *testing.T) {
	a := linear()
	b := linear()
	b.Nodes[1].ID = "frag:other"
	b.Nodes[1].FragmentID = "other"
	b.Edges[0].To = "frag:other"
	b.Edges[2].From = "frag:other"

	assert.Equal(t, Shape(a), Shape(b))
	assert.Equal(t, StructureHash(a), StructureHash(b))
	assert.Equal(t, "decision>fragment:CausalRule>action!goal", StepSignature(Shape(a)))
}

func TestFingerprint(t *testing.T) {
	sig := TypeSignature([]memory.FragmentType{memory.CausalRule, memory.Belief, memory.CausalRule})
	assert.Equal(t, "Belief,CausalRule", sig)

	a := Fingerprint(memory.GoalDebug, "web", sig)
	assert.Equal(t, a, Fingerprint(memory.GoalDebug, "web", sig))
	assert.NotEqual(t, a, Fingerprint(memory.GoalExplain, "web", sig))
	assert.NotEqual(t, a, Fingerprint(memory.GoalDebug, "db", sig))
	assert.NotZero(t, a)
}

func TestNodeLookup(t *testing.T) {
	g := linear()
	n, ok := g.Node("frag:r1")
	require.True(t, ok)
	assert.Equal(t, "r1", n.FragmentID)
	assert.Equal(t, 2, g.Position("action:goal"))
	assert.Equal(t, -1, g.Position("nope"))
	assert.Equal(t, []string{"r1"}, g.FragmentIDs())
}
