// Package eeg defines the ephemeral execution graph produced by the
// compiler and consumed by the executor and introspection.
package eeg

import (
	"fmt"

	"github.com/lazypower/engram/internal/memory"
)

// NodeKind tags the closed set of node variants.
type NodeKind = memory.StepKind

const (
	KindFragment = memory.StepFragment
	KindDecision = memory.StepDecision
	KindGap      = memory.StepGap
	KindAction   = memory.StepAction
)

// Flow edge labels.
const (
	LabelNext    = "next"
	LabelThen    = "then"
	LabelDefault = "default"
)

// GoalAction is the action id of the terminal node of every compiled graph.
const GoalAction = "goal"

// Gap is an unresolved hole between two fragments.
type Gap struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Terms    []string `json:"terms,omitempty"`
	Relation string   `json:"relation,omitempty"`
}

// Node is one executable step.
type Node struct {
	ID           string              `json:"id"`
	Kind         NodeKind            `json:"kind"`
	FragmentID   string              `json:"fragment_id,omitempty"`
	FragmentType memory.FragmentType `json:"fragment_type,omitempty"`
	Score        float64             `json:"score"`
	Cost         float64             `json:"cost"`
	Required     bool                `json:"required,omitempty"`
	// Recruited marks a fragment bridged in by gap filling.
	Recruited bool `json:"recruited,omitempty"`

	// Decision nodes.
	Condition string `json:"condition,omitempty"`
	Guard     string `json:"guard,omitempty"`

	// Action nodes.
	ActionID string            `json:"action_id,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`

	Gap *Gap `json:"gap,omitempty"`
}

// Edge is a control-flow transition.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// Dependency is a retained fragment relation used for ordering.
type Dependency struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Strength float64         `json:"strength"`
	Type     memory.EdgeType `json:"type,omitempty"`
}

// Conflict records a fragment dropped during conflict resolution.
type Conflict struct {
	Subject string `json:"subject"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
}

type Diagnostics struct {
	Dropped           []Conflict       `json:"dropped,omitempty"`
	Recruited         []string         `json:"recruited,omitempty"`
	Gaps              int              `json:"gaps"`
	BrokenEdges       []memory.EdgeKey `json:"broken_edges,omitempty"`
	Pruned            []string         `json:"pruned,omitempty"`
	NoActivation      bool             `json:"no_activation,omitempty"`
	ResourceExhausted bool             `json:"resource_exhausted,omitempty"`
}

// Degraded reports whether compilation had to give something up.
func (d Diagnostics) Degraded() bool {
	return d.NoActivation || d.ResourceExhausted || len(d.Pruned) > 0
}

// Graph is a compiled, per-query execution graph. Nodes are in execution
// order; Entry is the first node and Exits hold the terminal nodes.
type Graph struct {
	Nodes        []Node          `json:"nodes"`
	Edges        []Edge          `json:"edges"`
	Dependencies []Dependency    `json:"dependencies,omitempty"`
	Entry        string          `json:"entry"`
	Exits        []string        `json:"exits"`
	Fingerprint  uint64          `json:"fingerprint"`
	GoalType     memory.GoalType `json:"goal_type"`
	Domain       string          `json:"domain,omitempty"`
	FastPath     bool            `json:"fast_path"`
	ModuleID     string          `json:"module_id,omitempty"`
	Diagnostics  Diagnostics     `json:"diagnostics"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	i := g.Position(id)
	if i < 0 {
		return nil, false
	}
	return &g.Nodes[i], true
}

// Position returns the execution index of the node, or -1.
func (g *Graph) Position(id string) int {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Out returns the flow edges leaving id in declaration order.
func (g *Graph) Out(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// FragmentIDs returns the source fragment of every fragment node in order.
func (g *Graph) FragmentIDs() []string {
	var out []string
	for _, n := range g.Nodes {
		if n.Kind == KindFragment {
			out = append(out, n.FragmentID)
		}
	}
	return out
}

// TotalCost sums node costs.
func (g *Graph) TotalCost() float64 {
	total := 0.0
	for _, n := range g.Nodes {
		total += n.Cost
	}
	return total
}

// Validate checks structural invariants: unique node ids, edges between
// known nodes, dependencies respected by node order, decisions with at
// least two branches, and an entry and exit that exist.
func (g *Graph) Validate() error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("empty graph")
	}
	if g.Position(g.Entry) != 0 {
		return fmt.Errorf("entry %q is not the first node", g.Entry)
	}
	for _, x := range g.Exits {
		if g.Position(x) < 0 {
			return fmt.Errorf("unknown exit %q", x)
		}
	}
	for _, e := range g.Edges {
		if g.Position(e.From) < 0 || g.Position(e.To) < 0 {
			return fmt.Errorf("edge %s->%s references unknown node", e.From, e.To)
		}
		if g.Position(e.From) >= g.Position(e.To) {
			return fmt.Errorf("edge %s->%s runs backwards", e.From, e.To)
		}
	}
	for _, d := range g.Dependencies {
		from, to := g.Position(d.From), g.Position(d.To)
		if from < 0 || to < 0 {
			continue
		}
		if from >= to {
			return fmt.Errorf("dependency %s->%s violates order", d.From, d.To)
		}
	}
	for _, n := range g.Nodes {
		if n.Kind == KindDecision && len(g.Out(n.ID)) < 2 {
			return fmt.Errorf("decision %s has fewer than two branches", n.ID)
		}
	}
	return nil
}
