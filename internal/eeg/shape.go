package eeg

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lazypower/engram/internal/memory"
)

// Shape strips identities from g, leaving the step sequence.
func Shape(g *Graph) []memory.Step {
	steps := make([]memory.Step, len(g.Nodes))
	for i, n := range g.Nodes {
		steps[i] = StepOf(n)
	}
	return steps
}

// StepOf returns the identity-free step for n.
func StepOf(n Node) memory.Step {
	s := memory.Step{Kind: n.Kind, FragmentType: n.FragmentType}
	if n.Kind == KindFragment {
		s.Recruited = n.Recruited
	}
	if n.Kind == KindAction {
		s.ActionID = n.ActionID
	}
	return s
}

// StepSignature renders steps as a single comparable key.
func StepSignature(steps []memory.Step) string {
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

// TypeSignature is the sorted set of distinct fragment types.
func TypeSignature(types []memory.FragmentType) string {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[string(t)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Fingerprint hashes the trigger of a compilation. Zero is reserved for
// "no fingerprint".
func Fingerprint(goal memory.GoalType, domain, shape string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(goal))
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.WriteString(domain)
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.WriteString(shape)
	if sum := h.Sum64(); sum != 0 {
		return sum
	}
	return 1
}

// StructureHash hashes the node multiset and labelled edge set of g over
// node kinds and fragment types, so graphs that differ only in ids hash
// the same.
func StructureHash(g *Graph) uint64 {
	nodes := make([]string, len(g.Nodes))
	kind := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		nodes[i] = StepOf(n).String()
		kind[n.ID] = nodes[i]
	}
	sort.Strings(nodes)

	edges := make([]string, len(g.Edges))
	for i, e := range g.Edges {
		edges[i] = kind[e.From] + "-" + e.Label + "->" + kind[e.To]
	}
	sort.Strings(edges)

	return xxhash.Sum64String(strings.Join(nodes, "|") + "#" + strings.Join(edges, "|"))
}
