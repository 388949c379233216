package compiler

import (
	"fmt"
	"maps"
	"slices"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/memory"
)

// order breaks dependency cycles and sorts items topologically. Cycles
// lose their weakest edge (lowest strength, then smallest key) until none
// remain; the stored graph is never touched. Ready items are taken by
// score, then key.
func (b *build) order() ([]string, error) {
	adj := make(map[string]map[string]eeg.Dependency, len(b.rank))
	for _, k := range b.rank {
		adj[k] = make(map[string]eeg.Dependency)
	}
	for _, d := range b.deps {
		if _, ok := adj[d.From]; !ok {
			continue
		}
		if _, ok := adj[d.To]; !ok {
			continue
		}
		adj[d.From][d.To] = d
	}

	for budget := len(b.deps) + 1; ; budget-- {
		cycle := findCycle(b.rank, adj)
		if cycle == nil {
			break
		}
		if budget == 0 {
			return nil, fmt.Errorf("%w: cycle through %s survives breaking", ErrInvariantViolation, label(cycle[0]))
		}
		weak := weakest(cycle, adj)
		delete(adj[weak.From], weak.To)
		b.diag.BrokenEdges = append(b.diag.BrokenEdges, memory.EdgeKey{From: label(weak.From), To: label(weak.To)})
	}

	b.deps = b.deps[:0]
	indeg := make(map[string]int, len(adj))
	for _, from := range slices.Sorted(maps.Keys(adj)) {
		for _, to := range slices.Sorted(maps.Keys(adj[from])) {
			b.deps = append(b.deps, adj[from][to])
			indeg[to]++
		}
	}

	out := make([]string, 0, len(adj))
	done := make(map[string]bool, len(adj))
	for len(out) < len(adj) {
		next := ""
		for _, k := range b.rank {
			if done[k] || indeg[k] > 0 {
				continue
			}
			if next == "" || b.before(k, next) {
				next = k
			}
		}
		if next == "" {
			return nil, fmt.Errorf("%w: ordering stalled after %d of %d items", ErrInvariantViolation, len(out), len(adj))
		}
		done[next] = true
		out = append(out, next)
		for to := range adj[next] {
			indeg[to]--
		}
	}
	return out, nil
}

func (b *build) before(x, y string) bool {
	sx, sy := b.items[x].score, b.items[y].score
	if sx != sy {
		return sx > sy
	}
	return x < y
}

// findCycle returns the nodes of one cycle, first node repeated last, or
// nil. Traversal order is fixed so the same input finds the same cycle.
func findCycle(nodes []string, adj map[string]map[string]eeg.Dependency) []string {
	const (
		unvisited = iota
		active
		finished
	)
	state := make(map[string]int, len(nodes))
	var stack, cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		state[n] = active
		stack = append(stack, n)
		for _, m := range slices.Sorted(maps.Keys(adj[n])) {
			switch state[m] {
			case unvisited:
				if visit(m) {
					return true
				}
			case active:
				i := slices.Index(stack, m)
				cycle = append(slices.Clone(stack[i:]), m)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = finished
		return false
	}

	for _, n := range slices.Sorted(slices.Values(nodes)) {
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}

func weakest(cycle []string, adj map[string]map[string]eeg.Dependency) eeg.Dependency {
	var w eeg.Dependency
	for i := 0; i+1 < len(cycle); i++ {
		d := adj[cycle[i]][cycle[i+1]]
		if i == 0 || d.Strength < w.Strength ||
			(d.Strength == w.Strength && d.From+"->"+d.To < w.From+"->"+w.To) {
			w = d
		}
	}
	return w
}
