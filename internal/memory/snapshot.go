package memory

import (
	"fmt"
	"sort"
	"time"
)

// Snapshot is a full copy of the graph's tables. Index is optional; when
// it is nil or carries a different format version Restore rebuilds it.
type Snapshot struct {
	DecayedAt     time.Time
	Fragments     []Fragment
	Edges         []Edge
	CoActivations []CoActivationPattern
	Modules       []CompiledModule
	Index         *IndexTables
}

// Snapshot copies every table under the read lock.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := Snapshot{
		DecayedAt: g.decayedAt,
		Fragments: make([]Fragment, 0, len(g.fragments)),
		Edges:     make([]Edge, 0, len(g.edges)),
		Index:     g.index.tables(),
	}
	for _, id := range sortedKeys(g.fragments) {
		snap.Fragments = append(snap.Fragments, g.fragments[id].clone())
	}
	for _, e := range g.edges {
		snap.Edges = append(snap.Edges, *e)
	}
	sortEdges(snap.Edges)
	for _, sig := range sortedKeys(g.coActivations) {
		snap.CoActivations = append(snap.CoActivations, g.coActivations[sig].clone())
	}
	for _, m := range g.modules {
		snap.Modules = append(snap.Modules, m.clone())
	}
	sort.Slice(snap.Modules, func(i, j int) bool { return snap.Modules[i].Fingerprint < snap.Modules[j].Fingerprint })
	return snap
}

// Restore builds a graph from snap. Every fragment must validate, every
// edge endpoint and co-activation member must exist, and module
// fingerprints must be unique.
func Restore(snap Snapshot, opts Options) (*Graph, error) {
	g := New(opts)
	if !snap.DecayedAt.IsZero() {
		g.decayedAt = snap.DecayedAt
	}

	for i := range snap.Fragments {
		f := snap.Fragments[i].clone()
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		if _, dup := g.fragments[f.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate fragment %s", ErrInvalidSnapshot, f.ID)
		}
		g.fragments[f.ID] = &f
	}
	for _, e := range snap.Edges {
		e := e
		if _, ok := g.fragments[e.From]; !ok {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidSnapshot, ErrDanglingEdge, e.Key())
		}
		if _, ok := g.fragments[e.To]; !ok {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidSnapshot, ErrDanglingEdge, e.Key())
		}
		if e.Strength < 0 || e.Strength > 1 {
			return nil, fmt.Errorf("%w: edge %s strength %v", ErrInvalidSnapshot, e.Key(), e.Strength)
		}
		g.putEdge(&e)
	}
	for _, p := range snap.CoActivations {
		p := p.clone()
		for _, id := range p.FragmentIDs {
			if _, ok := g.fragments[id]; !ok {
				return nil, fmt.Errorf("%w: co-activation %s references %q", ErrInvalidSnapshot, p.Signature, id)
			}
		}
		if p.Signature == "" {
			p.Signature = CoActivationSignature(p.FragmentIDs)
		}
		g.coActivations[p.Signature] = &p
	}
	for _, m := range snap.Modules {
		m := m.clone()
		if m.Fingerprint == 0 || len(m.Steps) == 0 {
			return nil, fmt.Errorf("%w: module %q", ErrInvalidSnapshot, m.ID)
		}
		if _, dup := g.modules[m.Fingerprint]; dup {
			return nil, fmt.Errorf("%w: duplicate module fingerprint %x", ErrInvalidSnapshot, m.Fingerprint)
		}
		g.modules[m.Fingerprint] = &m
	}

	if ix, ok := indexFromTables(snap.Index, g.fragments); ok {
		g.index = ix
	} else {
		g.rebuildIndex()
	}
	return g, nil
}

// rebuildIndex re-derives the activation index from the fragment table.
func (g *Graph) rebuildIndex() {
	ix := newActivationIndex()
	for _, id := range sortedKeys(g.fragments) {
		ix.add(g.fragments[id])
	}
	g.index = ix
}
