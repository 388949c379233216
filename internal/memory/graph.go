package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScoreWeights are the activation scoring coefficients.
type ScoreWeights struct {
	Confidence float64 `yaml:"confidence"`
	Salience   float64 `yaml:"salience"`
	Keyword    float64 `yaml:"keyword"`
	Spread     float64 `yaml:"spread"`
}

// Options configures a Graph. Zero fields take the defaults.
type Options struct {
	// HopLimit bounds spreading activation and path searches.
	HopLimit int
	// DecayUnit is the duration one decay step represents.
	DecayUnit time.Duration
	// MinDecayRate floors the rate reinforcement can reduce a fragment to.
	MinDecayRate float64
	// EdgeDecayRate applies to edges stored without their own rate.
	EdgeDecayRate float64
	Weights       ScoreWeights
	Clock         func() time.Time
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		HopLimit:      10,
		DecayUnit:     24 * time.Hour,
		MinDecayRate:  0.001,
		EdgeDecayRate: 0.01,
		Weights: ScoreWeights{
			Confidence: 0.4,
			Salience:   0.2,
			Keyword:    0.1,
			Spread:     0.3,
		},
		Clock: time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HopLimit <= 0 {
		o.HopLimit = d.HopLimit
	}
	if o.DecayUnit <= 0 {
		o.DecayUnit = d.DecayUnit
	}
	if o.MinDecayRate <= 0 {
		o.MinDecayRate = d.MinDecayRate
	}
	if o.EdgeDecayRate <= 0 {
		o.EdgeDecayRate = d.EdgeDecayRate
	}
	if o.Weights == (ScoreWeights{}) {
		o.Weights = d.Weights
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// Graph is the fragment store: fragments and edges in id-keyed tables, the
// activation index, co-activation bookkeeping and the compiled-module table.
// A single RWMutex guards all of it.
type Graph struct {
	mu   sync.RWMutex
	opts Options

	fragments map[string]*Fragment
	edges     map[EdgeKey]*Edge
	out       map[string]map[string]struct{}
	in        map[string]map[string]struct{}
	index     *ActivationIndex

	coActivations map[string]*CoActivationPattern
	modules       map[uint64]*CompiledModule

	decayedAt time.Time
}

// New creates an empty graph.
func New(opts Options) *Graph {
	opts = opts.withDefaults()
	return &Graph{
		opts:          opts,
		fragments:     make(map[string]*Fragment),
		edges:         make(map[EdgeKey]*Edge),
		out:           make(map[string]map[string]struct{}),
		in:            make(map[string]map[string]struct{}),
		index:         newActivationIndex(),
		coActivations: make(map[string]*CoActivationPattern),
		modules:       make(map[uint64]*CompiledModule),
		decayedAt:     opts.Clock(),
	}
}

// Options returns the effective configuration.
func (g *Graph) Options() Options { return g.opts }

// InsertFragment commits f together with edges. The call is atomic: a bad
// fragment or any edge endpoint that does not exist once f is included
// rejects the whole batch.
func (g *Graph) InsertFragment(f Fragment, edges []Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := f.validate(); err != nil {
		return err
	}
	if _, exists := g.fragments[f.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFragment, f.ID)
	}
	for _, e := range edges {
		for _, end := range []string{e.From, e.To} {
			if end == f.ID {
				continue
			}
			if _, ok := g.fragments[end]; !ok {
				return fmt.Errorf("%w: %s references %q", ErrDanglingEdge, e.Key(), end)
			}
		}
		if e.Strength < 0 || e.Strength > 1 {
			return fmt.Errorf("%w: edge %s strength %v outside [0,1]", ErrInvalidFragment, e.Key(), e.Strength)
		}
		if e.DecayRate < 0 {
			return fmt.Errorf("%w: edge %s negative decay rate", ErrInvalidFragment, e.Key())
		}
	}

	now := g.opts.Clock()
	stored := f.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	g.fragments[stored.ID] = &stored

	// Edges go in before the fragment becomes reachable through the index.
	for _, e := range edges {
		e := e
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		g.putEdge(&e)
	}
	g.index.add(&stored)
	return nil
}

func (g *Graph) putEdge(e *Edge) {
	g.edges[e.Key()] = e
	if g.out[e.From] == nil {
		g.out[e.From] = make(map[string]struct{})
	}
	g.out[e.From][e.To] = struct{}{}
	if g.in[e.To] == nil {
		g.in[e.To] = make(map[string]struct{})
	}
	g.in[e.To][e.From] = struct{}{}
}

// GetFragment returns a copy of the fragment with the given id.
func (g *Graph) GetFragment(id string) (Fragment, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.fragments[id]
	if !ok {
		return Fragment{}, false
	}
	return f.clone(), true
}

// GetEdge returns the edge from → to.
func (g *Graph) GetEdge(from, to string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[EdgeKey{From: from, To: to}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// EdgesAmong returns every stored edge whose endpoints are both in ids,
// sorted by key.
func (g *Graph) EdgesAmong(ids []string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := toSet(ids)
	var out []Edge
	for _, id := range sortedKeys(set) {
		for _, to := range sortedKeys(g.out[id]) {
			if _, ok := set[to]; ok {
				out = append(out, *g.edges[EdgeKey{From: id, To: to}])
			}
		}
	}
	return out
}

// Neighbors returns the sorted ids adjacent to id in either direction.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbors(id)
}

func (g *Graph) neighbors(id string) []string {
	set := make(map[string]struct{}, len(g.out[id])+len(g.in[id]))
	for n := range g.out[id] {
		set[n] = struct{}{}
	}
	for n := range g.in[id] {
		set[n] = struct{}{}
	}
	return sortedKeys(set)
}

// linkStrength returns the strongest edge between a and b in either direction.
func (g *Graph) linkStrength(a, b string) float64 {
	s := 0.0
	if e, ok := g.edges[EdgeKey{From: a, To: b}]; ok {
		s = e.Strength
	}
	if e, ok := g.edges[EdgeKey{From: b, To: a}]; ok && e.Strength > s {
		s = e.Strength
	}
	return s
}

// Fragments returns copies of all fragments sorted by id.
func (g *Graph) Fragments() []Fragment {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Fragment, 0, len(g.fragments))
	for _, id := range sortedKeys(g.fragments) {
		out = append(out, g.fragments[id].clone())
	}
	return out
}

// Stats summarizes table sizes.
type Stats struct {
	Fragments     int       `json:"fragments"`
	Edges         int       `json:"edges"`
	IndexTerms    int       `json:"index_terms"`
	CoActivations int       `json:"co_activations"`
	Modules       int       `json:"modules"`
	DecayedAt     time.Time `json:"decayed_at"`
}

// Stats returns current table sizes.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		Fragments:     len(g.fragments),
		Edges:         len(g.edges),
		IndexTerms:    len(g.index.goal) + len(g.index.domain) + len(g.index.keyword),
		CoActivations: len(g.coActivations),
		Modules:       len(g.modules),
		DecayedAt:     g.decayedAt,
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
}
