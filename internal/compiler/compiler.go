// Package compiler turns activated memory fragments into an executable
// graph for a single query.
package compiler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/memory"
)

var (
	// ErrNoActivation is returned, together with a valid single-gap graph,
	// when nothing activates and the goal requires fragments.
	ErrNoActivation = errors.New("no fragments activated")

	ErrInvariantViolation = errors.New("compiler invariant violated")

	// ErrResourceExhausted is only returned under StrictBudget.
	ErrResourceExhausted = errors.New("resource budget exhausted")
)

// Memory is the read-only view of the memory graph the compiler needs.
type Memory interface {
	Activate(cv memory.ContextVector) ([]memory.Activation, error)
	Probe(cv memory.ContextVector) []memory.Activation
	GetFragment(id string) (memory.Fragment, bool)
	EdgesAmong(ids []string) []memory.Edge
	Bridges(a, b string, minConfidence float64, skip map[string]struct{}) []string
	LookupModule(fingerprint uint64) (memory.CompiledModule, bool)
	Options() memory.Options
}

// Costs are the per-kind node costs charged against the resource budget.
type Costs struct {
	Fragment float64 `yaml:"fragment"`
	Decision float64 `yaml:"decision"`
	Gap      float64 `yaml:"gap"`
	Action   float64 `yaml:"action"`
}

type Options struct {
	// MaxGapAttempts bounds the bridge candidates examined per gap.
	MaxGapAttempts int
	Costs          Costs
	// StrictBudget turns an unsatisfiable budget into ErrResourceExhausted
	// instead of a diagnostic.
	StrictBudget bool
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxGapAttempts: 16,
		Costs:          Costs{Fragment: 1, Decision: 0.5, Gap: 1.5, Action: 0.5},
	}
}

// Stats counts compilations by path.
type Stats struct {
	FullPath int64 `json:"full_path"`
	FastPath int64 `json:"fast_path"`
}

// Compiler is stateless apart from its invocation counters and safe for
// concurrent use.
type Compiler struct {
	opts Options
	log  *zap.Logger

	fullPath atomic.Int64
	fastPath atomic.Int64
}

func New(opts Options) *Compiler {
	d := DefaultOptions()
	if opts.MaxGapAttempts <= 0 {
		opts.MaxGapAttempts = d.MaxGapAttempts
	}
	if opts.Costs == (Costs{}) {
		opts.Costs = d.Costs
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{opts: opts, log: log.Named("compiler")}
}

func (c *Compiler) Stats() Stats {
	return Stats{FullPath: c.fullPath.Load(), FastPath: c.fastPath.Load()}
}

// Compile builds the execution graph for cv. A compiled module whose
// fingerprint matches the context short-circuits the full pipeline.
func (c *Compiler) Compile(cv memory.ContextVector, mem Memory) (*eeg.Graph, error) {
	if err := cv.Validate(); err != nil {
		return nil, err
	}

	hits := loadHits(mem, mem.Probe(cv))
	fp := fingerprint(cv, hits)

	if m, ok := mem.LookupModule(fp); ok {
		c.fastPath.Add(1)
		g := c.bind(cv, mem, m, hits)
		g.Fingerprint = fp
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%w: module %s: %v", ErrInvariantViolation, m.ID, err)
		}
		c.log.Debug("compiled via module",
			zap.String("module", m.ID),
			zap.Int("nodes", len(g.Nodes)),
			zap.Int("gaps", g.Diagnostics.Gaps))
		return g, nil
	}

	c.fullPath.Add(1)
	g, err := c.compile(cv, mem)
	if g != nil {
		g.Fingerprint = fp
	}
	if err != nil && !errors.Is(err, ErrNoActivation) && !errors.Is(err, ErrResourceExhausted) {
		return nil, err
	}
	if g != nil {
		if verr := g.Validate(); verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, verr)
		}
		c.log.Debug("compiled",
			zap.String("goal", string(cv.Goal.Type)),
			zap.Int("nodes", len(g.Nodes)),
			zap.Int("dropped", len(g.Diagnostics.Dropped)),
			zap.Int("recruited", len(g.Diagnostics.Recruited)),
			zap.Int("gaps", g.Diagnostics.Gaps),
			zap.Int("pruned", len(g.Diagnostics.Pruned)))
	}
	return g, err
}

type probeHit struct {
	act  memory.Activation
	frag memory.Fragment
}

func loadHits(mem Memory, acts []memory.Activation) []probeHit {
	hits := make([]probeHit, 0, len(acts))
	for _, a := range acts {
		if f, ok := mem.GetFragment(a.ID); ok {
			hits = append(hits, probeHit{act: a, frag: f})
		}
	}
	return hits
}

// fingerprint keys a context by goal type, primary domain and the set of
// fragment types its index probe surfaces.
func fingerprint(cv memory.ContextVector, hits []probeHit) uint64 {
	types := make([]memory.FragmentType, len(hits))
	for i, h := range hits {
		types[i] = h.frag.Type
	}
	return eeg.Fingerprint(cv.Goal.Type, cv.PrimaryDomain(), eeg.TypeSignature(types))
}

// bind re-attaches a module's shape to concrete fragments. Probe hits
// first go through the same conflict resolution as a full compilation.
// Each fragment step then takes the best surviving unused hit of its type,
// and each recruited step is bridged again between its bound neighbours.
// A step left unbound becomes a gap.
func (c *Compiler) bind(cv memory.ContextVector, mem Memory, m memory.CompiledModule, hits []probeHit) *eeg.Graph {
	b := newBuild(cv, mem)

	frags := make([]*memory.Fragment, len(hits))
	for i := range hits {
		frags[i] = &hits[i].frag
	}
	used := make(map[string]struct{}, len(hits))
	for _, cf := range conflicts(frags) {
		b.dropped[cf.Dropped] = struct{}{}
		b.diag.Dropped = append(b.diag.Dropped, cf)
		used[cf.Dropped] = struct{}{}
	}

	bound := make([]*item, len(m.Steps))
	for i, s := range m.Steps {
		if s.Kind != memory.StepFragment || s.Recruited {
			continue
		}
		for _, h := range hits {
			if _, taken := used[h.frag.ID]; taken || h.frag.Type != s.FragmentType {
				continue
			}
			used[h.frag.ID] = struct{}{}
			f := h.frag
			bound[i] = &item{frag: &f, score: h.act.Score, goal: h.act.GoalHit}
			break
		}
	}
	for i, s := range m.Steps {
		if s.Kind != memory.StepFragment || !s.Recruited {
			continue
		}
		prev, next := boundNear(bound, i, -1), boundNear(bound, i, 1)
		if prev != nil && next != nil {
			bound[i] = c.rebridge(b, prev, next, s.FragmentType, used)
		}
	}

	var order []string
	prev := ""
	for i, s := range m.Steps {
		switch s.Kind {
		case memory.StepFragment:
			if it := bound[i]; it != nil {
				order = append(order, b.add(it))
				prev = it.frag.ID
				continue
			}
			next := ""
			if it := boundNear(bound, i, 1); it != nil {
				next = it.frag.ID
			}
			order = append(order, b.addGap(prev, next, cv.GoalTerms(), string(s.FragmentType), 0))
		case memory.StepGap:
			order = append(order, b.addGap(prev, "", cv.GoalTerms(), "", 0))
		}
	}

	required := make(map[string]bool, len(order))
	for _, k := range order {
		required[k] = true
	}
	g := c.assemble(b, order, required)
	g.FastPath = true
	g.ModuleID = m.ID
	return g
}

// boundNear returns the nearest bound step from i in direction dir.
func boundNear(bound []*item, i, dir int) *item {
	for j := i + dir; j >= 0 && j < len(bound); j += dir {
		if bound[j] != nil {
			return bound[j]
		}
	}
	return nil
}

// rebridge finds a fragment of type t linking prev and next, the way gap
// filling recruited it when the module was first compiled.
func (c *Compiler) rebridge(b *build, prev, next *item, t memory.FragmentType, used map[string]struct{}) *item {
	if b.mem.Options().HopLimit < 2 {
		return nil
	}
	cands := b.mem.Bridges(prev.frag.ID, next.frag.ID, b.cv.ConfidenceThreshold, used)
	for i, id := range cands {
		if i >= c.opts.MaxGapAttempts {
			break
		}
		f, ok := b.mem.GetFragment(id)
		if !ok || f.Type != t || b.cv.ExcludesAny(memory.FragmentKeywords(f)) {
			continue
		}
		used[id] = struct{}{}
		b.diag.Recruited = append(b.diag.Recruited, id)
		return &item{frag: &f, score: (prev.score + next.score) / 2, recruited: true}
	}
	return nil
}
