package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepKind tags the node kinds of an execution graph.
type StepKind string

const (
	StepFragment StepKind = "fragment"
	StepDecision StepKind = "decision"
	StepGap      StepKind = "gap"
	StepAction   StepKind = "action"
)

// Step is one position of a shape-only execution sequence. Fragment steps
// name a fragment type and are re-bound to concrete fragments at match time.
// Recruited fragment steps were bridged in by gap filling rather than
// activated, and are re-bound through the graph instead of the index.
type Step struct {
	Kind         StepKind     `json:"kind"`
	FragmentType FragmentType `json:"fragment_type,omitempty"`
	Recruited    bool         `json:"recruited,omitempty"`
	Label        string       `json:"label,omitempty"`
	ActionID     string       `json:"action_id,omitempty"`
}

func (s Step) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.FragmentType != "" {
		b.WriteString(":" + string(s.FragmentType))
	}
	if s.Recruited {
		b.WriteString("~bridge")
	}
	if s.ActionID != "" {
		b.WriteString("!" + s.ActionID)
	}
	if s.Label != "" {
		b.WriteString("#" + s.Label)
	}
	return b.String()
}

// CompiledModule is a fossilized compilation: a deterministic step sequence
// looked up by exact trigger fingerprint.
type CompiledModule struct {
	ID               string    `json:"id"`
	Fingerprint      uint64    `json:"fingerprint"`
	Kind             string    `json:"kind"`
	GoalType         GoalType  `json:"goal_type"`
	Domain           string    `json:"domain"`
	Steps            []Step    `json:"steps"`
	Confidence       float64   `json:"confidence"`
	UsageCount       int       `json:"usage_count"`
	EstimatedSpeedup float64   `json:"estimated_speedup"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsed         time.Time `json:"last_used"`
}

func (m CompiledModule) clone() CompiledModule {
	m.Steps = append([]Step(nil), m.Steps...)
	return m
}

// StoreModule installs m, replacing any module with the same fingerprint.
func (g *Graph) StoreModule(m CompiledModule) error {
	if m.Fingerprint == 0 {
		return fmt.Errorf("%w: zero fingerprint", ErrInvalidModule)
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidModule)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidModule)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := m.clone()
	c.Confidence = clamp01(c.Confidence)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = g.opts.Clock()
	}
	g.modules[c.Fingerprint] = &c
	return nil
}

// LookupModule is an exact fingerprint match.
func (g *Graph) LookupModule(fingerprint uint64) (CompiledModule, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[fingerprint]
	if !ok {
		return CompiledModule{}, false
	}
	return m.clone(), true
}

// TouchModule records a fast-path use of the module.
func (g *Graph) TouchModule(fingerprint uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.modules[fingerprint]; ok {
		m.UsageCount++
		m.LastUsed = g.opts.Clock()
	}
}

// Modules returns all compiled modules ordered by fingerprint.
func (g *Graph) Modules() []CompiledModule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CompiledModule, 0, len(g.modules))
	for _, m := range g.modules {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}
