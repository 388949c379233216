// Package introspect mines execution history for recurring patterns and
// promotes the stable ones into compiled modules.
package introspect

import (
	"sort"
	"sync"
	"time"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/memory"
)

// DefaultCapacity bounds the history buffer.
const DefaultCapacity = 256

// Record is an identity-free summary of one execution.
type Record struct {
	// Path is the step shape of the executed trace.
	Path []memory.Step `json:"path"`
	// Branches holds one "<target step>=<label>" key per decision taken.
	Branches []string `json:"branches,omitempty"`
	// Subgraph is the structure hash of the compiled graph.
	Subgraph uint64 `json:"subgraph"`
	// Shape is the step shape of the compiled graph.
	Shape            []memory.Step    `json:"shape"`
	ContextSignature string           `json:"context_signature"`
	GoalType         memory.GoalType  `json:"goal_type"`
	Domain           string           `json:"domain"`
	Fingerprint      uint64           `json:"fingerprint"`
	Outcome          executor.Outcome `json:"outcome"`
	Confidence       float64          `json:"confidence"`
	FastPath         bool             `json:"fast_path"`
	At               time.Time        `json:"at"`
}

// NewRecord summarizes an execution of g under cv.
func NewRecord(g *eeg.Graph, cv memory.ContextVector, res *executor.Result, at time.Time) Record {
	r := Record{
		Subgraph:         eeg.StructureHash(g),
		Shape:            eeg.Shape(g),
		ContextSignature: cv.Signature(),
		GoalType:         cv.Goal.Type,
		Domain:           cv.PrimaryDomain(),
		Fingerprint:      g.Fingerprint,
		Outcome:          res.Outcome,
		Confidence:       res.Confidence,
		FastPath:         g.FastPath,
		At:               at,
	}
	for _, id := range res.Trace {
		if n, ok := g.Node(id); ok {
			r.Path = append(r.Path, eeg.StepOf(*n))
		}
	}
	for _, b := range res.Branches {
		if b.Label == "" {
			continue
		}
		target := "none"
		if n, ok := g.Node(b.Target); ok {
			target = eeg.StepOf(*n).String()
		}
		r.Branches = append(r.Branches, target+"="+b.Label)
	}
	sort.Strings(r.Branches)
	return r
}

// History is a fixed-capacity ring buffer; the oldest record is evicted
// when full.
type History struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{buf: make([]Record, capacity)}
}

func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Records returns the buffered records, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Record(nil), h.buf[:h.next]...)
	}
	out := make([]Record, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

func (h *History) Cap() int { return len(h.buf) }
