package introspect

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/memory"
)

type PatternKind string

const (
	PathPattern     PatternKind = "path"
	SubPathPattern  PatternKind = "subpath"
	BranchPattern   PatternKind = "branch"
	SubgraphPattern PatternKind = "subgraph"
)

// pipelineStages is the number of compiler stages a module skips.
const pipelineStages = 7

// Pattern is a recurring structure across the history buffer, observed
// under a single trigger fingerprint.
type Pattern struct {
	Kind              PatternKind     `json:"kind"`
	Key               string          `json:"key"`
	Repetitions       int             `json:"repetitions"`
	AverageConfidence float64         `json:"average_confidence"`
	ContextVariance   float64         `json:"context_variance"`
	RewardCorrelation float64         `json:"reward_correlation"`
	EstimatedSpeedup  float64         `json:"estimated_speedup"`
	Fingerprint       uint64          `json:"fingerprint"`
	GoalType          memory.GoalType `json:"goal_type"`
	Domain            string          `json:"domain"`
	Steps             []memory.Step   `json:"steps"`
}

// Score ranks candidates.
func (p Pattern) Score() float64 {
	return float64(p.Repetitions) * p.AverageConfidence * p.EstimatedSpeedup
}

// patternKey scopes a structural key to the fingerprint it recurred under,
// so occurrences from different contexts never pool.
type patternKey struct {
	kind PatternKind
	key  string
	fp   uint64
}

func keysOf(r Record, cfg Config) []patternKey {
	keys := []patternKey{
		{PathPattern, eeg.StepSignature(r.Path), r.Fingerprint},
		{SubgraphPattern, strconv.FormatUint(r.Subgraph, 16), r.Fingerprint},
	}
	seen := make(map[patternKey]bool)
	add := func(k patternKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, b := range r.Branches {
		add(patternKey{BranchPattern, b, r.Fingerprint})
	}
	for _, sub := range subPaths(r.Path, cfg.MinPathLength, cfg.MaxPathLength) {
		add(patternKey{SubPathPattern, sub, r.Fingerprint})
	}
	return keys
}

// subPaths lists the contiguous windows of path from minLen to maxLen
// steps long, excluding path itself. A non-positive minLen disables them.
func subPaths(path []memory.Step, minLen, maxLen int) []string {
	if minLen <= 0 {
		return nil
	}
	if maxLen <= 0 || maxLen >= len(path) {
		maxLen = len(path) - 1
	}
	var out []string
	for n := minLen; n <= maxLen; n++ {
		for i := 0; i+n <= len(path); i++ {
			out = append(out, eeg.StepSignature(path[i:i+n]))
		}
	}
	return out
}

// Patterns recomputes every pattern's statistics from the records inside
// cfg.TimeWindow of now, ordered by kind, key, then fingerprint.
func (h *History) Patterns(cfg Config, now time.Time) []Pattern {
	return mine(within(h.Records(), cfg.TimeWindow, now), cfg)
}

// within keeps the records no older than window before now. A
// non-positive window keeps everything.
func within(records []Record, window time.Duration, now time.Time) []Record {
	if window <= 0 {
		return records
	}
	cutoff := now.Add(-window)
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.At.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func mine(records []Record, cfg Config) []Pattern {
	occurrences := make(map[patternKey][]int)
	for i, r := range records {
		for _, k := range keysOf(r, cfg) {
			occurrences[k] = append(occurrences[k], i)
		}
	}

	successes := 0
	for _, r := range records {
		if r.Outcome == executor.Success {
			successes++
		}
	}

	out := make([]Pattern, 0, len(occurrences))
	for k, idx := range occurrences {
		p := Pattern{Kind: k.kind, Key: k.key, Repetitions: len(idx), Fingerprint: k.fp}
		contexts := make(map[string]int)
		hits := 0
		for n, i := range idx {
			r := records[i]
			p.AverageConfidence += (r.Confidence - p.AverageConfidence) / float64(n+1)
			contexts[r.ContextSignature]++
			if r.Outcome == executor.Success {
				hits++
			}
		}
		p.ContextVariance = memory.Impurity(contexts)
		p.RewardCorrelation = phi(len(records), len(idx), successes, hits)
		n := float64(len(idx))
		p.EstimatedSpeedup = pipelineStages * n / (n + 1)

		last := records[idx[len(idx)-1]]
		p.GoalType, p.Domain = last.GoalType, last.Domain
		p.Steps = append([]memory.Step(nil), last.Shape...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// phi is the correlation between pattern presence and success over total
// records. When either variable is constant it falls back to the success
// rate among occurrences.
func phi(total, present, successes, presentSuccesses int) float64 {
	n11 := float64(presentSuccesses)
	n10 := float64(present - presentSuccesses)
	n01 := float64(successes - presentSuccesses)
	n00 := float64(total - present - successes + presentSuccesses)

	den := math.Sqrt((n11 + n10) * (n01 + n00) * (n11 + n01) * (n10 + n00))
	if den == 0 {
		if present == 0 {
			return 0
		}
		return n11 / float64(present)
	}
	return (n11*n00 - n10*n01) / den
}
