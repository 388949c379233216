package introspect

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/engram/internal/memory"
)

// Config holds the fossilization thresholds.
type Config struct {
	MinRepetition        int     `yaml:"min_repetition" json:"min_repetition"`
	MinConfidence        float64 `yaml:"min_confidence" json:"min_confidence"`
	MaxContextVariance   float64 `yaml:"max_context_variance" json:"max_context_variance"`
	MinRewardCorrelation float64 `yaml:"min_reward_correlation" json:"min_reward_correlation"`
	MinSpeedup           float64 `yaml:"min_speedup" json:"min_speedup"`
	MaxCandidatesPerRun  int     `yaml:"max_candidates_per_run" json:"max_candidates_per_run"`

	// MinPathLength and MaxPathLength bound the trace windows mined as
	// sub-paths. A zero MinPathLength mines whole traces only.
	MinPathLength int `yaml:"min_path_length" json:"min_path_length"`
	MaxPathLength int `yaml:"max_path_length" json:"max_path_length"`
	// TimeWindow limits mining to recent records; zero mines the whole
	// buffer.
	TimeWindow time.Duration `yaml:"time_window" json:"time_window"`
}

func DefaultConfig() Config {
	return Config{
		MinRepetition:        10,
		MinConfidence:        0.8,
		MaxContextVariance:   0.3,
		MinRewardCorrelation: 0.7,
		MinSpeedup:           2.0,
		MaxCandidatesPerRun:  5,
		MinPathLength:        3,
		MaxPathLength:        8,
	}
}

// Qualifies reports whether p passes every threshold in cfg.
func (cfg Config) Qualifies(p Pattern) bool {
	return p.Fingerprint != 0 &&
		len(p.Steps) > 0 &&
		p.Repetitions >= cfg.MinRepetition &&
		p.AverageConfidence >= cfg.MinConfidence &&
		p.ContextVariance <= cfg.MaxContextVariance &&
		p.RewardCorrelation >= cfg.MinRewardCorrelation &&
		p.EstimatedSpeedup >= cfg.MinSpeedup
}

// Candidates returns the qualifying patterns, best first, at most one per
// fingerprint and at most MaxCandidatesPerRun.
func (h *History) Candidates(cfg Config, now time.Time) []Pattern {
	return candidates(h.Patterns(cfg, now), cfg)
}

func candidates(patterns []Pattern, cfg Config) []Pattern {
	var qualified []Pattern
	for _, p := range patterns {
		if cfg.Qualifies(p) {
			qualified = append(qualified, p)
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		return qualified[i].Score() > qualified[j].Score()
	})

	seen := make(map[uint64]bool)
	var out []Pattern
	for _, p := range qualified {
		if seen[p.Fingerprint] {
			continue
		}
		seen[p.Fingerprint] = true
		out = append(out, p)
		if cfg.MaxCandidatesPerRun > 0 && len(out) == cfg.MaxCandidatesPerRun {
			break
		}
	}
	return out
}

// ModuleStore is where fossilized modules go.
type ModuleStore interface {
	StoreModule(m memory.CompiledModule) error
	LookupModule(fingerprint uint64) (memory.CompiledModule, bool)
}

// Fossilize promotes the current candidates into compiled modules.
// Fingerprints that already have a module are left alone.
func (h *History) Fossilize(store ModuleStore, cfg Config, now time.Time) ([]memory.CompiledModule, error) {
	var promoted []memory.CompiledModule
	for _, p := range h.Candidates(cfg, now) {
		if _, exists := store.LookupModule(p.Fingerprint); exists {
			continue
		}
		m := memory.CompiledModule{
			ID:               uuid.NewString(),
			Fingerprint:      p.Fingerprint,
			Kind:             string(p.Kind),
			GoalType:         p.GoalType,
			Domain:           p.Domain,
			Steps:            p.Steps,
			Confidence:       p.AverageConfidence,
			EstimatedSpeedup: p.EstimatedSpeedup,
			CreatedAt:        now,
		}
		if err := store.StoreModule(m); err != nil {
			return promoted, fmt.Errorf("store module for %s pattern: %w", p.Kind, err)
		}
		promoted = append(promoted, m)
	}
	return promoted, nil
}
