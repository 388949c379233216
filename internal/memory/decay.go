package memory

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Decay applies time-based loss to every fragment's confidence and every
// edge's strength: value ← value·(1−rate)^units, where units is the time
// since the previous decay measured in DecayUnit. A now at or before the
// previous decay is a no-op. Returns the number of records changed.
//
// The graph never decays on its own; callers decide when.
func (g *Graph) Decay(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !now.After(g.decayedAt) {
		return 0
	}
	units := float64(now.Sub(g.decayedAt)) / float64(g.opts.DecayUnit)
	g.decayedAt = now

	changed := 0
	for _, f := range g.fragments {
		next := decayed(f.Confidence, f.DecayRate, units)
		if next < f.Confidence {
			f.Confidence = next
			changed++
		}
	}
	for _, e := range g.edges {
		rate := e.DecayRate
		if rate <= 0 {
			rate = g.opts.EdgeDecayRate
		}
		next := decayed(e.Strength, rate, units)
		if next < e.Strength {
			e.Strength = next
			changed++
		}
	}
	return changed
}

func decayed(value, rate, units float64) float64 {
	if rate >= 1 {
		return 0
	}
	v := value * math.Pow(1-rate, units)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// DecayedAt reports when decay last ran.
func (g *Graph) DecayedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.decayedAt
}

// Reinforce applies signal to every fragment in ids and to every edge whose
// endpoints are both in ids.
//
// A positive signal moves confidence asymptotically toward 1
// (c ← c + s·(1−c)), counts as a reinforcement, stamps the activation time
// and halves the decay rate each time the reinforcement count doubles. A
// negative signal mirrors the update toward 0 without counting. Confidence
// stays in [0,1] for any signal. Unknown ids are reported after the known
// ones have been updated.
func (g *Graph) Reinforce(ids []string, signal float64) error {
	deltas := make(map[string]float64, len(ids))
	for _, id := range ids {
		deltas[id] = signal
	}
	return g.ReinforceEach(deltas)
}

// ReinforceEach applies a per-fragment signal. Edges between two reinforced
// fragments receive the mean of their endpoints' signals.
func (g *Graph) ReinforceEach(signals map[string]float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.Clock()
	var unknown []string
	for _, id := range sortedKeys(signals) {
		f, ok := g.fragments[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		s := signals[id]
		f.Confidence = applySignal(f.Confidence, s)
		if s > 0 {
			f.ReinforcementCount++
			f.LastActivated = now
			f.ActivationHistory = append(f.ActivationHistory, now)
			if n := f.ReinforcementCount; n >= 2 && n&(n-1) == 0 && f.DecayRate > g.opts.MinDecayRate {
				f.DecayRate = math.Max(f.DecayRate/2, g.opts.MinDecayRate)
			}
		}
	}

	for key, e := range g.edges {
		sf, okFrom := signals[key.From]
		st, okTo := signals[key.To]
		if !okFrom || !okTo {
			continue
		}
		if _, ok := g.fragments[key.From]; !ok {
			continue
		}
		e.Strength = applySignal(e.Strength, (sf+st)/2)
	}

	if len(unknown) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownFragment, unknown)
	}
	return nil
}

func applySignal(v, s float64) float64 {
	if math.IsNaN(s) {
		return v
	}
	if s >= 0 {
		return clamp01(v + s*(1-v))
	}
	return clamp01(v + s*v)
}

// IsUnknown reports whether err only flags ids missing from the graph.
func IsUnknown(err error) bool { return errors.Is(err, ErrUnknownFragment) }
