package memory

import (
	"sort"
	"strings"
	"time"
)

// CoActivationPattern tracks a set of fragments that were retained together.
type CoActivationPattern struct {
	Signature         string         `json:"signature"`
	FragmentIDs       []string       `json:"fragment_ids"`
	ActivationCount   int            `json:"activation_count"`
	AverageConfidence float64        `json:"average_confidence"`
	LastActivated     time.Time      `json:"last_activated"`
	Contexts          map[string]int `json:"contexts"`
}

// ContextVariance is the Gini impurity of the context signatures the
// pattern was seen under: 0 when every occurrence shares one signature.
func (p CoActivationPattern) ContextVariance() float64 {
	return Impurity(p.Contexts)
}

func (p CoActivationPattern) clone() CoActivationPattern {
	p.FragmentIDs = append([]string(nil), p.FragmentIDs...)
	ctx := make(map[string]int, len(p.Contexts))
	for k, v := range p.Contexts {
		ctx[k] = v
	}
	p.Contexts = ctx
	return p
}

// Impurity returns 1 − Σp² over the count distribution.
func Impurity(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		sum += p * p
	}
	return 1 - sum
}

// CoActivationSignature keys a fragment-id set independent of order.
func CoActivationSignature(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// RecordCoActivation counts one joint activation of ids under the given
// context signature. Sets of fewer than two fragments are ignored.
func (g *Graph) RecordCoActivation(ids []string, contextSignature string) {
	uniq := sortedKeys(toSet(ids))
	if len(uniq) < 2 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	total, n := 0.0, 0
	for _, id := range uniq {
		if f, ok := g.fragments[id]; ok {
			total += f.Confidence
			n++
		}
	}
	mean := 0.0
	if n > 0 {
		mean = total / float64(n)
	}

	sig := strings.Join(uniq, ",")
	p, ok := g.coActivations[sig]
	if !ok {
		p = &CoActivationPattern{Signature: sig, FragmentIDs: uniq, Contexts: make(map[string]int)}
		g.coActivations[sig] = p
	}
	p.ActivationCount++
	p.AverageConfidence += (mean - p.AverageConfidence) / float64(p.ActivationCount)
	p.LastActivated = g.opts.Clock()
	p.Contexts[contextSignature]++
}

// CoActivations returns all patterns ordered by signature.
func (g *Graph) CoActivations() []CoActivationPattern {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CoActivationPattern, 0, len(g.coActivations))
	for _, sig := range sortedKeys(g.coActivations) {
		out = append(out, g.coActivations[sig].clone())
	}
	return out
}
