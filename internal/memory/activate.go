package memory

import (
	"sort"
)

// Activation is a fragment selected for a context, with its score parts.
type Activation struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Matches int     `json:"matches"`
	Spread  float64 `json:"spread"`
	// GoalHit marks fragments matched by a goal term rather than only by
	// domain or focus terms.
	GoalHit bool `json:"goal_hit"`
}

type hit struct {
	matches int
	goalHit bool
}

// Activate selects the fragments relevant to cv: the union of index hits
// for the context terms, filtered by the confidence threshold and exclusion
// patterns, scored and truncated to cv.MaxFragments. It does not modify the
// graph, so identical inputs give identical output.
func (g *Graph) Activate(cv ContextVector) ([]Activation, error) {
	if err := cv.Validate(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	hits := g.candidates(cv)
	bonus := g.spread(hits)

	w := g.opts.Weights
	out := make([]Activation, 0, len(hits))
	for id, h := range hits {
		f := g.fragments[id]
		b := bonus[id]
		if b > 1 {
			b = 1
		}
		out = append(out, Activation{
			ID:      id,
			Score:   w.Confidence*f.Confidence + w.Salience*f.Salience + w.Keyword*float64(h.matches) + w.Spread*b,
			Matches: h.matches,
			Spread:  b,
			GoalHit: h.goalHit,
		})
	}
	g.rank(out)
	if len(out) > cv.MaxFragments {
		out = out[:cv.MaxFragments]
	}
	return out, nil
}

// Probe returns the thresholded index hits for cv scored without spreading
// activation. It is the cheap lookup used to bind cached modules.
func (g *Graph) Probe(cv ContextVector) []Activation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	hits := g.candidates(cv)
	w := g.opts.Weights
	out := make([]Activation, 0, len(hits))
	for id, h := range hits {
		f := g.fragments[id]
		out = append(out, Activation{
			ID:      id,
			Score:   w.Confidence*f.Confidence + w.Salience*f.Salience + w.Keyword*float64(h.matches),
			Matches: h.matches,
			GoalHit: h.goalHit,
		})
	}
	g.rank(out)
	return out
}

func (g *Graph) candidates(cv ContextVector) map[string]hit {
	hits := make(map[string]hit)
	mark := func(postings map[string]struct{}, term string, goal bool, seen map[string]map[string]struct{}) {
		for id := range postings {
			if seen[id] == nil {
				seen[id] = make(map[string]struct{})
			}
			h := hits[id]
			if _, dup := seen[id][term]; !dup {
				seen[id][term] = struct{}{}
				h.matches++
			}
			h.goalHit = h.goalHit || goal
			hits[id] = h
		}
	}

	seen := make(map[string]map[string]struct{})
	for _, t := range cv.GoalTerms() {
		mark(g.index.goal[t], t, true, seen)
		mark(g.index.keyword[t], t, true, seen)
	}
	for _, t := range cv.DomainTerms() {
		mark(g.index.domain[t], t, false, seen)
		mark(g.index.keyword[t], t, false, seen)
	}
	for _, t := range cv.FocusTerms() {
		mark(g.index.keyword[t], t, false, seen)
	}

	for id := range hits {
		f, ok := g.fragments[id]
		if !ok || f.Confidence < cv.ConfidenceThreshold || cv.ExcludesAny(FragmentKeywords(*f)) {
			delete(hits, id)
		}
	}
	return hits
}

// spread propagates activation from every matched fragment along edges in
// both directions, attenuated by edge strength and halved per hop, up to
// the hop limit. Only matched fragments receive a bonus.
func (g *Graph) spread(hits map[string]hit) map[string]float64 {
	bonus := make(map[string]float64, len(hits))
	for _, src := range sortedKeys(hits) {
		best := map[string]float64{src: 1}
		frontier := []string{src}
		for hop := 1; hop <= g.opts.HopLimit && len(frontier) > 0; hop++ {
			var next []string
			for _, cur := range frontier {
				for _, n := range g.neighbors(cur) {
					w := best[cur] * g.linkStrength(cur, n) * 0.5
					if w <= best[n] || w < 1e-6 {
						continue
					}
					if _, seen := best[n]; !seen {
						next = append(next, n)
					}
					best[n] = w
				}
			}
			frontier = next
		}
		for id, w := range best {
			if id == src {
				continue
			}
			if _, ok := hits[id]; ok {
				bonus[id] += w
			}
		}
	}
	return bonus
}

// rank orders by score, then most recent activation, then id.
func (g *Graph) rank(acts []Activation) {
	sort.Slice(acts, func(i, j int) bool {
		if acts[i].Score != acts[j].Score {
			return acts[i].Score > acts[j].Score
		}
		ti, tj := g.fragments[acts[i].ID].LastActivated, g.fragments[acts[j].ID].LastActivated
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return acts[i].ID < acts[j].ID
	})
}

// Bridges returns fragments adjacent to both a and b, excluding the ids in
// skip and any below minConfidence, strongest first.
func (g *Graph) Bridges(a, b string, minConfidence float64, skip map[string]struct{}) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bn := toSet(g.neighbors(b))
	type cand struct {
		id    string
		score float64
	}
	var cands []cand
	for _, n := range g.neighbors(a) {
		if n == a || n == b {
			continue
		}
		if _, ok := bn[n]; !ok {
			continue
		}
		if _, ok := skip[n]; ok {
			continue
		}
		f := g.fragments[n]
		if f.Confidence < minConfidence {
			continue
		}
		cands = append(cands, cand{id: n, score: f.Confidence * (g.linkStrength(a, n) + g.linkStrength(n, b))})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].id < cands[j].id
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// Match finds the fragment sharing the most keyword terms with terms among
// those at or above minConfidence, ignoring ids in skip.
func (g *Graph) Match(terms []string, minConfidence float64, skip map[string]struct{}) (Fragment, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[string]int)
	for _, t := range expandTerms(terms) {
		for _, postings := range []map[string]struct{}{g.index.goal[t], g.index.domain[t], g.index.keyword[t]} {
			for id := range postings {
				counts[id]++
			}
		}
	}
	var best *Fragment
	bestCount := 0
	for _, id := range sortedKeys(counts) {
		if _, ok := skip[id]; ok {
			continue
		}
		f := g.fragments[id]
		if f.Confidence < minConfidence {
			continue
		}
		c := counts[id]
		if best == nil || c > bestCount || (c == bestCount && f.Confidence > best.Confidence) {
			best, bestCount = f, c
		}
	}
	if best == nil {
		return Fragment{}, false
	}
	return best.clone(), true
}
