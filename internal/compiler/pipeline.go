package compiler

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/memory"
)

// item is a unit placed in execution order: a fragment or a gap.
type item struct {
	key       string
	frag      *memory.Fragment
	gap       *eeg.Gap
	score     float64
	goal      bool
	recruited bool
}

type build struct {
	cv  memory.ContextVector
	mem Memory

	items   map[string]*item
	rank    []string
	dropped map[string]struct{}
	deps    []eeg.Dependency
	diag    eeg.Diagnostics
}

func newBuild(cv memory.ContextVector, mem Memory) *build {
	return &build{
		cv:      cv,
		mem:     mem,
		items:   make(map[string]*item),
		dropped: make(map[string]struct{}),
	}
}

func fragKey(id string) string { return "frag:" + id }

func (b *build) add(it *item) string {
	if it.key == "" {
		it.key = fragKey(it.frag.ID)
	}
	b.items[it.key] = it
	b.rank = append(b.rank, it.key)
	return it.key
}

func (b *build) addGap(from, to string, terms []string, relation string, score float64) string {
	b.diag.Gaps++
	key := fmt.Sprintf("gap:%d", b.diag.Gaps)
	b.items[key] = &item{
		key:   key,
		gap:   &eeg.Gap{From: from, To: to, Terms: terms, Relation: relation},
		score: score,
	}
	b.rank = append(b.rank, key)
	return key
}

func (b *build) remove(key string) {
	delete(b.items, key)
	b.rank = slices.DeleteFunc(b.rank, func(k string) bool { return k == key })
}

func (b *build) fragmentIDs() []string {
	var ids []string
	for _, k := range b.rank {
		if it := b.items[k]; it.frag != nil {
			ids = append(ids, it.frag.ID)
		}
	}
	return ids
}

func (c *Compiler) compile(cv memory.ContextVector, mem Memory) (*eeg.Graph, error) {
	acts, err := mem.Activate(cv)
	if err != nil {
		return nil, err
	}
	b := newBuild(cv, mem)
	for _, a := range acts {
		if f, ok := mem.GetFragment(a.ID); ok {
			b.add(&item{frag: &f, score: a.Score, goal: a.GoalHit})
		}
	}

	if len(b.rank) == 0 {
		g := c.noActivation(b)
		if cv.Goal.RequireFragments {
			return g, ErrNoActivation
		}
		return g, nil
	}

	b.resolveConflicts()
	if cv.Goal.Type.RequiresConnectedPlan() {
		b.fillGaps(c.opts.MaxGapAttempts)
	}
	b.dependencies()

	order, err := b.order()
	if err != nil {
		return nil, err
	}
	required := b.required()
	order = c.prune(b, order, required)

	g := c.assemble(b, order, required)
	if g.Diagnostics.ResourceExhausted && c.opts.StrictBudget {
		return g, ErrResourceExhausted
	}
	return g, nil
}

func (c *Compiler) noActivation(b *build) *eeg.Graph {
	b.diag.NoActivation = true
	key := b.addGap("", "", b.cv.GoalTerms(), "", 0)
	return c.assemble(b, []string{key}, map[string]bool{key: true})
}

// resolveConflicts drops the fragments whose claims contradict the
// preferred claim on the same subject.
func (b *build) resolveConflicts() {
	frags := make([]*memory.Fragment, 0, len(b.rank))
	for _, k := range b.rank {
		frags = append(frags, b.items[k].frag)
	}
	for _, c := range conflicts(frags) {
		b.dropped[c.Dropped] = struct{}{}
		b.diag.Dropped = append(b.diag.Dropped, c)
		b.remove(fragKey(c.Dropped))
	}
}

// conflicts groups frags by claim subject and, in each group, picks the
// preferred fragment. Members asserting the same value as the winner agree
// with it and are kept; the rest are returned, ordered by subject.
func conflicts(frags []*memory.Fragment) []eeg.Conflict {
	groups := make(map[string][]*memory.Fragment)
	values := make(map[string]string, len(frags))
	for _, f := range frags {
		if claim, ok := memory.ClaimOf(f.Content); ok {
			groups[claim.Subject] = append(groups[claim.Subject], f)
			values[f.ID] = claim.Value
		}
	}
	var out []eeg.Conflict
	for _, subject := range slices.Sorted(maps.Keys(groups)) {
		fs := groups[subject]
		if len(fs) < 2 {
			continue
		}
		win := fs[0]
		for _, f := range fs[1:] {
			if prefer(f, win) {
				win = f
			}
		}
		for _, f := range fs {
			if f.ID == win.ID || values[f.ID] == values[win.ID] {
				continue
			}
			out = append(out, eeg.Conflict{Subject: subject, Kept: win.ID, Dropped: f.ID})
		}
	}
	return out
}

// prefer reports whether a beats b: higher confidence×salience, then more
// recent activation, then slower decay, then smaller id.
func prefer(a, b *memory.Fragment) bool {
	sa, sb := a.Confidence*a.Salience, b.Confidence*b.Salience
	if sa != sb {
		return sa > sb
	}
	if !a.LastActivated.Equal(b.LastActivated) {
		return a.LastActivated.After(b.LastActivated)
	}
	if a.DecayRate != b.DecayRate {
		return a.DecayRate < b.DecayRate
	}
	return a.ID < b.ID
}

// fillGaps links disconnected groups of retained fragments. Consecutive
// components, in rank order, are bridged by a common neighbour from the
// full graph or else by a gap node between their best fragments.
func (b *build) fillGaps(maxAttempts int) {
	ids := b.fragmentIDs()
	if len(ids) < 2 {
		return
	}

	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, e := range b.mem.EdgesAmong(ids) {
		ra, rb := find(e.From), find(e.To)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// The first member seen of each component is its best-ranked fragment.
	var heads []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if r := find(id); !seen[r] {
			seen[r] = true
			heads = append(heads, id)
		}
	}
	if len(heads) < 2 {
		return
	}

	skip := make(map[string]struct{}, len(ids)+len(b.dropped))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	for id := range b.dropped {
		skip[id] = struct{}{}
	}

	hop := b.mem.Options().HopLimit
	for i := 0; i+1 < len(heads); i++ {
		from, to := heads[i], heads[i+1]
		if hop >= 2 && b.recruit(from, to, skip, maxAttempts) {
			continue
		}
		fromItem, toItem := b.items[fragKey(from)], b.items[fragKey(to)]
		terms := mergeTerms(memory.FragmentKeywords(*fromItem.frag), memory.FragmentKeywords(*toItem.frag))
		b.addGap(from, to, terms, "", min(fromItem.score, toItem.score))
	}
}

func (b *build) recruit(from, to string, skip map[string]struct{}, maxAttempts int) bool {
	cands := b.mem.Bridges(from, to, b.cv.ConfidenceThreshold, skip)
	for i, id := range cands {
		if i >= maxAttempts {
			break
		}
		f, ok := b.mem.GetFragment(id)
		if !ok || b.cv.ExcludesAny(memory.FragmentKeywords(f)) {
			continue
		}
		score := (b.items[fragKey(from)].score + b.items[fragKey(to)].score) / 2
		b.add(&item{frag: &f, score: score, recruited: true})
		b.diag.Recruited = append(b.diag.Recruited, id)
		skip[id] = struct{}{}
		return true
	}
	return false
}

func mergeTerms(lists ...[]string) []string {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, t := range l {
			set[t] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// dependencies collects stored edges among placed fragments plus the
// links that pin each gap between its endpoints.
func (b *build) dependencies() {
	b.deps = b.deps[:0]
	for _, e := range b.mem.EdgesAmong(b.fragmentIDs()) {
		b.deps = append(b.deps, eeg.Dependency{From: fragKey(e.From), To: fragKey(e.To), Strength: e.Strength, Type: e.Type})
	}
	for _, k := range b.rank {
		it := b.items[k]
		if it.gap == nil {
			continue
		}
		if it.gap.From != "" {
			if _, ok := b.items[fragKey(it.gap.From)]; ok {
				b.deps = append(b.deps, eeg.Dependency{From: fragKey(it.gap.From), To: k, Strength: 1})
			}
		}
		if it.gap.To != "" {
			if _, ok := b.items[fragKey(it.gap.To)]; ok {
				b.deps = append(b.deps, eeg.Dependency{From: k, To: fragKey(it.gap.To), Strength: 1})
			}
		}
	}
}

// required marks the items pruning must keep: goal hits (or the top
// fragment when nothing hit a goal key) and everything they depend on.
func (b *build) required() map[string]bool {
	req := make(map[string]bool)
	for _, k := range b.rank {
		if it := b.items[k]; it.frag != nil && it.goal && !it.recruited {
			req[k] = true
		}
	}
	if len(req) == 0 {
		for _, k := range b.rank {
			if b.items[k].frag != nil {
				req[k] = true
				break
			}
		}
	}

	parents := make(map[string][]string)
	for _, d := range b.deps {
		parents[d.To] = append(parents[d.To], d.From)
	}
	queue := slices.Sorted(maps.Keys(req))
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		for _, p := range parents[k] {
			if !req[p] {
				req[p] = true
				queue = append(queue, p)
			}
		}
	}
	return req
}

func (c *Compiler) itemCost(it *item) float64 {
	if it.gap != nil {
		return c.opts.Costs.Gap
	}
	cost := c.opts.Costs.Fragment
	if _, _, ok := memory.Conditional(it.frag.Content); ok {
		cost += c.opts.Costs.Decision
	}
	return cost
}

// prune drops the lowest-scoring optional items until the graph fits the
// resource budget. A fragment and the decision guarding it go together.
func (c *Compiler) prune(b *build, order []string, required map[string]bool) []string {
	budget := b.cv.Constraints.ResourceBudget
	if budget <= 0 {
		return order
	}
	total := c.opts.Costs.Action
	for _, k := range order {
		total += c.itemCost(b.items[k])
	}

	kept := slices.Clone(order)
	for total > budget {
		victim := -1
		for i, k := range kept {
			if required[k] {
				continue
			}
			if victim < 0 {
				victim = i
				continue
			}
			v, it := b.items[kept[victim]], b.items[k]
			if it.score < v.score || (it.score == v.score && k > kept[victim]) {
				victim = i
			}
		}
		if victim < 0 {
			b.diag.ResourceExhausted = true
			break
		}
		it := b.items[kept[victim]]
		total -= c.itemCost(it)
		if it.frag != nil {
			b.diag.Pruned = append(b.diag.Pruned, it.frag.ID)
		} else {
			b.diag.Pruned = append(b.diag.Pruned, it.key)
		}
		kept = slices.Delete(kept, victim, victim+1)
	}
	return kept
}

// assemble lays out nodes in order, inserting a decision before each
// conditional fragment and the terminal goal action at the end.
func (c *Compiler) assemble(b *build, order []string, required map[string]bool) *eeg.Graph {
	costs := c.opts.Costs
	nodes := make([]eeg.Node, 0, len(order)+2)
	for _, k := range order {
		it := b.items[k]
		if it.gap != nil {
			nodes = append(nodes, eeg.Node{
				ID: k, Kind: eeg.KindGap, Score: it.score, Cost: costs.Gap,
				Required: required[k], Gap: it.gap,
			})
			continue
		}
		f := it.frag
		if cond, guard, ok := memory.Conditional(f.Content); ok {
			nodes = append(nodes, eeg.Node{
				ID: "decision:" + f.ID, Kind: eeg.KindDecision, FragmentID: f.ID,
				Score: it.score, Cost: costs.Decision, Required: required[k],
				Condition: cond, Guard: guard,
			})
		}
		nodes = append(nodes, eeg.Node{
			ID: k, Kind: eeg.KindFragment, FragmentID: f.ID, FragmentType: f.Type,
			Score: it.score, Cost: costs.Fragment, Required: required[k], Recruited: it.recruited,
		})
	}
	payload := map[string]string{"goal_type": string(b.cv.Goal.Type)}
	if b.cv.Goal.Description != "" {
		payload["description"] = b.cv.Goal.Description
	}
	goal := eeg.Node{
		ID: "action:" + eeg.GoalAction, Kind: eeg.KindAction, ActionID: eeg.GoalAction,
		Cost: costs.Action, Required: true, Payload: payload,
	}
	nodes = append(nodes, goal)

	var edges []eeg.Edge
	for i := 0; i+1 < len(nodes); i++ {
		n := nodes[i]
		if n.Kind == eeg.KindDecision {
			edges = append(edges,
				eeg.Edge{From: n.ID, To: nodes[i+1].ID, Label: eeg.LabelThen},
				eeg.Edge{From: n.ID, To: nodes[i+2].ID, Label: eeg.LabelDefault})
			continue
		}
		edges = append(edges, eeg.Edge{From: n.ID, To: nodes[i+1].ID, Label: eeg.LabelNext})
	}

	placed := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		placed[n.ID] = true
	}
	var deps []eeg.Dependency
	for _, d := range b.deps {
		if placed[d.From] && placed[d.To] {
			deps = append(deps, d)
		}
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].From != deps[j].From {
			return deps[i].From < deps[j].From
		}
		return deps[i].To < deps[j].To
	})

	return &eeg.Graph{
		Nodes:        nodes,
		Edges:        edges,
		Dependencies: deps,
		Entry:        nodes[0].ID,
		Exits:        []string{goal.ID},
		GoalType:     b.cv.Goal.Type,
		Domain:       b.cv.PrimaryDomain(),
		Diagnostics:  b.diag,
	}
}

// label renders an item key for logs and errors.
func label(k string) string { return strings.TrimPrefix(k, "frag:") }
