// Package executor walks a compiled graph and produces an outcome plus the
// reinforcement signals the caller may apply to memory.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/memory"
)

type Outcome string

const (
	Success Outcome = "success"
	Partial Outcome = "partial"
	Failure Outcome = "failure"
)

type State string

const (
	Ready     State = "ready"
	Running   State = "running"
	Completed State = "completed"
)

// Memory is the read-only view the executor needs.
type Memory interface {
	GetFragment(id string) (memory.Fragment, bool)
	Bridges(a, b string, minConfidence float64, skip map[string]struct{}) []string
	Match(terms []string, minConfidence float64, skip map[string]struct{}) (memory.Fragment, bool)
}

// ActionRequest is what an action handler sees.
type ActionRequest struct {
	Node          eeg.Node
	Context       memory.ContextVector
	Contributions []Contribution
}

type ActionHandler interface {
	Handle(ctx context.Context, req ActionRequest) (string, error)
}

// HandlerFunc adapts a function to ActionHandler.
type HandlerFunc func(ctx context.Context, req ActionRequest) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req ActionRequest) (string, error) {
	return f(ctx, req)
}

// Contribution is what one executed node added to the result.
type Contribution struct {
	NodeID      string       `json:"node_id"`
	Kind        eeg.NodeKind `json:"kind"`
	FragmentID  string       `json:"fragment_id,omitempty"`
	Text        string       `json:"text"`
	Confidence  float64      `json:"confidence"`
	Placeholder bool         `json:"placeholder,omitempty"`
}

func (c Contribution) scored() bool { return c.Kind != eeg.KindAction || c.Placeholder }

type BranchDecision struct {
	NodeID string `json:"node_id"`
	Label  string `json:"label"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type Result struct {
	State          State              `json:"state"`
	Outcome        Outcome            `json:"outcome"`
	Text           string             `json:"text"`
	Explanation    string             `json:"explanation"`
	Confidence     float64            `json:"confidence"`
	Trace          []string           `json:"trace"`
	Branches       []BranchDecision   `json:"branches,omitempty"`
	Contributions  []Contribution     `json:"contributions"`
	Signals        map[string]float64 `json:"signals,omitempty"`
	UnresolvedGaps int                `json:"unresolved_gaps"`
	Truncated      bool               `json:"truncated,omitempty"`
}

// Used returns the fragments that contributed, in execution order.
func (r *Result) Used() []string {
	var ids []string
	for _, c := range r.Contributions {
		if c.FragmentID != "" && !c.Placeholder {
			ids = append(ids, c.FragmentID)
		}
	}
	return ids
}

type Options struct {
	// RelaxFactor scales the confidence threshold during gap resolution
	// and discounts the substituted fragment.
	RelaxFactor           float64
	PlaceholderConfidence float64
	MaxTrace              int
	// LearningRate scales reinforcement signals.
	LearningRate float64
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		RelaxFactor:           0.5,
		PlaceholderConfidence: 0.3,
		MaxTrace:              256,
		LearningRate:          0.1,
	}
}

type Executor struct {
	mem    Memory
	opts   Options
	log    *zap.Logger
	guards *guards

	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func New(mem Memory, opts Options) (*Executor, error) {
	d := DefaultOptions()
	if opts.RelaxFactor <= 0 || opts.RelaxFactor > 1 {
		opts.RelaxFactor = d.RelaxFactor
	}
	if opts.PlaceholderConfidence <= 0 {
		opts.PlaceholderConfidence = d.PlaceholderConfidence
	}
	if opts.MaxTrace <= 0 {
		opts.MaxTrace = d.MaxTrace
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = d.LearningRate
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gs, err := newGuards()
	if err != nil {
		return nil, err
	}
	return &Executor{
		mem:      mem,
		opts:     opts,
		log:      log.Named("executor"),
		guards:   gs,
		handlers: make(map[string]ActionHandler),
	}, nil
}

// Register binds an action id to a handler, replacing any previous one.
func (e *Executor) Register(actionID string, h ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[actionID] = h
}

func (e *Executor) handler(actionID string) (ActionHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[actionID]
	return h, ok
}

type run struct {
	g      *eeg.Graph
	cv     memory.ContextVector
	res    *Result
	used   map[string]struct{}
	failed string
}

// Execute walks g from its entry. It never modifies memory; the returned
// signals are for the caller to apply.
func (e *Executor) Execute(ctx context.Context, g *eeg.Graph, cv memory.ContextVector) (*Result, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, fmt.Errorf("execute: empty graph")
	}
	r := &run{
		g:    g,
		cv:   cv,
		res:  &Result{State: Ready},
		used: make(map[string]struct{}),
	}
	for _, id := range g.FragmentIDs() {
		r.used[id] = struct{}{}
	}

	r.res.State = Running
	cur := g.Entry
	for cur != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(r.res.Trace) >= e.opts.MaxTrace {
			r.res.Truncated = true
			break
		}
		node, ok := g.Node(cur)
		if !ok {
			return nil, fmt.Errorf("execute: unknown node %q", cur)
		}
		r.res.Trace = append(r.res.Trace, cur)

		var next string
		switch node.Kind {
		case eeg.KindFragment:
			e.fragment(r, node)
			next = follow(g, cur)
		case eeg.KindDecision:
			next = e.decide(r, node)
		case eeg.KindGap:
			e.gap(r, node)
			next = follow(g, cur)
		case eeg.KindAction:
			e.action(ctx, r, node)
			next = follow(g, cur)
		default:
			return nil, fmt.Errorf("execute: node %s has unknown kind %q", cur, node.Kind)
		}
		if r.failed != "" {
			break
		}
		cur = next
	}

	e.finish(r)
	e.log.Debug("executed",
		zap.String("outcome", string(r.res.Outcome)),
		zap.Float64("confidence", r.res.Confidence),
		zap.Int("trace", len(r.res.Trace)),
		zap.Int("unresolved_gaps", r.res.UnresolvedGaps))
	return r.res, nil
}

func follow(g *eeg.Graph, id string) string {
	out := g.Out(id)
	if len(out) == 0 {
		return ""
	}
	return out[0].To
}

func (e *Executor) fragment(r *run, n *eeg.Node) {
	f, ok := e.mem.GetFragment(n.FragmentID)
	if !ok {
		e.placeholder(r, n, fmt.Sprintf("fragment %s no longer in memory", n.FragmentID))
		return
	}
	r.res.Contributions = append(r.res.Contributions, Contribution{
		NodeID: n.ID, Kind: n.Kind, FragmentID: f.ID,
		Text: Interpret(f), Confidence: f.Confidence,
	})
}

func (e *Executor) decide(r *run, n *eeg.Node) string {
	var then, def eeg.Edge
	for _, out := range r.g.Out(n.ID) {
		switch out.Label {
		case eeg.LabelThen:
			then = out
		case eeg.LabelDefault:
			def = out
		}
	}

	holds, reason := e.evaluate(n, r.cv)
	preferred, other := def, then
	if holds {
		preferred, other = then, def
	}

	for _, b := range []eeg.Edge{preferred, other} {
		if b.To == "" || !e.available(r, b) {
			continue
		}
		if b != preferred {
			reason += "; preferred branch excluded"
		}
		r.res.Branches = append(r.res.Branches, BranchDecision{NodeID: n.ID, Label: b.Label, Target: b.To, Reason: reason})
		return b.To
	}
	r.failed = fmt.Sprintf("every branch of %s is excluded", n.ID)
	r.res.Branches = append(r.res.Branches, BranchDecision{NodeID: n.ID, Reason: r.failed})
	return ""
}

func (e *Executor) evaluate(n *eeg.Node, cv memory.ContextVector) (bool, string) {
	if n.Guard != "" {
		ok, err := e.guards.Eval(n.Guard, cv)
		if err != nil {
			e.log.Warn("guard failed", zap.String("node", n.ID), zap.Error(err))
			return false, "guard error: " + err.Error()
		}
		return ok, fmt.Sprintf("guard %q = %t", n.Guard, ok)
	}
	ok := conditionHolds(n.Condition, cv)
	return ok, fmt.Sprintf("condition %q = %t", n.Condition, ok)
}

func (e *Executor) available(r *run, b eeg.Edge) bool {
	if r.cv.Excluded(b.Label) {
		return false
	}
	target, ok := r.g.Node(b.To)
	if !ok {
		return false
	}
	if target.Kind == eeg.KindFragment {
		if f, ok := e.mem.GetFragment(target.FragmentID); ok && r.cv.ExcludesAny(memory.FragmentKeywords(f)) {
			return false
		}
	}
	return true
}

// gap searches the full graph with a relaxed threshold: first for a
// fragment bridging the gap's endpoints, then for a keyword match.
func (e *Executor) gap(r *run, n *eeg.Node) {
	relaxed := r.cv.ConfidenceThreshold * e.opts.RelaxFactor
	var found memory.Fragment
	ok := false

	if n.Gap != nil && n.Gap.From != "" && n.Gap.To != "" {
		for _, id := range e.mem.Bridges(n.Gap.From, n.Gap.To, relaxed, r.used) {
			if f, exists := e.mem.GetFragment(id); exists && !r.cv.ExcludesAny(memory.FragmentKeywords(f)) {
				found, ok = f, true
				break
			}
		}
	}
	if !ok && n.Gap != nil && len(n.Gap.Terms) > 0 {
		if f, exists := e.mem.Match(n.Gap.Terms, relaxed, r.used); exists && !r.cv.ExcludesAny(memory.FragmentKeywords(f)) {
			found, ok = f, true
		}
	}
	if !ok {
		e.placeholder(r, n, "unresolved gap")
		return
	}
	r.used[found.ID] = struct{}{}
	r.res.Contributions = append(r.res.Contributions, Contribution{
		NodeID: n.ID, Kind: n.Kind, FragmentID: found.ID,
		Text: Interpret(found), Confidence: found.Confidence * e.opts.RelaxFactor,
	})
}

func (e *Executor) action(ctx context.Context, r *run, n *eeg.Node) {
	h, ok := e.handler(n.ActionID)
	if !ok {
		e.placeholder(r, n, fmt.Sprintf("no handler for action %q", n.ActionID))
		return
	}
	text, err := h.Handle(ctx, ActionRequest{
		Node:          *n,
		Context:       r.cv,
		Contributions: append([]Contribution(nil), r.res.Contributions...),
	})
	if err != nil {
		e.log.Warn("action failed", zap.String("action", n.ActionID), zap.Error(err))
		e.placeholder(r, n, fmt.Sprintf("action %q failed: %v", n.ActionID, err))
		return
	}
	r.res.Contributions = append(r.res.Contributions, Contribution{NodeID: n.ID, Kind: n.Kind, Text: text, Confidence: 1})
}

func (e *Executor) placeholder(r *run, n *eeg.Node, why string) {
	r.res.UnresolvedGaps++
	r.res.Contributions = append(r.res.Contributions, Contribution{
		NodeID: n.ID, Kind: n.Kind, Text: why,
		Confidence: e.opts.PlaceholderConfidence, Placeholder: true,
	})
}

func (e *Executor) finish(r *run) {
	res := r.res
	res.State = Completed

	var total float64
	var n int
	allAbove := true
	for _, c := range res.Contributions {
		if !c.scored() {
			continue
		}
		total += c.Confidence
		n++
		if c.Confidence < r.cv.ConfidenceThreshold {
			allAbove = false
		}
	}
	if n > 0 {
		res.Confidence = total / float64(n)
	}

	var why []string
	switch {
	case r.failed != "":
		res.Outcome = Failure
		why = append(why, r.failed)
	case n == 0:
		res.Outcome = Partial
		why = append(why, "no node contributed knowledge")
	default:
		res.Outcome = Success
		if !allAbove {
			res.Outcome = Partial
			why = append(why, "a contribution fell below the confidence threshold")
		}
		if res.UnresolvedGaps > 0 {
			res.Outcome = Partial
			why = append(why, fmt.Sprintf("%d unresolved gap(s)", res.UnresolvedGaps))
		}
		if r.g.Diagnostics.Degraded() {
			res.Outcome = Partial
			why = append(why, "compilation was degraded")
		}
	}
	if res.Truncated {
		if res.Outcome == Success {
			res.Outcome = Partial
		}
		why = append(why, fmt.Sprintf("trace truncated at %d nodes", e.opts.MaxTrace))
	}
	if len(why) == 0 {
		why = append(why, fmt.Sprintf("%d nodes executed", len(res.Trace)))
	}
	res.Explanation = strings.Join(why, "; ")
	res.Text = summary(res.Contributions)
	res.Signals = e.signals(res)
}

// summary prefers the terminal action's text and falls back to the joined
// knowledge contributions.
func summary(cs []Contribution) string {
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].Kind == eeg.KindAction && !cs[i].Placeholder {
			return cs[i].Text
		}
	}
	var parts []string
	for _, c := range cs {
		if !c.Placeholder {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "; ")
}

// signals weights each used fragment's delta by its contribution relative
// to the strongest one, so a fragment substituted at relaxed confidence
// learns less than the fragments that matched outright.
func (e *Executor) signals(res *Result) map[string]float64 {
	var polarity float64
	switch res.Outcome {
	case Success:
		polarity = 1
	case Partial:
		polarity = 0.5
	case Failure:
		polarity = -1
	}
	delta := res.Confidence * e.opts.LearningRate * polarity
	if delta == 0 {
		return nil
	}

	weights := make(map[string]float64)
	strongest := 0.0
	for _, c := range res.Contributions {
		if c.FragmentID == "" || c.Placeholder {
			continue
		}
		weights[c.FragmentID] = max(weights[c.FragmentID], c.Confidence)
		strongest = max(strongest, c.Confidence)
	}
	if len(weights) == 0 || strongest == 0 {
		return nil
	}
	out := make(map[string]float64, len(weights))
	for id, w := range weights {
		out[id] = delta * w / strongest
	}
	return out
}
