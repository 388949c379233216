// Package engine ties the memory graph, compiler, executor and
// introspection history into one query loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/compiler"
	"github.com/lazypower/engram/internal/eeg"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/introspect"
	"github.com/lazypower/engram/internal/memory"
	"github.com/lazypower/engram/internal/store"
)

// Options configures an Engine. Zero fields take the package defaults.
type Options struct {
	Compiler        compiler.Options
	Executor        executor.Options
	HistoryCapacity int
	Fossilize       introspect.Config
	DecayPolicy     DecayPolicy
	DecayInterval   time.Duration
	Meter           metric.Meter
	Logger          *zap.Logger
}

// Engine owns one memory graph and serializes every operation on it.
type Engine struct {
	mu       sync.Mutex
	graph    *memory.Graph
	compiler *compiler.Compiler
	executor *executor.Executor
	history  *introspect.History
	opts     Options
	log      *zap.Logger
	metrics  *metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wraps g. Under the on_load decay policy the graph is decayed to the
// current clock before New returns.
func New(g *memory.Graph, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Compiler.Logger == nil {
		opts.Compiler.Logger = opts.Logger.Named("compiler")
	}
	if opts.Executor.Logger == nil {
		opts.Executor.Logger = opts.Logger.Named("executor")
	}
	if opts.Fossilize == (introspect.Config{}) {
		opts.Fossilize = introspect.DefaultConfig()
	}
	if opts.DecayPolicy == "" {
		opts.DecayPolicy = DecayManual
	}
	if !opts.DecayPolicy.Valid() {
		return nil, fmt.Errorf("unknown decay policy %q", opts.DecayPolicy)
	}
	if opts.DecayInterval <= 0 {
		opts.DecayInterval = 24 * time.Hour
	}

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}
	ex, err := executor.New(g, opts.Executor)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	ex.Register(eeg.GoalAction, executor.HandlerFunc(answer))

	e := &Engine{
		graph:    g,
		compiler: compiler.New(opts.Compiler),
		executor: ex,
		history:  introspect.NewHistory(opts.HistoryCapacity),
		opts:     opts,
		log:      opts.Logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
	if opts.DecayPolicy == DecayOnLoad {
		e.Decay()
	}
	return e, nil
}

// answer is the default goal handler: it joins what the knowledge nodes
// contributed.
func answer(_ context.Context, req executor.ActionRequest) (string, error) {
	var parts []string
	for _, c := range req.Contributions {
		if c.FragmentID != "" && !c.Placeholder {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no knowledge to answer from")
	}
	return strings.Join(parts, "; "), nil
}

// Register installs an action handler on the executor.
func (e *Engine) Register(actionID string, h executor.ActionHandler) {
	e.executor.Register(actionID, h)
}

func (e *Engine) now() time.Time { return e.graph.Options().Clock() }

// QueryOptions controls the side effects of a query.
type QueryOptions struct {
	// Reinforce applies the execution's signals to memory.
	Reinforce bool
}

// Response is the outcome of one query.
type Response struct {
	Graph      *eeg.Graph       `json:"graph"`
	Result     *executor.Result `json:"result,omitempty"`
	Reinforced int              `json:"reinforced,omitempty"`
}

// Query compiles cv, executes the graph, records the execution for
// introspection and, when asked, reinforces the fragments used.
//
// ErrNoActivation and ErrResourceExhausted come back with the compiled
// graph and no result.
func (e *Engine) Query(ctx context.Context, cv memory.ContextVector, qo QueryOptions) (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.compiler.Compile(cv, e.graph)
	if err != nil {
		if g != nil {
			return &Response{Graph: g}, err
		}
		return nil, fmt.Errorf("compile: %w", err)
	}
	e.metrics.compiled(ctx, g.FastPath)
	if g.FastPath {
		e.graph.TouchModule(g.Fingerprint)
	}

	res, err := e.executor.Execute(ctx, g, cv)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	e.metrics.executed(ctx, res)

	e.history.Add(introspect.NewRecord(g, cv, res, e.now()))
	e.graph.RecordCoActivation(res.Used(), cv.Signature())

	resp := &Response{Graph: g, Result: res}
	if qo.Reinforce && len(res.Signals) > 0 {
		if err := e.graph.ReinforceEach(res.Signals); err != nil {
			return resp, fmt.Errorf("reinforce: %w", err)
		}
		resp.Reinforced = len(res.Signals)
	}

	e.log.Debug("query",
		zap.String("goal", string(cv.Goal.Type)),
		zap.Bool("fast_path", g.FastPath),
		zap.String("outcome", string(res.Outcome)),
		zap.Float64("confidence", res.Confidence),
		zap.Int("nodes", len(g.Nodes)),
	)
	return resp, nil
}

// Reinforce applies one signal to each id.
func (e *Engine) Reinforce(ids []string, signal float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Reinforce(ids, signal)
}

// Decay decays the graph to the current clock and returns how many
// records (fragments and edges) changed.
func (e *Engine) Decay() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.graph.Decay(e.now())
	if n > 0 {
		e.log.Info("decay applied", zap.Int("records", n))
	}
	return n
}

// Fossilize promotes the current candidates into compiled modules.
func (e *Engine) Fossilize() ([]memory.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mods, err := e.history.Fossilize(e.graph, e.opts.Fossilize, e.now())
	for _, m := range mods {
		e.log.Info("fossilized",
			zap.String("module", m.ID),
			zap.String("kind", m.Kind),
			zap.Uint64("fingerprint", m.Fingerprint),
			zap.Int("steps", len(m.Steps)),
		)
	}
	return mods, err
}

// Candidates lists the patterns that currently qualify for fossilization.
func (e *Engine) Candidates() []introspect.Pattern {
	return e.history.Candidates(e.opts.Fossilize, e.now())
}

// Patterns lists every pattern in the history buffer.
func (e *Engine) Patterns() []introspect.Pattern {
	return e.history.Patterns(e.opts.Fossilize, e.now())
}

// Save writes the graph to a snapshot file.
func (e *Engine) Save(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := store.SaveGraph(path, e.graph); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Graph returns the underlying memory graph.
func (e *Engine) Graph() *memory.Graph { return e.graph }

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Memory   memory.Stats   `json:"memory"`
	Compiler compiler.Stats `json:"compiler"`
	History  int            `json:"history"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Memory:   e.graph.Stats(),
		Compiler: e.compiler.Stats(),
		History:  e.history.Len(),
	}
}
