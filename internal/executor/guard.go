package executor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lazypower/engram/internal/memory"
)

// guards compiles and caches CEL programs for decision guards. Guards see
// the query context as:
//
//	goal       string               goal description
//	goal_type  string               Debug, Create, Learn, Explain, Predict
//	terms      list(string)         every lookup term of the context
//	params     map(string, string)  goal parameters
//	domains    list(string)         domain hints and focus domains
//	emotion    map(string, double)  emotional factors
type guards struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newGuards() (*guards, error) {
	env, err := cel.NewEnv(
		cel.Variable("goal", cel.StringType),
		cel.Variable("goal_type", cel.StringType),
		cel.Variable("terms", cel.ListType(cel.StringType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("domains", cel.ListType(cel.StringType)),
		cel.Variable("emotion", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}
	return &guards{env: env, programs: make(map[string]cel.Program)}, nil
}

func (g *guards) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.programs[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := g.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile guard %q: %w", expr, iss.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program guard %q: %w", expr, err)
	}

	g.mu.Lock()
	g.programs[expr] = prg
	g.mu.Unlock()
	return prg, nil
}

// Eval runs expr against cv. Non-boolean results are errors.
func (g *guards) Eval(expr string, cv memory.ContextVector) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	params := cv.Goal.Parameters
	if params == nil {
		params = map[string]string{}
	}
	emotion := cv.Emotion
	if emotion == nil {
		emotion = map[string]float64{}
	}
	out, _, err := prg.Eval(map[string]any{
		"goal":      cv.Goal.Description,
		"goal_type": string(cv.Goal.Type),
		"terms":     cv.Terms(),
		"params":    params,
		"domains":   cv.DomainTerms(),
		"emotion":   emotion,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate guard %q: %w", expr, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q returned %s, want bool", expr, out.Type().TypeName())
	}
	return v, nil
}

// conditionHolds is the guard-less test: some term of the condition is a
// context term.
func conditionHolds(condition string, cv memory.ContextVector) bool {
	return cv.HasAnyTerm(append(memory.Terms(condition), condition))
}
