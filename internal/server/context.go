package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/memory"
)

// maxContextItems caps the fragments rendered by /api/context.
const maxContextItems = 15

// handleGetContext renders the fragments a context would activate as
// markdown, without compiling or recording anything.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	goal := memory.GoalType(q.Get("goal"))
	if goal == "" {
		goal = memory.GoalLearn
	}
	cv := memory.ContextVector{
		Goal:                memory.Goal{Type: goal, Description: q.Get("q")},
		DomainHints:         q["domain"],
		ConfidenceThreshold: 0.3,
		MaxFragments:        maxContextItems,
	}
	if v := q.Get("min_confidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cv.ConfidenceThreshold = f
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < maxContextItems {
			cv.MaxFragments = n
		}
	}

	acts, err := s.eng.Graph().Activate(cv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(acts),
		"context": s.buildContext(cv, acts),
	})
}

// buildContext lists activated fragments, rules first, each with its
// interpretation and confidence.
func (s *Server) buildContext(cv memory.ContextVector, acts []memory.Activation) string {
	var b strings.Builder

	b.WriteString("<context>\n## Engram: Activated Memory\n")
	if cv.Goal.Description != "" {
		fmt.Fprintf(&b, "Goal: %s %q\n", cv.Goal.Type, cv.Goal.Description)
	}

	var rules, facts []memory.Fragment
	for _, a := range acts {
		f, ok := s.eng.Graph().GetFragment(a.ID)
		if !ok {
			continue
		}
		if _, _, cond := memory.Conditional(f.Content); cond {
			rules = append(rules, f)
		} else {
			facts = append(facts, f)
		}
	}

	if len(rules) > 0 {
		b.WriteString("\n### Rules\n")
		for _, f := range rules {
			fmt.Fprintf(&b, "- %s (%.2f)\n", executor.Interpret(f), f.Confidence)
		}
	}
	if len(facts) > 0 {
		b.WriteString("\n### Facts\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- [%s] %s (%.2f)\n", f.Type, executor.Interpret(f), f.Confidence)
		}
	}
	if len(acts) == 0 {
		b.WriteString("\nNothing activated.\n")
	}

	b.WriteString("</context>")
	return b.String()
}
