package memory

import (
	"fmt"
	"sort"
	"strings"
)

// GoalType is the kind of reasoning a query asks for.
type GoalType string

const (
	GoalDebug   GoalType = "Debug"
	GoalCreate  GoalType = "Create"
	GoalLearn   GoalType = "Learn"
	GoalExplain GoalType = "Explain"
	GoalPredict GoalType = "Predict"
)

// Valid reports whether t is a known goal type.
func (t GoalType) Valid() bool {
	switch t {
	case GoalDebug, GoalCreate, GoalLearn, GoalExplain, GoalPredict:
		return true
	}
	return false
}

// RequiresConnectedPlan reports whether the goal needs its retained
// fragments linked into one chain. Causal reasoning goals do; recall-style
// goals accept independent facts.
func (t GoalType) RequiresConnectedPlan() bool {
	switch t {
	case GoalDebug, GoalExplain, GoalPredict:
		return true
	}
	return false
}

type Goal struct {
	Type        GoalType          `json:"type" yaml:"type"`
	Description string            `json:"description" yaml:"description"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Priority    float64           `json:"priority,omitempty" yaml:"priority,omitempty"`
	// RequireFragments makes an empty activation an error for the compiler.
	RequireFragments bool `json:"require_fragments,omitempty" yaml:"require_fragments,omitempty"`
}

type Attention struct {
	FocusEntities     []string `json:"focus_entities,omitempty" yaml:"focus_entities,omitempty"`
	FocusDomains      []string `json:"focus_domains,omitempty" yaml:"focus_domains,omitempty"`
	FocusRelations    []string `json:"focus_relations,omitempty" yaml:"focus_relations,omitempty"`
	ExclusionPatterns []string `json:"exclusion_patterns,omitempty" yaml:"exclusion_patterns,omitempty"`
}

type Constraints struct {
	// ResourceBudget caps the summed node cost of a compiled graph; zero
	// means unlimited.
	ResourceBudget float64 `json:"resource_budget,omitempty" yaml:"resource_budget,omitempty"`
}

// ContextVector describes the query situation. It is a value: activation
// and compilation read it and never modify it.
type ContextVector struct {
	Goal                Goal               `json:"goal" yaml:"goal"`
	DomainHints         []string           `json:"domain_hints,omitempty" yaml:"domain_hints,omitempty"`
	Attention           Attention          `json:"attention" yaml:"attention"`
	Emotion             map[string]float64 `json:"emotion,omitempty" yaml:"emotion,omitempty"`
	Constraints         Constraints        `json:"constraints" yaml:"constraints"`
	ConfidenceThreshold float64            `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxFragments        int                `json:"max_fragments" yaml:"max_fragments"`
}

// Validate enforces the context collaborator contract.
func (cv ContextVector) Validate() error {
	if !cv.Goal.Type.Valid() {
		return fmt.Errorf("%w: unknown goal type %q", ErrInvalidContext, cv.Goal.Type)
	}
	if cv.ConfidenceThreshold < 0 || cv.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrInvalidContext, cv.ConfidenceThreshold)
	}
	if cv.MaxFragments <= 0 {
		return fmt.Errorf("%w: max fragments must be positive", ErrInvalidContext)
	}
	if cv.Constraints.ResourceBudget < 0 {
		return fmt.Errorf("%w: negative resource budget", ErrInvalidContext)
	}
	return nil
}

// GoalTerms returns the sorted terms of the goal type, description and
// parameter values.
func (cv ContextVector) GoalTerms() []string {
	values := []string{string(cv.Goal.Type), cv.Goal.Description}
	for _, k := range sortedKeys(cv.Goal.Parameters) {
		values = append(values, cv.Goal.Parameters[k])
	}
	return expandTerms(values)
}

// DomainTerms returns the sorted terms of the domain hints and focus domains.
func (cv ContextVector) DomainTerms() []string {
	return expandTerms(append(append([]string{}, cv.DomainHints...), cv.Attention.FocusDomains...))
}

// FocusTerms returns the sorted terms of the focus entities and relations.
func (cv ContextVector) FocusTerms() []string {
	return expandTerms(append(append([]string{}, cv.Attention.FocusEntities...), cv.Attention.FocusRelations...))
}

// Terms returns every lookup term of the context, sorted and deduplicated.
func (cv ContextVector) Terms() []string {
	set := make(map[string]struct{})
	for _, group := range [][]string{cv.GoalTerms(), cv.DomainTerms(), cv.FocusTerms()} {
		for _, t := range group {
			set[t] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// PrimaryDomain is the first domain hint, normalized.
func (cv ContextVector) PrimaryDomain() string {
	if len(cv.DomainHints) == 0 {
		return ""
	}
	return norm(cv.DomainHints[0])
}

// Signature keys the context by goal type and primary domain.
func (cv ContextVector) Signature() string {
	return string(cv.Goal.Type) + "|" + cv.PrimaryDomain()
}

// Excluded reports whether text matches one of the attention window's
// exclusion patterns. Patterns match as case-insensitive substrings; "*"
// matches everything.
func (cv ContextVector) Excluded(text string) bool {
	text = strings.ToLower(text)
	for _, p := range cv.Attention.ExclusionPatterns {
		p = norm(p)
		if p == "" {
			continue
		}
		if p == "*" || strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ExcludesAny reports whether any of texts is excluded.
func (cv ContextVector) ExcludesAny(texts []string) bool {
	for _, t := range texts {
		if cv.Excluded(t) {
			return true
		}
	}
	return false
}

// HasAnyTerm reports whether any of terms (normalized) is a context term.
func (cv ContextVector) HasAnyTerm(terms []string) bool {
	ctx := cv.Terms()
	for _, t := range terms {
		t = norm(t)
		if i := sort.SearchStrings(ctx, t); i < len(ctx) && ctx[i] == t {
			return true
		}
	}
	return false
}
