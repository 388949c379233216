package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lazypower/engram/internal/memory"
)

// Interpret renders a fragment's content as a sentence.
func Interpret(f memory.Fragment) string {
	switch c := f.Content.(type) {
	case memory.EntityRelationContent:
		return fmt.Sprintf("%s %s %s", c.Entity, c.Relation, c.Target)
	case memory.CausalRuleContent:
		return fmt.Sprintf("if %s then %s", c.Condition, c.Outcome)
	case memory.GoalStrategyContent:
		return fmt.Sprintf("to %s, %s", c.Goal, c.Strategy)
	case memory.ConstraintContent:
		return withContext(c.Constraint, c.Context)
	case memory.PreferenceContent:
		return withContext("prefer "+c.Preference, c.Context)
	case memory.ContextSignatureContent:
		return fmt.Sprintf("context %s usually activates %s", c.Pattern, strings.Join(c.TypicalActivations, ", "))
	case memory.PersonalFactContent:
		return fmt.Sprintf("%s's %s is %s", c.Person, c.FactType, c.Value)
	case memory.TemporalEventContent:
		return fmt.Sprintf("%s at %s", c.Event, c.TimeExpression)
	case memory.SpatialRelationContent:
		rel := c.RelationType
		if rel == "" {
			rel = "at"
		}
		return fmt.Sprintf("%s %s %s", c.Entity, rel, c.Location)
	case memory.QuantitativeFactContent:
		s := fmt.Sprintf("%s is %g", c.Entity, c.Quantity)
		if c.Unit != "" {
			s += " " + c.Unit
		}
		if c.Comparison != "" && c.Reference != "" {
			s += fmt.Sprintf(" (%s %s)", c.Comparison, c.Reference)
		}
		return s
	case memory.HierarchicalRelationContent:
		return fmt.Sprintf("%s is part of %s", c.Child, c.Parent)
	case memory.SocialRelationContent:
		return withContext(fmt.Sprintf("%s is %s of %s", c.Person1, c.RelationType, c.Person2), c.Context)
	case memory.OwnershipRelationContent:
		return fmt.Sprintf("%s owns %s", c.Owner, c.Owned)
	case memory.StateTransitionContent:
		s := fmt.Sprintf("%s moves from %s to %s", c.Entity, c.FromState, c.ToState)
		if c.Condition != "" {
			s += " when " + c.Condition
		}
		return s
	case memory.CapabilityContent:
		return withContext(fmt.Sprintf("%s can %s", c.Entity, c.Capability), c.Context)
	case memory.BeliefContent:
		return withContext(fmt.Sprintf("%s believes %s", c.Entity, c.Belief), c.Context)
	case memory.SemanticAtomContent:
		names := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = k + "=" + c.Fields[k]
		}
		return fmt.Sprintf("%s{%s}", c.AtomType, strings.Join(parts, ", "))
	}
	return string(f.Type)
}

func withContext(s, ctx string) string {
	if ctx == "" {
		return s
	}
	return s + " in " + ctx
}
