package memory

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Content is the type-specific payload of a fragment. The set of
// implementations is closed; dispatch happens on Type().
type Content interface {
	Type() FragmentType
	keys() contentKeys
}

// contentKeys are the raw field values a fragment is indexed under.
type contentKeys struct {
	goals    []string
	domains  []string
	keywords []string
}

type EntityRelationContent struct {
	Entity   string `json:"entity"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

type CausalRuleContent struct {
	Condition  string  `json:"condition"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence,omitempty"`
	// Guard is an optional CEL expression evaluated against the query context.
	Guard string `json:"guard,omitempty"`
}

type GoalStrategyContent struct {
	Goal        string  `json:"goal"`
	Strategy    string  `json:"strategy"`
	SuccessRate float64 `json:"success_rate,omitempty"`
}

type ConstraintContent struct {
	Constraint string  `json:"constraint"`
	Context    string  `json:"context"`
	Severity   float64 `json:"severity,omitempty"`
}

type PreferenceContent struct {
	Preference string  `json:"preference"`
	Weight     float64 `json:"weight,omitempty"`
	Context    string  `json:"context"`
}

type ContextSignatureContent struct {
	Pattern            string   `json:"pattern"`
	TypicalActivations []string `json:"typical_activations,omitempty"`
}

type PersonalFactContent struct {
	Person   string `json:"person"`
	FactType string `json:"fact_type"`
	Value    string `json:"value"`
}

type TemporalEventContent struct {
	Event          string `json:"event"`
	TimeExpression string `json:"time_expression"`
	Duration       string `json:"duration,omitempty"`
	Frequency      string `json:"frequency,omitempty"`
}

type SpatialRelationContent struct {
	Entity       string `json:"entity"`
	Location     string `json:"location"`
	RelationType string `json:"relation_type,omitempty"`
	Distance     string `json:"distance,omitempty"`
}

type QuantitativeFactContent struct {
	Entity     string  `json:"entity"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit,omitempty"`
	Comparison string  `json:"comparison,omitempty"`
	Reference  string  `json:"reference,omitempty"`
}

type HierarchicalRelationContent struct {
	Parent       string `json:"parent"`
	Child        string `json:"child"`
	RelationType string `json:"relation_type,omitempty"`
	Level        int    `json:"level,omitempty"`
}

type SocialRelationContent struct {
	Person1      string  `json:"person1"`
	Person2      string  `json:"person2"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength,omitempty"`
	Context      string  `json:"context,omitempty"`
}

type OwnershipRelationContent struct {
	Owner        string `json:"owner"`
	Owned        string `json:"owned"`
	RelationType string `json:"relation_type,omitempty"`
}

type StateTransitionContent struct {
	Entity    string `json:"entity"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Condition string `json:"condition,omitempty"`
	Guard     string `json:"guard,omitempty"`
}

type CapabilityContent struct {
	Entity     string  `json:"entity"`
	Capability string  `json:"capability"`
	Level      float64 `json:"level,omitempty"`
	Context    string  `json:"context,omitempty"`
}

type BeliefContent struct {
	Entity          string  `json:"entity"`
	Belief          string  `json:"belief"`
	ConfidenceLevel float64 `json:"confidence_level,omitempty"`
	Evidence        string  `json:"evidence,omitempty"`
	Context         string  `json:"context,omitempty"`
}

type SemanticAtomContent struct {
	AtomType string            `json:"atom_type"`
	Fields   map[string]string `json:"fields"`
}

func (EntityRelationContent) Type() FragmentType       { return EntityRelation }
func (CausalRuleContent) Type() FragmentType           { return CausalRule }
func (GoalStrategyContent) Type() FragmentType         { return GoalStrategy }
func (ConstraintContent) Type() FragmentType           { return Constraint }
func (PreferenceContent) Type() FragmentType           { return Preference }
func (ContextSignatureContent) Type() FragmentType     { return ContextSignature }
func (PersonalFactContent) Type() FragmentType         { return PersonalFact }
func (TemporalEventContent) Type() FragmentType        { return TemporalEvent }
func (SpatialRelationContent) Type() FragmentType      { return SpatialRelation }
func (QuantitativeFactContent) Type() FragmentType     { return QuantitativeFact }
func (HierarchicalRelationContent) Type() FragmentType { return HierarchicalRelation }
func (SocialRelationContent) Type() FragmentType       { return SocialRelation }
func (OwnershipRelationContent) Type() FragmentType    { return OwnershipRelation }
func (StateTransitionContent) Type() FragmentType      { return StateTransition }
func (CapabilityContent) Type() FragmentType           { return Capability }
func (BeliefContent) Type() FragmentType               { return Belief }
func (SemanticAtomContent) Type() FragmentType         { return SemanticAtom }

func (c EntityRelationContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Entity, c.Relation, c.Target}}
}

func (c CausalRuleContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Condition, c.Outcome}}
}

func (c GoalStrategyContent) keys() contentKeys {
	return contentKeys{goals: []string{c.Goal}, keywords: []string{c.Strategy}}
}

func (c ConstraintContent) keys() contentKeys {
	return contentKeys{domains: []string{c.Context}, keywords: []string{c.Constraint, c.Context}}
}

func (c PreferenceContent) keys() contentKeys {
	return contentKeys{domains: []string{c.Context}, keywords: []string{c.Preference, c.Context}}
}

func (c ContextSignatureContent) keys() contentKeys {
	return contentKeys{domains: []string{c.Pattern}, keywords: []string{c.Pattern}}
}

func (c PersonalFactContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Person, c.FactType, c.Value}}
}

func (c TemporalEventContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Event, c.TimeExpression}}
}

func (c SpatialRelationContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Entity, c.Location}}
}

func (c QuantitativeFactContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Entity, c.Unit}}
}

func (c HierarchicalRelationContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Parent, c.Child}}
}

func (c SocialRelationContent) keys() contentKeys {
	return contentKeys{
		domains:  []string{c.Context},
		keywords: []string{c.Person1, c.Person2, c.RelationType},
	}
}

func (c OwnershipRelationContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Owner, c.Owned}}
}

func (c StateTransitionContent) keys() contentKeys {
	return contentKeys{keywords: []string{c.Entity, c.ToState, c.Condition}}
}

func (c CapabilityContent) keys() contentKeys {
	return contentKeys{
		goals:    []string{c.Capability},
		domains:  []string{c.Context},
		keywords: []string{c.Entity, c.Capability},
	}
}

func (c BeliefContent) keys() contentKeys {
	return contentKeys{
		domains:  []string{c.Context},
		keywords: []string{c.Entity, c.Belief},
	}
}

func (c SemanticAtomContent) keys() contentKeys {
	k := contentKeys{}
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := c.Fields[name]
		if name == "domain" {
			k.domains = append(k.domains, value)
		}
		k.keywords = append(k.keywords, name)
		if len(value) >= 2 {
			k.keywords = append(k.keywords, value)
		}
	}
	return k
}

// Claim is an assertion a fragment makes about a subject. Two fragments
// with the same subject but different values contradict each other.
type Claim struct {
	Subject string
	Value   string
}

// ClaimOf extracts the claim asserted by c, if its variant makes one.
func ClaimOf(c Content) (Claim, bool) {
	switch v := c.(type) {
	case EntityRelationContent:
		return Claim{Subject: norm(v.Entity) + "|" + norm(v.Relation), Value: norm(v.Target)}, true
	case CausalRuleContent:
		return Claim{Subject: norm(v.Condition), Value: norm(v.Outcome)}, true
	case PersonalFactContent:
		return Claim{Subject: norm(v.Person) + "|" + norm(v.FactType), Value: norm(v.Value)}, true
	case StateTransitionContent:
		return Claim{Subject: norm(v.Entity) + "|" + norm(v.FromState), Value: norm(v.ToState)}, true
	case SpatialRelationContent:
		return Claim{Subject: norm(v.Entity) + "|" + norm(v.RelationType), Value: norm(v.Location)}, true
	case BeliefContent:
		return Claim{Subject: norm(v.Entity) + "|belief", Value: norm(v.Belief)}, true
	case OwnershipRelationContent:
		return Claim{Subject: norm(v.Owned) + "|owner", Value: norm(v.Owner)}, true
	}
	return Claim{}, false
}

// Conditional reports the condition text and optional CEL guard of content
// that represents a conditional rule.
func Conditional(c Content) (condition, guard string, ok bool) {
	switch v := c.(type) {
	case CausalRuleContent:
		return v.Condition, v.Guard, true
	case StateTransitionContent:
		if v.Condition != "" || v.Guard != "" {
			return v.Condition, v.Guard, true
		}
	}
	return "", "", false
}

// EncodeContent serializes content as JSON. The fragment type is carried
// alongside, not inside, the payload.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil content", ErrInvalidFragment)
	}
	return json.Marshal(c)
}

// DecodeContent parses raw JSON into the variant selected by t.
func DecodeContent(t FragmentType, raw []byte) (Content, error) {
	switch t {
	case EntityRelation:
		return decodeAs[EntityRelationContent](raw)
	case CausalRule:
		return decodeAs[CausalRuleContent](raw)
	case GoalStrategy:
		return decodeAs[GoalStrategyContent](raw)
	case Constraint:
		return decodeAs[ConstraintContent](raw)
	case Preference:
		return decodeAs[PreferenceContent](raw)
	case ContextSignature:
		return decodeAs[ContextSignatureContent](raw)
	case PersonalFact:
		return decodeAs[PersonalFactContent](raw)
	case TemporalEvent:
		return decodeAs[TemporalEventContent](raw)
	case SpatialRelation:
		return decodeAs[SpatialRelationContent](raw)
	case QuantitativeFact:
		return decodeAs[QuantitativeFactContent](raw)
	case HierarchicalRelation:
		return decodeAs[HierarchicalRelationContent](raw)
	case SocialRelation:
		return decodeAs[SocialRelationContent](raw)
	case OwnershipRelation:
		return decodeAs[OwnershipRelationContent](raw)
	case StateTransition:
		return decodeAs[StateTransitionContent](raw)
	case Capability:
		return decodeAs[CapabilityContent](raw)
	case Belief:
		return decodeAs[BeliefContent](raw)
	case SemanticAtom:
		return decodeAs[SemanticAtomContent](raw)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFragment, t)
}

func decodeAs[T Content](raw []byte) (Content, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
