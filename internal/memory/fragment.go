package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// FragmentType tags the closed set of fragment content variants.
type FragmentType string

const (
	EntityRelation       FragmentType = "EntityRelation"
	CausalRule           FragmentType = "CausalRule"
	GoalStrategy         FragmentType = "GoalStrategy"
	Constraint           FragmentType = "Constraint"
	Preference           FragmentType = "Preference"
	ContextSignature     FragmentType = "ContextSignature"
	PersonalFact         FragmentType = "PersonalFact"
	TemporalEvent        FragmentType = "TemporalEvent"
	SpatialRelation      FragmentType = "SpatialRelation"
	QuantitativeFact     FragmentType = "QuantitativeFact"
	HierarchicalRelation FragmentType = "HierarchicalRelation"
	SocialRelation       FragmentType = "SocialRelation"
	OwnershipRelation    FragmentType = "OwnershipRelation"
	StateTransition      FragmentType = "StateTransition"
	Capability           FragmentType = "Capability"
	Belief               FragmentType = "Belief"
	SemanticAtom         FragmentType = "SemanticAtom"
)

// FragmentTypes lists every known tag in declaration order.
var FragmentTypes = []FragmentType{
	EntityRelation, CausalRule, GoalStrategy, Constraint, Preference, ContextSignature,
	PersonalFact, TemporalEvent, SpatialRelation, QuantitativeFact, HierarchicalRelation,
	SocialRelation, OwnershipRelation, StateTransition, Capability, Belief, SemanticAtom,
}

// Valid reports whether t is one of the known tags.
func (t FragmentType) Valid() bool {
	for _, known := range FragmentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Fragment is a single non-executable unit of stored knowledge.
type Fragment struct {
	ID                 string
	Type               FragmentType
	Content            Content
	Confidence         float64
	Salience           float64
	EmotionalTag       float64
	ReinforcementCount int
	LastActivated      time.Time
	ActivationHistory  []time.Time
	CreatedAt          time.Time
	DecayRate          float64
}

// clone returns a copy that shares no mutable slices with f.
// Content values are treated as immutable once inserted.
func (f *Fragment) clone() Fragment {
	c := *f
	if f.ActivationHistory != nil {
		c.ActivationHistory = append([]time.Time(nil), f.ActivationHistory...)
	}
	return c
}

func (f *Fragment) validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidFragment)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidFragment, f.ID, f.Type)
	}
	if f.Content == nil {
		return fmt.Errorf("%w: %s: missing content", ErrInvalidFragment, f.ID)
	}
	if f.Content.Type() != f.Type {
		return fmt.Errorf("%w: %s: content %s does not match type %s", ErrInvalidFragment, f.ID, f.Content.Type(), f.Type)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: %s: confidence %v outside [0,1]", ErrInvalidFragment, f.ID, f.Confidence)
	}
	if f.Salience < 0 || f.Salience > 1 {
		return fmt.Errorf("%w: %s: salience %v outside [0,1]", ErrInvalidFragment, f.ID, f.Salience)
	}
	if f.DecayRate <= 0 {
		return fmt.Errorf("%w: %s: decay rate must be positive", ErrInvalidFragment, f.ID)
	}
	if f.ReinforcementCount < 0 {
		return fmt.Errorf("%w: %s: negative reinforcement count", ErrInvalidFragment, f.ID)
	}
	return nil
}

type fragmentJSON struct {
	ID                 string          `json:"id"`
	Type               FragmentType    `json:"type"`
	Content            json.RawMessage `json:"content"`
	Confidence         float64         `json:"confidence"`
	Salience           float64         `json:"salience"`
	EmotionalTag       float64         `json:"emotional_tag"`
	ReinforcementCount int             `json:"reinforcement_count"`
	LastActivated      time.Time       `json:"last_activated"`
	ActivationHistory  []time.Time     `json:"activation_history,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	DecayRate          float64         `json:"decay_rate"`
}

// MarshalJSON encodes the fragment with its content tagged by Type.
func (f Fragment) MarshalJSON() ([]byte, error) {
	raw, err := EncodeContent(f.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fragmentJSON{
		ID:                 f.ID,
		Type:               f.Type,
		Content:            raw,
		Confidence:         f.Confidence,
		Salience:           f.Salience,
		EmotionalTag:       f.EmotionalTag,
		ReinforcementCount: f.ReinforcementCount,
		LastActivated:      f.LastActivated,
		ActivationHistory:  f.ActivationHistory,
		CreatedAt:          f.CreatedAt,
		DecayRate:          f.DecayRate,
	})
}

// UnmarshalJSON decodes a fragment, dispatching content on the type tag.
func (f *Fragment) UnmarshalJSON(data []byte) error {
	var raw fragmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := DecodeContent(raw.Type, raw.Content)
	if err != nil {
		return err
	}
	*f = Fragment{
		ID:                 raw.ID,
		Type:               raw.Type,
		Content:            content,
		Confidence:         raw.Confidence,
		Salience:           raw.Salience,
		EmotionalTag:       raw.EmotionalTag,
		ReinforcementCount: raw.ReinforcementCount,
		LastActivated:      raw.LastActivated,
		ActivationHistory:  raw.ActivationHistory,
		CreatedAt:          raw.CreatedAt,
		DecayRate:          raw.DecayRate,
	}
	return nil
}

// EdgeType classifies a relation between two fragments.
type EdgeType string

const (
	EdgeCausal       EdgeType = "causal"
	EdgeTemporal     EdgeType = "temporal"
	EdgeSpatial      EdgeType = "spatial"
	EdgeSemantic     EdgeType = "semantic"
	EdgeHierarchical EdgeType = "hierarchical"
	EdgeContextual   EdgeType = "contextual"
)

func (t EdgeType) Valid() bool {
	switch t {
	case EdgeCausal, EdgeTemporal, EdgeSpatial, EdgeSemantic, EdgeHierarchical, EdgeContextual:
		return true
	}
	return false
}

// EdgeKey identifies an edge by its ordered endpoints.
type EdgeKey struct {
	From string
	To   string
}

func (k EdgeKey) String() string { return k.From + "->" + k.To }

// Edge is a typed, strength-weighted relation. At most one edge exists per
// ordered pair; inserting another for the same pair replaces it.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      EdgeType  `json:"type"`
	Strength  float64   `json:"strength"`
	DecayRate float64   `json:"decay_rate,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the edge's identity.
func (e Edge) Key() EdgeKey { return EdgeKey{From: e.From, To: e.To} }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
