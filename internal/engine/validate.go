package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/engram/internal/memory"
)

// ErrInvalidBatch rejects an ingestion batch that breaks the insertion
// contract. Nothing from such a batch is inserted.
var ErrInvalidBatch = errors.New("invalid batch")

// maxContentBytes caps the encoded content of one fragment.
const maxContentBytes = 16 << 10

// Batch is one ingestion unit. Edges may point at fragments already in the
// graph but every edge must touch at least one fragment of the batch.
type Batch struct {
	Fragments []FragmentSpec `yaml:"fragments" json:"fragments"`
	Edges     []EdgeSpec     `yaml:"edges" json:"edges"`
}

// FragmentSpec is a fragment as a collaborator supplies it. Content holds
// the fields of the variant named by Type.
type FragmentSpec struct {
	ID           string              `yaml:"id" json:"id"`
	Type         memory.FragmentType `yaml:"type" json:"type"`
	Content      map[string]any      `yaml:"content" json:"content"`
	Confidence   float64             `yaml:"confidence" json:"confidence"`
	Salience     float64             `yaml:"salience" json:"salience"`
	EmotionalTag float64             `yaml:"emotional_tag" json:"emotional_tag"`
	DecayRate    float64             `yaml:"decay_rate" json:"decay_rate"`
}

type EdgeSpec struct {
	From      string          `yaml:"from" json:"from"`
	To        string          `yaml:"to" json:"to"`
	Type      memory.EdgeType `yaml:"type" json:"type"`
	Strength  float64         `yaml:"strength" json:"strength"`
	DecayRate float64         `yaml:"decay_rate" json:"decay_rate"`
}

// ParseBatch decodes a YAML batch. Unknown keys are rejected.
func ParseBatch(data []byte) (Batch, error) {
	var b Batch
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	return b, nil
}

// validIDChar returns true if the character is allowed in a fragment id.
// Allowed: lowercase alphanumeric, hyphens, underscores.
func validIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// sanitizeID normalizes an id hint to [a-z0-9_-].
// Uppercases become lowercase, spaces/dots/slashes become hyphens, invalid
// chars are dropped.
func sanitizeID(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(hint) {
		if validIDChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' || r == '/' {
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	return strings.Trim(b.String(), "-_")
}

// validateFragment checks one spec against the insertion contract and
// returns the fragment to insert. An empty id gets a fresh uuid.
func validateFragment(s FragmentSpec) (memory.Fragment, error) {
	f := memory.Fragment{
		Type:         s.Type,
		Confidence:   s.Confidence,
		Salience:     s.Salience,
		EmotionalTag: s.EmotionalTag,
		DecayRate:    s.DecayRate,
	}

	if strings.TrimSpace(s.ID) == "" {
		f.ID = uuid.NewString()
	} else if f.ID = sanitizeID(s.ID); f.ID == "" {
		return f, fmt.Errorf("id %q is empty after sanitization", s.ID)
	}

	if !f.Type.Valid() {
		return f, fmt.Errorf("%s: unknown type %q", f.ID, s.Type)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return f, fmt.Errorf("%s: confidence %v outside [0,1]", f.ID, f.Confidence)
	}
	if f.Salience < 0 || f.Salience > 1 {
		return f, fmt.Errorf("%s: salience %v outside [0,1]", f.ID, f.Salience)
	}
	if f.EmotionalTag < -1 || f.EmotionalTag > 1 {
		return f, fmt.Errorf("%s: emotional tag %v outside [-1,1]", f.ID, f.EmotionalTag)
	}
	if f.DecayRate <= 0 || f.DecayRate >= 1 {
		return f, fmt.Errorf("%s: decay rate %v outside (0,1)", f.ID, f.DecayRate)
	}
	if len(s.Content) == 0 {
		return f, fmt.Errorf("%s: empty content", f.ID)
	}

	raw, err := json.Marshal(s.Content)
	if err != nil {
		return f, fmt.Errorf("%s: encode content: %w", f.ID, err)
	}
	if len(raw) > maxContentBytes {
		return f, fmt.Errorf("%s: content is %d bytes, max %d", f.ID, len(raw), maxContentBytes)
	}
	if f.Content, err = memory.DecodeContent(f.Type, raw); err != nil {
		return f, fmt.Errorf("%s: %w", f.ID, err)
	}
	return f, nil
}

// ValidateBatch checks b against the insertion contract. exists reports
// whether an id is already in the graph. It returns the fragments to insert
// in batch order and, for each, the edges to insert with it: an edge goes
// with whichever of its endpoints appears later in the batch.
func ValidateBatch(b Batch, exists func(id string) bool) ([]memory.Fragment, [][]memory.Edge, error) {
	var problems []error
	frags := make([]memory.Fragment, 0, len(b.Fragments))
	pos := make(map[string]int, len(b.Fragments))

	for i, s := range b.Fragments {
		f, err := validateFragment(s)
		if err != nil {
			problems = append(problems, fmt.Errorf("fragment %d: %w", i, err))
			continue
		}
		if _, dup := pos[f.ID]; dup {
			problems = append(problems, fmt.Errorf("fragment %d: duplicate id %s in batch", i, f.ID))
			continue
		}
		if exists(f.ID) {
			problems = append(problems, fmt.Errorf("fragment %d: %w: %s", i, memory.ErrDuplicateFragment, f.ID))
			continue
		}
		pos[f.ID] = len(frags)
		frags = append(frags, f)
	}

	edges := make([][]memory.Edge, len(frags))
	for i, s := range b.Edges {
		e := memory.Edge{
			From:      sanitizeID(s.From),
			To:        sanitizeID(s.To),
			Type:      s.Type,
			Strength:  s.Strength,
			DecayRate: s.DecayRate,
		}
		if !e.Type.Valid() {
			problems = append(problems, fmt.Errorf("edge %d: unknown type %q", i, s.Type))
			continue
		}
		if e.Strength < 0 || e.Strength > 1 {
			problems = append(problems, fmt.Errorf("edge %d: strength %v outside [0,1]", i, e.Strength))
			continue
		}
		if e.DecayRate < 0 || e.DecayRate >= 1 {
			problems = append(problems, fmt.Errorf("edge %d: decay rate %v outside [0,1)", i, e.DecayRate))
			continue
		}

		owner := -1
		dangling := false
		for _, end := range []string{e.From, e.To} {
			if p, ok := pos[end]; ok {
				owner = max(owner, p)
			} else if end == "" || !exists(end) {
				dangling = true
			}
		}
		switch {
		case dangling:
			problems = append(problems, fmt.Errorf("edge %d: %w: %s", i, memory.ErrDanglingEdge, e.Key()))
		case owner < 0:
			problems = append(problems, fmt.Errorf("edge %d: %s touches no fragment in the batch", i, e.Key()))
		default:
			edges[owner] = append(edges[owner], e)
		}
	}

	if len(problems) > 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidBatch, errors.Join(problems...))
	}
	return frags, edges, nil
}

// Insert validates b against the graph and inserts it. It returns the ids
// of the inserted fragments in batch order.
func (e *Engine) Insert(b Batch) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exists := func(id string) bool {
		_, ok := e.graph.GetFragment(id)
		return ok
	}
	frags, edges, err := ValidateBatch(b, exists)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(frags))
	for i, f := range frags {
		if err := e.graph.InsertFragment(f, edges[i]); err != nil {
			return ids, fmt.Errorf("insert %s: %w", f.ID, err)
		}
		ids = append(ids, f.ID)
	}
	e.log.Info("batch inserted", zap.Int("fragments", len(ids)), zap.Int("edges", len(b.Edges)))
	return ids, nil
}
