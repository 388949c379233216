package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/lazypower/engram/internal/memory"
)

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"nginx-502", "nginx-502"},
		{"nginx_502", "nginx_502"},
		{"NginxRule", "nginxrule"},
		{"nginx rule", "nginx-rule"},
		{"nginx.rule", "nginx-rule"},
		{"nginx/rule", "nginx-rule"},
		{"  spaces  ", "spaces"},
		{"---leading", "leading"},
		{"trailing---", "trailing"},
		{"a--b", "a--b"},
		{"café", "caf"},
		{"", ""},
		{"!!!!", ""},
		{"../../../etc/passwd", "etc-passwd"},
		{"'; DROP TABLE", "drop-table"},
	}

	for _, tt := range tests {
		got := sanitizeID(tt.input)
		if got != tt.want {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func ruleSpec(id string) FragmentSpec {
	return FragmentSpec{
		ID:         id,
		Type:       memory.CausalRule,
		Content:    map[string]any{"condition": "disk_full", "outcome": "rotate logs"},
		Confidence: 0.8,
		Salience:   0.5,
		DecayRate:  0.05,
	}
}

func none(string) bool { return false }

func TestValidateFragment_Valid(t *testing.T) {
	f, err := validateFragment(ruleSpec("Disk Rule"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID != "disk-rule" {
		t.Errorf("ID = %q, want disk-rule", f.ID)
	}
	c, ok := f.Content.(memory.CausalRuleContent)
	if !ok || c.Condition != "disk_full" || c.Outcome != "rotate logs" {
		t.Errorf("Content = %#v", f.Content)
	}
}

func TestValidateFragment_GeneratesID(t *testing.T) {
	f, err := validateFragment(ruleSpec(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.ID) != 36 {
		t.Errorf("ID = %q, want a uuid", f.ID)
	}
}

func TestValidateFragment_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FragmentSpec)
	}{
		{"bad id", func(s *FragmentSpec) { s.ID = "!!!" }},
		{"unknown type", func(s *FragmentSpec) { s.Type = "Rumor" }},
		{"confidence", func(s *FragmentSpec) { s.Confidence = 1.5 }},
		{"salience", func(s *FragmentSpec) { s.Salience = -0.1 }},
		{"emotion", func(s *FragmentSpec) { s.EmotionalTag = 2 }},
		{"zero decay", func(s *FragmentSpec) { s.DecayRate = 0 }},
		{"empty content", func(s *FragmentSpec) { s.Content = nil }},
		{"oversized content", func(s *FragmentSpec) {
			s.Content = map[string]any{"condition": strings.Repeat("x", maxContentBytes), "outcome": "y"}
		}},
		{"content shape", func(s *FragmentSpec) { s.Content = map[string]any{"condition": []int{1}} }},
	}
	for _, tt := range tests {
		s := ruleSpec("r")
		tt.mutate(&s)
		if _, err := validateFragment(s); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestValidateBatch_AttachesEdgesToLaterEndpoint(t *testing.T) {
	b := Batch{
		Fragments: []FragmentSpec{ruleSpec("a"), ruleSpec("b")},
		Edges: []EdgeSpec{
			{From: "b", To: "a", Type: memory.EdgeCausal, Strength: 0.7},
			{From: "a", To: "old", Type: memory.EdgeSemantic, Strength: 0.4},
		},
	}
	exists := func(id string) bool { return id == "old" }

	frags, edges, err := ValidateBatch(b, exists)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if len(edges[0]) != 1 || edges[0][0].To != "old" {
		t.Errorf("edges for a = %+v, want a->old", edges[0])
	}
	if len(edges[1]) != 1 || edges[1][0].From != "b" {
		t.Errorf("edges for b = %+v, want b->a", edges[1])
	}
}

func TestValidateBatch_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
		is    error
	}{
		{"dangling", Batch{
			Fragments: []FragmentSpec{ruleSpec("a")},
			Edges:     []EdgeSpec{{From: "a", To: "ghost", Type: memory.EdgeCausal, Strength: 0.5}},
		}, memory.ErrDanglingEdge},
		{"duplicate in batch", Batch{Fragments: []FragmentSpec{ruleSpec("a"), ruleSpec("A")}}, ErrInvalidBatch},
		{"edge type", Batch{
			Fragments: []FragmentSpec{ruleSpec("a"), ruleSpec("b")},
			Edges:     []EdgeSpec{{From: "a", To: "b", Type: "friendly", Strength: 0.5}},
		}, ErrInvalidBatch},
		{"strength", Batch{
			Fragments: []FragmentSpec{ruleSpec("a"), ruleSpec("b")},
			Edges:     []EdgeSpec{{From: "a", To: "b", Type: memory.EdgeCausal, Strength: 2}},
		}, ErrInvalidBatch},
	}
	for _, tt := range tests {
		_, _, err := ValidateBatch(tt.batch, none)
		if !errors.Is(err, tt.is) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.is)
		}
		if !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("%s: err = %v, want ErrInvalidBatch", tt.name, err)
		}
	}

	existing := func(id string) bool { return id == "a" }
	if _, _, err := ValidateBatch(Batch{Fragments: []FragmentSpec{ruleSpec("a")}}, existing); !errors.Is(err, memory.ErrDuplicateFragment) {
		t.Errorf("existing id: err = %v, want ErrDuplicateFragment", err)
	}
	edgeOnly := Batch{Edges: []EdgeSpec{{From: "a", To: "a", Type: memory.EdgeCausal, Strength: 0.5}}}
	if _, _, err := ValidateBatch(edgeOnly, existing); err == nil {
		t.Error("edge between existing fragments only: expected error")
	}
}

func TestParseBatch(t *testing.T) {
	data := []byte(`
fragments:
  - id: nginx-502
    type: CausalRule
    confidence: 0.9
    salience: 0.6
    decay_rate: 0.05
    content:
      condition: http_502
      outcome: upstream pool exhausted
  - id: pool
    type: SemanticAtom
    confidence: 0.8
    salience: 0.4
    decay_rate: 0.02
    content:
      atom_type: service
      fields:
        name: nginx
        port: "443"
edges:
  - {from: nginx-502, to: pool, type: causal, strength: 0.7}
`)
	b, err := ParseBatch(data)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	frags, edges, err := ValidateBatch(b, none)
	if err != nil {
		t.Fatalf("ValidateBatch: %v", err)
	}
	if len(frags) != 2 || len(edges[1]) != 1 {
		t.Fatalf("frags = %d, edges = %v", len(frags), edges)
	}
	atom, ok := frags[1].Content.(memory.SemanticAtomContent)
	if !ok || atom.Fields["port"] != "443" {
		t.Errorf("atom content = %#v", frags[1].Content)
	}

	if _, err := ParseBatch([]byte("fragments:\n  - id: x\n    colour: red\n")); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("unknown key: err = %v, want ErrInvalidBatch", err)
	}
}
