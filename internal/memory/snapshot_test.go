package memory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *Graph {
	t.Helper()
	g := testGraph(t)
	require.NoError(t, g.InsertFragment(causal("a", "http_404", "missing route", 0.7), nil))
	require.NoError(t, g.InsertFragment(entity("b", "router", "serves", "api", 0.6), []Edge{{From: "a", To: "b", Type: EdgeCausal, Strength: 0.5}}))
	g.RecordCoActivation([]string{"a", "b"}, "Debug|web")
	require.NoError(t, g.StoreModule(CompiledModule{ID: "m1", Fingerprint: 7, Steps: []Step{{Kind: StepFragment, FragmentType: CausalRule}}}))
	return g
}

func TestSnapshotRestore(t *testing.T) {
	g := seeded(t)
	snap := g.Snapshot()

	r, err := Restore(snap, g.Options())
	require.NoError(t, err)
	if diff := cmp.Diff(snap, r.Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}

	cv := debugContext("http_404")
	want, _ := g.Activate(cv)
	got, _ := r.Activate(cv)
	assert.Equal(t, want, got)
}

func TestRestoreRebuildsStaleIndex(t *testing.T) {
	g := seeded(t)
	snap := g.Snapshot()
	snap.Index.FormatVersion = IndexFormatVersion + 1

	r, err := Restore(snap, g.Options())
	require.NoError(t, err)
	assert.Equal(t, g.Snapshot().Index, r.Snapshot().Index)

	snap.Index = nil
	r, err = Restore(snap, g.Options())
	require.NoError(t, err)
	assert.Equal(t, g.Stats().IndexTerms, r.Stats().IndexTerms)
}

func TestRestoreRejectsDangling(t *testing.T) {
	snap := seeded(t).Snapshot()
	snap.Edges = append(snap.Edges, Edge{From: "a", To: "ghost", Strength: 0.5})

	_, err := Restore(snap, Options{})
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.ErrorIs(t, err, ErrDanglingEdge)
}
