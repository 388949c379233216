package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/memory"
	"github.com/lazypower/engram/internal/server"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	eng, err := engine.New(memory.New(memory.Options{}), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	srv := server.New(eng, server.Options{SnapshotPath: filepath.Join(t.TempDir(), "engram.db")})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

var batch = engine.Batch{
	Fragments: []engine.FragmentSpec{
		{ID: "r", Type: memory.CausalRule, Confidence: 0.9, Salience: 0.5, DecayRate: 0.05,
			Content: map[string]any{"condition": "http_404", "outcome": "router misconfigured"}},
		{ID: "e", Type: memory.EntityRelation, Confidence: 0.9, Salience: 0.5, DecayRate: 0.05,
			Content: map[string]any{"entity": "router", "relation": "serves", "target": "api"}},
	},
	Edges: []engine.EdgeSpec{{From: "r", To: "e", Type: memory.EdgeCausal, Strength: 0.8}},
}

func TestRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	require.True(t, c.Healthy(ctx))

	ids, err := c.Insert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"r", "e"}, ids)

	resp, err := c.Query(ctx, memory.ContextVector{
		Goal:                memory.Goal{Type: memory.GoalDebug, Description: "http_404 router"},
		DomainHints:         []string{"web"},
		ConfidenceThreshold: 0.5,
		MaxFragments:        10,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, executor.Success, resp.Result.Outcome)
	assert.Equal(t, 2, resp.Reinforced)

	require.NoError(t, c.Reinforce(ctx, []string{"e"}, -0.2))
	_, err = c.Decay(ctx)
	require.NoError(t, err)

	mods, err := c.Fossilize(ctx)
	require.NoError(t, err)
	assert.Empty(t, mods)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Memory.Fragments)
	assert.Equal(t, 1, st.History)

	path, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestStatusError(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	_, err := c.Insert(ctx, engine.Batch{Edges: []engine.EdgeSpec{{From: "a", To: "b", Type: memory.EdgeCausal}}})
	var se *StatusError
	require.True(t, errors.As(err, &se), "err = %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)

	err = c.Reinforce(ctx, []string{"ghost"}, 0.1)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	assert.False(t, c.Healthy(context.Background()))
}

func TestNewFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvServerURL, "http://example.test:9")
	assert.Equal(t, "http://example.test:9", New("").URL())

	t.Setenv(EnvServerURL, "")
	assert.Equal(t, DefaultServerURL, New("").URL())
}
