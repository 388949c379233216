package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchYAML = `
fragments:
  - id: r
    type: CausalRule
    confidence: 0.9
    salience: 0.5
    decay_rate: 0.05
    content:
      condition: http_404
      outcome: router misconfigured
  - id: e
    type: EntityRelation
    confidence: 0.9
    salience: 0.5
    decay_rate: 0.05
    content:
      entity: router
      relation: serves
      target: api
edges:
  - {from: r, to: e, type: causal, strength: 0.8}
`

// run executes the root command with args against dir's snapshot and
// returns what it printed.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--db", filepath.Join(dir, "engram.db"),
		"--log-level", "error",
	}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestIngestQueryInspect(t *testing.T) {
	t.Setenv("ENGRAM_DB", "")
	dir := t.TempDir()
	batch := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(batch, []byte(batchYAML), 0o600))

	out, err := run(t, dir, "ingest", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 2 fragments")

	out, err = run(t, dir, "query", "--goal", "Debug", "--domain", "web", "--reinforce", "http_404", "router")
	require.NoError(t, err)
	assert.Contains(t, out, "outcome:    success")
	assert.Contains(t, out, "if http_404 then router misconfigured")
	assert.Contains(t, out, "reinforced 2 fragments")

	out, err = run(t, dir, "inspect", "--fragments")
	require.NoError(t, err)
	assert.Contains(t, out, "fragments:      2")
	assert.Contains(t, out, "co-activations: 1")
	assert.Contains(t, out, "CausalRule")

	out, err = run(t, dir, "decay")
	require.NoError(t, err)
	assert.Contains(t, out, "decayed")

	out, err = run(t, dir, "reinforce", "--signal", "-0.5", "e")
	require.NoError(t, err)
	assert.Contains(t, out, "reinforced 1 fragments")
}

func TestIngestRejectsBadBatch(t *testing.T) {
	t.Setenv("ENGRAM_DB", "")
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(batchYAML, "to: e,", "to: ghost,", 1)), 0o600))

	_, err := run(t, dir, "ingest", bad)
	require.Error(t, err)

	// The snapshot is still written, and it is empty.
	out, err := run(t, dir, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "fragments:      0")
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "engram dev"), out)
}
