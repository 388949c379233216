package cli

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/client"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/memory"
	"github.com/lazypower/engram/internal/store"
)

// snapshotPath resolves the snapshot file: --db, then ENGRAM_DB or the
// config file, then ~/.engram/engram.db.
func snapshotPath() (string, error) {
	if cfg.Database.Path != "" {
		return cfg.Database.Path, nil
	}
	p, err := store.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("resolve snapshot path: %w", err)
	}
	return p, nil
}

// openEngine loads the snapshot into a new engine. A missing snapshot
// starts an empty graph.
func openEngine() (*engine.Engine, string, error) {
	path, err := snapshotPath()
	if err != nil {
		return nil, "", err
	}

	g, err := store.LoadGraph(path, cfg.MemoryOptions())
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no snapshot yet, starting empty", zap.String("path", path))
		g = memory.New(cfg.MemoryOptions())
	case err != nil:
		return nil, "", fmt.Errorf("load %s: %w", path, err)
	}

	opts := cfg.EngineOptions()
	opts.Logger = logger
	eng, err := engine.New(g, opts)
	if err != nil {
		return nil, "", err
	}
	return eng, path, nil
}

// remote returns a server client when --server is set.
func remote() (*client.Client, bool) {
	if serverURL == "" {
		return nil, false
	}
	return client.New(serverURL), true
}
