package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "snapshot_meta: format header",
		SQL: `
CREATE TABLE snapshot_meta (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    format_version       INTEGER NOT NULL,
    index_format_version INTEGER,
    decayed_at           INTEGER,
    saved_at             INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "fragments and edges",
		SQL: `
CREATE TABLE fragments (
    id                  TEXT PRIMARY KEY,
    type                TEXT NOT NULL,
    content             TEXT NOT NULL,
    confidence          REAL NOT NULL CHECK (confidence BETWEEN 0 AND 1),
    salience            REAL NOT NULL CHECK (salience BETWEEN 0 AND 1),
    emotional_tag       REAL NOT NULL DEFAULT 0,
    reinforcement_count INTEGER NOT NULL DEFAULT 0,
    last_activated      INTEGER,
    activation_history  TEXT,
    created_at          INTEGER,
    decay_rate          REAL NOT NULL CHECK (decay_rate > 0)
);

CREATE INDEX idx_fragments_type ON fragments(type);

CREATE TABLE edges (
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    type       TEXT NOT NULL,
    strength   REAL NOT NULL CHECK (strength BETWEEN 0 AND 1),
    decay_rate REAL NOT NULL DEFAULT 0,
    created_at INTEGER,

    PRIMARY KEY (from_id, to_id),
    FOREIGN KEY (from_id) REFERENCES fragments(id),
    FOREIGN KEY (to_id) REFERENCES fragments(id)
);

CREATE INDEX idx_edges_to ON edges(to_id);
`,
	},
	{
		Version:     3,
		Description: "co_activations and modules",
		SQL: `
CREATE TABLE co_activations (
    signature          TEXT PRIMARY KEY,
    fragment_ids       TEXT NOT NULL,
    activation_count   INTEGER NOT NULL,
    average_confidence REAL NOT NULL,
    last_activated     INTEGER,
    contexts           TEXT NOT NULL
);

CREATE TABLE modules (
    fingerprint       INTEGER PRIMARY KEY,
    id                TEXT NOT NULL,
    kind              TEXT NOT NULL DEFAULT '',
    goal_type         TEXT NOT NULL DEFAULT '',
    domain            TEXT NOT NULL DEFAULT '',
    steps             TEXT NOT NULL,
    confidence        REAL NOT NULL DEFAULT 0,
    usage_count       INTEGER NOT NULL DEFAULT 0,
    estimated_speedup REAL NOT NULL DEFAULT 0,
    created_at        INTEGER,
    last_used         INTEGER
);
`,
	},
	{
		Version:     4,
		Description: "index_entries: persisted activation index",
		SQL: `
CREATE TABLE index_entries (
    kind        TEXT NOT NULL CHECK (kind IN ('goal', 'domain', 'keyword')),
    term        TEXT NOT NULL,
    fragment_id TEXT NOT NULL,

    PRIMARY KEY (kind, term, fragment_id),
    FOREIGN KEY (fragment_id) REFERENCES fragments(id)
);
`,
	},
}

// FormatVersion is the schema version a snapshot must carry to be loaded.
var FormatVersion = migrations[len(migrations)-1].Version

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
