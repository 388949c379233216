package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/lazypower/engram/internal/memory"
)

var (
	// ErrCorrupt means the file is missing its header or holds rows that
	// do not decode. Nothing from such a file is returned.
	ErrCorrupt = errors.New("corrupt snapshot")
	// ErrVersionMismatch means the header names a format this build does
	// not read.
	ErrVersionMismatch = errors.New("snapshot format version mismatch")
)

// Meta is the snapshot header plus row counts.
type Meta struct {
	FormatVersion      int       `json:"format_version"`
	IndexFormatVersion int       `json:"index_format_version,omitempty"`
	DecayedAt          time.Time `json:"decayed_at"`
	SavedAt            time.Time `json:"saved_at"`
	Fragments          int       `json:"fragments"`
	Edges              int       `json:"edges"`
	CoActivations      int       `json:"co_activations"`
	Modules            int       `json:"modules"`
}

// Save writes snap to path.tmp in one transaction, closes it, and renames
// it over path. On any failure the temp file is removed and path is left
// untouched.
func Save(path string, snap memory.Snapshot) (err error) {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temp file: %w", err)
	}

	db, err := create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if db != nil {
			db.Close()
		}
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err := db.write(snap, time.Now()); err != nil {
		return err
	}
	closeErr := db.Close()
	db = nil
	if closeErr != nil {
		return fmt.Errorf("close snapshot: %w", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot file. It returns either the complete snapshot or
// an error; partial results are never exposed.
func Load(path string) (memory.Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return memory.Snapshot{}, fmt.Errorf("stat snapshot: %w", err)
	}
	db, err := open(path)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer db.Close()
	return db.read()
}

// ReadMeta reads only the header and table sizes of a snapshot file.
func ReadMeta(path string) (Meta, error) {
	if _, err := os.Stat(path); err != nil {
		return Meta{}, fmt.Errorf("stat snapshot: %w", err)
	}
	db, err := open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer db.Close()

	m, err := db.header()
	if err != nil {
		return Meta{}, err
	}
	for _, c := range []struct {
		table string
		dst   *int
	}{
		{"fragments", &m.Fragments},
		{"edges", &m.Edges},
		{"co_activations", &m.CoActivations},
		{"modules", &m.Modules},
	} {
		if err := db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dst); err != nil {
			return Meta{}, fmt.Errorf("%w: count %s: %w", ErrCorrupt, c.table, err)
		}
	}
	return m, nil
}

// SaveGraph snapshots g and saves it to path.
func SaveGraph(path string, g *memory.Graph) error {
	return Save(path, g.Snapshot())
}

// LoadGraph loads path and restores it into a new graph.
func LoadGraph(path string, opts memory.Options) (*memory.Graph, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	g, err := memory.Restore(snap, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return g, nil
}

func (db *DB) write(snap memory.Snapshot, savedAt time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var indexVersion any
	if snap.Index != nil {
		indexVersion = snap.Index.FormatVersion
	}
	if _, err := tx.Exec(
		`INSERT INTO snapshot_meta (id, format_version, index_format_version, decayed_at, saved_at)
		 VALUES (1, ?, ?, ?, ?)`,
		FormatVersion, indexVersion, nanos(snap.DecayedAt), savedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, f := range snap.Fragments {
		if err := insertFragment(tx, f); err != nil {
			return err
		}
	}
	for _, e := range snap.Edges {
		if _, err := tx.Exec(
			`INSERT INTO edges (from_id, to_id, type, strength, decay_rate, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.From, e.To, string(e.Type), e.Strength, e.DecayRate, nanos(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("write edge %s: %w", e.Key(), err)
		}
	}
	for _, p := range snap.CoActivations {
		ids, err := json.Marshal(p.FragmentIDs)
		if err != nil {
			return fmt.Errorf("encode co-activation %s: %w", p.Signature, err)
		}
		contexts, err := json.Marshal(p.Contexts)
		if err != nil {
			return fmt.Errorf("encode co-activation %s: %w", p.Signature, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO co_activations (signature, fragment_ids, activation_count, average_confidence, last_activated, contexts)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.Signature, string(ids), p.ActivationCount, p.AverageConfidence, nanos(p.LastActivated), string(contexts),
		); err != nil {
			return fmt.Errorf("write co-activation %s: %w", p.Signature, err)
		}
	}
	for _, m := range snap.Modules {
		steps, err := json.Marshal(m.Steps)
		if err != nil {
			return fmt.Errorf("encode module %s: %w", m.ID, err)
		}
		// SQLite integers are signed; the fingerprint round-trips bit for bit.
		if _, err := tx.Exec(
			`INSERT INTO modules (fingerprint, id, kind, goal_type, domain, steps, confidence, usage_count, estimated_speedup, created_at, last_used)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(m.Fingerprint), m.ID, m.Kind, string(m.GoalType), m.Domain, string(steps),
			m.Confidence, m.UsageCount, m.EstimatedSpeedup, nanos(m.CreatedAt), nanos(m.LastUsed),
		); err != nil {
			return fmt.Errorf("write module %s: %w", m.ID, err)
		}
	}
	if snap.Index != nil {
		if err := insertIndex(tx, snap.Index); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func insertFragment(tx *sql.Tx, f memory.Fragment) error {
	content, err := memory.EncodeContent(f.Content)
	if err != nil {
		return fmt.Errorf("encode fragment %s: %w", f.ID, err)
	}
	var history any
	if len(f.ActivationHistory) > 0 {
		ns := make([]int64, len(f.ActivationHistory))
		for i, t := range f.ActivationHistory {
			ns[i] = t.UnixNano()
		}
		raw, err := json.Marshal(ns)
		if err != nil {
			return fmt.Errorf("encode fragment %s history: %w", f.ID, err)
		}
		history = string(raw)
	}
	_, err = tx.Exec(
		`INSERT INTO fragments (id, type, content, confidence, salience, emotional_tag, reinforcement_count,
		                        last_activated, activation_history, created_at, decay_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Type), string(content), f.Confidence, f.Salience, f.EmotionalTag, f.ReinforcementCount,
		nanos(f.LastActivated), history, nanos(f.CreatedAt), f.DecayRate,
	)
	if err != nil {
		return fmt.Errorf("write fragment %s: %w", f.ID, err)
	}
	return nil
}

func insertIndex(tx *sql.Tx, ix *memory.IndexTables) error {
	stmt, err := tx.Prepare("INSERT INTO index_entries (kind, term, fragment_id) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare index entries: %w", err)
	}
	defer stmt.Close()
	for kind, table := range indexKinds(ix) {
		for term, ids := range *table {
			for _, id := range ids {
				if _, err := stmt.Exec(kind, term, id); err != nil {
					return fmt.Errorf("write index entry %s/%s: %w", kind, term, err)
				}
			}
		}
	}
	return nil
}

func indexKinds(ix *memory.IndexTables) map[string]*map[string][]string {
	return map[string]*map[string][]string{
		"goal":    &ix.Goal,
		"domain":  &ix.Domain,
		"keyword": &ix.Keyword,
	}
}

func (db *DB) header() (Meta, error) {
	var (
		m            Meta
		indexVersion sql.NullInt64
		decayedAt    sql.NullInt64
		savedAt      int64
	)
	err := db.QueryRow(
		"SELECT format_version, index_format_version, decayed_at, saved_at FROM snapshot_meta WHERE id = 1",
	).Scan(&m.FormatVersion, &indexVersion, &decayedAt, &savedAt)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: read header: %w", ErrCorrupt, err)
	}
	if m.FormatVersion != FormatVersion {
		return Meta{}, fmt.Errorf("%w: file has %d, want %d", ErrVersionMismatch, m.FormatVersion, FormatVersion)
	}
	if indexVersion.Valid {
		m.IndexFormatVersion = int(indexVersion.Int64)
	}
	m.DecayedAt = fromNanos(decayedAt)
	m.SavedAt = time.Unix(0, savedAt).UTC()
	return m, nil
}

func (db *DB) read() (memory.Snapshot, error) {
	m, err := db.header()
	if err != nil {
		return memory.Snapshot{}, err
	}
	snap := memory.Snapshot{DecayedAt: m.DecayedAt}

	if snap.Fragments, err = db.readFragments(); err != nil {
		return memory.Snapshot{}, err
	}
	if snap.Edges, err = db.readEdges(); err != nil {
		return memory.Snapshot{}, err
	}
	if snap.CoActivations, err = db.readCoActivations(); err != nil {
		return memory.Snapshot{}, err
	}
	if snap.Modules, err = db.readModules(); err != nil {
		return memory.Snapshot{}, err
	}
	if m.IndexFormatVersion != 0 {
		if snap.Index, err = db.readIndex(m.IndexFormatVersion); err != nil {
			return memory.Snapshot{}, err
		}
	}
	return snap, nil
}

func (db *DB) readFragments() ([]memory.Fragment, error) {
	rows, err := db.Query(
		`SELECT id, type, content, confidence, salience, emotional_tag, reinforcement_count,
		        last_activated, activation_history, created_at, decay_rate
		 FROM fragments ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query fragments: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	var out []memory.Fragment
	for rows.Next() {
		var (
			f                        memory.Fragment
			typ, content             string
			lastActivated, createdAt sql.NullInt64
			history                  sql.NullString
		)
		if err := rows.Scan(&f.ID, &typ, &content, &f.Confidence, &f.Salience, &f.EmotionalTag,
			&f.ReinforcementCount, &lastActivated, &history, &createdAt, &f.DecayRate); err != nil {
			return nil, fmt.Errorf("%w: scan fragment: %w", ErrCorrupt, err)
		}
		f.Type = memory.FragmentType(typ)
		if f.Content, err = memory.DecodeContent(f.Type, []byte(content)); err != nil {
			return nil, fmt.Errorf("%w: fragment %s: %w", ErrCorrupt, f.ID, err)
		}
		f.LastActivated = fromNanos(lastActivated)
		f.CreatedAt = fromNanos(createdAt)
		if history.Valid {
			var ns []int64
			if err := json.Unmarshal([]byte(history.String), &ns); err != nil {
				return nil, fmt.Errorf("%w: fragment %s history: %w", ErrCorrupt, f.ID, err)
			}
			for _, n := range ns {
				f.ActivationHistory = append(f.ActivationHistory, time.Unix(0, n).UTC())
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fragments: %w", ErrCorrupt, err)
	}
	return out, nil
}

func (db *DB) readEdges() ([]memory.Edge, error) {
	rows, err := db.Query("SELECT from_id, to_id, type, strength, decay_rate, created_at FROM edges ORDER BY from_id, to_id")
	if err != nil {
		return nil, fmt.Errorf("%w: query edges: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	var out []memory.Edge
	for rows.Next() {
		var (
			e         memory.Edge
			typ       string
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&e.From, &e.To, &typ, &e.Strength, &e.DecayRate, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan edge: %w", ErrCorrupt, err)
		}
		e.Type = memory.EdgeType(typ)
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: edges: %w", ErrCorrupt, err)
	}
	return out, nil
}

func (db *DB) readCoActivations() ([]memory.CoActivationPattern, error) {
	rows, err := db.Query(
		`SELECT signature, fragment_ids, activation_count, average_confidence, last_activated, contexts
		 FROM co_activations ORDER BY signature`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query co-activations: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	var out []memory.CoActivationPattern
	for rows.Next() {
		var (
			p             memory.CoActivationPattern
			ids, contexts string
			lastActivated sql.NullInt64
		)
		if err := rows.Scan(&p.Signature, &ids, &p.ActivationCount, &p.AverageConfidence, &lastActivated, &contexts); err != nil {
			return nil, fmt.Errorf("%w: scan co-activation: %w", ErrCorrupt, err)
		}
		if err := json.Unmarshal([]byte(ids), &p.FragmentIDs); err != nil {
			return nil, fmt.Errorf("%w: co-activation %s: %w", ErrCorrupt, p.Signature, err)
		}
		if err := json.Unmarshal([]byte(contexts), &p.Contexts); err != nil {
			return nil, fmt.Errorf("%w: co-activation %s: %w", ErrCorrupt, p.Signature, err)
		}
		p.LastActivated = fromNanos(lastActivated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: co-activations: %w", ErrCorrupt, err)
	}
	return out, nil
}

func (db *DB) readModules() ([]memory.CompiledModule, error) {
	rows, err := db.Query(
		`SELECT fingerprint, id, kind, goal_type, domain, steps, confidence, usage_count, estimated_speedup, created_at, last_used
		 FROM modules`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query modules: %w", ErrCorrupt, err)
	}
	defer rows.Close()

	var out []memory.CompiledModule
	for rows.Next() {
		var (
			m                   memory.CompiledModule
			fp                  int64
			goalType, steps     string
			createdAt, lastUsed sql.NullInt64
		)
		if err := rows.Scan(&fp, &m.ID, &m.Kind, &goalType, &m.Domain, &steps,
			&m.Confidence, &m.UsageCount, &m.EstimatedSpeedup, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("%w: scan module: %w", ErrCorrupt, err)
		}
		if err := json.Unmarshal([]byte(steps), &m.Steps); err != nil {
			return nil, fmt.Errorf("%w: module %s: %w", ErrCorrupt, m.ID, err)
		}
		m.Fingerprint = uint64(fp)
		m.GoalType = memory.GoalType(goalType)
		m.CreatedAt = fromNanos(createdAt)
		m.LastUsed = fromNanos(lastUsed)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: modules: %w", ErrCorrupt, err)
	}
	// Unsigned order, matching Graph.Snapshot.
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (db *DB) readIndex(version int) (*memory.IndexTables, error) {
	ix := &memory.IndexTables{
		FormatVersion: version,
		Goal:          map[string][]string{},
		Domain:        map[string][]string{},
		Keyword:       map[string][]string{},
	}
	tables := indexKinds(ix)

	rows, err := db.Query("SELECT kind, term, fragment_id FROM index_entries ORDER BY kind, term, fragment_id")
	if err != nil {
		return nil, fmt.Errorf("%w: query index: %w", ErrCorrupt, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, term, id string
		if err := rows.Scan(&kind, &term, &id); err != nil {
			return nil, fmt.Errorf("%w: scan index entry: %w", ErrCorrupt, err)
		}
		table, ok := tables[kind]
		if !ok {
			return nil, fmt.Errorf("%w: index kind %q", ErrCorrupt, kind)
		}
		(*table)[term] = append((*table)[term], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: index: %w", ErrCorrupt, err)
	}
	return ix, nil
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
