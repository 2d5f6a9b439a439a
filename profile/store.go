// Package profile persists profiler snapshots in SQLite and renders them
// as reports.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/yarv/vm"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("profile: snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	label    TEXT NOT NULL,
	taken_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	snapshot_id  INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	count        INTEGER NOT NULL,
	hot          INTEGER NOT NULL,
	cache_hits   INTEGER NOT NULL,
	cache_misses INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_snapshot ON entries(snapshot_id);
`

// Snapshot is a stored profiler snapshot.
type Snapshot struct {
	ID      int64
	Label   string
	TakenAt time.Time
	Entries []vm.ProfileEntry
}

// Store is a SQLite database of snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("profile: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: create schema in %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores entries under label and returns the snapshot id.
func (s *Store) Save(ctx context.Context, label string, takenAt time.Time, entries []vm.ProfileEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("profile: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots (label, taken_at) VALUES (?, ?)`, label, takenAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("profile: insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("profile: snapshot id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries
		(snapshot_id, name, kind, count, hot, cache_hits, cache_misses) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("profile: prepare: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, id, e.Name, e.Kind, int64(e.Count), e.Hot, int64(e.CacheHits), int64(e.CacheMisses)); err != nil {
			return 0, fmt.Errorf("profile: insert entry %s: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("profile: commit: %w", err)
	}
	return id, nil
}

// SaveProfiler stores the current state of p.
func (s *Store) SaveProfiler(ctx context.Context, label string, p *vm.Profiler) (int64, error) {
	return s.Save(ctx, label, time.Now(), p.Snapshot())
}

// Load returns the snapshot with the given id. Entries come back most
// invoked first.
func (s *Store) Load(ctx context.Context, id int64) (*Snapshot, error) {
	snap := &Snapshot{ID: id}
	var takenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT label, taken_at FROM snapshots WHERE id = ?`, id).Scan(&snap.Label, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load snapshot %d: %w", id, err)
	}
	snap.TakenAt = time.Unix(0, takenAt)

	rows, err := s.db.QueryContext(ctx, `SELECT name, kind, count, hot, cache_hits, cache_misses
		FROM entries WHERE snapshot_id = ? ORDER BY count DESC, name`, id)
	if err != nil {
		return nil, fmt.Errorf("profile: load entries of %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e vm.ProfileEntry
		var count, hits, misses int64
		if err := rows.Scan(&e.Name, &e.Kind, &count, &e.Hot, &hits, &misses); err != nil {
			return nil, fmt.Errorf("profile: scan entry: %w", err)
		}
		e.Count, e.CacheHits, e.CacheMisses = uint64(count), uint64(hits), uint64(misses)
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: read entries of %d: %w", id, err)
	}
	return snap, nil
}

// Latest returns the most recently saved snapshot.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: latest snapshot: %w", err)
	}
	return s.Load(ctx, id)
}

// SnapshotInfo summarizes a stored snapshot.
type SnapshotInfo struct {
	ID      int64
	Label   string
	TakenAt time.Time
	Entries int
}

// List returns every stored snapshot, oldest first.
func (s *Store) List(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.label, s.taken_at, COUNT(e.name)
		FROM snapshots s LEFT JOIN entries e ON e.snapshot_id = s.id
		GROUP BY s.id ORDER BY s.taken_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var takenAt int64
		if err := rows.Scan(&info.ID, &info.Label, &takenAt, &info.Entries); err != nil {
			return nil, fmt.Errorf("profile: scan snapshot: %w", err)
		}
		info.TakenAt = time.Unix(0, takenAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a snapshot and its entries.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("profile: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("profile: delete entries of %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("profile: delete snapshot %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return tx.Commit()
}
