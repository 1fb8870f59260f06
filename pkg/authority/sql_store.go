package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLStore keeps the ledger in a relational database via database/sql. It
// stores entries as JSON rows ordered by an append sequence and the snapshot
// as a single row. Works with SQLite; Postgres deployments should prefer
// PostgresStore for its explicit row locking.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS authority_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT UNIQUE NOT NULL,
	entry_hash TEXT NOT NULL,
	entry_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS authority_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot_json TEXT NOT NULL
);
`

// Init creates the backing tables.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_json FROM authority_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM authority_snapshot WHERE id = 1`)
	return scanSnapshot(row)
}

// Append runs the head read, entry build, and both writes inside one
// serializable transaction, so concurrent appenders cannot chain onto the
// same head.
func (s *SQLStore) Append(ctx context.Context, build buildFunc) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Entry{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	h, err := readHead(ctx, tx,
		`SELECT entry_json FROM authority_entries ORDER BY seq DESC LIMIT 1`,
		`SELECT COUNT(*) FROM authority_entries`,
		`SELECT snapshot_json FROM authority_snapshot WHERE id = 1`)
	if err != nil {
		return Entry{}, err
	}

	entry, snap, err := build(h)
	if err != nil {
		return Entry{}, err
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_entries (entry_id, entry_hash, entry_json) VALUES ($1, $2, $3)`,
		entry.EntryID, entry.EntryHash, string(entryJSON)); err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_snapshot (id, snapshot_json) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET snapshot_json = $1`,
		string(snapJSON)); err != nil {
		return Entry{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("parse entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

func readHead(ctx context.Context, tx *sql.Tx, headQuery, countQuery, snapQuery string) (head, error) {
	var h head

	var raw string
	err := tx.QueryRowContext(ctx, headQuery).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return head{}, fmt.Errorf("read head entry: %w", err)
	default:
		var prev Entry
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			return head{}, fmt.Errorf("parse head entry: %w", err)
		}
		h.Prev = &prev
	}

	if err := tx.QueryRowContext(ctx, countQuery).Scan(&h.EntryCount); err != nil {
		return head{}, fmt.Errorf("count entries: %w", err)
	}

	snap, err := scanSnapshot(tx.QueryRowContext(ctx, snapQuery))
	if err != nil {
		return head{}, err
	}
	if snap != nil {
		h.SnapshotVersion = snap.SnapshotVersion
	}
	return h, nil
}
