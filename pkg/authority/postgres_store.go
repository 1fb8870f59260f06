package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore is the Postgres-backed ledger. Appends serialize on a
// transaction-scoped advisory lock taken before the head is read, so a
// waiting appender always observes the winner's committed entry. Row locks
// alone cannot do this: under read committed a blocked FOR UPDATE re-checks
// only the locked row and never sees a newly inserted head, and an empty
// ledger has no row to lock at all.
type PostgresStore struct {
	db *sql.DB
}

// pgAppendLockKey scopes the advisory lock to this ledger's append path.
const pgAppendLockKey = int64(0x617574686C656467) // "authledg"

// NewPostgresStore wraps an open lib/pq database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS authority_entries (
	seq BIGSERIAL PRIMARY KEY,
	entry_id TEXT UNIQUE NOT NULL,
	entry_hash TEXT NOT NULL,
	entry_json JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS authority_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot_json JSONB NOT NULL
);
`

// Init creates the backing tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_json::text FROM authority_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json::text FROM authority_snapshot WHERE id = 1`)
	return scanSnapshot(row)
}

func (s *PostgresStore) Append(ctx context.Context, build buildFunc) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// Held until commit or rollback. Each statement after this point takes
	// a fresh read committed snapshot, so the head read below sees whatever
	// the previous lock holder committed.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`, pgAppendLockKey); err != nil {
		return Entry{}, fmt.Errorf("acquire append lock: %w", err)
	}

	h, err := readHead(ctx, tx,
		`SELECT entry_json::text FROM authority_entries ORDER BY seq DESC LIMIT 1`,
		`SELECT COUNT(*) FROM authority_entries`,
		`SELECT snapshot_json::text FROM authority_snapshot WHERE id = 1`)
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
		`INSERT INTO authority_entries (entry_id, entry_hash, entry_json) VALUES ($1, $2, $3::jsonb)`,
		entry.EntryID, entry.EntryHash, string(entryJSON)); err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO authority_snapshot (id, snapshot_json) VALUES (1, $1::jsonb)
		 ON CONFLICT (id) DO UPDATE SET snapshot_json = EXCLUDED.snapshot_json`,
		string(snapJSON)); err != nil {
		return Entry{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}
