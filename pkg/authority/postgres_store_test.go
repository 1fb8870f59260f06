package authority

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresAppendTakesAdvisoryLockBeforeHeadRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	prev := Entry{
		EntryID:      "AUTH-abcdefabcdef",
		EntryType:    "AUTHORIZED_KEY_ROTATION",
		SigningKeyID: "default",
		SignatureAlg: SignatureAlg,
		AuthorityEvent: Event{
			EventID: "evt-1", EventHash: "aa", TenantID: "tenant-alpha",
			OccurredAt: "2026-02-23T00:00:00Z", Payload: map[string]interface{}{},
		},
		EntryHash:      "prevhash",
		EventSignature: "prevsig",
	}
	prevJSON, err := json.Marshal(prev)
	require.NoError(t, err)
	snapJSON, err := json.Marshal(snapshotFor(prev, 1, 1))
	require.NoError(t, err)

	mock.ExpectBegin()
	// The advisory lock must precede every read: ordered expectations fail
	// the test if the head is read before the lock is held.
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(pgAppendLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT entry_json::text FROM authority_entries ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_json"}).AddRow(string(prevJSON)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM authority_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT snapshot_json::text FROM authority_snapshot WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_json"}).AddRow(string(snapJSON)))
	mock.ExpectExec(`INSERT INTO authority_entries`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`INSERT INTO authority_snapshot`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	entry, err := store.Append(context.Background(), func(h head) (Entry, Snapshot, error) {
		require.NotNil(t, h.Prev)
		assert.Equal(t, "prevhash", h.Prev.EntryHash)
		assert.Equal(t, 1, h.EntryCount)
		assert.Equal(t, uint64(1), h.SnapshotVersion)

		next := prev
		next.EntryID = "AUTH-2"
		next.AuthorityEvent.EventID = "evt-2"
		hash := h.Prev.EntryHash
		next.PrevEntryHash = &hash
		require.NoError(t, next.seal("test-key"))
		return next, snapshotFor(next, h.SnapshotVersion+1, h.EntryCount+1), nil
	})
	require.NoError(t, err)
	require.NotNil(t, entry.PrevEntryHash)
	assert.Equal(t, "prevhash", *entry.PrevEntryHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEmptyLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	// An empty ledger has no head row to lock, so the advisory lock is the
	// only thing serializing two concurrent genesis appends.
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(pgAppendLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT entry_json::text FROM authority_entries ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_json"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM authority_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT snapshot_json::text FROM authority_snapshot WHERE id = 1`).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_json"}))
	mock.ExpectExec(`INSERT INTO authority_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO authority_snapshot`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	entry, err := store.Append(context.Background(), func(h head) (Entry, Snapshot, error) {
		assert.Nil(t, h.Prev)
		assert.Equal(t, 0, h.EntryCount)

		e := Entry{
			EntryID:      "AUTH-first",
			EntryType:    "AUTHORIZED_KEY_ROTATION",
			SigningKeyID: "default",
			SignatureAlg: SignatureAlg,
			AuthorityEvent: Event{
				EventID: "evt-1", EventHash: "aa", TenantID: "t",
				OccurredAt: "2026-02-23T00:00:00Z", Payload: map[string]interface{}{},
			},
		}
		require.NoError(t, e.seal("test-key"))
		return e, snapshotFor(e, 1, 1), nil
	})
	require.NoError(t, err)
	assert.Nil(t, entry.PrevEntryHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := Entry{
		EntryID: "AUTH-1", EntryType: "AUTHORIZED_KEY_ROTATION",
		SigningKeyID: "default", SignatureAlg: SignatureAlg,
		AuthorityEvent: Event{EventID: "evt-1", EventHash: "aa", TenantID: "t",
			OccurredAt: "2026-02-23T00:00:00Z", Payload: map[string]interface{}{}},
		EntryHash: "h1", EventSignature: "s1",
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT entry_json::text FROM authority_entries ORDER BY seq`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_json"}).AddRow(string(raw)))

	store := NewPostgresStore(db)
	entries, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AUTH-1", entries[0].EntryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
