package authority

import "context"

// head describes the current chain tip a build callback chains onto.
type head struct {
	// Prev is the last entry, nil for an empty ledger.
	Prev *Entry
	// EntryCount is the number of entries already persisted.
	EntryCount int
	// SnapshotVersion is the last snapshot version, 0 when none exists.
	SnapshotVersion uint64
}

// buildFunc constructs the next entry and snapshot from the chain head. It
// runs while the store holds its write lock or transaction, so the head it
// sees cannot be changed by a concurrent appender before the write lands.
type buildFunc func(h head) (Entry, Snapshot, error)

// Store persists the entry chain and its snapshot. Implementations must make
// Append atomic with respect to concurrent appenders: acquire exclusivity,
// read the head, invoke build, persist entry and snapshot together.
type Store interface {
	// Load returns all entries in chain order.
	Load(ctx context.Context) ([]Entry, error)
	// Snapshot returns the current snapshot, nil when none has been written.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Append atomically appends the entry produced by build.
	Append(ctx context.Context, build buildFunc) (Entry, error)
}
