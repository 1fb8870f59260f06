package authority

import (
	"fmt"

	"github.com/decigov/disr/core/pkg/canonicalize"
)

// VerifyChain recomputes every entry hash and prev-hash linkage, returning
// one diagnostic per broken record. It never stops early: a single audit
// pass reports every defect in the chain.
func VerifyChain(entries []Entry) []string {
	var diags []string
	var prevHash *string
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			diags = append(diags, fmt.Sprintf("entry %d: %v", i, err))
		}
		computed, err := e.ComputeHash()
		if err != nil {
			diags = append(diags, fmt.Sprintf("entry %d (%s): rehash failed: %v", i, e.EntryID, err))
		} else if computed != e.EntryHash {
			diags = append(diags, fmt.Sprintf("entry %d (%s): entry_hash mismatch", i, e.EntryID))
		}
		switch {
		case i == 0 && e.PrevEntryHash != nil:
			diags = append(diags, fmt.Sprintf("entry 0 (%s): prev_entry_hash must be null", e.EntryID))
		case i > 0 && (e.PrevEntryHash == nil || prevHash == nil || *e.PrevEntryHash != *prevHash):
			diags = append(diags, fmt.Sprintf("entry %d (%s): prev_entry_hash does not match entry %d", i, e.EntryID, i-1))
		}
		h := e.EntryHash
		prevHash = &h
	}
	return diags
}

// VerifySignatures recomputes every entry's HMAC with the given key.
func VerifySignatures(entries []Entry, signingKey string) []string {
	var diags []string
	for i, e := range entries {
		expected, err := e.ComputeSignature(signingKey)
		if err != nil {
			diags = append(diags, fmt.Sprintf("entry %d (%s): resign failed: %v", i, e.EntryID, err))
			continue
		}
		if !canonicalize.EqualDigests(expected, e.EventSignature) {
			diags = append(diags, fmt.Sprintf("entry %d (%s): event_signature mismatch", i, e.EntryID))
		}
	}
	return diags
}

// ReplayFinding reports a duplicated authority event.
type ReplayFinding struct {
	EventID        string `json:"event_id"`
	FirstSeenIndex int    `json:"first_seen_index"`
	DuplicateIndex int    `json:"duplicate_index"`
}

// DetectReplay flags every authority_event.event_id seen more than once.
func DetectReplay(entries []Entry) []ReplayFinding {
	firstSeen := make(map[string]int, len(entries))
	var findings []ReplayFinding
	for i, e := range entries {
		id := e.AuthorityEvent.EventID
		if first, seen := firstSeen[id]; seen {
			findings = append(findings, ReplayFinding{
				EventID:        id,
				FirstSeenIndex: first,
				DuplicateIndex: i,
			})
			continue
		}
		firstSeen[id] = i
	}
	return findings
}

// VerifySnapshot checks the snapshot against the chain it claims to head.
func VerifySnapshot(entries []Entry, snapshot *Snapshot) []string {
	if len(entries) == 0 {
		if snapshot != nil {
			return []string{"snapshot exists for an empty ledger"}
		}
		return nil
	}
	if snapshot == nil {
		return []string{"ledger has entries but no snapshot"}
	}
	var diags []string
	if snapshot.SchemaVersion != SchemaVersion {
		diags = append(diags, fmt.Sprintf("snapshot schema_version %q, want %q", snapshot.SchemaVersion, SchemaVersion))
	}
	last := entries[len(entries)-1]
	if snapshot.EntryCount != len(entries) {
		diags = append(diags, fmt.Sprintf("snapshot entry_count %d, ledger has %d", snapshot.EntryCount, len(entries)))
	}
	if snapshot.LatestEntryHash != last.EntryHash {
		diags = append(diags, "snapshot latest_entry_hash does not match ledger head")
	}
	if snapshot.Provenance.EntryID != last.EntryID {
		diags = append(diags, "snapshot provenance entry_id does not match ledger head")
	}
	return diags
}
