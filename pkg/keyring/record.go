// Package keyring manages rotatable key version records and the pluggable
// crypto provider backends that mint them.
//
// Key material itself never lives here: records track lifecycle metadata
// (version, status, TTL) for logical keys whose bytes are held by the
// selected provider backend.
package keyring

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a key version.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusExpired:
		return true
	}
	return false
}

// KeyVersionRecord is one immutable version of a logical key.
//
// Invariant: key_version is strictly increasing per key_id, starting at 1,
// and never reused. Records are only ever created by CreateKeyVersion and
// have their status flipped by disable/expire; they are never deleted.
type KeyVersionRecord struct {
	KeyID      string     `json:"key_id"`
	KeyVersion int        `json:"key_version"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Validate checks a record deserialized from storage.
func (r KeyVersionRecord) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("key record missing key_id")
	}
	if r.KeyVersion < 1 {
		return fmt.Errorf("key record %s has invalid key_version %d", r.KeyID, r.KeyVersion)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("key record %s@v%d has invalid status %q", r.KeyID, r.KeyVersion, r.Status)
	}
	return nil
}

// ExpiredAt reports whether the record is past its expiry at the given time.
// The boundary counts as expired: now == expires_at means the key is gone.
func (r KeyVersionRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// sortRecords orders records by (key_id, key_version) for deterministic
// storage bytes and display.
func sortRecords(records []KeyVersionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].KeyID != records[j].KeyID {
			return records[i].KeyID < records[j].KeyID
		}
		return records[i].KeyVersion < records[j].KeyVersion
	})
}

// currentOf returns the highest-version record for keyID that is active and
// not past expiry, or nil.
func currentOf(records []KeyVersionRecord, keyID string, now time.Time) *KeyVersionRecord {
	var best *KeyVersionRecord
	for i := range records {
		r := &records[i]
		if r.KeyID != keyID || r.Status != StatusActive || r.ExpiredAt(now) {
			continue
		}
		if best == nil || r.KeyVersion > best.KeyVersion {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
