// Package authority implements the append-only, hash-chained, HMAC-signed
// record of authorized and refused privileged actions. Every entry links to
// its predecessor by hash and embeds the security event that motivated it,
// so the ledger and the event log cross-reference each other.
package authority

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decigov/disr/core/pkg/canonicalize"
	"github.com/decigov/disr/core/pkg/contracts"
)

// SchemaVersion identifies the ledger wire format.
const SchemaVersion = "authority-ledger-v1"

// RefusalEntryType marks a refusal entry; action entries carry the action
// type itself (e.g. AUTHORIZED_KEY_ROTATION) as their entry_type.
const RefusalEntryType = "AUTHORITY_REFUSAL"

// DefaultSigningKeyID is recorded when the caller does not name a key.
const DefaultSigningKeyID = "default"

// SignatureAlg is the only signature algorithm this ledger writes.
const SignatureAlg = "HMAC-SHA256"

// Kind discriminates the two entry shapes.
type Kind int

const (
	KindAction Kind = iota
	KindRefusal
)

func (k Kind) String() string {
	if k == KindRefusal {
		return "refusal"
	}
	return "action"
}

// Event is the security event an entry is anchored to.
type Event struct {
	EventID    string                 `json:"event_id"`
	EventHash  string                 `json:"event_hash"`
	TenantID   string                 `json:"tenant_id"`
	OccurredAt string                 `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// Entry is one ledger record. Action entries may embed the action contract
// that authorized them; refusal entries carry the refused_* fields instead.
// EntryHash covers the whole entry with entry_hash blanked; EventSignature
// covers the entry with both entry_hash and event_signature blanked.
type Entry struct {
	EntryID           string                    `json:"entry_id"`
	EntryType         string                    `json:"entry_type"`
	AuthorityEvent    Event                     `json:"authority_event"`
	AuthorityDRI      string                    `json:"authority_dri"`
	AuthorityRole     string                    `json:"authority_role"`
	AuthorityReason   string                    `json:"authority_reason"`
	SigningKeyID      string                    `json:"signing_key_id"`
	SignatureAlg      string                    `json:"signature_alg"`
	ActionContract    *contracts.ActionContract `json:"action_contract,omitempty"`
	RefusedBy         string                    `json:"refused_by,omitempty"`
	RefusedActionType string                    `json:"refused_action_type,omitempty"`
	RefusalReason     string                    `json:"refusal_reason,omitempty"`
	PrevEntryHash     *string                   `json:"prev_entry_hash"`
	EntryHash         string                    `json:"entry_hash"`
	EventSignature    string                    `json:"event_signature"`
}

// Kind classifies the entry, rejecting mixed shapes: a refusal entry must
// carry the refused_* fields, and an action entry must not.
func (e Entry) Kind() (Kind, error) {
	if e.EntryType == RefusalEntryType {
		if e.RefusedBy == "" || e.RefusedActionType == "" || e.RefusalReason == "" {
			return 0, fmt.Errorf("refusal entry %s missing refused_by/refused_action_type/refusal_reason", e.EntryID)
		}
		return KindRefusal, nil
	}
	if e.RefusedBy != "" || e.RefusedActionType != "" || e.RefusalReason != "" {
		return 0, fmt.Errorf("action entry %s carries refusal fields", e.EntryID)
	}
	return KindAction, nil
}

// Validate checks the structural invariants every deserialized entry must
// satisfy before the chain is trusted.
func (e Entry) Validate() error {
	if e.EntryID == "" || e.EntryType == "" {
		return fmt.Errorf("entry missing entry_id or entry_type")
	}
	if e.AuthorityEvent.EventID == "" {
		return fmt.Errorf("entry %s missing authority_event.event_id", e.EntryID)
	}
	if e.EntryHash == "" || e.EventSignature == "" {
		return fmt.Errorf("entry %s missing entry_hash or event_signature", e.EntryID)
	}
	if e.SignatureAlg != SignatureAlg {
		return fmt.Errorf("entry %s has unsupported signature_alg %q", e.EntryID, e.SignatureAlg)
	}
	_, err := e.Kind()
	return err
}

// asMap round-trips an entry through JSON so the hash inputs see exactly the
// wire representation, including omitted optional fields.
func (e Entry) asMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ComputeHash returns the entry hash: sha256 over the canonical entry with
// entry_hash set to the empty string.
func (e Entry) ComputeHash() (string, error) {
	m, err := e.asMap()
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	m["entry_hash"] = ""
	return canonicalize.CanonicalHash(m)
}

// ComputeSignature returns the HMAC signature: the canonical entry with both
// entry_hash and event_signature blanked, signed with the given key.
func (e Entry) ComputeSignature(signingKey string) (string, error) {
	m, err := e.asMap()
	if err != nil {
		return "", fmt.Errorf("sign entry: %w", err)
	}
	m["entry_hash"] = ""
	m["event_signature"] = ""
	return canonicalize.SignHMAC(m, signingKey)
}

// seal signs and hashes the entry in place.
func (e *Entry) seal(signingKey string) error {
	e.EntryHash = ""
	e.EventSignature = ""
	signature, err := e.ComputeSignature(signingKey)
	if err != nil {
		return err
	}
	e.EventSignature = signature
	hash, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EntryHash = hash
	return nil
}

// entryID derives the deterministic entry identifier from the anchoring
// event and the authorizing identity.
func entryID(prefix string, event Event, dri, entryType string) (string, error) {
	hash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"event_id":      event.EventID,
		"event_hash":    event.EventHash,
		"authority_dri": dri,
		"entry_type":    entryType,
	})
	if err != nil {
		return "", fmt.Errorf("derive entry_id: %w", err)
	}
	return prefix + "-" + hash[:12], nil
}

// Snapshot is the derived head pointer rewritten after every append.
type Snapshot struct {
	SchemaVersion   string     `json:"schema_version"`
	SnapshotVersion uint64     `json:"snapshot_version"`
	EntryCount      int        `json:"entry_count"`
	LatestEntryHash string     `json:"latest_entry_hash"`
	Provenance      Provenance `json:"provenance"`
}

// Provenance names the entry and event the snapshot was cut at.
type Provenance struct {
	EntryID string `json:"entry_id"`
	EventID string `json:"event_id"`
}

func snapshotFor(entry Entry, version uint64, count int) Snapshot {
	return Snapshot{
		SchemaVersion:   SchemaVersion,
		SnapshotVersion: version,
		EntryCount:      count,
		LatestEntryHash: entry.EntryHash,
		Provenance: Provenance{
			EntryID: entry.EntryID,
			EventID: entry.AuthorityEvent.EventID,
		},
	}
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
