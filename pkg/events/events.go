// Package events implements the append-only security event log: one JSONL
// line per event, each hash-chained to its predecessor so retroactive edits
// are detectable.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/decigov/disr/core/pkg/canonicalize"
	"github.com/decigov/disr/core/pkg/fsutil"
)

// Allowed event types. Append rejects anything not listed here.
const (
	TypeKeyRotated       = "KEY_ROTATED"
	TypeKeyDisabled      = "KEY_DISABLED"
	TypeKeyExpired       = "KEY_EXPIRED"
	TypeProviderChanged  = "PROVIDER_CHANGED"
	TypeReencryptStarted = "REENCRYPT_STARTED"
	TypeReencryptDone    = "REENCRYPT_DONE"
)

var allowedTypes = map[string]bool{
	TypeKeyRotated:       true,
	TypeKeyDisabled:      true,
	TypeKeyExpired:       true,
	TypeProviderChanged:  true,
	TypeReencryptStarted: true,
	TypeReencryptDone:    true,
}

// AllowedTypes returns the event-type allow-list, sorted.
func AllowedTypes() []string {
	out := make([]string, 0, len(allowedTypes))
	for t := range allowedTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SecurityEvent is one record in the chained event stream.
//
// EventHash covers the canonical form of {event_type, tenant_id, occurred_at,
// payload, prev_hash}; PrevHash is the previous record's EventHash, null for
// the first record in the file.
type SecurityEvent struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	TenantID     string                 `json:"tenant_id"`
	OccurredAt   string                 `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload"`
	PrevHash     *string                `json:"prev_hash"`
	EventHash    string                 `json:"event_hash"`
	SignerID     string                 `json:"signer_id,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
	SignatureAlg string                 `json:"signature_alg,omitempty"`
}

// hashContent is the exact content covered by EventHash and Signature.
type hashContent struct {
	EventType  string                 `json:"event_type"`
	TenantID   string                 `json:"tenant_id"`
	OccurredAt string                 `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
	PrevHash   *string                `json:"prev_hash"`
}

// Log is a handle on one JSONL event file.
type Log struct {
	path  string
	clock func() time.Time
}

// NewLog opens a log handle. The file is created lazily on first append.
func NewLog(path string) *Log {
	return &Log{path: path, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Path returns the backing file location.
func (l *Log) Path() string { return l.path }

// AppendOptions carries the optional signing identity for an event.
type AppendOptions struct {
	SignerID   string
	SigningKey string
	// OccurredAt overrides the event timestamp when non-empty (RFC 3339).
	OccurredAt string
}

// Append writes one event, chaining it to the file's last event hash.
// Unknown event types are rejected before anything touches disk.
func (l *Log) Append(eventType, tenantID string, payload map[string]interface{}, opts AppendOptions) (SecurityEvent, error) {
	if !allowedTypes[eventType] {
		return SecurityEvent{}, fmt.Errorf("event_type %q not in allow-list: %s",
			eventType, strings.Join(AllowedTypes(), ", "))
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	lock, err := fsutil.AcquireLock(l.path, fsutil.DefaultLockOptions)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("lock event log: %w", err)
	}
	defer lock.Release()

	prevHash, err := l.lastHash()
	if err != nil {
		return SecurityEvent{}, err
	}

	occurredAt := opts.OccurredAt
	if occurredAt == "" {
		occurredAt = l.clock().UTC().Format(time.RFC3339)
	}

	content := hashContent{
		EventType:  eventType,
		TenantID:   tenantID,
		OccurredAt: occurredAt,
		Payload:    payload,
		PrevHash:   prevHash,
	}
	eventHash, err := canonicalize.CanonicalHash(content)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("hash event: %w", err)
	}

	event := SecurityEvent{
		EventID:    "SE-" + eventHash[:12],
		EventType:  eventType,
		TenantID:   tenantID,
		OccurredAt: occurredAt,
		Payload:    payload,
		PrevHash:   prevHash,
		EventHash:  eventHash,
	}
	if opts.SigningKey != "" {
		signature, err := canonicalize.SignHMAC(content, opts.SigningKey)
		if err != nil {
			return SecurityEvent{}, fmt.Errorf("sign event: %w", err)
		}
		event.SignerID = opts.SignerID
		event.Signature = signature
		event.SignatureAlg = "HMAC-SHA256"
	}

	if err := l.appendLine(event); err != nil {
		return SecurityEvent{}, err
	}
	return event, nil
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	TenantID  string
	EventType string
}

// Query returns matching events preserving file order.
func (l *Log) Query(filter Filter) ([]SecurityEvent, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []SecurityEvent
	for _, e := range all {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// VerifyChain recomputes every event hash and prev-hash linkage, returning
// one diagnostic string per broken record. An empty slice means the chain is
// intact.
func (l *Log) VerifyChain() ([]string, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var diags []string
	var prev *string
	for i, e := range all {
		content := hashContent{
			EventType:  e.EventType,
			TenantID:   e.TenantID,
			OccurredAt: e.OccurredAt,
			Payload:    e.Payload,
			PrevHash:   e.PrevHash,
		}
		computed, err := canonicalize.CanonicalHash(content)
		if err != nil {
			return nil, fmt.Errorf("rehash event %d: %w", i, err)
		}
		if computed != e.EventHash {
			diags = append(diags, fmt.Sprintf("event %d (%s): event_hash mismatch", i, e.EventID))
		}
		if !hashPtrEqual(e.PrevHash, prev) {
			diags = append(diags, fmt.Sprintf("event %d (%s): prev_hash does not match prior event", i, e.EventID))
		}
		h := e.EventHash
		prev = &h
	}
	return diags, nil
}

func (l *Log) lastHash() (*string, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	h := all[len(all)-1].EventHash
	return &h, nil
}

func (l *Log) readAll() ([]SecurityEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log %s: %w", l.path, err)
	}
	defer f.Close()

	var out []SecurityEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e SecurityEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("event log %s line %d: %w", l.path, lineNum, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", l.path, err)
	}
	return out, nil
}

func (l *Log) appendLine(event SecurityEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open event log for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
