package authority

import (
	"context"
	"fmt"

	"github.com/decigov/disr/core/pkg/contracts"
)

// Role precedence tiers. Privileged ledger writes require at least DRI tier;
// automation identities can never self-authorize.
var rolePrecedence = map[string]int{
	"system":           0,
	"service":          0,
	"operator":         1,
	"dri":              2,
	"dri_approver":     3,
	"security_officer": 3,
}

const minAppendPrecedence = 2

func checkRolePrecedence(role string) error {
	precedence, known := rolePrecedence[normalizeRole(role)]
	if !known {
		return fmt.Errorf("unknown authority_role %q", role)
	}
	if precedence < minAppendPrecedence {
		return fmt.Errorf("authority_role %q precedence too low for privileged actions", role)
	}
	return nil
}

// Ledger applies the authority rules on top of a Store.
type Ledger struct {
	store Store
}

// New wraps a store in the ledger rule set.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Entries returns the full chain in order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	return l.store.Load(ctx)
}

// Snapshot returns the current head snapshot, nil when the ledger is empty.
func (l *Ledger) Snapshot(ctx context.Context) (*Snapshot, error) {
	return l.store.Snapshot(ctx)
}

// ActionParams describes one authorized privileged action.
type ActionParams struct {
	AuthorityEvent  Event
	AuthorityDRI    string
	AuthorityRole   string
	AuthorityReason string
	SigningKey      string
	// ActionType becomes the entry_type, e.g. AUTHORIZED_KEY_ROTATION.
	ActionType string
	// ActionContract, when present, must name AuthorityDRI as its dri or
	// approver.
	ActionContract *contracts.ActionContract
	// SigningKeyID defaults to DefaultSigningKeyID when empty.
	SigningKeyID string
}

// AppendAction validates authority and appends an action entry, chaining it
// to the current head and rewriting the snapshot.
func (l *Ledger) AppendAction(ctx context.Context, p ActionParams) (Entry, error) {
	if p.ActionType == "" {
		return Entry{}, fmt.Errorf("action_type is required")
	}
	if p.ActionType == RefusalEntryType {
		return Entry{}, fmt.Errorf("action_type %s is reserved for refusal entries", RefusalEntryType)
	}
	if err := checkRolePrecedence(p.AuthorityRole); err != nil {
		return Entry{}, err
	}
	dri := contracts.NormalizeIdentity(p.AuthorityDRI)
	if dri == "" {
		return Entry{}, fmt.Errorf("authority_dri is required")
	}
	if c := p.ActionContract; c != nil {
		contractDRI := contracts.NormalizeIdentity(c.DRI)
		contractApprover := contracts.NormalizeIdentity(c.Approver)
		if dri != contractDRI && dri != contractApprover {
			return Entry{}, fmt.Errorf("authority_dri %q must match action contract approver or dri", p.AuthorityDRI)
		}
	}

	entryIDValue, err := entryID("AUTH", p.AuthorityEvent, dri, p.ActionType)
	if err != nil {
		return Entry{}, err
	}
	return l.append(ctx, Entry{
		EntryID:         entryIDValue,
		EntryType:       p.ActionType,
		AuthorityEvent:  p.AuthorityEvent,
		AuthorityDRI:    dri,
		AuthorityRole:   normalizeRole(p.AuthorityRole),
		AuthorityReason: p.AuthorityReason,
		SigningKeyID:    signingKeyID(p.SigningKeyID),
		SignatureAlg:    SignatureAlg,
		ActionContract:  p.ActionContract,
	}, p.SigningKey)
}

// RefusalParams describes one structural refusal.
type RefusalParams struct {
	AuthorityEvent    Event
	RefusedBy         string
	RefusedActionType string
	RefusalReason     string
	SigningKey        string
	// SigningKeyID defaults to DefaultSigningKeyID when empty.
	SigningKeyID string
}

// AppendRefusal records that an action type was structurally refused.
// Refusals carry their own authority: the refuser is the DRI of record.
func (l *Ledger) AppendRefusal(ctx context.Context, p RefusalParams) (Entry, error) {
	refusedBy := contracts.NormalizeIdentity(p.RefusedBy)
	if refusedBy == "" || p.RefusedActionType == "" || p.RefusalReason == "" {
		return Entry{}, fmt.Errorf("refused_by, refused_action_type, and refusal_reason are required")
	}

	entryIDValue, err := entryID("AUTHREF", p.AuthorityEvent, refusedBy, RefusalEntryType)
	if err != nil {
		return Entry{}, err
	}
	return l.append(ctx, Entry{
		EntryID:           entryIDValue,
		EntryType:         RefusalEntryType,
		AuthorityEvent:    p.AuthorityEvent,
		AuthorityDRI:      refusedBy,
		AuthorityRole:     "dri",
		AuthorityReason:   p.RefusalReason,
		SigningKeyID:      signingKeyID(p.SigningKeyID),
		SignatureAlg:      SignatureAlg,
		RefusedBy:         refusedBy,
		RefusedActionType: p.RefusedActionType,
		RefusalReason:     p.RefusalReason,
	}, p.SigningKey)
}

// Refusals returns the refusal slices the gate consumer matches against.
func (l *Ledger) Refusals(ctx context.Context) ([]contracts.RefusalEntry, error) {
	entries, err := l.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []contracts.RefusalEntry
	for _, e := range entries {
		if e.EntryType == RefusalEntryType {
			out = append(out, contracts.RefusalEntry{
				EntryType:         e.EntryType,
				RefusedActionType: e.RefusedActionType,
			})
		}
	}
	return out, nil
}

func (l *Ledger) append(ctx context.Context, entry Entry, signingKey string) (Entry, error) {
	if entry.AuthorityEvent.EventID == "" {
		return Entry{}, fmt.Errorf("authority_event.event_id is required")
	}
	return l.store.Append(ctx, func(h head) (Entry, Snapshot, error) {
		if h.Prev != nil {
			prev := h.Prev.EntryHash
			entry.PrevEntryHash = &prev
		} else {
			entry.PrevEntryHash = nil
		}
		if err := entry.seal(signingKey); err != nil {
			return Entry{}, Snapshot{}, err
		}
		return entry, snapshotFor(entry, h.SnapshotVersion+1, h.EntryCount+1), nil
	})
}

func signingKeyID(id string) string {
	if id == "" {
		return DefaultSigningKeyID
	}
	return id
}
