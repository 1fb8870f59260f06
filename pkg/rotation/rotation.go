// Package rotation composes the keyring, the security event log, and the
// authority ledger into the audited key rotation flow. A rotation mints a
// new key version, records a KEY_ROTATED event, and appends an authority
// entry that embeds that event, so the event log and the ledger cross
// reference each other.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/decigov/disr/core/pkg/authority"
	"github.com/decigov/disr/core/pkg/contracts"
	"github.com/decigov/disr/core/pkg/events"
	"github.com/decigov/disr/core/pkg/idempotency"
	"github.com/decigov/disr/core/pkg/keyring"
	"github.com/decigov/disr/core/pkg/policy"
)

// ActionRotateKeys is the contract action type a rotation consumes.
const ActionRotateKeys = "ROTATE_KEYS"

// EntryTypeKeyRotation is the ledger entry type a rotation appends.
const EntryTypeKeyRotation = "AUTHORIZED_KEY_ROTATION"

// Orchestrator wires the rotation collaborators. Construct once per
// invocation and pass by reference.
type Orchestrator struct {
	Policy   *policy.CryptoPolicy
	Provider keyring.CryptoProvider
	Events   *events.Log
	Ledger   *authority.Ledger
	// Dedup is optional; when set, rotations carrying an idempotency key
	// are recorded and replays are rejected.
	Dedup  idempotency.Store
	Logger *slog.Logger
	Clock  func() time.Time
}

func (o *Orchestrator) clock() func() time.Time {
	if o.Clock != nil {
		return o.Clock
	}
	return time.Now
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Params describes one rotation request.
type Params struct {
	TenantID string
	KeyID    string
	TTLDays  int

	ActorUser string
	ActorRole string

	AuthorityDRI        string
	AuthorityRole       string
	AuthorityReason     string
	AuthoritySigningKey string

	// ActionContract is minted on the fly when nil.
	ActionContract *contracts.ActionContract

	// IdempotencyKey deduplicates retried requests when Dedup is configured.
	IdempotencyKey string
}

// Result reports what a completed rotation produced.
type Result struct {
	TenantID         string `json:"tenant_id"`
	KeyID            string `json:"key_id"`
	KeyVersion       int    `json:"key_version"`
	ExpiresAt        string `json:"expires_at"`
	ActorUser        string `json:"actor_user"`
	ActorRole        string `json:"actor_role"`
	SecurityEventID  string `json:"security_event_id"`
	EventHash        string `json:"event_hash"`
	AuthorityEntryID string `json:"authority_entry_id"`
	ActionContractID string `json:"action_contract_id"`
}

// Rotate performs one audited key rotation.
func (o *Orchestrator) Rotate(ctx context.Context, p Params) (Result, error) {
	if p.TTLDays <= 0 {
		return Result{}, fmt.Errorf("ttl_days must be > 0")
	}
	if o.Policy != nil {
		if err := o.Policy.ValidateRotationTTLDays(p.TTLDays); err != nil {
			return Result{}, err
		}
	}
	if p.AuthorityDRI == "" {
		return Result{}, fmt.Errorf("authority_dri is required for rotation approval")
	}
	if p.AuthorityReason == "" {
		return Result{}, fmt.Errorf("authority_reason is required for rotation approval")
	}
	if p.AuthoritySigningKey == "" {
		return Result{}, fmt.Errorf("authority_signing_key is required to sign rotation approval")
	}

	reserved := o.Dedup != nil && p.IdempotencyKey != ""
	if reserved {
		fresh, err := o.Dedup.Reserve(ctx, p.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency check: %w", err)
		}
		if !fresh {
			return Result{}, fmt.Errorf("%w: %s", idempotency.ErrDuplicate, p.IdempotencyKey)
		}
	}

	// abort returns the reservation on failure, so retrying a rotation
	// that never completed is not rejected as a duplicate.
	abort := func(err error) (Result, error) {
		if reserved {
			if relErr := o.Dedup.Release(ctx, p.IdempotencyKey); relErr != nil {
				o.logger().Warn("release idempotency key",
					"idempotency_key", p.IdempotencyKey, "error", relErr)
			}
		}
		return Result{}, err
	}

	now := o.clock()
	contract := p.ActionContract
	if contract == nil {
		minted, err := contracts.Create(contracts.CreateParams{
			ActionType:  ActionRotateKeys,
			RequestedBy: p.ActorUser,
			DRI:         p.AuthorityDRI,
			Approver:    p.AuthorityDRI,
			SigningKey:  p.AuthoritySigningKey,
			Now:         now,
		})
		if err != nil {
			return abort(fmt.Errorf("mint rotation contract: %w", err))
		}
		contract = &minted
	}
	if err := contracts.Validate(*contract, ActionRotateKeys, p.AuthoritySigningKey, now); err != nil {
		return abort(fmt.Errorf("rotation contract rejected: %w", err))
	}

	expiresAt := now().UTC().Add(time.Duration(p.TTLDays) * 24 * time.Hour)
	record, err := o.Provider.CreateKeyVersion(p.KeyID, &expiresAt)
	if err != nil {
		return abort(fmt.Errorf("create key version: %w", err))
	}

	event, err := o.Events.Append(events.TypeKeyRotated, p.TenantID, map[string]interface{}{
		"key_id":             record.KeyID,
		"key_version":        record.KeyVersion,
		"expires_at":         expiresAt.Format(time.RFC3339),
		"actor_user":         p.ActorUser,
		"actor_role":         p.ActorRole,
		"authority_dri":      p.AuthorityDRI,
		"authority_role":     p.AuthorityRole,
		"authority_reason":   p.AuthorityReason,
		"action_contract_id": contract.ActionID,
	}, events.AppendOptions{
		SignerID:   p.AuthorityDRI,
		SigningKey: p.AuthoritySigningKey,
	})
	if err != nil {
		return abort(fmt.Errorf("record rotation event: %w", err))
	}

	entry, err := o.Ledger.AppendAction(ctx, authority.ActionParams{
		AuthorityEvent: authority.Event{
			EventID:    event.EventID,
			EventHash:  event.EventHash,
			TenantID:   p.TenantID,
			OccurredAt: event.OccurredAt,
			Payload:    event.Payload,
		},
		AuthorityDRI:    p.AuthorityDRI,
		AuthorityRole:   p.AuthorityRole,
		AuthorityReason: p.AuthorityReason,
		SigningKey:      p.AuthoritySigningKey,
		ActionType:      EntryTypeKeyRotation,
		ActionContract:  contract,
	})
	if err != nil {
		return abort(fmt.Errorf("record rotation authority: %w", err))
	}

	o.logger().Info("key rotated",
		"tenant_id", p.TenantID,
		"key_id", record.KeyID,
		"key_version", record.KeyVersion,
		"authority_entry_id", entry.EntryID,
		"security_event_id", event.EventID)

	return Result{
		TenantID:         p.TenantID,
		KeyID:            record.KeyID,
		KeyVersion:       record.KeyVersion,
		ExpiresAt:        expiresAt.Format(time.RFC3339),
		ActorUser:        p.ActorUser,
		ActorRole:        p.ActorRole,
		SecurityEventID:  event.EventID,
		EventHash:        event.EventHash,
		AuthorityEntryID: entry.EntryID,
		ActionContractID: contract.ActionID,
	}, nil
}

// RecordProviderChange emits the PROVIDER_CHANGED audit event when a
// deployment switches crypto backends.
func (o *Orchestrator) RecordProviderChange(tenantID, from, to, actor, signingKey string) (events.SecurityEvent, error) {
	if from == to {
		return events.SecurityEvent{}, fmt.Errorf("provider unchanged: %s", from)
	}
	return o.Events.Append(events.TypeProviderChanged, tenantID, map[string]interface{}{
		"from":  from,
		"to":    to,
		"actor": actor,
	}, events.AppendOptions{SignerID: actor, SigningKey: signingKey})
}
