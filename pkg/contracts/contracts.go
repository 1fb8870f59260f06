// Package contracts implements short-lived signed authorization tokens.
// An ActionContract authorizes one privileged action type for a bounded TTL;
// a RefusalContract explicitly blocks one. Both are HMAC-signed over their
// canonical JSON form so any field tamper invalidates the signature.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/decigov/disr/core/pkg/canonicalize"
)

// RefusalPrefix marks a contract that blocks rather than authorizes.
const RefusalPrefix = "REFUSE:"

// DefaultTTL bounds a contract's validity when the caller does not choose one.
const DefaultTTL = 900 * time.Second

// ActionContract authorizes exactly one action type, requested by one
// identity and countersigned by a DRI and an approver.
type ActionContract struct {
	ActionID    string `json:"action_id"`
	ActionType  string `json:"action_type"`
	RequestedBy string `json:"requested_by"`
	DRI         string `json:"dri"`
	Approver    string `json:"approver"`
	Timestamp   string `json:"timestamp"`
	TTL         int64  `json:"ttl"`
	Signature   string `json:"signature"`
}

// signedContent is every contract field except the signature itself.
type signedContent struct {
	ActionID    string `json:"action_id"`
	ActionType  string `json:"action_type"`
	RequestedBy string `json:"requested_by"`
	DRI         string `json:"dri"`
	Approver    string `json:"approver"`
	Timestamp   string `json:"timestamp"`
	TTL         int64  `json:"ttl"`
}

// idContent is the content hashed into the ActionID, which excludes the ID.
type idContent struct {
	ActionType  string `json:"action_type"`
	RequestedBy string `json:"requested_by"`
	DRI         string `json:"dri"`
	Approver    string `json:"approver"`
	Timestamp   string `json:"timestamp"`
	TTL         int64  `json:"ttl"`
}

// NormalizeIdentity puts an identity string in NFC form so visually identical
// names compare equal regardless of how the caller composed them.
func NormalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// CreateParams carries the inputs for a new contract.
type CreateParams struct {
	ActionType  string
	RequestedBy string
	DRI         string
	Approver    string
	SigningKey  string
	// TTL defaults to DefaultTTL when zero.
	TTL time.Duration
	// Now defaults to time.Now when nil.
	Now func() time.Time
}

// Create mints a signed contract. The action ID is derived from the contract
// content, so identical inputs yield the same ID.
func Create(p CreateParams) (ActionContract, error) {
	if p.TTL == 0 {
		p.TTL = DefaultTTL
	}
	if p.TTL <= 0 {
		return ActionContract{}, fmt.Errorf("ttl must be > 0")
	}
	if p.SigningKey == "" {
		return ActionContract{}, fmt.Errorf("signing_key is required")
	}
	actionType := strings.TrimSpace(p.ActionType)
	requestedBy := NormalizeIdentity(p.RequestedBy)
	dri := NormalizeIdentity(p.DRI)
	approver := NormalizeIdentity(p.Approver)
	if actionType == "" || requestedBy == "" || dri == "" || approver == "" {
		return ActionContract{}, fmt.Errorf("action_type, requested_by, dri, and approver are required")
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	timestamp := now().UTC().Format(time.RFC3339)
	ttlSeconds := int64(p.TTL / time.Second)

	unsigned := idContent{
		ActionType:  actionType,
		RequestedBy: requestedBy,
		DRI:         dri,
		Approver:    approver,
		Timestamp:   timestamp,
		TTL:         ttlSeconds,
	}
	canonical, err := canonicalize.JCS(unsigned)
	if err != nil {
		return ActionContract{}, fmt.Errorf("canonicalize contract: %w", err)
	}
	digest := sha256.Sum256(canonical)
	actionID := "ACT-" + hex.EncodeToString(digest[:])[:12]

	signature, err := canonicalize.SignHMAC(signedContent{
		ActionID:    actionID,
		ActionType:  actionType,
		RequestedBy: requestedBy,
		DRI:         dri,
		Approver:    approver,
		Timestamp:   timestamp,
		TTL:         ttlSeconds,
	}, p.SigningKey)
	if err != nil {
		return ActionContract{}, fmt.Errorf("sign contract: %w", err)
	}

	return ActionContract{
		ActionID:    actionID,
		ActionType:  actionType,
		RequestedBy: requestedBy,
		DRI:         dri,
		Approver:    approver,
		Timestamp:   timestamp,
		TTL:         ttlSeconds,
		Signature:   signature,
	}, nil
}

// Validate checks a contract against the action type the caller is about to
// perform. It fails closed on a type mismatch, a bad signature, or expiry
// (now strictly after timestamp + ttl).
func Validate(c ActionContract, expectedActionType, signingKey string, now func() time.Time) error {
	if signingKey == "" {
		return fmt.Errorf("signing_key is required")
	}
	if c.ActionID == "" || c.ActionType == "" || c.RequestedBy == "" ||
		c.DRI == "" || c.Approver == "" || c.Timestamp == "" || c.Signature == "" {
		return fmt.Errorf("action contract has missing fields")
	}
	if c.ActionType != expectedActionType {
		return fmt.Errorf("invalid action_type in contract: %s (expected %s)", c.ActionType, expectedActionType)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("invalid contract ttl: must be > 0")
	}

	ok, err := canonicalize.VerifyHMAC(signedContent{
		ActionID:    c.ActionID,
		ActionType:  c.ActionType,
		RequestedBy: c.RequestedBy,
		DRI:         c.DRI,
		Approver:    c.Approver,
		Timestamp:   c.Timestamp,
		TTL:         c.TTL,
	}, signingKey, c.Signature)
	if err != nil {
		return fmt.Errorf("verify contract signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("invalid action contract signature")
	}

	issued, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid contract timestamp: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	expiresAt := issued.Add(time.Duration(c.TTL) * time.Second)
	if now().After(expiresAt) {
		return fmt.Errorf("action contract is expired")
	}
	return nil
}

// RefusalContract blocks one action type. It reuses the ActionContract
// signing scheme with the REFUSE: prefix and records who refused and why.
type RefusalContract struct {
	ActionContract
	RefusedBy string `json:"refused_by"`
	Reason    string `json:"reason"`
}

// CreateRefusal mints a signed refusal for the given action type.
func CreateRefusal(refusedActionType, refusedBy, reason, dri, signingKey string, now func() time.Time) (RefusalContract, error) {
	refusedBy = NormalizeIdentity(refusedBy)
	if reason == "" {
		return RefusalContract{}, fmt.Errorf("reason is required")
	}
	base, err := Create(CreateParams{
		ActionType:  RefusalPrefix + strings.TrimSpace(refusedActionType),
		RequestedBy: refusedBy,
		DRI:         dri,
		Approver:    dri,
		SigningKey:  signingKey,
		Now:         now,
	})
	if err != nil {
		return RefusalContract{}, err
	}
	return RefusalContract{ActionContract: base, RefusedBy: refusedBy, Reason: reason}, nil
}

// ValidateRefusal checks a refusal contract against the action type it is
// expected to block.
func ValidateRefusal(c RefusalContract, refusedActionType, signingKey string, now func() time.Time) error {
	return Validate(c.ActionContract, RefusalPrefix+refusedActionType, signingKey, now)
}
