// Package envelope validates encrypted-record envelope metadata against the
// crypto policy. New writes must carry the current envelope version; older
// supported versions stay readable so migration moves forward only, never
// silently downgrades.
package envelope

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/decigov/disr/core/pkg/policy"
)

// Envelope is the per-record encryption metadata.
type Envelope struct {
	EnvelopeVersion  string `json:"envelope_version"`
	Provider         string `json:"provider"`
	Alg              string `json:"alg"`
	KeyID            string `json:"key_id"`
	KeyVersion       uint64 `json:"key_version"`
	Nonce            string `json:"nonce"`
	AAD              string `json:"aad"`
	EncryptedPayload string `json:"encrypted_payload"`
}

// Validate checks the structural fields every envelope must carry.
func (e Envelope) Validate() error {
	if e.EnvelopeVersion == "" {
		return fmt.Errorf("envelope_version is required")
	}
	if _, err := semver.NewVersion(e.EnvelopeVersion); err != nil {
		return fmt.Errorf("envelope_version %q is not a valid version: %w", e.EnvelopeVersion, err)
	}
	if e.Provider == "" || e.Alg == "" {
		return fmt.Errorf("envelope provider and alg are required")
	}
	if e.KeyID == "" || e.KeyVersion == 0 {
		return fmt.Errorf("envelope key_id and key_version are required")
	}
	return nil
}

// ValidateForWrite accepts an envelope for a new write: provider and
// algorithm must be policy-allowed and the version must equal the policy's
// current envelope version exactly.
func ValidateForWrite(e Envelope, p *policy.CryptoPolicy) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := p.ValidateProviderAllowed(e.Provider); err != nil {
		return err
	}
	if err := p.ValidateAlgorithmAllowed(e.Alg); err != nil {
		return err
	}
	if e.EnvelopeVersion != p.EnvelopeVersionCurrent {
		return policy.Violationf("envelope_version %q not allowed for new writes (current is %q)",
			e.EnvelopeVersion, p.EnvelopeVersionCurrent)
	}
	return nil
}

// ValidateForRead accepts an envelope for reading: any version in the
// supported window passes, so records written before a version bump stay
// readable until they are re-encrypted.
func ValidateForRead(e Envelope, p *policy.CryptoPolicy) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := p.ValidateProviderAllowed(e.Provider); err != nil {
		return err
	}
	if err := p.ValidateAlgorithmAllowed(e.Alg); err != nil {
		return err
	}
	for _, supported := range p.EnvelopeVersionsSupported {
		if e.EnvelopeVersion == supported {
			return nil
		}
	}
	return policy.Violationf("envelope_version %q is outside the supported window %v",
		e.EnvelopeVersion, p.EnvelopeVersionsSupported)
}

// IsDowngrade reports whether writing candidate where existing already sits
// would move the envelope to an older version.
func IsDowngrade(existing, candidate string) (bool, error) {
	ev, err := semver.NewVersion(existing)
	if err != nil {
		return false, fmt.Errorf("existing envelope_version %q: %w", existing, err)
	}
	cv, err := semver.NewVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("candidate envelope_version %q: %w", candidate, err)
	}
	return cv.LessThan(ev), nil
}
