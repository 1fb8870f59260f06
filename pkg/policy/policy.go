// Package policy loads and enforces the runtime crypto governance policy.
//
// The policy is an immutable JSON record listing the providers, algorithms,
// envelope versions, and rotation TTL bounds a deployment allows. It is loaded
// once per invocation and never mutated.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// EnvPolicyPath overrides the policy file location when set.
const EnvPolicyPath = "DISR_CRYPTO_POLICY_PATH"

// DefaultPolicyPath is the conventional in-repo policy location.
const DefaultPolicyPath = "governance/security_crypto_policy.json"

// Error is raised when crypto policy loading or validation fails.
// All policy violations surface as this type so callers can classify them.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Violationf builds a policy violation error. Exported so envelope checks
// that live outside this package surface the same error type.
func Violationf(format string, args ...interface{}) *Error {
	return errorf(format, args...)
}

// Security holds the optional provider selection block inside a policy file.
type Security struct {
	CryptoProvider string `json:"crypto_provider,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// CryptoPolicy is the immutable governance policy record.
type CryptoPolicy struct {
	PolicyVersion             string    `json:"policy_version"`
	DefaultProvider           string    `json:"default_provider"`
	AllowedProviders          []string  `json:"allowed_providers"`
	AllowedAlgorithms         []string  `json:"allowed_algorithms"`
	MinTTLDays                int       `json:"min_ttl_days"`
	MaxTTLDays                int       `json:"max_ttl_days"`
	EnvelopeVersionCurrent    string    `json:"envelope_version_current"`
	EnvelopeVersionsSupported []string  `json:"envelope_versions_supported"`
	Security                  *Security `json:"security,omitempty"`
}

// requiredKeys are validated by name so a missing key produces a specific error
// rather than a zero-valued struct silently passing later checks.
var requiredKeys = []string{
	"policy_version",
	"default_provider",
	"allowed_providers",
	"allowed_algorithms",
	"min_ttl_days",
	"max_ttl_days",
	"envelope_version_current",
	"envelope_versions_supported",
}

// Load reads the policy from the explicit path, the DISR_CRYPTO_POLICY_PATH
// env override, or the default location, in that order.
func Load(path string) (*CryptoPolicy, error) {
	policyPath := resolvePath(path)

	raw, err := os.ReadFile(policyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errorf("crypto policy file not found: %s", policyPath)
		}
		return nil, errorf("crypto policy unreadable at %s: %v", policyPath, err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errorf("invalid crypto policy JSON at %s: %v", policyPath, err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := generic[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errorf("crypto policy missing required keys: %s", strings.Join(missing, ", "))
	}

	var p CryptoPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errorf("invalid crypto policy shape at %s: %v", policyPath, err)
	}

	if !contains(p.EnvelopeVersionsSupported, p.EnvelopeVersionCurrent) {
		return nil, errorf("envelope_version_current must be included in envelope_versions_supported")
	}

	return &p, nil
}

func resolvePath(path string) string {
	if path != "" {
		return path
	}
	if fromEnv := os.Getenv(EnvPolicyPath); fromEnv != "" {
		return fromEnv
	}
	return DefaultPolicyPath
}

// ValidateProviderAllowed checks the provider allow-list.
func (p *CryptoPolicy) ValidateProviderAllowed(providerName string) error {
	if !contains(p.AllowedProviders, providerName) {
		return errorf("provider %q blocked by crypto policy, allowed providers: %v",
			providerName, sortedCopy(p.AllowedProviders))
	}
	return nil
}

// ValidateAlgorithmAllowed checks the algorithm allow-list.
func (p *CryptoPolicy) ValidateAlgorithmAllowed(algorithm string) error {
	if !contains(p.AllowedAlgorithms, algorithm) {
		return errorf("algorithm %q blocked by crypto policy, allowed algorithms: %v",
			algorithm, sortedCopy(p.AllowedAlgorithms))
	}
	return nil
}

// ValidateRotationTTLDays checks the rotation TTL against policy bounds.
func (p *CryptoPolicy) ValidateRotationTTLDays(ttlDays int) error {
	if ttlDays < p.MinTTLDays || ttlDays > p.MaxTTLDays {
		return errorf("ttl_days=%d violates crypto policy bounds [%d, %d]",
			ttlDays, p.MinTTLDays, p.MaxTTLDays)
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
