package keyring

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/decigov/disr/core/pkg/policy"
)

// EnvProviderOverride selects the crypto provider regardless of policy.
const EnvProviderOverride = "DISR_CRYPTO_PROVIDER"

// ErrNotImplemented marks operations on intentionally unfinished providers.
// Fail-closed: an unfinished integration can never be mistaken for a working one.
var ErrNotImplemented = errors.New("not implemented")

// CryptoProvider is the key-management backend contract.
//
// ExpiresAt is optional on create; a zero key version on disable targets the
// latest version of the key.
type CryptoProvider interface {
	Name() string
	CreateKeyVersion(keyID string, expiresAt *time.Time) (KeyVersionRecord, error)
	ListKeyVersions(keyID string) ([]KeyVersionRecord, error)
	CurrentKeyVersion(keyID string) (*KeyVersionRecord, error)
	DisableKeyVersion(keyID string, keyVersion int) (KeyVersionRecord, error)
	ExpireKeys(now time.Time) (int, error)
}

// ProviderOptions carries backend construction parameters.
type ProviderOptions struct {
	// Path is the backing file for file-based providers.
	Path string
	// Clock overrides wall time, for deterministic tests.
	Clock func() time.Time
}

func (o ProviderOptions) clock() func() time.Time {
	if o.Clock != nil {
		return o.Clock
	}
	return time.Now
}

// Factory constructs a provider from options.
type Factory func(opts ProviderOptions) (CryptoProvider, error)

// Registry maps provider names to factories. It is an explicit object
// constructed once at process start and passed by reference; there is no
// package-level mutable registry.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	defaultName string
}

// NewRegistry returns a registry with the built-in providers registered:
// the local file-backed keystore and the fail-closed cloud stubs.
func NewRegistry() *Registry {
	r := &Registry{
		factories:   make(map[string]Factory),
		defaultName: ProviderLocalKeystore,
	}
	// Built-ins cannot collide, ignore the duplicate-name error path.
	_ = r.Register(ProviderLocalKeystore, NewLocalKeystoreFactory(), false)
	for _, name := range CloudStubNames {
		_ = r.Register(name, NewCloudStubFactory(name), false)
	}
	return r
}

// Register binds a factory under a stable name. Registering an existing name
// fails unless overwrite is set.
func (r *Registry) Register(name string, factory Factory, overwrite bool) error {
	normalized, err := normalizeName(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[normalized]; exists && !overwrite {
		return fmt.Errorf("provider already registered: %s", normalized)
	}
	r.factories[normalized] = factory
	return nil
}

// Available returns registered provider names sorted for deterministic display.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a provider by name.
func (r *Registry) Create(name string, opts ProviderOptions) (CryptoProvider, error) {
	normalized, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[normalized]
	r.mu.RUnlock()
	if !ok {
		choices := strings.Join(r.Available(), ", ")
		if choices == "" {
			choices = "(none)"
		}
		return nil, fmt.Errorf("unknown provider %q, available: %s", normalized, choices)
	}
	return factory(opts)
}

// ResolveProviderName picks the provider: env override, then the policy's
// security block (crypto_provider before provider), then the registry default.
func (r *Registry) ResolveProviderName(p *policy.CryptoPolicy) string {
	if env := os.Getenv(EnvProviderOverride); env != "" {
		if normalized, err := normalizeName(env); err == nil {
			return normalized
		}
	}
	if p != nil && p.Security != nil {
		for _, candidate := range []string{p.Security.CryptoProvider, p.Security.Provider} {
			if candidate != "" {
				if normalized, err := normalizeName(candidate); err == nil {
					return normalized
				}
			}
		}
	}
	if p != nil && p.DefaultProvider != "" {
		if normalized, err := normalizeName(p.DefaultProvider); err == nil {
			return normalized
		}
	}
	return r.defaultName
}

func normalizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "", errors.New("provider name cannot be empty")
	}
	return normalized, nil
}
