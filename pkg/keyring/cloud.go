package keyring

import (
	"fmt"
	"time"
)

// Cloud KMS provider names. All three are registered as fail-closed stubs:
// every operation returns an error containing "stub" wrapping
// ErrNotImplemented, so an unfinished integration can never look like a
// working backend.
const (
	ProviderAWSKMS  = "aws-kms"
	ProviderGCPKMS  = "gcp-kms"
	ProviderAzureKV = "azure-kv"
)

// CloudStubNames lists the registered stub providers.
var CloudStubNames = []string{ProviderAWSKMS, ProviderGCPKMS, ProviderAzureKV}

// CloudStubProvider is a provider variant that can only produce a
// not-implemented result. The type has no other behavior to accidentally
// fall back to.
type CloudStubProvider struct {
	name string
}

// NewCloudStubFactory returns the registry factory for a named stub.
func NewCloudStubFactory(name string) Factory {
	return func(ProviderOptions) (CryptoProvider, error) {
		return &CloudStubProvider{name: name}, nil
	}
}

func (c *CloudStubProvider) Name() string { return c.name }

func (c *CloudStubProvider) stubErr(op string) error {
	return fmt.Errorf("%s provider is a stub, %s is %w", c.name, op, ErrNotImplemented)
}

func (c *CloudStubProvider) CreateKeyVersion(string, *time.Time) (KeyVersionRecord, error) {
	return KeyVersionRecord{}, c.stubErr("create_key_version")
}

func (c *CloudStubProvider) ListKeyVersions(string) ([]KeyVersionRecord, error) {
	return nil, c.stubErr("list_key_versions")
}

func (c *CloudStubProvider) CurrentKeyVersion(string) (*KeyVersionRecord, error) {
	return nil, c.stubErr("current_key_version")
}

func (c *CloudStubProvider) DisableKeyVersion(string, int) (KeyVersionRecord, error) {
	return KeyVersionRecord{}, c.stubErr("disable_key_version")
}

func (c *CloudStubProvider) ExpireKeys(time.Time) (int, error) {
	return 0, c.stubErr("expire_keys")
}
