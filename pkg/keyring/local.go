package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/decigov/disr/core/pkg/fsutil"
)

// ProviderLocalKeystore is the registry name of the file-backed provider.
const ProviderLocalKeystore = "local-keystore"

// keystoreSchemaVersion is written into every keystore file.
const keystoreSchemaVersion = "1.0"

// DefaultKeystorePath is used when no path is configured.
const DefaultKeystorePath = "data/security/local_keystore.json"

// keystoreFile is the on-disk shape: a schema marker plus the record list.
// Records are kept sorted by (key_id, key_version) so the file bytes are
// deterministic for identical logical content.
type keystoreFile struct {
	SchemaVersion string             `json:"schema_version"`
	Records       []KeyVersionRecord `json:"records"`
}

// LocalKeystoreProvider persists key version records to a JSON file.
//
// Mutations are guarded by a process-local mutex plus an on-disk lockfile, and
// committed with temp-write + rename, so concurrent invocations cannot
// interleave read-modify-write cycles.
type LocalKeystoreProvider struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// NewLocalKeystoreFactory returns the registry factory for this provider.
func NewLocalKeystoreFactory() Factory {
	return func(opts ProviderOptions) (CryptoProvider, error) {
		path := opts.Path
		if path == "" {
			path = DefaultKeystorePath
		}
		return NewLocalKeystoreProvider(path, opts.clock())
	}
}

// NewLocalKeystoreProvider opens (or initializes) the keystore at path.
func NewLocalKeystoreProvider(path string, clock func() time.Time) (*LocalKeystoreProvider, error) {
	if clock == nil {
		clock = time.Now
	}
	p := &LocalKeystoreProvider{path: path, clock: clock}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := p.write(keystoreFile{SchemaVersion: keystoreSchemaVersion}); err != nil {
			return nil, err
		}
		return p, nil
	}
	// Normalize existing content on open so the file shape stays deterministic.
	store, err := p.read()
	if err != nil {
		return nil, err
	}
	if err := p.write(store); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *LocalKeystoreProvider) Name() string { return ProviderLocalKeystore }

// CreateKeyVersion mints the next version for keyID, starting at 1.
func (p *LocalKeystoreProvider) CreateKeyVersion(keyID string, expiresAt *time.Time) (KeyVersionRecord, error) {
	trimmed := trimKeyID(keyID)
	if trimmed == "" {
		return KeyVersionRecord{}, fmt.Errorf("key_id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	lock, err := fsutil.AcquireLock(p.path, fsutil.DefaultLockOptions)
	if err != nil {
		return KeyVersionRecord{}, fmt.Errorf("lock keystore: %w", err)
	}
	defer lock.Release()

	store, err := p.read()
	if err != nil {
		return KeyVersionRecord{}, err
	}

	next := 1
	for _, r := range store.Records {
		if r.KeyID == trimmed && r.KeyVersion >= next {
			next = r.KeyVersion + 1
		}
	}

	record := KeyVersionRecord{
		KeyID:      trimmed,
		KeyVersion: next,
		Status:     StatusActive,
		CreatedAt:  p.clock().UTC(),
		ExpiresAt:  expiresAt,
	}
	store.Records = append(store.Records, record)
	if err := p.write(store); err != nil {
		return KeyVersionRecord{}, err
	}
	return record, nil
}

// ListKeyVersions returns records for keyID, or every record when keyID is empty.
func (p *LocalKeystoreProvider) ListKeyVersions(keyID string) ([]KeyVersionRecord, error) {
	store, err := p.read()
	if err != nil {
		return nil, err
	}
	if keyID == "" {
		return store.Records, nil
	}
	var out []KeyVersionRecord
	for _, r := range store.Records {
		if r.KeyID == keyID {
			out = append(out, r)
		}
	}
	return out, nil
}

// CurrentKeyVersion returns the highest-version active, unexpired record, or nil.
func (p *LocalKeystoreProvider) CurrentKeyVersion(keyID string) (*KeyVersionRecord, error) {
	store, err := p.read()
	if err != nil {
		return nil, err
	}
	return currentOf(store.Records, keyID, p.clock()), nil
}

// DisableKeyVersion flips one record to disabled. keyVersion 0 targets the
// latest version of the key.
func (p *LocalKeystoreProvider) DisableKeyVersion(keyID string, keyVersion int) (KeyVersionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, err := fsutil.AcquireLock(p.path, fsutil.DefaultLockOptions)
	if err != nil {
		return KeyVersionRecord{}, fmt.Errorf("lock keystore: %w", err)
	}
	defer lock.Release()

	store, err := p.read()
	if err != nil {
		return KeyVersionRecord{}, err
	}

	targetIdx := -1
	for i, r := range store.Records {
		if r.KeyID != keyID {
			continue
		}
		if keyVersion == 0 {
			if targetIdx < 0 || r.KeyVersion > store.Records[targetIdx].KeyVersion {
				targetIdx = i
			}
		} else if r.KeyVersion == keyVersion {
			targetIdx = i
		}
	}
	if targetIdx < 0 {
		if keyVersion == 0 {
			return KeyVersionRecord{}, fmt.Errorf("unknown key_id: %s", keyID)
		}
		return KeyVersionRecord{}, fmt.Errorf("unknown key version: %s@v%d", keyID, keyVersion)
	}

	store.Records[targetIdx].Status = StatusDisabled
	if err := p.write(store); err != nil {
		return KeyVersionRecord{}, err
	}
	return store.Records[targetIdx], nil
}

// ExpireKeys flips every active record past its expiry to expired, returning
// the number of records changed. Running it twice at the same instant changes
// records exactly once.
func (p *LocalKeystoreProvider) ExpireKeys(now time.Time) (int, error) {
	if now.IsZero() {
		now = p.clock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	lock, err := fsutil.AcquireLock(p.path, fsutil.DefaultLockOptions)
	if err != nil {
		return 0, fmt.Errorf("lock keystore: %w", err)
	}
	defer lock.Release()

	store, err := p.read()
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range store.Records {
		r := &store.Records[i]
		if r.Status == StatusActive && r.ExpiredAt(now) {
			r.Status = StatusExpired
			changed++
		}
	}
	if changed > 0 {
		if err := p.write(store); err != nil {
			return 0, err
		}
	}
	return changed, nil
}

func (p *LocalKeystoreProvider) read() (keystoreFile, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return keystoreFile{SchemaVersion: keystoreSchemaVersion}, nil
		}
		return keystoreFile{}, fmt.Errorf("read keystore %s: %w", p.path, err)
	}
	var store keystoreFile
	if err := json.Unmarshal(raw, &store); err != nil {
		return keystoreFile{}, fmt.Errorf("parse keystore %s: %w", p.path, err)
	}
	for _, r := range store.Records {
		if err := r.Validate(); err != nil {
			return keystoreFile{}, fmt.Errorf("keystore %s: %w", p.path, err)
		}
	}
	return store, nil
}

func (p *LocalKeystoreProvider) write(store keystoreFile) error {
	store.SchemaVersion = keystoreSchemaVersion
	if store.Records == nil {
		store.Records = []KeyVersionRecord{}
	}
	sortRecords(store.Records)
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	return fsutil.AtomicWriteFile(p.path, append(data, '\n'), 0o600)
}

func trimKeyID(keyID string) string {
	return strings.TrimSpace(keyID)
}
