package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decigov/disr/core/pkg/config"
	"github.com/decigov/disr/core/pkg/keyring"
	"github.com/decigov/disr/core/pkg/policy"
	"github.com/decigov/disr/core/pkg/reencrypt"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"disr"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvSigningKey, "test-custody-key")
	t.Setenv(config.EnvLogLevel, "ERROR")
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvRedisAddr, "")
	t.Setenv(policy.EnvPolicyPath, "")
	t.Setenv(keyring.EnvProviderOverride, "")
	return dir
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: disr")

	code, _, stderr = run(t, "no-such-command")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "no-such-command"`)

	code, stdout, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "rotate-keys")
}

func TestKeyringLifecycle(t *testing.T) {
	dir := setupDataDir(t)

	code, stdout, _ := run(t, "keyring", "create", "--key-id", "tenant-a")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS: created tenant-a@v1")

	code, stdout, _ = run(t, "keyring", "current", "--key-id", "tenant-a")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "current tenant-a@v1")

	code, stdout, _ = run(t, "keyring", "create", "--key-id", "tenant-a", "--ttl-days", "30")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "tenant-a@v2")

	code, stdout, _ = run(t, "keyring", "list", "--key-id", "tenant-a")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "tenant-a@v1")
	assert.Contains(t, stdout, "tenant-a@v2")
	assert.Contains(t, stdout, "PASS: 2 record(s)")

	code, stdout, _ = run(t, "keyring", "disable", "--key-id", "tenant-a", "--key-version", "2", "--tenant", "tenant-a")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "disabled tenant-a@v2")

	code, stdout, _ = run(t, "keyring", "current", "--key-id", "tenant-a")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "current tenant-a@v1")

	raw, err := os.ReadFile(filepath.Join(dir, "security_events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"KEY_DISABLED"`)
	assert.Contains(t, string(raw), `"key_version":2`)
}

func TestKeyringExpireEmitsEvent(t *testing.T) {
	dir := setupDataDir(t)

	registry := keyring.NewRegistry()
	provider, err := registry.Create(keyring.ProviderLocalKeystore, keyring.ProviderOptions{
		Path: filepath.Join(dir, "local_keystore.json"),
	})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	_, err = provider.CreateKeyVersion("tenant-b", &past)
	require.NoError(t, err)

	code, stdout, _ := run(t, "keyring", "expire", "--tenant", "tenant-b")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "expired 1 key version(s)")

	raw, err := os.ReadFile(filepath.Join(dir, "security_events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"KEY_EXPIRED"`)
	assert.Contains(t, string(raw), `"expired_count":1`)

	// A second sweep changes nothing and must not add another event.
	code, stdout, _ = run(t, "keyring", "expire", "--tenant", "tenant-b")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "expired 0 key version(s)")
	again, err := os.ReadFile(filepath.Join(dir, "security_events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(again), `"KEY_EXPIRED"`))
}

func TestRotateVerifyExport(t *testing.T) {
	dir := setupDataDir(t)

	rotate := []string{
		"rotate-keys",
		"--tenant", "tenant-a",
		"--key-id", "tenant-a-record-key",
		"--ttl-days", "30",
		"--actor-user", "ops@example.org",
		"--authority-dri", "security-officer@example.org",
		"--authority-role", "dri_approver",
		"--authority-reason", "scheduled rotation",
	}
	code, stdout, stderr := run(t, rotate...)
	require.Equal(t, 0, code, stdout+stderr)
	assert.Contains(t, stdout, "PASS: rotated tenant-a-record-key to v1 for tenant-a")

	code, stdout, _ = run(t, "verify-ledger")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS: ledger verified: 1 entries")

	code, stdout, _ = run(t, "export-ledger", "--format", "ndjson")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS: exported 1 entries as ndjson")
	firstLine := strings.SplitN(stdout, "\n", 2)[0]
	var exported map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(firstLine), &exported))
	assert.Equal(t, "AUTHORIZED_KEY_ROTATION", exported["entry_type"])

	outPath := filepath.Join(dir, "export.json")
	code, stdout, _ = run(t, "export-ledger", "--format", "json", "--out", outPath)
	require.Equal(t, 0, code, stdout)
	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var envelope struct {
		SchemaVersion string `json:"schema_version"`
		EntryCount    int    `json:"entry_count"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, 1, envelope.EntryCount)
}

func TestVerifyLedgerDetectsTamper(t *testing.T) {
	dir := setupDataDir(t)

	code, stdout, stderr := run(t,
		"rotate-keys",
		"--tenant", "tenant-b",
		"--key-id", "tenant-b-record-key",
		"--actor-user", "ops@example.org",
		"--authority-dri", "dri@example.org",
		"--authority-role", "dri",
		"--authority-reason", "initial key",
	)
	require.Equal(t, 0, code, stdout+stderr)

	ledgerPath := filepath.Join(dir, "authority_ledger.json")
	raw, err := os.ReadFile(ledgerPath)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte("initial key"), []byte("revised story"), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(ledgerPath, tampered, 0o600))

	code, stdout, _ = run(t, "verify-ledger")
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "entry_hash mismatch")
	assert.Contains(t, stdout, "FAIL:")
}

func TestRotateKeysRequiresAuthority(t *testing.T) {
	setupDataDir(t)

	code, stdout, _ := run(t,
		"rotate-keys",
		"--tenant", "tenant-a",
		"--key-id", "tenant-a-record-key",
		"--actor-user", "ops@example.org",
		"--authority-dri", "",
	)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "FAIL:")
	assert.Contains(t, stdout, "authority_dri is required")
}

func TestRotateKeysRejectsLowPrecedenceRole(t *testing.T) {
	setupDataDir(t)

	code, stdout, _ := run(t,
		"rotate-keys",
		"--tenant", "tenant-a",
		"--key-id", "tenant-a-record-key",
		"--actor-user", "ops@example.org",
		"--authority-dri", "bot@example.org",
		"--authority-role", "system",
		"--authority-reason", "automated",
	)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "precedence too low")
}

func TestRefuseThenVerify(t *testing.T) {
	setupDataDir(t)

	code, stdout, stderr := run(t,
		"refuse",
		"--tenant", "tenant-a",
		"--action-type", "DELETE_AUDIT_LOG",
		"--refused-by", "dri@example.org",
		"--reason", "audit retention is mandatory",
	)
	require.Equal(t, 0, code, stdout+stderr)
	assert.Contains(t, stdout, "PASS: refusal recorded for DELETE_AUDIT_LOG")
	assert.Contains(t, stdout, "AUTHREF-")

	code, stdout, _ = run(t, "verify-ledger")
	require.Equal(t, 0, code, stdout)
}

func writeGateFixtures(t *testing.T, dir string, allow interface{}) (string, string, string, string) {
	t.Helper()
	intent := map[string]interface{}{
		"intent_statement": "rotate tenant keys",
		"scope":            "tenant-a",
		"success_criteria": "all records readable under the new key",
		"ttl_expires_at":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"author":           map[string]interface{}{"id": "ops@example.org"},
		"authority":        map[string]interface{}{"id": "dri@example.org"},
		"intent_hash":      "0b7e4d9f",
	}
	authorityContract := map[string]interface{}{
		"allow_execution": allow,
		"signer":          "dri@example.org",
	}
	decision := map[string]interface{}{
		"decision_id":    "dec-001",
		"claims":         []map[string]interface{}{{"action": "ROTATE_KEYS"}},
		"evidence":       []map[string]interface{}{{"type": "policy_review"}},
		"authority_refs": []map[string]interface{}{{"entry_id": "AUTH-abc"}},
	}

	paths := [4]string{
		filepath.Join(dir, "intent_packet.json"),
		filepath.Join(dir, "authority_contract.json"),
		filepath.Join(dir, "input_snapshot.json"),
		filepath.Join(dir, "decision_record.json"),
	}
	for i, doc := range []interface{}{intent, authorityContract, map[string]interface{}{"inputs": []string{}}, decision} {
		raw, err := json.Marshal(doc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths[i], raw, 0o600))
	}
	return paths[0], paths[1], paths[2], paths[3]
}

func TestGatePassAndDefaultDeny(t *testing.T) {
	dir := setupDataDir(t)

	intent, authorityPath, snapshot, decision := writeGateFixtures(t, dir, true)
	code, stdout, _ := run(t, "gate",
		"--intent", intent,
		"--authority-contract", authorityPath,
		"--snapshot", snapshot,
		"--decision-record", decision,
	)
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS:")

	_, denied, _, _ := writeGateFixtures(t, t.TempDir(), false)
	code, stdout, _ = run(t, "gate",
		"--intent", intent,
		"--authority-contract", denied,
		"--snapshot", snapshot,
		"--decision-record", decision,
	)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "FAIL:")
	assert.Contains(t, stdout, "default deny")
}

func TestGateDenyRulesFile(t *testing.T) {
	dir := setupDataDir(t)
	intent, authorityPath, snapshot, decision := writeGateFixtures(t, dir, true)

	rulesPath := filepath.Join(dir, "deny_rules.cel")
	rules := "# block anything touching tenant-a\nintent.scope == 'tenant-a'\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o600))

	code, stdout, _ := run(t, "gate",
		"--intent", intent,
		"--authority-contract", authorityPath,
		"--snapshot", snapshot,
		"--decision-record", decision,
		"--deny-rules", rulesPath,
	)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "blocked by deny rule")
}

func TestGateSelfCheck(t *testing.T) {
	setupDataDir(t)

	code, stdout, _ := run(t, "gate", "--self-check")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS: pre-exec self-check passed")
}

func TestVerifyLedgerSelfCheck(t *testing.T) {
	setupDataDir(t)

	code, stdout, _ := run(t, "verify-ledger", "--self-check")
	require.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "PASS: ledger self-check passed")
}

func TestProviderSwitchEmitsEventAndStubFailsClosed(t *testing.T) {
	dir := setupDataDir(t)

	rotate := []string{
		"rotate-keys",
		"--tenant", "tenant-a",
		"--key-id", "tenant-a-record-key",
		"--actor-user", "ops@example.org",
		"--authority-dri", "dri@example.org",
		"--authority-role", "dri",
		"--authority-reason", "initial key",
	}
	code, stdout, stderr := run(t, rotate...)
	require.Equal(t, 0, code, stdout+stderr)

	t.Setenv(keyring.EnvProviderOverride, "aws-kms")
	code, stdout, _ = run(t, rotate...)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "stub")

	raw, err := os.ReadFile(filepath.Join(dir, "security_events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "PROVIDER_CHANGED")
	assert.Contains(t, string(raw), "aws-kms")
}

func TestReencryptFailsClosedWithoutKeys(t *testing.T) {
	dir := setupDataDir(t)
	t.Setenv(reencrypt.EnvMasterKey, "")
	t.Setenv(reencrypt.EnvPreviousMasterKey, "")
	dataDir := filepath.Join(dir, "records")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "r1.json"), []byte(`{}`), 0o600))

	code, stdout, _ := run(t, "reencrypt", "--tenant", "tenant-a", "--data-dir", dataDir)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "FAIL:")
	assert.Contains(t, stdout, "$DISR_MASTER_KEY")
}
