package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewLog(filepath.Join(t.TempDir(), "security_events.jsonl")).
		WithClock(func() time.Time {
			now = now.Add(time.Second)
			return now
		})
}

func TestAppendChainsHashes(t *testing.T) {
	log := testLog(t)

	first, err := log.Append(TypeKeyRotated, "tenant-a",
		map[string]interface{}{"key_id": "master", "key_version": float64(1)}, AppendOptions{})
	require.NoError(t, err)
	second, err := log.Append(TypeReencryptDone, "tenant-a",
		map[string]interface{}{"files": float64(3)}, AppendOptions{})
	require.NoError(t, err)

	assert.Nil(t, first.PrevHash)
	require.NotNil(t, second.PrevHash)
	assert.Equal(t, first.EventHash, *second.PrevHash)
	assert.Equal(t, "SE-"+first.EventHash[:12], first.EventID)

	diags, err := log.VerifyChain()
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	log := testLog(t)

	_, err := log.Append("MADE_UP", "tenant-a", nil, AppendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allow-list")
	_, statErr := os.Stat(log.Path())
	assert.True(t, os.IsNotExist(statErr), "rejected event must not touch the file")
}

func TestAppendSignsWhenKeyProvided(t *testing.T) {
	log := testLog(t)

	event, err := log.Append(TypeProviderChanged, "tenant-a",
		map[string]interface{}{"from": "local-keystore", "to": "aws-kms"},
		AppendOptions{SignerID: "security-officer", SigningKey: "secret"})
	require.NoError(t, err)

	assert.Equal(t, "security-officer", event.SignerID)
	assert.Equal(t, "HMAC-SHA256", event.SignatureAlg)
	assert.NotEmpty(t, event.Signature)
}

func TestQueryFilters(t *testing.T) {
	log := testLog(t)

	_, err := log.Append(TypeKeyRotated, "tenant-a", nil, AppendOptions{})
	require.NoError(t, err)
	_, err = log.Append(TypeKeyRotated, "tenant-b", nil, AppendOptions{})
	require.NoError(t, err)
	_, err = log.Append(TypeReencryptDone, "tenant-a", nil, AppendOptions{})
	require.NoError(t, err)

	byTenant, err := log.Query(Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, byTenant, 2)
	assert.Equal(t, TypeKeyRotated, byTenant[0].EventType)
	assert.Equal(t, TypeReencryptDone, byTenant[1].EventType)

	byType, err := log.Query(Filter{EventType: TypeKeyRotated})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	both, err := log.Query(Filter{TenantID: "tenant-b", EventType: TypeReencryptDone})
	require.NoError(t, err)
	assert.Empty(t, both)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	log := testLog(t)

	_, err := log.Append(TypeKeyRotated, "tenant-a",
		map[string]interface{}{"key_id": "master"}, AppendOptions{})
	require.NoError(t, err)
	_, err = log.Append(TypeKeyExpired, "tenant-a",
		map[string]interface{}{"key_id": "master"}, AppendOptions{})
	require.NoError(t, err)

	raw, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	first.TenantID = "tenant-evil"
	tampered, err := json.Marshal(first)
	require.NoError(t, err)
	lines[0] = string(tampered)
	require.NoError(t, os.WriteFile(log.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	diags, err := log.VerifyChain()
	require.NoError(t, err)
	require.NotEmpty(t, diags)
	assert.Contains(t, diags[0], "event_hash mismatch")
}

func TestQueryEmptyFileIsEmpty(t *testing.T) {
	log := testLog(t)
	events, err := log.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
