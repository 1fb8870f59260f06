package contracts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func validParams() CreateParams {
	return CreateParams{
		ActionType:  "ROTATE_KEYS",
		RequestedBy: "ops-operator",
		DRI:         "dri-admin",
		Approver:    "security-officer",
		SigningKey:  "test-signing-key",
		TTL:         15 * time.Minute,
		Now:         fixedNow,
	}
}

func TestCreateAndValidate(t *testing.T) {
	contract, err := Create(validParams())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(contract.ActionID, "ACT-"))
	assert.Len(t, contract.ActionID, len("ACT-")+12)
	assert.Equal(t, int64(900), contract.TTL)

	err = Validate(contract, "ROTATE_KEYS", "test-signing-key", fixedNow)
	assert.NoError(t, err)
}

func TestCreateIsDeterministic(t *testing.T) {
	a, err := Create(validParams())
	require.NoError(t, err)
	b, err := Create(validParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestValidateRejectsTypeMismatch(t *testing.T) {
	contract, err := Create(validParams())
	require.NoError(t, err)

	err = Validate(contract, "REENCRYPT", "test-signing-key", fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid action_type")
}

func TestValidateRejectsWrongKey(t *testing.T) {
	contract, err := Create(validParams())
	require.NoError(t, err)

	err = Validate(contract, "ROTATE_KEYS", "other-key", fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestValidateRejectsTamperedField(t *testing.T) {
	contract, err := Create(validParams())
	require.NoError(t, err)
	contract.Approver = "intruder"

	err = Validate(contract, "ROTATE_KEYS", "test-signing-key", fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestValidateRejectsExpired(t *testing.T) {
	contract, err := Create(validParams())
	require.NoError(t, err)

	late := func() time.Time { return fixedNow().Add(16 * time.Minute) }
	err = Validate(contract, "ROTATE_KEYS", "test-signing-key", late)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	// The boundary instant is still valid; expiry requires now strictly after.
	boundary := func() time.Time { return fixedNow().Add(15 * time.Minute) }
	assert.NoError(t, Validate(contract, "ROTATE_KEYS", "test-signing-key", boundary))
}

func TestCreateRejectsMissingFields(t *testing.T) {
	p := validParams()
	p.DRI = ""
	_, err := Create(p)
	require.Error(t, err)

	p = validParams()
	p.SigningKey = ""
	_, err = Create(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")

	p = validParams()
	p.TTL = -time.Second
	_, err = Create(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl")
}

func TestIdentityNormalization(t *testing.T) {
	// U+00E9 and e + U+0301 are the same name in different compositions.
	composed := validParams()
	composed.DRI = "renée"
	decomposed := validParams()
	decomposed.DRI = "renée"

	a, err := Create(composed)
	require.NoError(t, err)
	b, err := Create(decomposed)
	require.NoError(t, err)
	assert.Equal(t, a.ActionID, b.ActionID)
	assert.Equal(t, a.DRI, b.DRI)
}

func TestRefusalContractRoundTrip(t *testing.T) {
	refusal, err := CreateRefusal("ROTATE_KEYS", "security-officer",
		"Rotation window not open", "dri-admin", "test-signing-key", fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "REFUSE:ROTATE_KEYS", refusal.ActionType)
	assert.Equal(t, "security-officer", refusal.RefusedBy)
	require.NoError(t, ValidateRefusal(refusal, "ROTATE_KEYS", "test-signing-key", fixedNow))

	err = ValidateRefusal(refusal, "ROTATE_KEYS", "wrong-key", fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestCheckRefusals(t *testing.T) {
	gate := AuthorityGateConsumer{}
	refusals := []RefusalEntry{
		{EntryType: "AUTHORITY_REFUSAL", RefusedActionType: "ROTATE_KEYS"},
	}

	signal := gate.CheckRefusals("DLR-001", []string{"ROTATE_KEYS"}, refusals)
	require.NotNil(t, signal)
	assert.Equal(t, "authority_refused", signal.Type)
	assert.Equal(t, "red", signal.Severity)
	assert.Equal(t, "DLR-001", signal.DecisionID)

	assert.Nil(t, gate.CheckRefusals("DLR-001", []string{"ROTATE_KEYS"}, nil))
	assert.Nil(t, gate.CheckRefusals("DLR-001", []string{"SEAL_EPISODE"}, refusals))

	// Non-refusal entry types never match.
	other := []RefusalEntry{{EntryType: "AUTHORIZED_KEY_ROTATION", RefusedActionType: "ROTATE_KEYS"}}
	assert.Nil(t, gate.CheckRefusals("DLR-001", []string{"ROTATE_KEYS"}, other))
}
