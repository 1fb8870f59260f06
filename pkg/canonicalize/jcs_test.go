package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCSString(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": true, "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":null,"b":true},"zebra":1}`, out)
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCSString(map[string]string{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, out)
}

func TestJCSRespectsStructTags(t *testing.T) {
	type payload struct {
		B string `json:"b_field"`
		A int    `json:"a_field"`
	}
	out, err := JCSString(payload{B: "x", A: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"a_field":7,"b_field":"x"}`, out)
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSignHMACDeterministic(t *testing.T) {
	payload := map[string]string{"action": "rotate", "key_id": "k1"}

	s1, err := SignHMAC(payload, "key-one")
	require.NoError(t, err)
	s2, err := SignHMAC(payload, "key-one")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	ok, err := VerifyHMAC(payload, "key-one", s1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyHMACRejectsMutationAndWrongKey(t *testing.T) {
	payload := map[string]string{"action": "rotate", "key_id": "k1"}
	sig, err := SignHMAC(payload, "key-one")
	require.NoError(t, err)

	tampered := map[string]string{"action": "rotate", "key_id": "k2"}
	ok, err := VerifyHMAC(tampered, "key-one", sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyHMAC(payload, "key-two", sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
