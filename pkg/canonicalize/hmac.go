package canonicalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC computes the HMAC-SHA256 signature of the canonical JSON form of v,
// returned as lowercase hex. Signing is deterministic: the same payload and key
// always produce the same signature.
func SignHMAC(v interface{}, key string) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC recomputes the signature for v and compares it against signature
// in constant time. Any payload mutation or key mismatch fails verification.
func VerifyHMAC(v interface{}, key, signature string) (bool, error) {
	expected, err := SignHMAC(v, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// EqualDigests compares two hex digests in constant time.
func EqualDigests(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
