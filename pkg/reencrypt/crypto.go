package reencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/decigov/disr/core/pkg/envelope"
)

// Alg is the only record cipher this job writes.
const Alg = "AES-256-GCM"

// deriveKey stretches the master key into a 256-bit tenant-scoped key.
func deriveKey(masterKey, tenantID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(masterKey), []byte("disr-record-key"), []byte(tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}

// sealRecord encrypts plaintext into a fresh envelope bound to tenantID.
func sealRecord(plaintext, key []byte, meta envelope.Envelope) (envelope.Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return envelope.Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(meta.AAD))

	meta.Alg = Alg
	meta.Nonce = base64.StdEncoding.EncodeToString(nonce)
	meta.EncryptedPayload = base64.StdEncoding.EncodeToString(ciphertext)
	return meta, nil
}

// openRecord decrypts an envelope's payload.
func openRecord(e envelope.Envelope, key []byte) ([]byte, error) {
	if e.Alg != Alg {
		return nil, fmt.Errorf("record alg %q, want %s", e.Alg, Alg)
	}
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(e.AAD))
	if err != nil {
		return nil, fmt.Errorf("decrypt record %s@v%d: %w", e.KeyID, e.KeyVersion, err)
	}
	return plaintext, nil
}
