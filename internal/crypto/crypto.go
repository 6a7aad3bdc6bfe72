// Package crypto provides the primitive cryptographic operations shared by
// request signing, nonce generation, and fingerprint hashing.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of keyLen bytes using HKDF-SHA256.
func DeriveKey(masterKey []byte, salt []byte, info string, keyLen int) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign generates an HMAC-SHA256 signature over data using key.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify reports whether signature is the valid HMAC-SHA256 of data
// under key, using a constant-time comparison.
func HMACVerify(key, data, signature []byte) bool {
	expected := HMACSign(key, data)
	return hmac.Equal(signature, expected)
}

// Hash256 computes the SHA-256 digest of data.
func Hash256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ZeroBytes overwrites b with zeros in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
