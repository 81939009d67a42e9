package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// Derive expands secret into n bytes with HKDF-SHA256.
func Derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// GroupKey derives the payload key shared by every holder of the pre-shared secret.
func GroupKey(psk string) ([]byte, error) {
	return Derive([]byte(psk), nil, []byte("tacmesh/psk/v1"), KeySize)
}

// PairKey derives the key two devices share from their X25519 secret. The
// device ids are ordered so both ends derive the same key.
func PairKey(shared []byte, a, b string) ([]byte, error) {
	if a > b {
		a, b = b, a
	}
	salt := []byte(a + "\x00" + b)
	return Derive(shared, salt, []byte("tacmesh/pair/v1"), KeySize)
}
