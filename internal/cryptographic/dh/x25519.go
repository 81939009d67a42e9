package dh

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// NewKeyPair generates an X25519 key pair used for per-peer payload encryption.
func NewKeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey recomputes the public half of priv.
func PublicKey(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// SharedSecret performs priv * peerPub. Low-order peer keys are rejected by
// curve25519.X25519.
func SharedSecret(priv [32]byte, peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("peer agreement key: want %d bytes, got %d", curve25519.PointSize, len(peerPub))
	}
	return curve25519.X25519(priv[:], peerPub)
}
