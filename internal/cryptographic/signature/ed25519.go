package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"tacmesh/internal/model"
)

var (
	ErrBadKey          = errors.New("malformed ed25519 key")
	ErrChainEmpty      = errors.New("empty certificate chain")
	ErrChainSubject    = errors.New("certificate subject mismatch")
	ErrChainSignature  = errors.New("certificate signature invalid")
	ErrChainExpired    = errors.New("certificate expired")
	ErrChainUntrusted  = errors.New("certificate chain does not end at a trust anchor")
	ErrChainLinkBroken = errors.New("certificate chain link broken")
)

func NewKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

func Verify(pub []byte, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

func certBytes(c model.Certificate) []byte {
	b := make([]byte, 0, 16+len(c.Subject)+len(c.SigningKey)+len(c.IssuerKey))
	b = appendField(b, []byte("tacmesh/cert/v1"))
	b = appendField(b, []byte(c.Subject))
	b = appendField(b, c.SigningKey)
	b = appendField(b, c.IssuerKey)
	b = binary.BigEndian.AppendUint64(b, uint64(c.NotAfterMs))
	return b
}

func appendField(b, f []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(f)))
	return append(b, f...)
}

// Issue signs a certificate binding subject to key with the issuer's private key.
func Issue(issuer ed25519.PrivateKey, subject string, key ed25519.PublicKey, notAfter time.Time) model.Certificate {
	c := model.Certificate{
		Subject:    subject,
		SigningKey: append([]byte(nil), key...),
		IssuerKey:  append([]byte(nil), issuer.Public().(ed25519.PublicKey)...),
	}
	if !notAfter.IsZero() {
		c.NotAfterMs = notAfter.UnixMilli()
	}
	c.Signature = Sign(issuer, certBytes(c))
	return c
}

// VerifyChain checks a leaf-first chain: the leaf names subject, each certificate
// is signed by the next one's key and the last is signed by one of anchors. It
// returns the leaf signing key.
func VerifyChain(chain []model.Certificate, subject string, anchors [][]byte, now time.Time) ([]byte, error) {
	if len(chain) == 0 {
		return nil, ErrChainEmpty
	}
	if chain[0].Subject != subject {
		return nil, fmt.Errorf("%w: %q != %q", ErrChainSubject, chain[0].Subject, subject)
	}

	for i, c := range chain {
		if len(c.SigningKey) != ed25519.PublicKeySize || len(c.IssuerKey) != ed25519.PublicKeySize {
			return nil, ErrBadKey
		}
		if c.NotAfterMs != 0 && now.UnixMilli() > c.NotAfterMs {
			return nil, fmt.Errorf("%w: %s", ErrChainExpired, c.Subject)
		}
		if !Verify(c.IssuerKey, certBytes(c), c.Signature) {
			return nil, fmt.Errorf("%w: %s", ErrChainSignature, c.Subject)
		}
		if i+1 < len(chain) && string(chain[i+1].SigningKey) != string(c.IssuerKey) {
			return nil, fmt.Errorf("%w at %d", ErrChainLinkBroken, i)
		}
	}

	root := chain[len(chain)-1].IssuerKey
	for _, a := range anchors {
		if string(a) == string(root) {
			return chain[0].SigningKey, nil
		}
	}
	return nil, ErrChainUntrusted
}
