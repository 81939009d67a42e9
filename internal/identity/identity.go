package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tacmesh/internal/cryptographic/dh"
	"tacmesh/internal/cryptographic/signature"
	"tacmesh/internal/model"

	"github.com/google/uuid"
)

type (
	// DeviceIdentity is created on first run and kept for the device's lifetime.
	DeviceIdentity struct {
		DeviceID      string
		SigningKey    ed25519.PrivateKey
		SigningPub    ed25519.PublicKey
		AgreementPriv [32]byte
		AgreementPub  [32]byte
		Chain         []model.Certificate
	}

	diskIdentity struct {
		DeviceID      string              `json:"device_id"`
		SigningKey    []byte              `json:"signing_key"`
		AgreementPriv []byte              `json:"agreement_key"`
		Chain         []model.Certificate `json:"chain,omitempty"`
	}
)

var ErrCorrupt = errors.New("identity file corrupt")

// New creates a fresh identity with a random device id.
func New() (*DeviceIdentity, error) {
	pub, priv, err := signature.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	apriv, apub, err := dh.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("agreement key: %w", err)
	}
	return &DeviceIdentity{
		DeviceID:      uuid.NewString(),
		SigningKey:    priv,
		SigningPub:    pub,
		AgreementPriv: apriv,
		AgreementPub:  apub,
	}, nil
}

// LoadOrCreate reads the identity at path, creating and saving one if the file
// does not exist yet.
func LoadOrCreate(path string) (*DeviceIdentity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = New()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

func Load(path string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var d diskIdentity
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d.DeviceID == "" || len(d.SigningKey) != ed25519.PrivateKeySize || len(d.AgreementPriv) != 32 {
		return nil, ErrCorrupt
	}

	id := &DeviceIdentity{
		DeviceID:   d.DeviceID,
		SigningKey: ed25519.PrivateKey(d.SigningKey),
		Chain:      d.Chain,
	}
	id.SigningPub = id.SigningKey.Public().(ed25519.PublicKey)
	copy(id.AgreementPriv[:], d.AgreementPriv)
	id.AgreementPub = dh.PublicKey(id.AgreementPriv)
	return id, nil
}

func (id *DeviceIdentity) Save(path string) error {
	data, err := json.MarshalIndent(diskIdentity{
		DeviceID:      id.DeviceID,
		SigningKey:    id.SigningKey,
		AgreementPriv: id.AgreementPriv[:],
		Chain:         id.Chain,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadChain attaches a leaf-first certificate chain stored as JSON at path.
func (id *DeviceIdentity) LoadChain(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var chain []model.Certificate
	if err := json.Unmarshal(data, &chain); err != nil {
		return fmt.Errorf("certificate chain: %w", err)
	}
	if len(chain) > 0 && chain[0].Subject != id.DeviceID {
		return fmt.Errorf("%w: chain issued to %q", signature.ErrChainSubject, chain[0].Subject)
	}
	id.Chain = chain
	return nil
}
