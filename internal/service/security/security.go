package security

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tacmesh/internal/cryptographic/dh"
	"tacmesh/internal/cryptographic/encryption"
	"tacmesh/internal/cryptographic/kdf"
	"tacmesh/internal/cryptographic/signature"
	"tacmesh/internal/identity"
	"tacmesh/internal/model"
)

const (
	SchemePSK  = "psk"
	SchemePeer = "peer"

	DefaultMaxMessageAge = 10 * time.Minute
	DefaultMaxFutureSkew = 2 * time.Minute
)

type (
	Policy struct {
		SignOutgoing    bool
		RejectUnsigned  bool
		TrustOnFirstUse bool
		MaxMessageAge   time.Duration
		MaxFutureSkew   time.Duration
		// MaxStoredAge bounds envelopes replayed from a store-and-forward
		// mailbox. It is never below MaxMessageAge.
		MaxStoredAge      time.Duration
		PSK               string
		PerPeerEncryption bool
		TrustAnchors      [][]byte
	}

	PeerKeys struct {
		Signing   []byte
		Agreement []byte
		Certified bool
	}

	// Service is the single trust decision point: every outbound payload is
	// wrapped here and every inbound envelope is unwrapped here before it is
	// interpreted.
	Service struct {
		id       *identity.DeviceIdentity
		policy   Policy
		groupKey []byte
		now      func() time.Time

		mu      sync.Mutex
		seq     uint64
		keys    map[string]PeerKeys
		windows map[string]*replayWindow
	}
)

func NewService(id *identity.DeviceIdentity, policy Policy) (*Service, error) {
	if policy.MaxMessageAge <= 0 {
		policy.MaxMessageAge = DefaultMaxMessageAge
	}
	if policy.MaxFutureSkew <= 0 {
		policy.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if policy.MaxStoredAge < policy.MaxMessageAge {
		policy.MaxStoredAge = policy.MaxMessageAge
	}
	s := &Service{
		id:      id,
		policy:  policy,
		now:     time.Now,
		keys:    make(map[string]PeerKeys),
		windows: make(map[string]*replayWindow),
	}
	if policy.PSK != "" {
		k, err := kdf.GroupKey(policy.PSK)
		if err != nil {
			return nil, err
		}
		s.groupKey = k
	}
	return s, nil
}

// SetClock replaces the time source; used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) LocalID() string {
	return s.id.DeviceID
}

// Trust pins keys for a device, e.g. from an out-of-band exchange.
func (s *Service) Trust(deviceID string, signing, agreement []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[deviceID] = PeerKeys{Signing: clone(signing), Agreement: clone(agreement)}
}

func (s *Service) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, deviceID)
	delete(s.windows, deviceID)
}

func (s *Service) Known(deviceID string) (PeerKeys, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[deviceID]
	return k, ok
}

func (s *Service) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	// nanosecond clock keeps the sequence increasing across restarts
	n := uint64(s.now().UnixNano())
	if n <= s.seq {
		n = s.seq + 1
	}
	s.seq = n
	return n
}

// Wrap signs and optionally encrypts payload. recipients decides whether a
// per-peer key can be used.
func (s *Service) Wrap(msgID string, kind model.Kind, payload []byte, recipients []string) (*model.Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownKind, kind)
	}

	env := &model.Envelope{
		ID:          msgID,
		Sender:      s.id.DeviceID,
		Kind:        kind,
		Seq:         s.nextSeq(),
		TimestampMs: s.now().UnixMilli(),
	}

	if s.policy.SignOutgoing {
		env.SigningKey = clone(s.id.SigningPub)
		env.AgreementKey = clone(s.id.AgreementPub[:])
		env.Chain = s.id.Chain
		env.Signature = signature.Sign(s.id.SigningKey, signingBytes(env, payload))
	}

	key, info, err := s.outboundKey(recipients)
	if err != nil {
		return nil, err
	}
	if key == nil {
		env.Payload = clone(payload)
		return env, nil
	}

	env.Encryption = info
	sealed, err := encryption.Seal(key, payload, headerBytes(env))
	if err != nil {
		return nil, err
	}
	env.Payload = sealed
	return env, nil
}

func (s *Service) outboundKey(recipients []string) ([]byte, *model.EncryptionInfo, error) {
	if s.policy.PerPeerEncryption && len(recipients) == 1 {
		if k, ok := s.Known(recipients[0]); ok && len(k.Agreement) == 32 {
			key, err := s.pairKey(recipients[0], k.Agreement)
			if err != nil {
				return nil, nil, err
			}
			return key, &model.EncryptionInfo{Scheme: SchemePeer, Recipient: recipients[0]}, nil
		}
	}
	if s.groupKey != nil {
		return s.groupKey, &model.EncryptionInfo{Scheme: SchemePSK}, nil
	}
	return nil, nil, nil
}

func (s *Service) pairKey(peer string, peerAgreement []byte) ([]byte, error) {
	shared, err := dh.SharedSecret(s.id.AgreementPriv, peerAgreement)
	if err != nil {
		return nil, err
	}
	return kdf.PairKey(shared, s.id.DeviceID, peer)
}

// Unwrap decrypts and authenticates env and returns the plaintext payload. Every
// failure is a *VerificationError.
func (s *Service) Unwrap(env *model.Envelope) ([]byte, error) {
	return s.unwrap(env, s.policy.MaxMessageAge)
}

// UnwrapStored is Unwrap for an envelope that waited in a mailbox while this
// device was offline. Only the age limit differs; replay tracking still applies.
func (s *Service) UnwrapStored(env *model.Envelope) ([]byte, error) {
	return s.unwrap(env, s.policy.MaxStoredAge)
}

func (s *Service) unwrap(env *model.Envelope, maxAge time.Duration) ([]byte, error) {
	if env == nil || env.ID == "" || env.Sender == "" || !env.Kind.Valid() {
		sender := ""
		if env != nil {
			sender = env.Sender
		}
		return nil, reject(ReasonMalformed, sender, ErrMalformed)
	}

	now := s.now()
	if err := s.checkAge(env, now, maxAge); err != nil {
		return nil, err
	}

	pinned, known := s.Known(env.Sender)

	if !env.Signed() {
		if s.policy.RejectUnsigned {
			return nil, reject(ReasonPolicyRejected, env.Sender, fmt.Errorf("%w: unsigned", ErrPolicyRejected))
		}
		if known {
			return nil, reject(ReasonPolicyRejected, env.Sender, fmt.Errorf("%w: unsigned envelope from a signing peer", ErrPolicyRejected))
		}
		return s.decrypt(env, pinned)
	}

	keys, err := s.resolveKeys(env, pinned, known, now)
	if err != nil {
		return nil, err
	}

	plain, err := s.decrypt(env, keys)
	if err != nil {
		return nil, err
	}

	if !signature.Verify(keys.Signing, signingBytes(env, plain), env.Signature) {
		return nil, reject(ReasonBadSignature, env.Sender, ErrBadSignature)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[env.Sender]
	if !ok {
		w = newReplayWindow()
		s.windows[env.Sender] = w
	}
	if !w.fresh(env.Seq) {
		return nil, reject(ReasonStale, env.Sender, fmt.Errorf("%w: sequence %d replayed", ErrStale, env.Seq))
	}
	w.accept(env.Seq)
	if !known {
		s.keys[env.Sender] = keys
	}
	return plain, nil
}

func (s *Service) checkAge(env *model.Envelope, now time.Time, maxAge time.Duration) error {
	ts := time.UnixMilli(env.TimestampMs)
	if now.Sub(ts) > maxAge {
		return reject(ReasonStale, env.Sender, fmt.Errorf("%w: timestamp %s too old", ErrStale, ts.UTC().Format(time.RFC3339)))
	}
	if ts.Sub(now) > s.policy.MaxFutureSkew {
		return reject(ReasonStale, env.Sender, fmt.Errorf("%w: timestamp %s in the future", ErrStale, ts.UTC().Format(time.RFC3339)))
	}
	return nil
}

// resolveKeys picks the key to verify with: a pinned key, then a certificate
// chain ending at a trust anchor, then the advertised key when trust on first
// use is enabled.
func (s *Service) resolveKeys(env *model.Envelope, pinned PeerKeys, known bool, now time.Time) (PeerKeys, error) {
	if known {
		return pinned, nil
	}

	if len(env.Chain) > 0 && len(s.policy.TrustAnchors) > 0 {
		leaf, err := signature.VerifyChain(env.Chain, env.Sender, s.policy.TrustAnchors, now)
		if err != nil {
			return PeerKeys{}, reject(ReasonUnknownSender, env.Sender, fmt.Errorf("%w: %v", ErrUnknownSender, err))
		}
		return PeerKeys{Signing: clone(leaf), Agreement: clone(env.AgreementKey), Certified: true}, nil
	}

	if s.policy.TrustOnFirstUse && len(env.SigningKey) == ed25519.PublicKeySize {
		return PeerKeys{Signing: clone(env.SigningKey), Agreement: clone(env.AgreementKey)}, nil
	}
	return PeerKeys{}, reject(ReasonUnknownSender, env.Sender, ErrUnknownSender)
}

func (s *Service) decrypt(env *model.Envelope, keys PeerKeys) ([]byte, error) {
	if env.Encryption == nil {
		return env.Payload, nil
	}

	var key []byte
	switch env.Encryption.Scheme {
	case SchemePSK:
		key = s.groupKey
	case SchemePeer:
		if env.Encryption.Recipient != s.id.DeviceID || len(keys.Agreement) != 32 {
			break
		}
		k, err := s.pairKey(env.Sender, keys.Agreement)
		if err != nil {
			return nil, reject(ReasonBadSignature, env.Sender, fmt.Errorf("%w: %v", ErrDecrypt, err))
		}
		key = k
	}
	if key == nil {
		return nil, reject(ReasonPolicyRejected, env.Sender, fmt.Errorf("%w: no key for scheme %q", ErrPolicyRejected, env.Encryption.Scheme))
	}

	plain, err := encryption.Open(key, env.Payload, headerBytes(env))
	if err != nil {
		return nil, reject(ReasonBadSignature, env.Sender, fmt.Errorf("%w: %v", ErrDecrypt, err))
	}
	return plain, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env *model.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Parse decodes wire bytes into an envelope without authenticating it.
func Parse(raw []byte) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, reject(ReasonMalformed, "", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return &env, nil
}

func appendField(b, f []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(f)))
	return append(b, f...)
}

func headerBytes(env *model.Envelope) []byte {
	b := make([]byte, 0, 128)
	b = appendField(b, []byte("tacmesh/env/v1"))
	b = appendField(b, []byte(env.ID))
	b = appendField(b, []byte(env.Sender))
	b = appendField(b, []byte(env.Kind))
	b = binary.BigEndian.AppendUint64(b, env.Seq)
	b = binary.BigEndian.AppendUint64(b, uint64(env.TimestampMs))
	if env.Encryption != nil {
		b = appendField(b, []byte(env.Encryption.Scheme))
		b = appendField(b, []byte(env.Encryption.Recipient))
	}
	return b
}

func signingBytes(env *model.Envelope, plain []byte) []byte {
	b := headerBytes(&model.Envelope{
		ID:          env.ID,
		Sender:      env.Sender,
		Kind:        env.Kind,
		Seq:         env.Seq,
		TimestampMs: env.TimestampMs,
	})
	b = appendField(b, env.SigningKey)
	b = appendField(b, env.AgreementKey)
	return appendField(b, plain)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
