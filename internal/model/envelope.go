package model

type (
	EncryptionInfo struct {
		Scheme    string `json:"scheme"`
		Recipient string `json:"recipient,omitempty"`
	}

	// Envelope is the signed wire wrapper around one payload. It is created at send
	// time and discarded once unwrapped.
	Envelope struct {
		ID           string          `json:"id"`
		Sender       string          `json:"sender"`
		Kind         Kind            `json:"kind"`
		Seq          uint64          `json:"seq"`
		TimestampMs  int64           `json:"ts"`
		Payload      []byte          `json:"payload"`
		Signature    []byte          `json:"sig,omitempty"`
		SigningKey   []byte          `json:"spk,omitempty"`
		AgreementKey []byte          `json:"apk,omitempty"`
		Chain        []Certificate   `json:"chain,omitempty"`
		Encryption   *EncryptionInfo `json:"enc,omitempty"`
	}

	// Certificate binds a device id to its signing key under an issuer key.
	Certificate struct {
		Subject    string `json:"subject"`
		SigningKey []byte `json:"signing_key"`
		IssuerKey  []byte `json:"issuer_key"`
		NotAfterMs int64  `json:"not_after_ms,omitempty"`
		Signature  []byte `json:"signature"`
	}

	Direction string

	// OutboundMessage is what the coordinator remembers about a message it sent or
	// received.
	OutboundMessage struct {
		ID          string    `json:"id"`
		Kind        Kind      `json:"kind"`
		Sender      string    `json:"sender"`
		Recipients  []string  `json:"recipients,omitempty"`
		Direction   Direction `json:"direction"`
		CreatedAtMs int64     `json:"created_at_ms"`
		Payload     Payload   `json:"-"`
	}
)

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

func (e *Envelope) Signed() bool {
	return len(e.Signature) > 0
}
