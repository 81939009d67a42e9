package security

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonUnknownSender  Reason = "unknown-sender"
	ReasonBadSignature   Reason = "bad-signature"
	ReasonStale          Reason = "stale"
	ReasonPolicyRejected Reason = "policy-rejected"
	ReasonMalformed      Reason = "malformed"
)

var (
	ErrUnknownSender  = errors.New("unknown sender")
	ErrBadSignature   = errors.New("bad signature")
	ErrStale          = errors.New("stale envelope")
	ErrPolicyRejected = errors.New("rejected by policy")
	ErrMalformed      = errors.New("malformed envelope")
	ErrDecrypt        = errors.New("payload decryption failed")
)

// VerificationError is returned by Unwrap for every rejected envelope. Callers
// drop the envelope and count the reason; it is never shown to the user.
type VerificationError struct {
	Reason Reason
	Sender string
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify envelope from %q: %v", e.Sender, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func reject(reason Reason, sender string, err error) error {
	return &VerificationError{Reason: reason, Sender: sender, Err: err}
}

// ReasonOf extracts the rejection reason, or ReasonMalformed for any other error.
func ReasonOf(err error) Reason {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonMalformed
}
