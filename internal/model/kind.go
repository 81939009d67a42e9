package model

import "errors"

// Kind tags the payload carried by an envelope. The set is closed: DecodePayload
// is the only place wire bytes become payloads.
type Kind string

const (
	KindHello          Kind = "hello"
	KindProfile        Kind = "profile"
	KindPosition       Kind = "position"
	KindPinCreate      Kind = "pin-create"
	KindPinDelete      Kind = "pin-delete"
	KindRequestAll     Kind = "request-all-pins"
	KindChat           Kind = "chat"
	KindChatAck        Kind = "chat-ack"
	KindOrder          Kind = "order"
	KindOrderAck       Kind = "order-ack"
	KindReport         Kind = "report"
	KindReportAck      Kind = "report-ack"
	KindMethane        Kind = "methane-request"
	KindMethaneAck     Kind = "methane-ack"
	KindMedevac        Kind = "medevac-report"
	KindMedevacAck     Kind = "medevac-ack"
	KindLinkedForm     Kind = "linked-form"
	KindLinkedFormDrop Kind = "linked-form-delete"
)

var (
	ErrUnknownKind = errors.New("unknown payload kind")
	ErrEntityType  = errors.New("entity type does not match payload kind")
)

var ackKinds = map[Kind]Kind{
	KindChat:    KindChatAck,
	KindOrder:   KindOrderAck,
	KindReport:  KindReportAck,
	KindMethane: KindMethaneAck,
	KindMedevac: KindMedevacAck,
}

// AckKindFor returns the acknowledgement kind for a directed message kind.
func AckKindFor(k Kind) (Kind, bool) {
	ack, ok := ackKinds[k]
	return ack, ok
}

func (k Kind) IsAck() bool {
	switch k {
	case KindChatAck, KindOrderAck, KindReportAck, KindMethaneAck, KindMedevacAck:
		return true
	}
	return false
}

// IsDirected reports whether messages of this kind are addressed to an explicit
// recipient list and tracked by the delivery ledger.
func (k Kind) IsDirected() bool {
	_, ok := ackKinds[k]
	return ok
}

func (k Kind) Valid() bool {
	switch k {
	case KindHello, KindProfile, KindPosition,
		KindPinCreate, KindPinDelete, KindRequestAll,
		KindChat, KindChatAck, KindOrder, KindOrderAck,
		KindReport, KindReportAck, KindMethane, KindMethaneAck,
		KindMedevac, KindMedevacAck, KindLinkedForm, KindLinkedFormDrop:
		return true
	}
	return false
}
