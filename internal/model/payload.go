package model

import (
	"encoding/json"
	"fmt"
)

type (
	// Payload is implemented only by the types in this file and entity.go.
	Payload interface {
		Kind() Kind
		sealed()
	}

	// Directed payloads name their recipients and are ledger-tracked.
	Directed interface {
		Payload
		RecipientIDs() []string
	}

	Addressing struct {
		Recipients []string `json:"recipients"`
	}

	Hello struct {
		DeviceID string `json:"device_id"`
		Callsign string `json:"callsign,omitempty"`
		Nickname string `json:"nickname,omitempty"`
		SentAtMs int64  `json:"sent_at_ms"`
	}

	ProfileUpdate struct {
		Profile PeerProfile `json:"profile"`
	}

	PositionUpdate struct {
		DeviceID string   `json:"device_id"`
		Callsign string   `json:"callsign,omitempty"`
		Position Position `json:"position"`
	}

	PinDelete struct {
		Tombstone
	}

	FormDelete struct {
		Tombstone
	}

	RequestAll struct {
		RequesterID string `json:"requester_id"`
	}

	Chat struct {
		Addressing
		Text        string `json:"text"`
		CreatedAtMs int64  `json:"created_at_ms"`
	}

	Order struct {
		Addressing
		Title       string `json:"title"`
		Body        string `json:"body"`
		Priority    string `json:"priority,omitempty"`
		DueAtMs     int64  `json:"due_at_ms,omitempty"`
		CreatedAtMs int64  `json:"created_at_ms"`
	}

	Report struct {
		Addressing
		ReportType  string            `json:"report_type"`
		Body        string            `json:"body,omitempty"`
		Fields      map[string]string `json:"fields,omitempty"`
		CreatedAtMs int64             `json:"created_at_ms"`
	}

	// MethaneRequest follows the METHANE major-incident layout.
	MethaneRequest struct {
		Addressing
		MajorIncident     bool     `json:"major_incident"`
		ExactLocation     Position `json:"exact_location"`
		IncidentType      string   `json:"incident_type"`
		Hazards           string   `json:"hazards,omitempty"`
		Access            string   `json:"access,omitempty"`
		Casualties        int      `json:"casualties"`
		EmergencyServices string   `json:"emergency_services,omitempty"`
		CreatedAtMs       int64    `json:"created_at_ms"`
	}

	// MedevacReport follows the nine-line layout.
	MedevacReport struct {
		Addressing
		Location         Position       `json:"location"`
		Frequency        string         `json:"frequency,omitempty"`
		ByPrecedence     map[string]int `json:"by_precedence,omitempty"`
		SpecialEquipment string         `json:"special_equipment,omitempty"`
		ByType           map[string]int `json:"by_type,omitempty"`
		Security         string         `json:"security,omitempty"`
		Marking          string         `json:"marking,omitempty"`
		Nationality      string         `json:"nationality,omitempty"`
		Contamination    string         `json:"contamination,omitempty"`
		CreatedAtMs      int64          `json:"created_at_ms"`
	}

	Ack struct {
		AckKind      Kind    `json:"ack_kind"`
		SubjectID    string  `json:"subject_id"`
		FromDeviceID string  `json:"from_device_id"`
		ToDeviceID   string  `json:"to_device_id"`
		Type         AckType `json:"ack_type"`
		TimestampMs  int64   `json:"timestamp_ms"`
	}
)

func (*Hello) Kind() Kind          { return KindHello }
func (*ProfileUpdate) Kind() Kind  { return KindProfile }
func (*PositionUpdate) Kind() Kind { return KindPosition }
func (*Pin) Kind() Kind            { return KindPinCreate }
func (*PinDelete) Kind() Kind      { return KindPinDelete }
func (*RequestAll) Kind() Kind     { return KindRequestAll }
func (*Chat) Kind() Kind           { return KindChat }
func (*Order) Kind() Kind          { return KindOrder }
func (*Report) Kind() Kind         { return KindReport }
func (*MethaneRequest) Kind() Kind { return KindMethane }
func (*MedevacReport) Kind() Kind  { return KindMedevac }
func (*LinkedForm) Kind() Kind     { return KindLinkedForm }
func (*FormDelete) Kind() Kind     { return KindLinkedFormDrop }
func (a *Ack) Kind() Kind          { return a.AckKind }

func (*Hello) sealed()          {}
func (*ProfileUpdate) sealed()  {}
func (*PositionUpdate) sealed() {}
func (*Pin) sealed()            {}
func (*PinDelete) sealed()      {}
func (*RequestAll) sealed()     {}
func (*Chat) sealed()           {}
func (*Order) sealed()          {}
func (*Report) sealed()         {}
func (*MethaneRequest) sealed() {}
func (*MedevacReport) sealed()  {}
func (*LinkedForm) sealed()     {}
func (*FormDelete) sealed()     {}
func (*Ack) sealed()            {}

func (a Addressing) RecipientIDs() []string { return a.Recipients }

// IsAddressedTo reports whether id is in the recipient list.
func (a Addressing) IsAddressedTo(id string) bool {
	for _, r := range a.Recipients {
		if r == id {
			return true
		}
	}
	return false
}

// NewAck builds the acknowledgement a receiving device returns for subject.
func NewAck(subjectKind Kind, subjectID, from, to string, typ AckType, atMs int64) (*Ack, error) {
	ackKind, ok := AckKindFor(subjectKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no ack kind", ErrUnknownKind, subjectKind)
	}
	return &Ack{
		AckKind:      ackKind,
		SubjectID:    subjectID,
		FromDeviceID: from,
		ToDeviceID:   to,
		Type:         typ,
		TimestampMs:  atMs,
	}, nil
}

// DecodePayload turns wire bytes into the payload type for kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindHello:
		p = &Hello{}
	case KindProfile:
		p = &ProfileUpdate{}
	case KindPosition:
		p = &PositionUpdate{}
	case KindPinCreate:
		p = &Pin{}
	case KindPinDelete:
		p = &PinDelete{}
	case KindRequestAll:
		p = &RequestAll{}
	case KindChat:
		p = &Chat{}
	case KindOrder:
		p = &Order{}
	case KindReport:
		p = &Report{}
	case KindMethane:
		p = &MethaneRequest{}
	case KindMedevac:
		p = &MedevacReport{}
	case KindLinkedForm:
		p = &LinkedForm{}
	case KindLinkedFormDrop:
		p = &FormDelete{}
	case KindChatAck, KindOrderAck, KindReportAck, KindMethaneAck, KindMedevacAck:
		p = &Ack{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	if ack, ok := p.(*Ack); ok {
		if ack.AckKind != kind {
			return nil, fmt.Errorf("decode %s: ack kind mismatch %q", kind, ack.AckKind)
		}
		if !ack.Type.Valid() {
			return nil, fmt.Errorf("decode %s: invalid ack type %q", kind, ack.Type)
		}
	}

	if err := checkEntityType(p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	if up, ok := p.(*ProfileUpdate); ok {
		up.Profile = up.Profile.Normalized()
	}
	return p, nil
}

func checkEntityType(p Payload) error {
	var id EntityID
	var want EntityType
	switch v := p.(type) {
	case *Pin:
		id, want = v.ID, EntityPin
	case *PinDelete:
		id, want = v.ID, EntityPin
	case *LinkedForm:
		if v.PinRef != nil && v.PinRef.Type != EntityPin {
			return fmt.Errorf("%w: pin_ref %s", ErrEntityType, *v.PinRef)
		}
		id, want = v.ID, EntityForm
	case *FormDelete:
		id, want = v.ID, EntityForm
	default:
		return nil
	}
	if id.Type != want {
		return fmt.Errorf("%w: %s", ErrEntityType, id)
	}
	return nil
}

func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}
