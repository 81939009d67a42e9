package model

type (
	ConnectionState int

	Event interface {
		event()
	}

	MessageReceived struct {
		Message   OutboundMessage
		Transport string
	}

	PeerUpdated struct {
		Profile PeerProfile
	}

	PositionReceived struct {
		DeviceID string
		Position Position
	}

	EntityChanged struct {
		ID      EntityID
		Entity  Entity
		Deleted bool
	}

	DeliveryChanged struct {
		MessageID string
		Summary   DeliverySummary
	}

	ConnectionStateChanged struct {
		State ConnectionState
	}
)

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return "invalid"
}

func (MessageReceived) event()        {}
func (PeerUpdated) event()            {}
func (PositionReceived) event()       {}
func (EntityChanged) event()          {}
func (DeliveryChanged) event()        {}
func (ConnectionStateChanged) event() {}
