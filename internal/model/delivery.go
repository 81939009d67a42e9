package model

type (
	DeliveryState int

	AckType string

	DeliveryRecord struct {
		MessageID     string        `json:"message_id" bson:"message_id"`
		RecipientID   string        `json:"recipient_id" bson:"recipient_id"`
		State         DeliveryState `json:"state" bson:"state"`
		SentAtMs      int64         `json:"sent_at_ms,omitempty" bson:"sent_at_ms,omitempty"`
		LastSentAtMs  int64         `json:"last_sent_at_ms,omitempty" bson:"last_sent_at_ms,omitempty"`
		DeliveredAtMs int64         `json:"delivered_at_ms,omitempty" bson:"delivered_at_ms,omitempty"`
		ReadAtMs      int64         `json:"read_at_ms,omitempty" bson:"read_at_ms,omitempty"`
		Attempts      int           `json:"attempts" bson:"attempts"`
		Failed        bool          `json:"failed" bson:"failed"`
	}

	DeliverySummary struct {
		MessageID        string `json:"message_id"`
		Recipients       int    `json:"recipients"`
		Pending          int    `json:"pending"`
		Sent             int    `json:"sent"`
		Delivered        int    `json:"delivered"`
		Read             int    `json:"read"`
		Failed           int    `json:"failed"`
		IsFullyDelivered bool   `json:"is_fully_delivered"`
		IsFullyRead      bool   `json:"is_fully_read"`
	}
)

// Pending < Sent < Delivered < Read. Failed sits outside the order.
const (
	StatePending DeliveryState = iota
	StateSent
	StateDelivered
	StateRead
	StateFailed
)

const (
	AckDelivered AckType = "delivered"
	AckRead      AckType = "read"
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

func (a AckType) Valid() bool {
	return a == AckDelivered || a == AckRead
}
