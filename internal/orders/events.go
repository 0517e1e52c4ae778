package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope stamps a fresh event id and time; payload must already be encoded.
func NewEnvelope(eventType, producer, traceID, correlationID string, payload []byte) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

type OrderPlacedPayload struct {
	OrderID int64       `json:"orderId"`
	BuyerID int64       `json:"buyerId"`
	Items   []ItemInput `json:"items"`
	Total   string      `json:"total"`
	Status  Status      `json:"status"`
}

type OrderStatusChangedPayload struct {
	OrderID   int64     `json:"orderId"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

// StatusView is the cached status document served by GET /orders/{id}/status.
type StatusView struct {
	OrderID   int64     `json:"orderId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}
