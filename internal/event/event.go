package event

import (
	"encoding/json"
	"time"
)

// Category routes an event to its topic and to its configured delivery mode.
type Category string

const (
	CategoryAuction Category = "auction"
	CategoryPayment Category = "payment"
)

// Event is a domain event emitted by the core. Payload must be
// json-marshalable.
type Event struct {
	Category      Category
	AggregateType string
	AggregateID   int64
	Type          string
	Payload       any
	OccurredAt    time.Time
}

// Envelope is the wire form shared by direct delivery and the outbox relay,
// so downstream consumers decode one shape regardless of the path taken.
type Envelope struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   int64           `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
