package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OutboxStatus enumerates dispatch states for outbox records.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxDispatched OutboxStatus = "DISPATCHED"
)

// OutboxRecord is a durable intent to emit a domain event, written in the
// same transaction as the state change it describes. The relay delivers each
// record at least once and marks it dispatched only after the broker accepts
// it.
type OutboxRecord struct {
	bun.BaseModel `bun:"table:outbox_records"`

	ID            int64        `bun:",pk,autoincrement"`
	AggregateType string       `bun:"aggregate_type"`
	AggregateID   int64        `bun:"aggregate_id"`
	EventType     string       `bun:"event_type"`
	Payload       []byte       `bun:"payload"`
	Status        OutboxStatus `bun:"status"`
	CreatedAt     time.Time    `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	DispatchedAt  *time.Time   `bun:"dispatched_at"`
}
