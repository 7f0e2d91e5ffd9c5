package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentApproved  PaymentStatus = "APPROVED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Payment records a confirmed gateway charge for one order. OrderID is unique
// so confirmation stays idempotent per order.
type Payment struct {
	bun.BaseModel `bun:"table:payments"`

	ID          int64         `bun:",pk,autoincrement"`
	OrderID     int64         `bun:"order_id"`
	PaymentKey  string        `bun:"payment_key"`
	Amount      int64         `bun:"amount"`
	Status      PaymentStatus `bun:"status"`
	ApprovedAt  time.Time     `bun:"approved_at,nullzero"`
	CancelledAt *time.Time    `bun:"cancelled_at"`
}

// Refund records a completed gateway cancellation and ledger reversal.
type Refund struct {
	bun.BaseModel `bun:"table:refunds"`

	ID        int64     `bun:",pk,autoincrement"`
	PaymentID int64     `bun:"payment_id"`
	Amount    int64     `bun:"amount"`
	Reason    string    `bun:"reason"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}
