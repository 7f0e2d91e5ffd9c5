package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderKind distinguishes how the purchase was won.
type OrderKind string

const (
	OrderKindAuction OrderKind = "AUCTION"
	OrderKindBuyNow  OrderKind = "BUY_NOW"
)

// Order is created when an auction reaches SOLD or SOLD_BY_BUY_NOW. At most
// one non-cancelled order exists per auction.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID        int64       `bun:",pk,autoincrement"`
	Number    string      `bun:"number"`
	AuctionID int64       `bun:"auction_id"`
	BuyerID   int64       `bun:"buyer_id"`
	SellerID  int64       `bun:"seller_id"`
	Amount    int64       `bun:"amount"`
	Kind      OrderKind   `bun:"kind"`
	Status    OrderStatus `bun:"status"`
	PaidAt    *time.Time  `bun:"paid_at"`
	CreatedAt time.Time   `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time   `bun:"updated_at,nullzero"`
}
