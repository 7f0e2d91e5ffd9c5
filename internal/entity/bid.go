package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// BidStatus enumerates the bid lifecycle states.
type BidStatus string

const (
	BidActive    BidStatus = "ACTIVE"
	BidLosing    BidStatus = "LOSING"
	BidCancelled BidStatus = "CANCELLED"
	BidWon       BidStatus = "WON"
)

// Bid is a single offer against an auction. At most one bid per auction is
// ACTIVE at a time, and at most one ends up WON.
type Bid struct {
	bun.BaseModel `bun:"table:bids"`

	ID        int64     `bun:",pk,autoincrement"`
	AuctionID int64     `bun:"auction_id"`
	BidderID  int64     `bun:"bidder_id"`
	Amount    int64     `bun:"amount"`
	Status    BidStatus `bun:"status"`
	Winning   bool      `bun:"winning"`
	PlacedAt  time.Time `bun:"placed_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}
