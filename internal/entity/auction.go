package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// AuctionStatus enumerates the auction lifecycle states.
type AuctionStatus string

const (
	AuctionScheduled    AuctionStatus = "SCHEDULED"
	AuctionActive       AuctionStatus = "ACTIVE"
	AuctionEnded        AuctionStatus = "ENDED"
	AuctionSold         AuctionStatus = "SOLD"
	AuctionSoldByBuyNow AuctionStatus = "SOLD_BY_BUY_NOW"
	AuctionFailed       AuctionStatus = "FAIL"
	AuctionCancelled    AuctionStatus = "CANCELLED"
)

// ErrInvalidTransition is returned when a lifecycle operation is requested
// from a state that does not permit it. Callers must re-fetch state rather
// than retry blindly.
var ErrInvalidTransition = errors.New("invalid auction transition")

// ErrExtensionLimit is returned by Extend once the extension count is
// exhausted. Bid placement treats it as soft: the bid stands, the end time
// does not move.
var ErrExtensionLimit = errors.New("auction extension limit reached")

// ErrBuyNowDisabledByPolicy is returned by ExecuteBuyNow once the per-auction
// recovery circuit breaker has tripped.
var ErrBuyNowDisabledByPolicy = errors.New("buy-now disabled by policy")

// Auction is the aggregate root for a single listing. All money amounts are
// integer minor currency units. Lifecycle mutations go through the transition
// methods below exclusively; the methods are pure and take the clock as a
// parameter.
type Auction struct {
	bun.BaseModel `bun:"table:auctions"`

	ID             int64         `bun:",pk,autoincrement"`
	SellerID       int64         `bun:"seller_id"`
	Title          string        `bun:"title"`
	Description    string        `bun:"description"`
	Category       string        `bun:"category"`
	StartPrice     int64         `bun:"start_price"`
	BidUnit        int64         `bun:"bid_unit"`
	BuyNowPrice    *int64        `bun:"buy_now_price"`
	BuyNowEnabled  bool          `bun:"buy_now_enabled"`
	OpenAt         time.Time     `bun:"open_at"`
	EndAt          time.Time     `bun:"end_at"`
	Status         AuctionStatus `bun:"status"`
	CurrentPrice   int64         `bun:"current_price"`
	ViewCount      int           `bun:"view_count"`
	WatchCount     int           `bun:"watch_count"`
	BidCount       int           `bun:"bid_count"`
	ExtensionCount int           `bun:"extension_count"`
	RecoveryCount  int           `bun:"recovery_count"`
	BuyNowDisabled bool          `bun:"buy_now_disabled"`
	CreatedAt      time.Time     `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `bun:"updated_at,nullzero"`
}

func (a *Auction) invalidTransition(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, a.Status)
}

// Start activates a scheduled auction once its open time has arrived.
func (a *Auction) Start(now time.Time) error {
	if a.Status != AuctionScheduled {
		return a.invalidTransition("start")
	}
	if now.Before(a.OpenAt) {
		return fmt.Errorf("%w: start before open time", ErrInvalidTransition)
	}
	a.Status = AuctionActive
	return nil
}

// Close ends an active auction. Winner selection happens afterwards via Sell.
func (a *Auction) Close() error {
	if a.Status != AuctionActive {
		return a.invalidTransition("close")
	}
	a.Status = AuctionEnded
	return nil
}

// Sell marks an ended auction as sold to the winning bidder.
func (a *Auction) Sell() error {
	if a.Status != AuctionEnded {
		return a.invalidTransition("sell")
	}
	a.Status = AuctionSold
	return nil
}

// Fail marks a sold auction as failed, used when the winner's payment window
// lapses. Final: there is no recovery for auctioned sales.
func (a *Auction) Fail() error {
	if a.Status != AuctionSold {
		return a.invalidTransition("fail")
	}
	a.Status = AuctionFailed
	return nil
}

// Cancel terminates an auction that has attracted no bids.
func (a *Auction) Cancel() error {
	if a.Status != AuctionScheduled && a.Status != AuctionActive {
		return a.invalidTransition("cancel")
	}
	if a.BidCount > 0 {
		return fmt.Errorf("%w: cancel with %d bids", ErrInvalidTransition, a.BidCount)
	}
	a.Status = AuctionCancelled
	return nil
}

// Extend pushes the end time out by d. The end time only ever grows.
func (a *Auction) Extend(d time.Duration, maxExtensions int) error {
	if a.Status != AuctionActive {
		return a.invalidTransition("extend")
	}
	if a.ExtensionCount >= maxExtensions {
		return ErrExtensionLimit
	}
	a.EndAt = a.EndAt.Add(d)
	a.ExtensionCount++
	return nil
}

// ExecuteBuyNow moves an active auction straight to SOLD_BY_BUY_NOW at the
// buy-now price.
func (a *Auction) ExecuteBuyNow() error {
	if a.Status != AuctionActive {
		return a.invalidTransition("buy-now")
	}
	if !a.BuyNowEnabled || a.BuyNowPrice == nil {
		return fmt.Errorf("%w: buy-now not offered", ErrInvalidTransition)
	}
	if a.BuyNowDisabled {
		return ErrBuyNowDisabledByPolicy
	}
	a.Status = AuctionSoldByBuyNow
	a.CurrentPrice = *a.BuyNowPrice
	return nil
}

// RecoverFromBuyNowFailure reopens an auction whose buy-now purchase was never
// paid. The price is restored to the supplied value (highest remaining active
// bid, or the start price). If the original end time has already elapsed the
// auction gets a fresh window of extendBy from now; otherwise the end time is
// untouched. Once the recovery counter reaches maxRecoveries, buy-now is
// permanently disabled for this auction.
func (a *Auction) RecoverFromBuyNowFailure(restorePrice int64, extendBy time.Duration, maxRecoveries int, now time.Time) error {
	if a.Status != AuctionSoldByBuyNow {
		return a.invalidTransition("recover")
	}
	a.Status = AuctionActive
	a.CurrentPrice = restorePrice
	if now.After(a.EndAt) {
		a.EndAt = now.Add(extendBy)
	}
	if a.RecoveryCount < maxRecoveries {
		a.RecoveryCount++
	}
	if a.RecoveryCount >= maxRecoveries {
		a.BuyNowDisabled = true
	}
	return nil
}
