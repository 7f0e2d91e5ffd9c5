package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/cart"
	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/event"
	auctionrepo "github.com/gavelworks/gavel/internal/repository/auction"
	orderrepo "github.com/gavelworks/gavel/internal/repository/order"
	"github.com/gavelworks/gavel/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/gavelworks/gavel/service/bidding")

// Stable error codes surfaced to callers.
const (
	CodeAuctionNotActive       = "auction_not_active"
	CodeBidTooLow              = "bid_too_low"
	CodeSelfBid                = "self_bid"
	CodeBuyNowRejected         = "buy_now_rejected"
	CodeBuyNowDisabledByPolicy = "buy_now_disabled_by_policy"
)

// Service serializes all writers against one auction: bids, buy-now
// purchases, and the soft-close extension all run under the auction's row
// lock inside a single unit of work.
type Service struct {
	db       *database.Connections
	auctions *auctionrepo.Repository
	orders   *orderrepo.Repository
	sink     event.Sink
	cart     cart.Service
	policy   config.Auction
	loc      *time.Location
	logger   *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	DB       *database.Connections
	Auctions *auctionrepo.Repository
	Orders   *orderrepo.Repository
	Sink     event.Sink
	Cart     cart.Service
	Config   config.Config
	Logger   *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		auctions: p.Auctions,
		orders:   p.Orders,
		sink:     p.Sink,
		cart:     p.Cart,
		policy:   p.Config.Auction,
		loc:      p.Config.Auction.Location(),
		logger:   p.Logger,
	}
}

// BidPlacedEvent is emitted after a bid is accepted.
type BidPlacedEvent struct {
	AuctionID    int64     `json:"auction_id"`
	BidID        int64     `json:"bid_id"`
	BidderID     int64     `json:"bidder_id"`
	Amount       int64     `json:"amount"`
	CurrentPrice int64     `json:"current_price"`
	EndAt        time.Time `json:"end_at"`
	Extended     bool      `json:"extended"`
}

// BuyNowExecutedEvent is emitted after an immediate purchase succeeds.
type BuyNowExecutedEvent struct {
	AuctionID   int64  `json:"auction_id"`
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	BuyerID     int64  `json:"buyer_id"`
	Amount      int64  `json:"amount"`
}

// PlaceBid validates and records a bid against an active auction. The prior
// highest bid is demoted, the price and bid count advance, and a bid landing
// inside the soft-close window pushes the end time out — all in one atomic
// unit, so a concurrent close or rival bid serializes behind the row lock.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID, amount int64) (*entity.Bid, error) {
	ctx, span := serviceTracer.Start(ctx, "BiddingService.PlaceBid", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
		attribute.Int64("bidder.id", bidderID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	var placed *entity.Bid
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := s.auctions.GetForUpdate(ctx, tx, auctionID)
		if err != nil {
			if errors.Is(err, auctionrepo.ErrNotFound) {
				return errorbank.NotFound("auction not found")
			}
			return errorbank.Internal("failed to lock auction", errorbank.WithCause(err))
		}

		now := time.Now().In(s.loc)

		if a.Status != entity.AuctionActive {
			return errorbank.Unprocessable("auction is not open for bidding",
				errorbank.WithCode(CodeAuctionNotActive),
				errorbank.WithDetail("status", string(a.Status)),
			)
		}
		if bidderID == a.SellerID {
			return errorbank.BadRequest("sellers cannot bid on their own auction",
				errorbank.WithCode(CodeSelfBid),
			)
		}
		if amount < a.CurrentPrice+a.BidUnit {
			return errorbank.BadRequest("bid below minimum increment",
				errorbank.WithCode(CodeBidTooLow),
				errorbank.WithDetail("current_price", a.CurrentPrice),
				errorbank.WithDetail("bid_unit", a.BidUnit),
			)
		}

		prior, err := s.auctions.HighestActiveBid(ctx, tx, a.ID)
		switch {
		case err == nil:
			prior.Status = entity.BidLosing
			if err := s.auctions.SaveBid(ctx, tx, prior); err != nil {
				return errorbank.Internal("failed to demote prior bid", errorbank.WithCause(err))
			}
		case errors.Is(err, auctionrepo.ErrNoBids):
			// first bid
		default:
			return errorbank.Internal("failed to load prior bid", errorbank.WithCause(err))
		}

		bid := &entity.Bid{
			AuctionID: a.ID,
			BidderID:  bidderID,
			Amount:    amount,
			Status:    entity.BidActive,
			PlacedAt:  now.UTC(),
		}
		if err := s.auctions.InsertBid(ctx, tx, bid); err != nil {
			return errorbank.Internal("failed to insert bid", errorbank.WithCause(err))
		}

		a.CurrentPrice = amount
		a.BidCount++

		extended := false
		if a.EndAt.Sub(now) <= s.policy.SoftCloseThreshold {
			switch err := a.Extend(s.policy.SoftCloseExtension, s.policy.MaxExtensions); {
			case err == nil:
				extended = true
			case errors.Is(err, entity.ErrExtensionLimit):
				// Soft: the bid stands, the clock just stops moving.
				s.logger.Info("extension limit reached",
					zap.Int64("auction_id", a.ID),
					zap.Int("extension_count", a.ExtensionCount),
				)
			default:
				return errorbank.Internal("failed to extend auction", errorbank.WithCause(err))
			}
		}

		if err := s.auctions.Save(ctx, tx, a); err != nil {
			return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
		}

		evt := event.Event{
			Category:      event.CategoryAuction,
			AggregateType: "auction",
			AggregateID:   a.ID,
			Type:          "auction.bid_placed",
			Payload: BidPlacedEvent{
				AuctionID:    a.ID,
				BidID:        bid.ID,
				BidderID:     bidderID,
				Amount:       amount,
				CurrentPrice: a.CurrentPrice,
				EndAt:        a.EndAt,
				Extended:     extended,
			},
			OccurredAt: now.UTC(),
		}
		if err := s.sink.Publish(ctx, tx, evt); err != nil {
			return errorbank.Internal("failed to emit bid event", errorbank.WithCause(err))
		}

		placed = bid
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "place bid failed")
		return nil, err
	}
	return placed, nil
}

// ExecuteBuyNow purchases the auction outright at the buy-now price. A
// scheduled auction whose open time has elapsed is activated opportunistically
// first, so scheduler latency never blocks a purchase. Cart expiry runs after
// commit and its failure is swallowed.
func (s *Service) ExecuteBuyNow(ctx context.Context, auctionID, buyerID int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "BiddingService.ExecuteBuyNow", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
		attribute.Int64("buyer.id", buyerID),
	))
	defer span.End()

	var created *entity.Order
	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := s.auctions.GetForUpdate(ctx, tx, auctionID)
		if err != nil {
			if errors.Is(err, auctionrepo.ErrNotFound) {
				return errorbank.NotFound("auction not found")
			}
			return errorbank.Internal("failed to lock auction", errorbank.WithCause(err))
		}

		now := time.Now().In(s.loc)

		if a.Status == entity.AuctionScheduled && !now.Before(a.OpenAt) {
			if err := a.Start(now); err != nil {
				return errorbank.Internal("failed to activate auction", errorbank.WithCause(err))
			}
		}

		if buyerID == a.SellerID {
			return errorbank.BadRequest("sellers cannot buy their own auction",
				errorbank.WithCode(CodeSelfBid),
			)
		}

		failures, err := s.orders.CountCancelledBuyNow(ctx, tx, a.ID, buyerID)
		if err != nil {
			return errorbank.Internal("failed to count buy-now failures", errorbank.WithCause(err))
		}
		if failures >= s.policy.MaxUserBuyNowFailures {
			return errorbank.Unprocessable("buyer exceeded unpaid buy-now attempts",
				errorbank.WithCode(CodeBuyNowRejected),
				errorbank.WithDetail("failures", failures),
			)
		}

		switch err := a.ExecuteBuyNow(); {
		case err == nil:
		case errors.Is(err, entity.ErrBuyNowDisabledByPolicy):
			return errorbank.Unprocessable("buy-now permanently disabled for this auction",
				errorbank.WithCode(CodeBuyNowDisabledByPolicy),
			)
		case errors.Is(err, entity.ErrInvalidTransition):
			return errorbank.Unprocessable("buy-now not available",
				errorbank.WithCode(CodeAuctionNotActive),
				errorbank.WithCause(err),
			)
		default:
			return errorbank.Internal("buy-now failed", errorbank.WithCause(err))
		}

		order := &entity.Order{
			Number:    uuid.NewString(),
			AuctionID: a.ID,
			BuyerID:   buyerID,
			SellerID:  a.SellerID,
			Amount:    a.CurrentPrice,
			Kind:      entity.OrderKindBuyNow,
			Status:    entity.OrderPending,
		}
		if err := s.orders.Create(ctx, tx, order); err != nil {
			if errors.Is(err, orderrepo.ErrDuplicate) {
				return errorbank.Conflict("auction already has an open order")
			}
			return errorbank.Internal("failed to create order", errorbank.WithCause(err))
		}

		if err := s.auctions.Save(ctx, tx, a); err != nil {
			return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
		}

		evt := event.Event{
			Category:      event.CategoryAuction,
			AggregateType: "auction",
			AggregateID:   a.ID,
			Type:          "auction.buy_now_executed",
			Payload: BuyNowExecutedEvent{
				AuctionID:   a.ID,
				OrderID:     order.ID,
				OrderNumber: order.Number,
				BuyerID:     buyerID,
				Amount:      order.Amount,
			},
			OccurredAt: now.UTC(),
		}
		if err := s.sink.Publish(ctx, tx, evt); err != nil {
			return errorbank.Internal("failed to emit buy-now event", errorbank.WithCause(err))
		}

		created = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "buy-now failed")
		return nil, err
	}

	if err := s.cart.ExpireItemsForAuction(ctx, auctionID); err != nil {
		s.logger.Warn("cart expiry failed", zap.Int64("auction_id", auctionID), zap.Error(err))
	}

	return created, nil
}
