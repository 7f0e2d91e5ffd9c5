package settlement

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

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/event"
	auctionrepo "github.com/gavelworks/gavel/internal/repository/auction"
	orderrepo "github.com/gavelworks/gavel/internal/repository/order"
	"github.com/gavelworks/gavel/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/gavelworks/gavel/service/settlement")

// Stable error codes surfaced to callers.
const (
	CodeAuctionNotActive  = "auction_not_active"
	CodeAuctionNotExpired = "auction_not_expired"
	CodeAuctionHasBids    = "auction_has_bids"
	CodeOrderNotPending   = "order_not_pending"
)

// CancelReason classifies why an order was cancelled.
type CancelReason string

const (
	ReasonPaymentFailed  CancelReason = "payment_failed"
	ReasonBuyNowTimeout  CancelReason = "buy_now_timeout"
	ReasonPaymentTimeout CancelReason = "payment_timeout"
	ReasonRefund         CancelReason = "refunded"
	ReasonManual         CancelReason = "manual"
)

const sweepBatchSize = 200

// Service closes auctions, selects winners, and unwinds orders whose payment
// never arrived, including the compensating buy-now recovery.
type Service struct {
	db       *database.Connections
	auctions *auctionrepo.Repository
	orders   *orderrepo.Repository
	sink     event.Sink
	policy   config.Auction
	window   time.Duration
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
		policy:   p.Config.Auction,
		window:   p.Config.Payment.Window,
		loc:      p.Config.Auction.Location(),
		logger:   p.Logger,
	}
}

// AuctionClosedEvent is emitted once per closing, with or without a winner.
type AuctionClosedEvent struct {
	AuctionID  int64  `json:"auction_id"`
	WinnerID   *int64 `json:"winner_id,omitempty"`
	FinalPrice int64  `json:"final_price"`
	OrderID    *int64 `json:"order_id,omitempty"`
}

// OrderCancelledEvent is emitted when a pending order is unwound.
type OrderCancelledEvent struct {
	OrderID   int64        `json:"order_id"`
	AuctionID int64        `json:"auction_id"`
	BuyerID   int64        `json:"buyer_id"`
	Amount    int64        `json:"amount"`
	Reason    CancelReason `json:"reason"`
}

// AuctionRecoveredEvent is emitted when a failed buy-now reopens the auction.
type AuctionRecoveredEvent struct {
	AuctionID      int64     `json:"auction_id"`
	RestoredPrice  int64     `json:"restored_price"`
	EndAt          time.Time `json:"end_at"`
	RecoveryCount  int       `json:"recovery_count"`
	BuyNowDisabled bool      `json:"buy_now_disabled"`
}

// CloseAuction ends one auction whose time has run out. With a highest active
// bid present, the auction is sold, the winner promoted, every other active
// bid demoted, and a pending order created; with none, the auction just ends.
func (s *Service) CloseAuction(ctx context.Context, auctionID int64) error {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CloseAuction", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
	))
	defer span.End()

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
			return errorbank.Conflict("auction is not active",
				errorbank.WithCode(CodeAuctionNotActive),
				errorbank.WithDetail("status", string(a.Status)),
			)
		}
		if now.Before(a.EndAt) {
			return errorbank.Unprocessable("auction has not ended",
				errorbank.WithCode(CodeAuctionNotExpired),
			)
		}

		if err := a.Close(); err != nil {
			return errorbank.Internal("failed to close auction", errorbank.WithCause(err))
		}

		winner, err := s.auctions.HighestActiveBid(ctx, tx, a.ID)
		if errors.Is(err, auctionrepo.ErrNoBids) {
			if err := s.auctions.Save(ctx, tx, a); err != nil {
				return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
			}
			return s.emitClosed(ctx, tx, a, nil, nil, now)
		}
		if err != nil {
			return errorbank.Internal("failed to find winning bid", errorbank.WithCause(err))
		}

		if err := a.Sell(); err != nil {
			return errorbank.Internal("failed to mark auction sold", errorbank.WithCause(err))
		}

		winner.Status = entity.BidWon
		winner.Winning = true
		if err := s.auctions.SaveBid(ctx, tx, winner); err != nil {
			return errorbank.Internal("failed to promote winning bid", errorbank.WithCause(err))
		}
		if err := s.auctions.MarkActiveBidsLosing(ctx, tx, a.ID, winner.ID); err != nil {
			return errorbank.Internal("failed to demote losing bids", errorbank.WithCause(err))
		}

		order := &entity.Order{
			Number:    uuid.NewString(),
			AuctionID: a.ID,
			BuyerID:   winner.BidderID,
			SellerID:  a.SellerID,
			Amount:    winner.Amount,
			Kind:      entity.OrderKindAuction,
			Status:    entity.OrderPending,
		}
		if err := s.orders.Create(ctx, tx, order); err != nil {
			return errorbank.Internal("failed to create winning order", errorbank.WithCause(err))
		}

		if err := s.auctions.Save(ctx, tx, a); err != nil {
			return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
		}

		return s.emitClosed(ctx, tx, a, winner, order, now)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close failed")
	}
	return err
}

func (s *Service) emitClosed(ctx context.Context, tx bun.Tx, a *entity.Auction, winner *entity.Bid, order *entity.Order, now time.Time) error {
	payload := AuctionClosedEvent{AuctionID: a.ID, FinalPrice: a.CurrentPrice}
	eventType := "auction.closed_no_winner"
	if winner != nil {
		payload.WinnerID = &winner.BidderID
		payload.OrderID = &order.ID
		eventType = "auction.closed_won"
	}
	evt := event.Event{
		Category:      event.CategoryAuction,
		AggregateType: "auction",
		AggregateID:   a.ID,
		Type:          eventType,
		Payload:       payload,
		OccurredAt:    now.UTC(),
	}
	if err := s.sink.Publish(ctx, tx, evt); err != nil {
		return errorbank.Internal("failed to emit close event", errorbank.WithCause(err))
	}
	return nil
}

// CloseExpiredAuctions sweeps active auctions past their end time, one
// independent transaction each; a single failure never aborts the batch.
func (s *Service) CloseExpiredAuctions(ctx context.Context) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CloseExpiredAuctions")
	defer span.End()

	ids, err := s.auctions.ListExpiredActiveIDs(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.logger.Error("expired auction scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.CloseAuction(ctx, id); err != nil {
			s.logger.Error("close sweep item failed", zap.Int64("auction_id", id), zap.Error(err))
		}
	}
}

// RemoveAuction hard-deletes a listing that never attracted a bid. Once a
// bid exists the row is history and may only reach a terminal status.
func (s *Service) RemoveAuction(ctx context.Context, auctionID int64) error {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.RemoveAuction", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
	))
	defer span.End()

	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		a, err := s.auctions.GetForUpdate(ctx, tx, auctionID)
		if err != nil {
			if errors.Is(err, auctionrepo.ErrNotFound) {
				return errorbank.NotFound("auction not found")
			}
			return errorbank.Internal("failed to lock auction", errorbank.WithCause(err))
		}

		if a.BidCount > 0 {
			return errorbank.Conflict("auction already has bids",
				errorbank.WithCode(CodeAuctionHasBids),
			)
		}
		// A bid-less buy-now still produced an order.
		if a.Status == entity.AuctionSold || a.Status == entity.AuctionSoldByBuyNow {
			return errorbank.Conflict("auction has been sold",
				errorbank.WithCode(CodeAuctionHasBids),
				errorbank.WithDetail("status", string(a.Status)),
			)
		}

		if err := s.auctions.Delete(ctx, tx, a.ID); err != nil {
			return errorbank.Internal("failed to delete auction", errorbank.WithCause(err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
	}
	return err
}

// CancelOrder unwinds a pending order and compensates the auction. The reason
// classification reads the auction status before compensation runs, because
// compensation overwrites it. A failed buy-now purchase reopens the auction
// at the highest remaining active bid (or the start price); a failed
// auctioned sale is final.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, reason CancelReason) error {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CancelOrder", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
	))
	defer span.End()

	err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, orderrepo.ErrNotFound) {
				return errorbank.NotFound("order not found")
			}
			return errorbank.Internal("failed to lock order", errorbank.WithCause(err))
		}
		// Completed orders are only unwound through the refund path; the
		// sweeper must never cancel an order whose payment landed after the
		// expiry scan.
		switch {
		case o.Status == entity.OrderPending:
		case o.Status == entity.OrderCompleted && reason == ReasonRefund:
		default:
			return errorbank.Conflict("order cannot be cancelled",
				errorbank.WithCode(CodeOrderNotPending),
				errorbank.WithDetail("status", string(o.Status)),
			)
		}

		a, err := s.auctions.GetForUpdate(ctx, tx, o.AuctionID)
		if err != nil {
			return errorbank.Internal("failed to lock auction", errorbank.WithCause(err))
		}

		now := time.Now().In(s.loc)
		statusBefore := a.Status

		if reason == "" {
			reason = classifyExpiry(statusBefore)
		}

		o.Status = entity.OrderCancelled
		if err := s.orders.Save(ctx, tx, o); err != nil {
			return errorbank.Internal("failed to cancel order", errorbank.WithCause(err))
		}

		switch statusBefore {
		case entity.AuctionSoldByBuyNow:
			restore := a.StartPrice
			if top, err := s.auctions.HighestActiveBid(ctx, tx, a.ID); err == nil {
				restore = top.Amount
			} else if !errors.Is(err, auctionrepo.ErrNoBids) {
				return errorbank.Internal("failed to find remaining bid", errorbank.WithCause(err))
			}
			if err := a.RecoverFromBuyNowFailure(restore, s.policy.SoftCloseExtension, s.policy.MaxBuyNowRecoveries, now); err != nil {
				return errorbank.Internal("failed to recover auction", errorbank.WithCause(err))
			}
			if err := s.auctions.Save(ctx, tx, a); err != nil {
				return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
			}
			recovered := event.Event{
				Category:      event.CategoryAuction,
				AggregateType: "auction",
				AggregateID:   a.ID,
				Type:          "auction.recovered",
				Payload: AuctionRecoveredEvent{
					AuctionID:      a.ID,
					RestoredPrice:  a.CurrentPrice,
					EndAt:          a.EndAt,
					RecoveryCount:  a.RecoveryCount,
					BuyNowDisabled: a.BuyNowDisabled,
				},
				OccurredAt: now.UTC(),
			}
			if err := s.sink.Publish(ctx, tx, recovered); err != nil {
				return errorbank.Internal("failed to emit recovery event", errorbank.WithCause(err))
			}
		case entity.AuctionSold:
			if err := a.Fail(); err != nil {
				return errorbank.Internal("failed to fail auction", errorbank.WithCause(err))
			}
			if err := s.auctions.Save(ctx, tx, a); err != nil {
				return errorbank.Internal("failed to save auction", errorbank.WithCause(err))
			}
		}

		cancelled := event.Event{
			Category:      event.CategoryPayment,
			AggregateType: "order",
			AggregateID:   o.ID,
			Type:          "order.cancelled",
			Payload: OrderCancelledEvent{
				OrderID:   o.ID,
				AuctionID: o.AuctionID,
				BuyerID:   o.BuyerID,
				Amount:    o.Amount,
				Reason:    reason,
			},
			OccurredAt: now.UTC(),
		}
		if err := s.sink.Publish(ctx, tx, cancelled); err != nil {
			return errorbank.Internal("failed to emit cancel event", errorbank.WithCause(err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel failed")
	}
	return err
}

// classifyExpiry derives the scheduler-driven cancel reason from the auction
// status as it stood before compensation.
func classifyExpiry(status entity.AuctionStatus) CancelReason {
	switch status {
	case entity.AuctionSoldByBuyNow:
		return ReasonBuyNowTimeout
	case entity.AuctionSold:
		return ReasonPaymentTimeout
	default:
		return ReasonManual
	}
}

// CancelExpiredOrders sweeps pending orders whose payment window lapsed, one
// independent transaction each.
func (s *Service) CancelExpiredOrders(ctx context.Context) {
	ctx, span := serviceTracer.Start(ctx, "SettlementService.CancelExpiredOrders")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.window)
	ids, err := s.orders.ListExpiredPendingIDs(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("expired order scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.CancelOrder(ctx, id, ""); err != nil {
			s.logger.Error("order sweep item failed", zap.Int64("order_id", id), zap.Error(err))
		}
	}
}
