package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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
	"github.com/gavelworks/gavel/internal/gateway"
	orderrepo "github.com/gavelworks/gavel/internal/repository/order"
	outboxrepo "github.com/gavelworks/gavel/internal/repository/outbox"
	paymentrepo "github.com/gavelworks/gavel/internal/repository/payment"
	"github.com/gavelworks/gavel/internal/service/settlement"
	"github.com/gavelworks/gavel/internal/service/wallet"
	"github.com/gavelworks/gavel/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/gavelworks/gavel/service/payment")

// Stable error codes surfaced to callers.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeAmountMismatch      = "amount_mismatch"
	CodeAlreadyCancelled    = "already_cancelled"
	CodeGatewayRejected     = "gateway_rejected"
	CodeRefundFailed        = "refund_failed"
	CodePaymentStuck        = "payment_stuck"
)

// Cash log event types written by this service.
const (
	cashEventPaymentApproved = "PAYMENT_APPROVED"
	cashEventPaymentRefunded = "PAYMENT_REFUNDED"
)

// Service confirms and refunds payments. Gateway calls run strictly outside
// row locks: confirm charges first and compensates the gateway if the ledger
// transaction fails, cancel refunds at the gateway first and only then
// reverses the ledger.
type Service struct {
	db         *database.Connections
	orders     *orderrepo.Repository
	payments   *paymentrepo.Repository
	outbox     *outboxrepo.Repository
	wallets    *wallet.Service
	settlement *settlement.Service
	gateway    gateway.Gateway
	sink       event.Sink
	loc        *time.Location
	logger     *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	DB         *database.Connections
	Orders     *orderrepo.Repository
	Payments   *paymentrepo.Repository
	Outbox     *outboxrepo.Repository
	Wallets    *wallet.Service
	Settlement *settlement.Service
	Gateway    gateway.Gateway
	Config     config.Config
	Sink       event.Sink
	Logger     *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		orders:     p.Orders,
		payments:   p.Payments,
		outbox:     p.Outbox,
		wallets:    p.Wallets,
		settlement: p.Settlement,
		gateway:    p.Gateway,
		sink:       p.Sink,
		loc:        p.Config.Auction.Location(),
		logger:     p.Logger,
	}
}

// escrowOwner is the marketplace escrow account holding buyer funds between
// payment and payout. Seeded at install time with owner id 1.
var escrowOwner = wallet.Owner{Type: entity.WalletOwnerEscrow, ID: 1}

// PaymentApprovedEvent is emitted when a payment confirms.
type PaymentApprovedEvent struct {
	PaymentID int64  `json:"payment_id"`
	OrderID   int64  `json:"order_id"`
	BuyerID   int64  `json:"buyer_id"`
	Amount    int64  `json:"amount"`
	OrderKind string `json:"order_kind"`
}

// PaymentRefundedEvent is emitted after a successful gateway cancel and
// ledger reversal.
type PaymentRefundedEvent struct {
	PaymentID int64  `json:"payment_id"`
	OrderID   int64  `json:"order_id"`
	BuyerID   int64  `json:"buyer_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// RefundRetryEvent is the durable retry intent recorded when the gateway
// refuses a cancel. An operator or retry consumer replays it.
type RefundRetryEvent struct {
	OrderID    int64  `json:"order_id"`
	PaymentKey string `json:"payment_key"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	Error      string `json:"error"`
}

// Confirm settles a pending order: the gateway charge comes first, then one
// transaction moves buyer funds to escrow, records the payment, and completes
// the order. The amount is the caller's assertion and must match the order.
// Confirm is idempotent per order; a repeat call with an approved payment on
// file succeeds without charging again.
func (s *Service) Confirm(ctx context.Context, orderID int64, paymentKey string, amount int64) error {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Confirm", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if existing, err := s.payments.GetByOrderID(ctx, s.db.Reader, orderID); err == nil {
		if existing.Status == entity.PaymentApproved {
			s.logger.Info("payment already approved, skipping", zap.Int64("order_id", orderID))
			return nil
		}
		return errorbank.Conflict("payment was cancelled",
			errorbank.WithCode(CodeAlreadyCancelled),
		)
	} else if !errors.Is(err, paymentrepo.ErrNotFound) {
		return errorbank.Internal("failed to look up payment", errorbank.WithCause(err))
	}

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, orderrepo.ErrNotFound) {
			return errorbank.NotFound("order not found")
		}
		return errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	if o.Status != entity.OrderPending {
		return errorbank.Conflict("order is not payable",
			errorbank.WithDetail("status", string(o.Status)),
		)
	}
	if o.Amount != amount {
		return errorbank.BadRequest("amount does not match order",
			errorbank.WithCode(CodeAmountMismatch),
			errorbank.WithDetail("order_amount", o.Amount),
			errorbank.WithDetail("amount", amount),
		)
	}

	// Charge before taking any row lock. The gateway round trip can take
	// seconds and must never extend a lock's lifetime.
	res, err := s.gateway.Confirm(ctx, paymentKey, o.Number, o.Amount)
	if err != nil {
		return errorbank.Internal("payment gateway unreachable", errorbank.WithCause(err))
	}
	if !res.Approved {
		return errorbank.Unprocessable("payment gateway rejected the charge",
			errorbank.WithCode(CodeGatewayRejected),
			errorbank.WithDetail("gateway_code", res.Code),
		)
	}

	now := time.Now().In(s.loc)

	txErr := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return errorbank.Internal("failed to lock order", errorbank.WithCause(err))
		}
		if o.Status != entity.OrderPending {
			return errorbank.Conflict("order is not payable",
				errorbank.WithDetail("status", string(o.Status)),
			)
		}

		buyer := wallet.Owner{Type: entity.WalletOwnerUser, ID: o.BuyerID}
		err = s.wallets.Transfer(ctx, tx, buyer, escrowOwner, o.Amount, cashEventPaymentApproved, "order", o.ID)
		if err != nil {
			if errors.Is(err, wallet.ErrInsufficientBalance) {
				return errorbank.Unprocessable("buyer balance is insufficient",
					errorbank.WithCode(CodeInsufficientBalance),
				)
			}
			return errorbank.Internal("failed to move funds to escrow", errorbank.WithCause(err))
		}

		p := &entity.Payment{
			OrderID:    o.ID,
			PaymentKey: paymentKey,
			Amount:     o.Amount,
			Status:     entity.PaymentApproved,
			ApprovedAt: now.UTC(),
		}
		if err := s.payments.Create(ctx, tx, p); err != nil {
			return errorbank.Internal("failed to record payment", errorbank.WithCause(err))
		}

		paidAt := now.UTC()
		o.Status = entity.OrderCompleted
		o.PaidAt = &paidAt
		if err := s.orders.Save(ctx, tx, o); err != nil {
			return errorbank.Internal("failed to complete order", errorbank.WithCause(err))
		}

		evt := event.Event{
			Category:      event.CategoryPayment,
			AggregateType: "payment",
			AggregateID:   p.ID,
			Type:          "payment.approved",
			Payload: PaymentApprovedEvent{
				PaymentID: p.ID,
				OrderID:   o.ID,
				BuyerID:   o.BuyerID,
				Amount:    o.Amount,
				OrderKind: string(o.Kind),
			},
			OccurredAt: now.UTC(),
		}
		if err := s.sink.Publish(ctx, tx, evt); err != nil {
			return errorbank.Internal("failed to emit approval event", errorbank.WithCause(err))
		}
		return nil
	})
	if txErr == nil {
		return nil
	}

	span.RecordError(txErr)
	span.SetStatus(codes.Error, "confirm transaction failed")

	// The gateway already charged the buyer. Void the charge so the failure
	// leaves no money in flight.
	if _, gwErr := s.gateway.Cancel(ctx, paymentKey, "confirm rollback", o.Amount); gwErr != nil {
		s.logger.Error("compensating gateway cancel failed, payment is stuck",
			zap.Int64("order_id", orderID),
			zap.String("payment_key", paymentKey),
			zap.Error(gwErr),
		)
		return errorbank.Internal("payment charged but not recorded",
			errorbank.WithCode(CodePaymentStuck),
			errorbank.WithCause(txErr),
		)
	}
	return txErr
}

// Cancel refunds an approved payment and unwinds its order. The gateway
// refund runs first: if the processor refuses, no ledger state changes and a
// durable retry intent is written instead. Only after the gateway confirms
// does one transaction move funds back from escrow, mark the payment
// cancelled, record the refund, and emit the event; the order unwind and
// auction compensation follow through settlement.
func (s *Service) Cancel(ctx context.Context, orderID int64, reason string) error {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Cancel", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
	))
	defer span.End()

	p, err := s.payments.GetByOrderID(ctx, s.db.Reader, orderID)
	if err != nil {
		if errors.Is(err, paymentrepo.ErrNotFound) {
			return errorbank.NotFound("no payment exists for order")
		}
		return errorbank.Internal("failed to look up payment", errorbank.WithCause(err))
	}
	if p.Status != entity.PaymentApproved {
		return errorbank.Conflict("payment is already cancelled",
			errorbank.WithCode(CodeAlreadyCancelled),
		)
	}

	res, gwErr := s.gateway.Cancel(ctx, p.PaymentKey, reason, p.Amount)
	if gwErr != nil || !res.Approved {
		return s.recordRefundFailure(ctx, p, orderID, reason, res, gwErr)
	}

	now := time.Now().In(s.loc)

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		o, err := s.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return errorbank.Internal("failed to lock order", errorbank.WithCause(err))
		}

		// Re-read under the row lock. The pre-check above ran on an
		// unlocked reader; a concurrent cancel may have won the race
		// between it and this transaction.
		p, err := s.payments.GetForUpdateByOrderID(ctx, tx, orderID)
		if err != nil {
			return errorbank.Internal("failed to lock payment", errorbank.WithCause(err))
		}
		if p.Status != entity.PaymentApproved {
			return errorbank.Conflict("payment is already cancelled",
				errorbank.WithCode(CodeAlreadyCancelled),
			)
		}

		buyer := wallet.Owner{Type: entity.WalletOwnerUser, ID: o.BuyerID}
		err = s.wallets.Transfer(ctx, tx, escrowOwner, buyer, p.Amount, cashEventPaymentRefunded, "order", o.ID)
		if err != nil {
			return errorbank.Internal("failed to return funds from escrow", errorbank.WithCause(err))
		}

		cancelledAt := now.UTC()
		p.Status = entity.PaymentCancelled
		p.CancelledAt = &cancelledAt
		if err := s.payments.Save(ctx, tx, p); err != nil {
			return errorbank.Internal("failed to cancel payment", errorbank.WithCause(err))
		}

		rf := &entity.Refund{
			PaymentID: p.ID,
			Amount:    p.Amount,
			Reason:    reason,
		}
		if err := s.payments.CreateRefund(ctx, tx, rf); err != nil {
			return errorbank.Internal("failed to record refund", errorbank.WithCause(err))
		}

		evt := event.Event{
			Category:      event.CategoryPayment,
			AggregateType: "payment",
			AggregateID:   p.ID,
			Type:          "payment.refunded",
			Payload: PaymentRefundedEvent{
				PaymentID: p.ID,
				OrderID:   o.ID,
				BuyerID:   o.BuyerID,
				Amount:    p.Amount,
				Reason:    reason,
			},
			OccurredAt: now.UTC(),
		}
		if err := s.sink.Publish(ctx, tx, evt); err != nil {
			return errorbank.Internal("failed to emit refund event", errorbank.WithCause(err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund transaction failed")
		return err
	}

	if err := s.settlement.CancelOrder(ctx, orderID, settlement.ReasonRefund); err != nil {
		// Money is back with the buyer; only the order unwind is missing.
		// Loud log so operations can replay the cancel.
		s.logger.Error("refund succeeded but order unwind failed",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// recordRefundFailure writes the retry intent in its own small transaction so
// the failed refund survives a process crash.
func (s *Service) recordRefundFailure(ctx context.Context, p *entity.Payment, orderID int64, reason string, res gateway.Result, gwErr error) error {
	detail := res.Code
	if gwErr != nil {
		detail = gwErr.Error()
	}
	payload, err := json.Marshal(RefundRetryEvent{
		OrderID:    orderID,
		PaymentKey: p.PaymentKey,
		Amount:     p.Amount,
		Reason:     reason,
		Error:      detail,
	})
	if err != nil {
		return errorbank.Internal("failed to encode retry intent", errorbank.WithCause(err))
	}

	storeErr := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		rec := &entity.OutboxRecord{
			AggregateType: "payment",
			AggregateID:   p.ID,
			EventType:     "payment.refund_retry",
			Payload:       payload,
			Status:        entity.OutboxPending,
			CreatedAt:     time.Now().UTC(),
		}
		return s.outbox.Append(ctx, tx, rec)
	})
	if storeErr != nil {
		s.logger.Error("failed to persist refund retry intent",
			zap.Int64("order_id", orderID),
			zap.Error(storeErr),
		)
	}

	msg := fmt.Sprintf("payment gateway refused the refund: %s", detail)
	opts := []errorbank.Option{errorbank.WithCode(CodeRefundFailed)}
	if gwErr != nil {
		opts = append(opts, errorbank.WithCause(gwErr))
	}
	return errorbank.Unprocessable(msg, opts...)
}
