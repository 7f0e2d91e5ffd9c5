package auction

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/event"
	"github.com/gavelworks/gavel/internal/lookup"
	"github.com/gavelworks/gavel/internal/messaging"
	"github.com/gavelworks/gavel/internal/service/bidding"
	"github.com/gavelworks/gavel/internal/worker"
)

var workerTracer = otel.Tracer("github.com/gavelworks/gavel/worker/auction")

// Module registers the auction and payment event handlers.
var Module = fx.Module("worker_auction",
	fx.Provide(
		fx.Annotate(
			NewAuctionEventHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
		fx.Annotate(
			NewPaymentEventHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewAuctionEventHandler consumes the auction topic: bid and close activity
// is logged with bidder display names resolved through the directory.
func NewAuctionEventHandler(logger *zap.Logger, cfg config.Config, dir lookup.Directory) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.auction.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var env event.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			logger.Error("failed to decode auction envelope", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return err
		}

		switch env.EventType {
		case "auction.bid_placed":
			var placed bidding.BidPlacedEvent
			if err := json.Unmarshal(env.Payload, &placed); err != nil {
				logger.Error("failed to decode bid placed", zap.Error(err))
				return err
			}
			name := displayName(ctx, dir, placed.BidderID)
			logger.Info("bid placed",
				zap.Int64("auction_id", placed.AuctionID),
				zap.String("bidder", name),
				zap.Int64("amount", placed.Amount),
				zap.Bool("extended", placed.Extended),
			)
		case "auction.buy_now_executed":
			var bought bidding.BuyNowExecutedEvent
			if err := json.Unmarshal(env.Payload, &bought); err != nil {
				logger.Error("failed to decode buy now", zap.Error(err))
				return err
			}
			name := displayName(ctx, dir, bought.BuyerID)
			logger.Info("buy now executed",
				zap.Int64("auction_id", bought.AuctionID),
				zap.String("buyer", name),
				zap.Int64("amount", bought.Amount),
				zap.String("order_number", bought.OrderNumber),
			)
		default:
			logger.Info("auction event processed",
				zap.String("event_type", env.EventType),
				zap.Int64("aggregate_id", env.AggregateID),
			)
		}

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.AuctionTopic,
		Handler: handler,
	}
}

// NewPaymentEventHandler consumes the payment topic. Payment and order
// lifecycle events are logged; a retry consumer for refund intents would hang
// off this same topic.
func NewPaymentEventHandler(logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.payment.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var env event.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			logger.Error("failed to decode payment envelope", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return err
		}

		logger.Info("payment event processed",
			zap.String("event_type", env.EventType),
			zap.String("aggregate_type", env.AggregateType),
			zap.Int64("aggregate_id", env.AggregateID),
		)

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.PaymentTopic,
		Handler: handler,
	}
}

func displayName(ctx context.Context, dir lookup.Directory, userID int64) string {
	names, err := dir.DisplayNames(ctx, []int64{userID})
	if err != nil {
		return "unknown"
	}
	if name, ok := names[userID]; ok {
		return name
	}
	return "unknown"
}
