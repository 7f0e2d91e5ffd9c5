package cart

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is the cart collaborator port. Expiry is best-effort: the buy-now
// engine logs and swallows failures, never rolling back the purchase.
type Service interface {
	ExpireItemsForAuction(ctx context.Context, auctionID int64) error
}

// Module wires the cart collaborator.
var Module = fx.Provide(New)

// New returns the in-process stand-in; a real cart service client satisfies
// the same interface from outside the core.
func New(logger *zap.Logger) Service {
	return &noop{logger: logger}
}

type noop struct {
	logger *zap.Logger
}

func (n *noop) ExpireItemsForAuction(ctx context.Context, auctionID int64) error {
	n.logger.Debug("cart expiry requested", zap.Int64("auction_id", auctionID))
	return nil
}
