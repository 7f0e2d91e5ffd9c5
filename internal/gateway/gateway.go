package gateway

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
)

// Result is the gateway's answer to a confirm or cancel call. A non-approved
// result is treated the same as a transport error by callers.
type Result struct {
	Approved bool
	Code     string
	Message  string
}

// Gateway is the external payment processor port. Calls may block or fail;
// callers must never invoke them while holding a database row lock.
type Gateway interface {
	Confirm(ctx context.Context, paymentKey, orderNumber string, amount int64) (Result, error)
	Cancel(ctx context.Context, paymentKey, reason string, amount int64) (Result, error)
}

// Module wires the configured gateway implementation.
var Module = fx.Provide(New)

// New selects a gateway by configuration. Production adapters for real
// processors live outside the core and satisfy the same interface.
func New(cfg config.Config, logger *zap.Logger) (Gateway, error) {
	switch cfg.Payment.GatewayDriver {
	case "sandbox":
		return &sandbox{logger: logger}, nil
	case "noop":
		return &sandbox{logger: zap.NewNop()}, nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway driver: %s", cfg.Payment.GatewayDriver)
	}
}

// sandbox approves everything. Local development and seeded environments.
type sandbox struct {
	logger *zap.Logger
}

func (s *sandbox) Confirm(ctx context.Context, paymentKey, orderNumber string, amount int64) (Result, error) {
	s.logger.Info("sandbox gateway confirm",
		zap.String("payment_key", paymentKey),
		zap.String("order_number", orderNumber),
		zap.Int64("amount", amount),
	)
	return Result{Approved: true, Code: "OK"}, nil
}

func (s *sandbox) Cancel(ctx context.Context, paymentKey, reason string, amount int64) (Result, error) {
	s.logger.Info("sandbox gateway cancel",
		zap.String("payment_key", paymentKey),
		zap.String("reason", reason),
		zap.Int64("amount", amount),
	)
	return Result{Approved: true, Code: "OK"}, nil
}
