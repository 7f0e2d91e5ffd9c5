package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/entity"
	repo "github.com/gavelworks/gavel/internal/repository/wallet"
)

var serviceTracer = otel.Tracer("github.com/gavelworks/gavel/service/wallet")

// ErrInsufficientBalance is returned when a debit would push the balance
// negative. Checked under the wallet's row lock, never via a separate read.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// Owner identifies a wallet by its principal.
type Owner struct {
	Type entity.WalletOwnerType
	ID   int64
}

func (o Owner) less(other Owner) bool {
	if o.Type != other.Type {
		return o.Type < other.Type
	}
	return o.ID < other.ID
}

// Service is the wallet ledger: the only code that mutates balances. Every
// mutation appends exactly one cash log row inside the caller's unit of work.
type Service struct {
	repo   *repo.Repository
	logger *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *repo.Repository
	Logger     *zap.Logger
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{repo: p.Repository, logger: p.Logger}
}

// Debit removes amount from the owner's wallet, failing closed when the
// balance would go negative.
func (s *Service) Debit(ctx context.Context, idb bun.IDB, owner Owner, amount int64, eventType, refType string, refID int64) (*entity.Wallet, error) {
	ctx, span := serviceTracer.Start(ctx, "WalletService.Debit", trace.WithAttributes(
		attribute.String("wallet.owner_type", string(owner.Type)),
		attribute.Int64("wallet.owner_id", owner.ID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	w, err := s.repo.GetForUpdateByOwner(ctx, idb, owner.Type, owner.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return nil, err
	}
	return s.apply(ctx, idb, w, -amount, eventType, refType, refID)
}

// Credit adds amount to the owner's wallet.
func (s *Service) Credit(ctx context.Context, idb bun.IDB, owner Owner, amount int64, eventType, refType string, refID int64) (*entity.Wallet, error) {
	ctx, span := serviceTracer.Start(ctx, "WalletService.Credit", trace.WithAttributes(
		attribute.String("wallet.owner_type", string(owner.Type)),
		attribute.Int64("wallet.owner_id", owner.ID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	w, err := s.repo.GetForUpdateByOwner(ctx, idb, owner.Type, owner.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return nil, err
	}
	return s.apply(ctx, idb, w, amount, eventType, refType, refID)
}

// Transfer moves amount from one wallet to another as one debit plus one
// matching credit. Wallets are locked in a deterministic owner order so two
// opposing transfers cannot deadlock.
func (s *Service) Transfer(ctx context.Context, idb bun.IDB, from, to Owner, amount int64, eventType, refType string, refID int64) error {
	ctx, span := serviceTracer.Start(ctx, "WalletService.Transfer", trace.WithAttributes(
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if from == to {
		return fmt.Errorf("transfer within one wallet")
	}

	first, second := from, to
	if second.less(first) {
		first, second = second, first
	}

	locked := make(map[Owner]*entity.Wallet, 2)
	for _, o := range []Owner{first, second} {
		w, err := s.repo.GetForUpdateByOwner(ctx, idb, o.Type, o.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock failed")
			return err
		}
		locked[o] = w
	}

	if _, err := s.apply(ctx, idb, locked[from], -amount, eventType, refType, refID); err != nil {
		return err
	}
	if _, err := s.apply(ctx, idb, locked[to], amount, eventType, refType, refID); err != nil {
		return err
	}
	return nil
}

// apply mutates a locked wallet by delta and journals the change.
func (s *Service) apply(ctx context.Context, idb bun.IDB, w *entity.Wallet, delta int64, eventType, refType string, refID int64) (*entity.Wallet, error) {
	if delta == 0 {
		return nil, fmt.Errorf("zero amount")
	}
	next := w.Balance + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientBalance, w.Balance, -delta)
	}

	w.Balance = next
	if err := s.repo.Save(ctx, idb, w); err != nil {
		return nil, err
	}

	log := &entity.CashLog{
		WalletID:  w.ID,
		EventType: eventType,
		RefType:   refType,
		RefID:     refID,
		Amount:    delta,
		Balance:   next,
	}
	if err := s.repo.AppendCashLog(ctx, idb, log); err != nil {
		return nil, err
	}

	s.logger.Debug("wallet mutated",
		zap.Int64("wallet_id", w.ID),
		zap.Int64("delta", delta),
		zap.Int64("balance", next),
		zap.String("event_type", eventType),
	)
	return w, nil
}
