package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
)

var repoTracer = otel.Tracer("github.com/gavelworks/gavel/repository/payment")

// ErrNotFound is returned when no payment exists for the order.
var ErrNotFound = errors.New("payment not found")

// Repository stores payments and refunds.
type Repository struct {
	writer  *bun.DB
	reader  *bun.DB
	locking bool
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer:  conns.Writer,
		reader:  conns.Reader,
		locking: database.SupportsSelectForUpdate(conns.Writer),
	}
}

// GetByOrderID fetches the payment recorded for an order. OrderID is unique,
// which is what makes payment confirmation idempotent.
func (r *Repository) GetByOrderID(ctx context.Context, idb bun.IDB, orderID int64) (*entity.Payment, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.GetByOrderID", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	p := new(entity.Payment)
	err := idb.NewSelect().Model(p).Where("order_id = ?", orderID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return p, nil
}

// GetForUpdateByOrderID fetches the payment for an order inside tx under an
// exclusive row lock. Refunds re-check the status through this read so that
// concurrent cancels cannot both reverse the same ledger entry.
func (r *Repository) GetForUpdateByOrderID(ctx context.Context, tx bun.IDB, orderID int64) (*entity.Payment, error) {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.GetForUpdateByOrderID", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	p := new(entity.Payment)
	q := tx.NewSelect().Model(p).Where("order_id = ?", orderID)
	if r.locking {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select for update failed")
		return nil, err
	}
	return p, nil
}

// Create inserts an approved payment inside the caller's unit of work.
func (r *Repository) Create(ctx context.Context, idb bun.IDB, p *entity.Payment) error {
	if p == nil {
		return errors.New("nil payment")
	}
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.Create", trace.WithAttributes(attribute.Int64("order.id", p.OrderID)))
	defer span.End()

	_, err := idb.NewInsert().Model(p).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// Save writes payment state back.
func (r *Repository) Save(ctx context.Context, idb bun.IDB, p *entity.Payment) error {
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.Save", trace.WithAttributes(attribute.Int64("payment.id", p.ID)))
	defer span.End()

	_, err := idb.NewUpdate().Model(p).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// CreateRefund records a completed refund.
func (r *Repository) CreateRefund(ctx context.Context, idb bun.IDB, rf *entity.Refund) error {
	if rf == nil {
		return errors.New("nil refund")
	}
	ctx, span := repoTracer.Start(ctx, "PaymentRepository.CreateRefund", trace.WithAttributes(attribute.Int64("payment.id", rf.PaymentID)))
	defer span.End()

	_, err := idb.NewInsert().Model(rf).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}
