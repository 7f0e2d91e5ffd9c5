package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
)

var repoTracer = otel.Tracer("github.com/gavelworks/gavel/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// ErrDuplicate is returned when a second non-cancelled order would be
// created for the same auction.
var ErrDuplicate = errors.New("auction already has an open order")

// Repository encapsulates read/write access for orders.
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

// Create persists a new order inside the caller's unit of work. The
// one-open-order-per-auction invariant is checked here, under the auction
// lock the caller already holds.
func (r *Repository) Create(ctx context.Context, idb bun.IDB, o *entity.Order) error {
	if o == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.number", o.Number)))
	defer span.End()

	open, err := idb.NewSelect().Model((*entity.Order)(nil)).
		Where("auction_id = ?", o.AuctionID).
		Where("status != ?", entity.OrderCancelled).
		Exists(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "existence check failed")
		return err
	}
	if open {
		span.SetStatus(codes.Error, "duplicate order")
		return ErrDuplicate
	}

	_, err = idb.NewInsert().Model(o).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order by primary key using the read replica.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	o := new(entity.Order)
	err := r.reader.NewSelect().Model(o).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return o, nil
}

// GetForUpdate fetches an order inside tx under an exclusive row lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx bun.IDB, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetForUpdate", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	o := new(entity.Order)
	q := tx.NewSelect().Model(o).Where("id = ?", id)
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
	return o, nil
}

// Save writes the order back.
func (r *Repository) Save(ctx context.Context, idb bun.IDB, o *entity.Order) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Save", trace.WithAttributes(attribute.Int64("order.id", o.ID)))
	defer span.End()

	o.UpdatedAt = time.Now().UTC()
	_, err := idb.NewUpdate().Model(o).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// CountCancelledBuyNow counts a buyer's cancelled buy-now orders for one
// auction. Feeds the per-user buy-now rejection threshold.
func (r *Repository) CountCancelledBuyNow(ctx context.Context, idb bun.IDB, auctionID, buyerID int64) (int, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.CountCancelledBuyNow", trace.WithAttributes(
		attribute.Int64("auction.id", auctionID),
		attribute.Int64("buyer.id", buyerID),
	))
	defer span.End()

	n, err := idb.NewSelect().Model((*entity.Order)(nil)).
		Where("auction_id = ?", auctionID).
		Where("buyer_id = ?", buyerID).
		Where("kind = ?", entity.OrderKindBuyNow).
		Where("status = ?", entity.OrderCancelled).
		Count(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count failed")
		return 0, err
	}
	return n, nil
}

// ListExpiredPendingIDs returns pending orders created before cutoff, oldest
// first, for the expiry sweep.
func (r *Repository) ListExpiredPendingIDs(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListExpiredPendingIDs")
	defer span.End()

	var ids []int64
	err := r.reader.NewSelect().Model((*entity.Order)(nil)).
		Column("id").
		Where("status = ?", entity.OrderPending).
		Where("created_at <= ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return ids, nil
}
