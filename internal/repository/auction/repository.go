package auction

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

var repoTracer = otel.Tracer("github.com/gavelworks/gavel/repository/auction")

// ErrNotFound is returned when an auction is missing.
var ErrNotFound = errors.New("auction not found")

// ErrNoBids is returned when an auction has no bid matching the query.
var ErrNoBids = errors.New("no bids for auction")

// Repository encapsulates read/write access for auctions and their bids.
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

// Create persists a new auction using the write connection.
func (r *Repository) Create(ctx context.Context, a *entity.Auction) error {
	if a == nil {
		return errors.New("nil auction")
	}
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.Create")
	defer span.End()

	_, err := r.writer.NewInsert().Model(a).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an auction by primary key using the read replica.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Auction, error) {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.GetByID", trace.WithAttributes(attribute.Int64("auction.id", id)))
	defer span.End()

	a := new(entity.Auction)
	err := r.reader.NewSelect().Model(a).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return a, nil
}

// GetForUpdate fetches an auction inside tx under an exclusive row lock.
// Every writer against the auction (bid, buy-now, close, recovery) must go
// through this; the lock is released when tx ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx bun.IDB, id int64) (*entity.Auction, error) {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.GetForUpdate", trace.WithAttributes(attribute.Int64("auction.id", id)))
	defer span.End()

	a := new(entity.Auction)
	q := tx.NewSelect().Model(a).Where("id = ?", id)
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
	return a, nil
}

// Save writes the aggregate back. Mutations never rely on ambient
// persistence; every state change ends with an explicit Save.
func (r *Repository) Save(ctx context.Context, idb bun.IDB, a *entity.Auction) error {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.Save", trace.WithAttributes(attribute.Int64("auction.id", a.ID)))
	defer span.End()

	a.UpdatedAt = time.Now().UTC()
	_, err := idb.NewUpdate().Model(a).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// Delete removes an auction outright. Permitted only before any bid exists;
// the service layer guards this.
func (r *Repository) Delete(ctx context.Context, idb bun.IDB, id int64) error {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.Delete", trace.WithAttributes(attribute.Int64("auction.id", id)))
	defer span.End()

	_, err := idb.NewDelete().Model((*entity.Auction)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
	}
	return err
}

// InsertBid persists a new bid within the caller's unit of work.
func (r *Repository) InsertBid(ctx context.Context, idb bun.IDB, b *entity.Bid) error {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.InsertBid", trace.WithAttributes(attribute.Int64("auction.id", b.AuctionID)))
	defer span.End()

	_, err := idb.NewInsert().Model(b).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert bid failed")
	}
	return err
}

// SaveBid updates an existing bid row.
func (r *Repository) SaveBid(ctx context.Context, idb bun.IDB, b *entity.Bid) error {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.SaveBid", trace.WithAttributes(attribute.Int64("bid.id", b.ID)))
	defer span.End()

	_, err := idb.NewUpdate().Model(b).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update bid failed")
	}
	return err
}

// HighestActiveBid returns the top ACTIVE bid for an auction, or ErrNoBids.
func (r *Repository) HighestActiveBid(ctx context.Context, idb bun.IDB, auctionID int64) (*entity.Bid, error) {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.HighestActiveBid", trace.WithAttributes(attribute.Int64("auction.id", auctionID)))
	defer span.End()

	b := new(entity.Bid)
	err := idb.NewSelect().Model(b).
		Where("auction_id = ?", auctionID).
		Where("status = ?", entity.BidActive).
		Order("amount DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBids
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return b, nil
}

// MarkActiveBidsLosing demotes every ACTIVE bid on the auction except the
// given one. Pass except=0 to demote all.
func (r *Repository) MarkActiveBidsLosing(ctx context.Context, idb bun.IDB, auctionID, except int64) error {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.MarkActiveBidsLosing", trace.WithAttributes(attribute.Int64("auction.id", auctionID)))
	defer span.End()

	q := idb.NewUpdate().Model((*entity.Bid)(nil)).
		Set("status = ?", entity.BidLosing).
		Where("auction_id = ?", auctionID).
		Where("status = ?", entity.BidActive)
	if except != 0 {
		q = q.Where("id != ?", except)
	}
	_, err := q.Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// ListExpiredActiveIDs returns active auctions whose end time has passed,
// oldest first, for the closing sweep.
func (r *Repository) ListExpiredActiveIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ctx, span := repoTracer.Start(ctx, "AuctionRepository.ListExpiredActiveIDs")
	defer span.End()

	var ids []int64
	err := r.reader.NewSelect().Model((*entity.Auction)(nil)).
		Column("id").
		Where("status = ?", entity.AuctionActive).
		Where("end_at <= ?", now).
		Order("end_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return ids, nil
}
