package wallet

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

var repoTracer = otel.Tracer("github.com/gavelworks/gavel/repository/wallet")

// ErrNotFound is returned when a wallet is missing.
var ErrNotFound = errors.New("wallet not found")

// Repository is the ledger store: wallet rows plus the append-only cash log.
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

// Create persists a new wallet.
func (r *Repository) Create(ctx context.Context, w *entity.Wallet) error {
	if w == nil {
		return errors.New("nil wallet")
	}
	ctx, span := repoTracer.Start(ctx, "WalletRepository.Create", trace.WithAttributes(
		attribute.String("wallet.owner_type", string(w.OwnerType)),
		attribute.Int64("wallet.owner_id", w.OwnerID),
	))
	defer span.End()

	_, err := r.writer.NewInsert().Model(w).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByOwner fetches a wallet without locking it.
func (r *Repository) GetByOwner(ctx context.Context, ownerType entity.WalletOwnerType, ownerID int64) (*entity.Wallet, error) {
	ctx, span := repoTracer.Start(ctx, "WalletRepository.GetByOwner", trace.WithAttributes(
		attribute.String("wallet.owner_type", string(ownerType)),
		attribute.Int64("wallet.owner_id", ownerID),
	))
	defer span.End()

	w := new(entity.Wallet)
	err := r.reader.NewSelect().Model(w).
		Where("owner_type = ?", ownerType).
		Where("owner_id = ?", ownerID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return w, nil
}

// GetForUpdateByOwner fetches a wallet inside tx under an exclusive row lock.
// Balance checks and mutations happen only while this lock is held, so two
// concurrent debits can never both observe the pre-debit balance.
func (r *Repository) GetForUpdateByOwner(ctx context.Context, tx bun.IDB, ownerType entity.WalletOwnerType, ownerID int64) (*entity.Wallet, error) {
	ctx, span := repoTracer.Start(ctx, "WalletRepository.GetForUpdateByOwner", trace.WithAttributes(
		attribute.String("wallet.owner_type", string(ownerType)),
		attribute.Int64("wallet.owner_id", ownerID),
	))
	defer span.End()

	w := new(entity.Wallet)
	q := tx.NewSelect().Model(w).
		Where("owner_type = ?", ownerType).
		Where("owner_id = ?", ownerID)
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
	return w, nil
}

// Save writes the wallet balance back.
func (r *Repository) Save(ctx context.Context, idb bun.IDB, w *entity.Wallet) error {
	ctx, span := repoTracer.Start(ctx, "WalletRepository.Save", trace.WithAttributes(attribute.Int64("wallet.id", w.ID)))
	defer span.End()

	w.UpdatedAt = time.Now().UTC()
	_, err := idb.NewUpdate().Model(w).WherePK().Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// AppendCashLog writes one journal row. Callers append exactly one row per
// balance mutation, in the same unit of work.
func (r *Repository) AppendCashLog(ctx context.Context, idb bun.IDB, l *entity.CashLog) error {
	ctx, span := repoTracer.Start(ctx, "WalletRepository.AppendCashLog", trace.WithAttributes(attribute.Int64("wallet.id", l.WalletID)))
	defer span.End()

	_, err := idb.NewInsert().Model(l).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// CashLogs returns the journal for one wallet, oldest first.
func (r *Repository) CashLogs(ctx context.Context, walletID int64) ([]entity.CashLog, error) {
	ctx, span := repoTracer.Start(ctx, "WalletRepository.CashLogs", trace.WithAttributes(attribute.Int64("wallet.id", walletID)))
	defer span.End()

	var logs []entity.CashLog
	err := r.reader.NewSelect().Model(&logs).
		Where("wallet_id = ?", walletID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return logs, nil
}
