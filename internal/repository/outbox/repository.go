package outbox

import (
	"context"
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

var repoTracer = otel.Tracer("github.com/gavelworks/gavel/repository/outbox")

// Repository is the durable queue of pending domain events.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Append inserts a pending record inside the caller's unit of work, so the
// record commits or rolls back together with the business mutation it
// describes.
func (r *Repository) Append(ctx context.Context, idb bun.IDB, rec *entity.OutboxRecord) error {
	if rec == nil {
		return errors.New("nil outbox record")
	}
	ctx, span := repoTracer.Start(ctx, "OutboxRepository.Append", trace.WithAttributes(
		attribute.String("outbox.aggregate_type", rec.AggregateType),
		attribute.String("outbox.event_type", rec.EventType),
	))
	defer span.End()

	if rec.Status == "" {
		rec.Status = entity.OutboxPending
	}
	_, err := idb.NewInsert().Model(rec).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// ListPending returns undispatched records in id order for the relay.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error) {
	ctx, span := repoTracer.Start(ctx, "OutboxRepository.ListPending")
	defer span.End()

	var recs []entity.OutboxRecord
	err := r.reader.NewSelect().Model(&recs).
		Where("status = ?", entity.OutboxPending).
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return recs, nil
}

// MarkDispatched flips a record after the broker accepted it. The relay calls
// this after publish, never before, which is what bounds delivery at
// at-least-once.
func (r *Repository) MarkDispatched(ctx context.Context, id int64, at time.Time) error {
	ctx, span := repoTracer.Start(ctx, "OutboxRepository.MarkDispatched", trace.WithAttributes(attribute.Int64("outbox.id", id)))
	defer span.End()

	_, err := r.writer.NewUpdate().Model((*entity.OutboxRecord)(nil)).
		Set("status = ?", entity.OutboxDispatched).
		Set("dispatched_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}
