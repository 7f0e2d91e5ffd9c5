package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/event"
	"github.com/gavelworks/gavel/internal/messaging"
	outboxrepo "github.com/gavelworks/gavel/internal/repository/outbox"
)

// Relay drains the outbox: pending records are published to the broker in
// insertion order and marked dispatched only after the broker accepts them.
// Delivery is at least once; a crash between publish and mark produces a
// duplicate, never a loss.
type Relay struct {
	client messaging.Client
	outbox *outboxrepo.Repository
	cfg    config.Config
	logger *zap.Logger
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Client messaging.Client
	Outbox *outboxrepo.Repository
	Config config.Config
	Logger *zap.Logger
}

// NewRelay constructs the outbox relay.
func NewRelay(p Params) *Relay {
	return &Relay{
		client: p.Client,
		outbox: p.Outbox,
		cfg:    p.Config,
		logger: p.Logger,
	}
}

// Module wires the relay into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewRelay),
	fx.Invoke(func(lc fx.Lifecycle, relay *Relay) {
		lc.Append(fx.Hook{
			OnStart: relay.start,
			OnStop:  relay.stop,
		})
	}),
)

func (r *Relay) start(ctx context.Context) error {
	if !r.cfg.Events.AuctionViaOutbox && !r.cfg.Events.PaymentViaOutbox {
		r.logger.Info("outbox relay disabled; no category routes through the outbox")

		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg = &sync.WaitGroup{}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollLoop(runCtx)
	}()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.cfg.Sweep.OutboxPollInterval))

	return nil
}

func (r *Relay) stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		r.logger.Info("outbox relay stopped")

		return nil
	}
}

func (r *Relay) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Sweep.OutboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// drain publishes one batch. Publishing stops at the first broker failure so
// per-aggregate ordering is preserved; the rest of the batch stays pending.
func (r *Relay) drain(ctx context.Context) error {
	records, err := r.outbox.ListPending(ctx, r.cfg.Sweep.OutboxBatchSize)
	if err != nil {
		return fmt.Errorf("list pending outbox records: %w", err)
	}

	for _, rec := range records {
		if err := r.publish(ctx, rec); err != nil {
			return err
		}
		if err := r.outbox.MarkDispatched(ctx, rec.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark outbox record %d dispatched: %w", rec.ID, err)
		}
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, rec entity.OutboxRecord) error {
	env := event.Envelope{
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		EventType:     rec.EventType,
		Payload:       json.RawMessage(rec.Payload),
		OccurredAt:    rec.CreatedAt,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for outbox record %d: %w", rec.ID, err)
	}

	topic := event.TopicFor(r.cfg, rec.AggregateType)
	key := fmt.Sprintf("%s-%d", rec.AggregateType, rec.AggregateID)
	if err := r.client.Publish(ctx, topic, []byte(key), data); err != nil {
		return fmt.Errorf("publish outbox record %d: %w", rec.ID, err)
	}

	r.logger.Debug("outbox record dispatched",
		zap.Int64("record_id", rec.ID),
		zap.String("topic", topic),
		zap.String("event_type", rec.EventType),
	)
	return nil
}
