package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/messaging"
	outboxrepo "github.com/gavelworks/gavel/internal/repository/outbox"
)

// Sink publishes domain events. The idb argument is the caller's open unit of
// work: the outbox-backed sink writes through it so the event commits with the
// business mutation; the direct sink ignores it.
type Sink interface {
	Publish(ctx context.Context, idb bun.IDB, evt Event) error
}

// Module wires the configured sink router.
var Module = fx.Provide(NewSink)

// Params collects sink dependencies via Fx.
type Params struct {
	fx.In

	Config config.Config
	Client messaging.Client
	Outbox *outboxrepo.Repository
	Logger *zap.Logger
}

// NewSink resolves per-category delivery once, at startup, so business code
// never branches on the outbox flags.
func NewSink(p Params) Sink {
	direct := &directSink{
		client: p.Client,
		topics: topicTable(p.Config),
		logger: p.Logger,
	}
	boxed := &outboxSink{repo: p.Outbox}

	r := &router{sinks: map[Category]Sink{}}
	if p.Config.Events.AuctionViaOutbox {
		r.sinks[CategoryAuction] = boxed
	} else {
		r.sinks[CategoryAuction] = direct
	}
	if p.Config.Events.PaymentViaOutbox {
		r.sinks[CategoryPayment] = boxed
	} else {
		r.sinks[CategoryPayment] = direct
	}
	return r
}

type router struct {
	sinks map[Category]Sink
}

func (r *router) Publish(ctx context.Context, idb bun.IDB, evt Event) error {
	s, ok := r.sinks[evt.Category]
	if !ok {
		return fmt.Errorf("no sink for event category %q", evt.Category)
	}
	return s.Publish(ctx, idb, evt)
}

// directSink delivers straight to the broker, bypassing the outbox. Loses the
// transactional guarantee; selected for categories where best-effort delivery
// is acceptable.
type directSink struct {
	client messaging.Client
	topics map[Category]string
	logger *zap.Logger
}

func (s *directSink) Publish(ctx context.Context, _ bun.IDB, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env := Envelope{
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.Type,
		Payload:       payload,
		OccurredAt:    evt.OccurredAt,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	key := fmt.Sprintf("%s-%d", evt.AggregateType, evt.AggregateID)
	return s.client.Publish(ctx, s.topics[evt.Category], []byte(key), data)
}

// outboxSink records the intent durably in the caller's transaction; the
// relay delivers later.
type outboxSink struct {
	repo *outboxrepo.Repository
}

func (s *outboxSink) Publish(ctx context.Context, idb bun.IDB, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	rec := &entity.OutboxRecord{
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.Type,
		Payload:       payload,
		Status:        entity.OutboxPending,
		CreatedAt:     occurred,
	}
	return s.repo.Append(ctx, idb, rec)
}

func topicTable(cfg config.Config) map[Category]string {
	return map[Category]string{
		CategoryAuction: cfg.Messaging.Kafka.AuctionTopic,
		CategoryPayment: cfg.Messaging.Kafka.PaymentTopic,
	}
}

// TopicFor maps an aggregate type back to its topic; the relay uses it when
// replaying stored records.
func TopicFor(cfg config.Config, aggregateType string) string {
	if aggregateType == "payment" || aggregateType == "order" {
		return cfg.Messaging.Kafka.PaymentTopic
	}
	return cfg.Messaging.Kafka.AuctionTopic
}
