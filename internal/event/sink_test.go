package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/messaging"
	outboxrepo "github.com/gavelworks/gavel/internal/repository/outbox"
	"github.com/gavelworks/gavel/internal/testdb"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakeClient struct {
	published []published
}

func (f *fakeClient) Publish(_ context.Context, topic string, key, value []byte) error {
	f.published = append(f.published, published{topic: topic, key: string(key), value: value})
	return nil
}

func (f *fakeClient) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func sinkConfig(auctionViaOutbox, paymentViaOutbox bool) config.Config {
	return config.Config{
		Messaging: config.Messaging{
			Kafka: config.Kafka{
				AuctionTopic: "auctions.events",
				PaymentTopic: "payments.events",
			},
		},
		Events: config.Events{
			AuctionViaOutbox: auctionViaOutbox,
			PaymentViaOutbox: paymentViaOutbox,
		},
	}
}

func TestOutboxSinkWritesInCallerTransaction(t *testing.T) {
	ctx := context.Background()
	conns := testdb.New(t)
	client := &fakeClient{}
	repo := outboxrepo.NewRepository(conns)

	sink := NewSink(Params{
		Config: sinkConfig(true, true),
		Client: client,
		Outbox: repo,
		Logger: zap.NewNop(),
	})

	evt := Event{
		Category:      CategoryAuction,
		AggregateType: "auction",
		AggregateID:   7,
		Type:          "auction.bid_placed",
		Payload:       map[string]int64{"amount": 11_000},
		OccurredAt:    time.Now().UTC(),
	}
	require.NoError(t, sink.Publish(ctx, conns.Writer, evt))

	assert.Empty(t, client.published, "outbox routing must not touch the broker")

	records, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "auction", records[0].AggregateType)
	assert.Equal(t, int64(7), records[0].AggregateID)
	assert.Equal(t, "auction.bid_placed", records[0].EventType)
	assert.Equal(t, entity.OutboxPending, records[0].Status)

	var payload map[string]int64
	require.NoError(t, json.Unmarshal(records[0].Payload, &payload))
	assert.Equal(t, int64(11_000), payload["amount"])
}

func TestDirectSinkPublishesEnvelope(t *testing.T) {
	ctx := context.Background()
	conns := testdb.New(t)
	client := &fakeClient{}

	sink := NewSink(Params{
		Config: sinkConfig(false, false),
		Client: client,
		Outbox: outboxrepo.NewRepository(conns),
		Logger: zap.NewNop(),
	})

	evt := Event{
		Category:      CategoryPayment,
		AggregateType: "payment",
		AggregateID:   3,
		Type:          "payment.approved",
		Payload:       map[string]int64{"amount": 500_000},
		OccurredAt:    time.Now().UTC(),
	}
	require.NoError(t, sink.Publish(ctx, conns.Writer, evt))

	require.Len(t, client.published, 1)
	assert.Equal(t, "payments.events", client.published[0].topic)
	assert.Equal(t, "payment-3", client.published[0].key)

	var env Envelope
	require.NoError(t, json.Unmarshal(client.published[0].value, &env))
	assert.Equal(t, "payment.approved", env.EventType)
	assert.Equal(t, int64(3), env.AggregateID)
}

func TestRouterSplitsCategories(t *testing.T) {
	ctx := context.Background()
	conns := testdb.New(t)
	client := &fakeClient{}
	repo := outboxrepo.NewRepository(conns)

	// Auction events stay transactional, payment events go straight out.
	sink := NewSink(Params{
		Config: sinkConfig(true, false),
		Client: client,
		Outbox: repo,
		Logger: zap.NewNop(),
	})

	require.NoError(t, sink.Publish(ctx, conns.Writer, Event{
		Category:      CategoryAuction,
		AggregateType: "auction",
		AggregateID:   1,
		Type:          "auction.closed_won",
	}))
	require.NoError(t, sink.Publish(ctx, conns.Writer, Event{
		Category:      CategoryPayment,
		AggregateType: "order",
		AggregateID:   2,
		Type:          "order.cancelled",
	}))

	records, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.Len(t, client.published, 1)
	assert.Equal(t, "payments.events", client.published[0].topic)
}

func TestTopicFor(t *testing.T) {
	cfg := sinkConfig(true, true)

	assert.Equal(t, "auctions.events", TopicFor(cfg, "auction"))
	assert.Equal(t, "payments.events", TopicFor(cfg, "payment"))
	assert.Equal(t, "payments.events", TopicFor(cfg, "order"))
}
