package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/event"
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
	failAfter int
}

func (f *fakeClient) Publish(_ context.Context, topic string, key, value []byte) error {
	if f.failAfter > 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, published{topic: topic, key: string(key), value: value})
	return nil
}

func (f *fakeClient) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func relayConfig() config.Config {
	return config.Config{
		Messaging: config.Messaging{
			Kafka: config.Kafka{
				AuctionTopic: "auctions.events",
				PaymentTopic: "payments.events",
			},
		},
		Events: config.Events{AuctionViaOutbox: true, PaymentViaOutbox: true},
		Sweep: config.Sweep{
			OutboxPollInterval: time.Second,
			OutboxBatchSize:    100,
		},
	}
}

func TestDrainDispatchesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	conns := testdb.New(t)
	repo := outboxrepo.NewRepository(conns)
	client := &fakeClient{}

	r := NewRelay(Params{
		Client: client,
		Outbox: repo,
		Config: relayConfig(),
		Logger: zap.NewNop(),
	})

	payload, _ := json.Marshal(map[string]int64{"amount": 11_000})
	for i, agg := range []string{"auction", "order"} {
		rec := &entity.OutboxRecord{
			AggregateType: agg,
			AggregateID:   int64(i + 1),
			EventType:     "test.event",
			Payload:       payload,
			Status:        entity.OutboxPending,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, repo.Append(ctx, conns.Writer, rec))
	}

	require.NoError(t, r.drain(ctx))

	require.Len(t, client.published, 2)
	assert.Equal(t, "auctions.events", client.published[0].topic)
	assert.Equal(t, "auction-1", client.published[0].key)
	assert.Equal(t, "payments.events", client.published[1].topic)
	assert.Equal(t, "order-2", client.published[1].key)

	var env event.Envelope
	require.NoError(t, json.Unmarshal(client.published[0].value, &env))
	assert.Equal(t, "test.event", env.EventType)

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainStopsAtFirstBrokerFailure(t *testing.T) {
	ctx := context.Background()
	conns := testdb.New(t)
	repo := outboxrepo.NewRepository(conns)
	client := &fakeClient{failAfter: 1}

	r := NewRelay(Params{
		Client: client,
		Outbox: repo,
		Config: relayConfig(),
		Logger: zap.NewNop(),
	})

	for i := 0; i < 3; i++ {
		rec := &entity.OutboxRecord{
			AggregateType: "auction",
			AggregateID:   int64(i + 1),
			EventType:     "test.event",
			Payload:       []byte(`{}`),
			Status:        entity.OutboxPending,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, repo.Append(ctx, conns.Writer, rec))
	}

	require.Error(t, r.drain(ctx))

	// First record went out and is marked; the rest stay pending for the
	// next poll.
	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
