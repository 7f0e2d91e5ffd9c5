package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/config"
	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
	"github.com/gavelworks/gavel/internal/event"
	auctionrepo "github.com/gavelworks/gavel/internal/repository/auction"
	orderrepo "github.com/gavelworks/gavel/internal/repository/order"
	"github.com/gavelworks/gavel/internal/testdb"
	"github.com/gavelworks/gavel/pkg/errorbank"
)

type captureSink struct {
	events []event.Event
}

func (c *captureSink) Publish(_ context.Context, _ bun.IDB, evt event.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func (c *captureSink) types() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Auction: config.Auction{
			SoftCloseThreshold:    5 * time.Minute,
			SoftCloseExtension:    5 * time.Minute,
			MaxExtensions:         2,
			MaxBuyNowRecoveries:   3,
			MaxUserBuyNowFailures: 2,
			Timezone:              "UTC",
		},
		Payment: config.Payment{Window: 24 * time.Hour},
	}
}

func newTestService(t *testing.T) (*Service, *database.Connections, *captureSink) {
	t.Helper()
	conns := testdb.New(t)
	sink := &captureSink{}
	svc := NewService(Params{
		DB:       conns,
		Auctions: auctionrepo.NewRepository(conns),
		Orders:   orderrepo.NewRepository(conns),
		Sink:     sink,
		Config:   testConfig(),
		Logger:   zap.NewNop(),
	})
	return svc, conns, sink
}

func seedAuction(t *testing.T, conns *database.Connections, mutate func(*entity.Auction)) *entity.Auction {
	t.Helper()
	buyNow := int64(500_000)
	a := &entity.Auction{
		SellerID:      10,
		Title:         "test listing",
		StartPrice:    10_000,
		BidUnit:       1_000,
		CurrentPrice:  10_000,
		BuyNowPrice:   &buyNow,
		BuyNowEnabled: true,
		Status:        entity.AuctionActive,
		OpenAt:        time.Now().UTC().Add(-time.Hour),
		EndAt:         time.Now().UTC().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(a)
	}
	_, err := conns.Writer.NewInsert().Model(a).Exec(context.Background())
	require.NoError(t, err)
	return a
}

func seedBid(t *testing.T, conns *database.Connections, auctionID, bidderID, amount int64, status entity.BidStatus) *entity.Bid {
	t.Helper()
	b := &entity.Bid{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    status,
		PlacedAt:  time.Now().UTC(),
	}
	_, err := conns.Writer.NewInsert().Model(b).Exec(context.Background())
	require.NoError(t, err)
	return b
}

func seedOrder(t *testing.T, conns *database.Connections, a *entity.Auction, buyerID int64, kind entity.OrderKind, status entity.OrderStatus) *entity.Order {
	t.Helper()
	o := &entity.Order{
		Number:    "11111111-0000-0000-0000-000000000000",
		AuctionID: a.ID,
		BuyerID:   buyerID,
		SellerID:  a.SellerID,
		Amount:    a.CurrentPrice,
		Kind:      kind,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	_, err := conns.Writer.NewInsert().Model(o).Exec(context.Background())
	require.NoError(t, err)
	return o
}

func reloadAuction(t *testing.T, conns *database.Connections, id int64) entity.Auction {
	t.Helper()
	var got entity.Auction
	require.NoError(t, conns.Reader.NewSelect().Model(&got).Where("id = ?", id).Scan(context.Background()))
	return got
}

func TestCloseAuction(t *testing.T) {
	ctx := context.Background()

	t.Run("with a highest bid sells and creates an order", func(t *testing.T) {
		svc, conns, sink := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) { a.CurrentPrice = 15_000 })
		seedBid(t, conns, a.ID, 20, 12_000, entity.BidLosing)
		winner := seedBid(t, conns, a.ID, 21, 15_000, entity.BidActive)

		require.NoError(t, svc.CloseAuction(ctx, a.ID))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, entity.AuctionSold, got.Status)

		var wonBid entity.Bid
		require.NoError(t, conns.Reader.NewSelect().Model(&wonBid).Where("id = ?", winner.ID).Scan(ctx))
		assert.Equal(t, entity.BidWon, wonBid.Status)
		assert.True(t, wonBid.Winning)

		var order entity.Order
		require.NoError(t, conns.Reader.NewSelect().Model(&order).Where("auction_id = ?", a.ID).Scan(ctx))
		assert.Equal(t, entity.OrderPending, order.Status)
		assert.Equal(t, entity.OrderKindAuction, order.Kind)
		assert.Equal(t, int64(15_000), order.Amount)
		assert.Equal(t, int64(21), order.BuyerID)

		assert.Equal(t, []string{"auction.closed_won"}, sink.types())
	})

	t.Run("without bids just ends", func(t *testing.T) {
		svc, conns, sink := newTestService(t)
		a := seedAuction(t, conns, nil)

		require.NoError(t, svc.CloseAuction(ctx, a.ID))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, entity.AuctionEnded, got.Status)

		count, err := conns.Reader.NewSelect().Model((*entity.Order)(nil)).
			Where("auction_id = ?", a.ID).Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		assert.Equal(t, []string{"auction.closed_no_winner"}, sink.types())
	})

	t.Run("before the end time rejected", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.EndAt = time.Now().UTC().Add(time.Hour)
		})

		err := svc.CloseAuction(ctx, a.ID)
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeAuctionNotExpired))
	})

	t.Run("already ended rejected", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionEnded
		})

		err := svc.CloseAuction(ctx, a.ID)
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeAuctionNotActive))
	})
}

func TestCloseExpiredAuctions(t *testing.T) {
	ctx := context.Background()
	svc, conns, _ := newTestService(t)

	expired := seedAuction(t, conns, nil)
	running := seedAuction(t, conns, func(a *entity.Auction) {
		a.EndAt = time.Now().UTC().Add(time.Hour)
	})

	svc.CloseExpiredAuctions(ctx)

	assert.Equal(t, entity.AuctionEnded, reloadAuction(t, conns, expired.ID).Status)
	assert.Equal(t, entity.AuctionActive, reloadAuction(t, conns, running.ID).Status)
}

func TestRemoveAuction(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes a listing without bids", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionScheduled
			a.EndAt = time.Now().UTC().Add(time.Hour)
		})

		require.NoError(t, svc.RemoveAuction(ctx, a.ID))

		n, err := conns.Reader.NewSelect().Model((*entity.Auction)(nil)).
			Where("id = ?", a.ID).Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("rejected once a bid exists", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) { a.BidCount = 1 })
		seedBid(t, conns, a.ID, 30, 11_000, entity.BidActive)

		err := svc.RemoveAuction(ctx, a.ID)
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeAuctionHasBids))
		assert.Equal(t, a.ID, reloadAuction(t, conns, a.ID).ID)
	})

	t.Run("rejected for a bid-less buy-now sale", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSoldByBuyNow
			a.CurrentPrice = 500_000
		})

		err := svc.RemoveAuction(ctx, a.ID)
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeAuctionHasBids))
	})

	t.Run("missing auction reported", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		require.Error(t, svc.RemoveAuction(ctx, 404))
	})
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("buy-now order reopens the auction at the remaining bid", func(t *testing.T) {
		svc, conns, sink := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSoldByBuyNow
			a.CurrentPrice = 500_000
		})
		seedBid(t, conns, a.ID, 20, 13_000, entity.BidActive)
		o := seedOrder(t, conns, a, 30, entity.OrderKindBuyNow, entity.OrderPending)

		require.NoError(t, svc.CancelOrder(ctx, o.ID, ""))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, entity.AuctionActive, got.Status)
		assert.Equal(t, int64(13_000), got.CurrentPrice)
		assert.Equal(t, 1, got.RecoveryCount)
		assert.False(t, got.BuyNowDisabled)
		assert.True(t, got.EndAt.After(time.Now().UTC()), "elapsed end time gets a fresh window")

		var order entity.Order
		require.NoError(t, conns.Reader.NewSelect().Model(&order).Where("id = ?", o.ID).Scan(ctx))
		assert.Equal(t, entity.OrderCancelled, order.Status)

		assert.Equal(t, []string{"auction.recovered", "order.cancelled"}, sink.types())
		cancelled := sink.events[1].Payload.(OrderCancelledEvent)
		assert.Equal(t, ReasonBuyNowTimeout, cancelled.Reason)
	})

	t.Run("buy-now order without bids restores the start price", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSoldByBuyNow
			a.CurrentPrice = 500_000
		})
		o := seedOrder(t, conns, a, 30, entity.OrderKindBuyNow, entity.OrderPending)

		require.NoError(t, svc.CancelOrder(ctx, o.ID, ""))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, int64(10_000), got.CurrentPrice)
	})

	t.Run("third recovery trips the breaker", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSoldByBuyNow
			a.CurrentPrice = 500_000
			a.RecoveryCount = 2
		})
		o := seedOrder(t, conns, a, 30, entity.OrderKindBuyNow, entity.OrderPending)

		require.NoError(t, svc.CancelOrder(ctx, o.ID, ""))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, 3, got.RecoveryCount)
		assert.True(t, got.BuyNowDisabled)
	})

	t.Run("auctioned sale fails for good", func(t *testing.T) {
		svc, conns, sink := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSold
			a.CurrentPrice = 15_000
		})
		o := seedOrder(t, conns, a, 21, entity.OrderKindAuction, entity.OrderPending)

		require.NoError(t, svc.CancelOrder(ctx, o.ID, ""))

		got := reloadAuction(t, conns, a.ID)
		assert.Equal(t, entity.AuctionFailed, got.Status)

		assert.Equal(t, []string{"order.cancelled"}, sink.types())
		cancelled := sink.events[0].Payload.(OrderCancelledEvent)
		assert.Equal(t, ReasonPaymentTimeout, cancelled.Reason)
	})

	t.Run("cancelled order rejected", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSoldByBuyNow
		})
		o := seedOrder(t, conns, a, 30, entity.OrderKindBuyNow, entity.OrderCancelled)

		err := svc.CancelOrder(ctx, o.ID, "")
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeOrderNotPending))
	})

	t.Run("completed order requires the refund reason", func(t *testing.T) {
		svc, conns, _ := newTestService(t)
		a := seedAuction(t, conns, func(a *entity.Auction) {
			a.Status = entity.AuctionSold
		})
		o := seedOrder(t, conns, a, 21, entity.OrderKindAuction, entity.OrderCompleted)

		err := svc.CancelOrder(ctx, o.ID, "")
		require.Error(t, err)
		assert.True(t, errorbank.HasCode(err, CodeOrderNotPending))

		require.NoError(t, svc.CancelOrder(ctx, o.ID, ReasonRefund))
		assert.Equal(t, entity.AuctionFailed, reloadAuction(t, conns, a.ID).Status)
	})
}

func TestCancelExpiredOrders(t *testing.T) {
	ctx := context.Background()
	svc, conns, _ := newTestService(t)

	a := seedAuction(t, conns, func(a *entity.Auction) {
		a.Status = entity.AuctionSoldByBuyNow
		a.CurrentPrice = 500_000
	})
	o := seedOrder(t, conns, a, 30, entity.OrderKindBuyNow, entity.OrderPending)
	_, err := conns.Writer.NewUpdate().Model((*entity.Order)(nil)).
		Set("created_at = ?", time.Now().UTC().Add(-48*time.Hour)).
		Where("id = ?", o.ID).
		Exec(ctx)
	require.NoError(t, err)

	svc.CancelExpiredOrders(ctx)

	var order entity.Order
	require.NoError(t, conns.Reader.NewSelect().Model(&order).Where("id = ?", o.ID).Scan(ctx))
	assert.Equal(t, entity.OrderCancelled, order.Status)
	assert.Equal(t, entity.AuctionActive, reloadAuction(t, conns, a.ID).Status)
}
