package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeAuction() *Auction {
	buyNow := int64(500_000)
	return &Auction{
		ID:            1,
		SellerID:      10,
		StartPrice:    10_000,
		BidUnit:       1_000,
		CurrentPrice:  10_000,
		BuyNowPrice:   &buyNow,
		BuyNowEnabled: true,
		Status:        AuctionActive,
		OpenAt:        time.Now().Add(-time.Hour),
		EndAt:         time.Now().Add(time.Hour),
	}
}

func TestAuctionLifecycleTransitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		prepare func() *Auction
		run     func(a *Auction) error
		wantErr error
		want    AuctionStatus
	}{
		{
			name: "start scheduled after open time",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionScheduled
				return a
			},
			run:  func(a *Auction) error { return a.Start(now) },
			want: AuctionActive,
		},
		{
			name: "start before open time rejected",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionScheduled
				a.OpenAt = now.Add(time.Hour)
				return a
			},
			run:     func(a *Auction) error { return a.Start(now) },
			wantErr: ErrInvalidTransition,
			want:    AuctionScheduled,
		},
		{
			name:    "start active rejected",
			prepare: activeAuction,
			run:     func(a *Auction) error { return a.Start(now) },
			wantErr: ErrInvalidTransition,
			want:    AuctionActive,
		},
		{
			name:    "close active",
			prepare: activeAuction,
			run:     func(a *Auction) error { return a.Close() },
			want:    AuctionEnded,
		},
		{
			name: "sell ended",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionEnded
				return a
			},
			run:  func(a *Auction) error { return a.Sell() },
			want: AuctionSold,
		},
		{
			name: "fail sold",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionSold
				return a
			},
			run:  func(a *Auction) error { return a.Fail() },
			want: AuctionFailed,
		},
		{
			name: "fail only applies to sold",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionSoldByBuyNow
				return a
			},
			run:     func(a *Auction) error { return a.Fail() },
			wantErr: ErrInvalidTransition,
			want:    AuctionSoldByBuyNow,
		},
		{
			name:    "cancel without bids",
			prepare: activeAuction,
			run:     func(a *Auction) error { return a.Cancel() },
			want:    AuctionCancelled,
		},
		{
			name: "cancel with bids rejected",
			prepare: func() *Auction {
				a := activeAuction()
				a.BidCount = 3
				return a
			},
			run:     func(a *Auction) error { return a.Cancel() },
			wantErr: ErrInvalidTransition,
			want:    AuctionActive,
		},
		{
			name: "buy now from ended rejected",
			prepare: func() *Auction {
				a := activeAuction()
				a.Status = AuctionEnded
				return a
			},
			run:     func(a *Auction) error { return a.ExecuteBuyNow() },
			wantErr: ErrInvalidTransition,
			want:    AuctionEnded,
		},
		{
			name: "buy now without offer rejected",
			prepare: func() *Auction {
				a := activeAuction()
				a.BuyNowEnabled = false
				return a
			},
			run:     func(a *Auction) error { return a.ExecuteBuyNow() },
			wantErr: ErrInvalidTransition,
			want:    AuctionActive,
		},
		{
			name: "buy now disabled by breaker",
			prepare: func() *Auction {
				a := activeAuction()
				a.BuyNowDisabled = true
				return a
			},
			run:     func(a *Auction) error { return a.ExecuteBuyNow() },
			wantErr: ErrBuyNowDisabledByPolicy,
			want:    AuctionActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.prepare()
			err := tt.run(a)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, a.Status)
		})
	}
}

func TestAuctionExecuteBuyNowSetsPrice(t *testing.T) {
	a := activeAuction()
	a.CurrentPrice = 42_000

	require.NoError(t, a.ExecuteBuyNow())
	assert.Equal(t, AuctionSoldByBuyNow, a.Status)
	assert.Equal(t, int64(500_000), a.CurrentPrice)
}

func TestAuctionExtend(t *testing.T) {
	a := activeAuction()
	end := a.EndAt

	require.NoError(t, a.Extend(5*time.Minute, 2))
	require.NoError(t, a.Extend(5*time.Minute, 2))
	assert.Equal(t, end.Add(10*time.Minute), a.EndAt)
	assert.Equal(t, 2, a.ExtensionCount)

	err := a.Extend(5*time.Minute, 2)
	require.ErrorIs(t, err, ErrExtensionLimit)
	assert.Equal(t, end.Add(10*time.Minute), a.EndAt)
}

func TestAuctionRecoverFromBuyNowFailure(t *testing.T) {
	now := time.Now()

	t.Run("restores price and keeps a future end time", func(t *testing.T) {
		a := activeAuction()
		require.NoError(t, a.ExecuteBuyNow())
		end := a.EndAt

		require.NoError(t, a.RecoverFromBuyNowFailure(13_000, 5*time.Minute, 3, now))
		assert.Equal(t, AuctionActive, a.Status)
		assert.Equal(t, int64(13_000), a.CurrentPrice)
		assert.Equal(t, end, a.EndAt)
		assert.Equal(t, 1, a.RecoveryCount)
		assert.False(t, a.BuyNowDisabled)
	})

	t.Run("grants a fresh window when the end has elapsed", func(t *testing.T) {
		a := activeAuction()
		a.EndAt = now.Add(-time.Minute)
		require.NoError(t, a.ExecuteBuyNow())

		require.NoError(t, a.RecoverFromBuyNowFailure(10_000, 5*time.Minute, 3, now))
		assert.Equal(t, now.Add(5*time.Minute), a.EndAt)
	})

	t.Run("trips the breaker at the recovery limit", func(t *testing.T) {
		a := activeAuction()
		for i := 0; i < 3; i++ {
			require.NoError(t, a.ExecuteBuyNow())
			require.NoError(t, a.RecoverFromBuyNowFailure(10_000, 5*time.Minute, 3, now))
		}
		assert.Equal(t, 3, a.RecoveryCount)
		assert.True(t, a.BuyNowDisabled)

		err := a.ExecuteBuyNow()
		require.ErrorIs(t, err, ErrBuyNowDisabledByPolicy)
	})

	t.Run("only applies after a buy-now sale", func(t *testing.T) {
		a := activeAuction()
		err := a.RecoverFromBuyNowFailure(10_000, 5*time.Minute, 3, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}
