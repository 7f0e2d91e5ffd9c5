package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
)

// Module exposes the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Wallets seeds the system escrow and platform accounts plus a few funded
// demo users. Required before any payment can confirm.
func (s *Seeder) Wallets(ctx context.Context) error {
	samples := []entity.Wallet{
		{OwnerType: entity.WalletOwnerEscrow, OwnerID: 1, Balance: 0},
		{OwnerType: entity.WalletOwnerPlatform, OwnerID: 1, Balance: 0},
		{OwnerType: entity.WalletOwnerUser, OwnerID: 1, Balance: 5_000_000},
		{OwnerType: entity.WalletOwnerUser, OwnerID: 2, Balance: 5_000_000},
		{OwnerType: entity.WalletOwnerUser, OwnerID: 3, Balance: 1_000_000},
	}

	for _, sample := range samples {
		w := sample
		_, err := s.db.NewInsert().Model(&w).
			On("CONFLICT (owner_type, owner_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded wallets", zap.Int("count", len(samples)))
	}
	return nil
}

// Auctions seeds a handful of demo listings if they are missing.
func (s *Seeder) Auctions(ctx context.Context) error {
	now := time.Now().UTC()
	buyNow := int64(500_000)

	samples := []entity.Auction{
		{
			SellerID:     1,
			Title:        "Vintage mechanical keyboard",
			Description:  "Cherry switches, fully restored",
			Category:     "electronics",
			StartPrice:   10_000,
			BidUnit:      1_000,
			CurrentPrice: 10_000,
			Status:       entity.AuctionActive,
			OpenAt:       now.Add(-time.Hour),
			EndAt:        now.Add(48 * time.Hour),
		},
		{
			SellerID:      2,
			Title:         "Film camera with 50mm lens",
			Description:   "Light meter works, includes strap",
			Category:      "photography",
			StartPrice:    50_000,
			BidUnit:       5_000,
			BuyNowPrice:   &buyNow,
			BuyNowEnabled: true,
			CurrentPrice:  50_000,
			Status:        entity.AuctionActive,
			OpenAt:        now.Add(-time.Hour),
			EndAt:         now.Add(72 * time.Hour),
		},
		{
			SellerID:     2,
			Title:        "First edition paperback set",
			Description:  "Three volumes, light shelf wear",
			Category:     "books",
			StartPrice:   20_000,
			BidUnit:      2_000,
			CurrentPrice: 20_000,
			Status:       entity.AuctionScheduled,
			OpenAt:       now.Add(24 * time.Hour),
			EndAt:        now.Add(96 * time.Hour),
		},
	}

	for _, sample := range samples {
		a := sample
		exists, err := s.db.NewSelect().Model((*entity.Auction)(nil)).
			Where("seller_id = ?", a.SellerID).
			Where("title = ?", a.Title).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.NewInsert().Model(&a).Exec(ctx); err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded auctions", zap.Int("count", len(samples)))
	}
	return nil
}

// All runs every seeder in dependency order.
func (s *Seeder) All(ctx context.Context) error {
	if err := s.Wallets(ctx); err != nil {
		return err
	}
	return s.Auctions(ctx)
}
