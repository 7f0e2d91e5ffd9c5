package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// WalletOwnerType distinguishes user wallets from system-held accounts.
type WalletOwnerType string

const (
	WalletOwnerUser     WalletOwnerType = "USER"
	WalletOwnerEscrow   WalletOwnerType = "ESCROW"
	WalletOwnerPlatform WalletOwnerType = "PLATFORM"
)

// Wallet holds one principal's balance in integer minor currency units.
// Balance never goes negative; every mutation writes exactly one CashLog row
// inside the same transaction, under the wallet's row lock.
type Wallet struct {
	bun.BaseModel `bun:"table:wallets"`

	ID        int64           `bun:",pk,autoincrement"`
	OwnerType WalletOwnerType `bun:"owner_type"`
	OwnerID   int64           `bun:"owner_id"`
	Balance   int64           `bun:"balance"`
	CreatedAt time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `bun:"updated_at,nullzero"`
}

// CashLog is the append-only journal of wallet balance mutations. Amount is
// signed (credits positive, debits negative); Balance records the resulting
// balance after the mutation.
type CashLog struct {
	bun.BaseModel `bun:"table:cash_logs"`

	ID        int64     `bun:",pk,autoincrement"`
	WalletID  int64     `bun:"wallet_id"`
	EventType string    `bun:"event_type"`
	RefType   string    `bun:"ref_type"`
	RefID     int64     `bun:"ref_id"`
	Amount    int64     `bun:"amount"`
	Balance   int64     `bun:"balance"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}
