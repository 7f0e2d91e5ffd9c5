package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
	walletrepo "github.com/gavelworks/gavel/internal/repository/wallet"
	"github.com/gavelworks/gavel/internal/testdb"
)

func newTestService(t *testing.T) (*Service, *walletrepo.Repository, *database.Connections) {
	t.Helper()
	conns := testdb.New(t)
	r := walletrepo.NewRepository(conns)
	svc := NewService(Params{
		Repository: r,
		Logger:     zap.NewNop(),
	})
	return svc, r, conns
}

func seedWallet(t *testing.T, conns *database.Connections, owner Owner, balance int64) *entity.Wallet {
	t.Helper()
	w := &entity.Wallet{OwnerType: owner.Type, OwnerID: owner.ID, Balance: balance}
	_, err := conns.Writer.NewInsert().Model(w).Exec(context.Background())
	require.NoError(t, err)
	return w
}

func cashLogs(t *testing.T, r *walletrepo.Repository, walletID int64) []entity.CashLog {
	t.Helper()
	logs, err := r.CashLogs(context.Background(), walletID)
	require.NoError(t, err)
	return logs
}

func reload(t *testing.T, r *walletrepo.Repository, owner Owner) *entity.Wallet {
	t.Helper()
	w, err := r.GetByOwner(context.Background(), owner.Type, owner.ID)
	require.NoError(t, err)
	return w
}

func TestDebitAndCredit(t *testing.T) {
	ctx := context.Background()
	svc, r, conns := newTestService(t)
	owner := Owner{Type: entity.WalletOwnerUser, ID: 1}
	seedWallet(t, conns, owner, 1_000)

	w, err := svc.Debit(ctx, conns.Writer, owner, 600, "PAYMENT_APPROVED", "order", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(400), w.Balance)

	w, err = svc.Credit(ctx, conns.Writer, owner, 100, "PAYMENT_REFUNDED", "order", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)

	logs := cashLogs(t, r, w.ID)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(-600), logs[0].Amount)
	assert.Equal(t, int64(400), logs[0].Balance)
	assert.Equal(t, int64(100), logs[1].Amount)
	assert.Equal(t, int64(500), logs[1].Balance)
}

func TestDebitFailsClosed(t *testing.T) {
	ctx := context.Background()
	svc, r, conns := newTestService(t)
	owner := Owner{Type: entity.WalletOwnerUser, ID: 1}
	w := seedWallet(t, conns, owner, 1_000)

	_, err := svc.Debit(ctx, conns.Writer, owner, 600, "PAYMENT_APPROVED", "order", 1)
	require.NoError(t, err)

	_, err = svc.Debit(ctx, conns.Writer, owner, 600, "PAYMENT_APPROVED", "order", 2)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(400), reload(t, r, owner).Balance)

	// The rejected debit must not leave a journal row.
	assert.Len(t, cashLogs(t, r, w.ID), 1)
}

func TestConcurrentDebitsAdmitOne(t *testing.T) {
	ctx := context.Background()
	svc, r, conns := newTestService(t)
	owner := Owner{Type: entity.WalletOwnerUser, ID: 1}
	w := seedWallet(t, conns, owner, 1_000)

	// Each debit runs in its own transaction so the balance check happens
	// under the row lock, never against a stale read.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conns.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
				_, err := svc.Debit(ctx, tx, owner, 600, "PAYMENT_APPROVED", "order", int64(i))
				return err
			})
		}(i)
	}
	wg.Wait()

	var rejected int
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientBalance)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected, "exactly one debit may succeed")

	assert.Equal(t, int64(400), reload(t, r, owner).Balance)
	assert.Len(t, cashLogs(t, r, w.ID), 1)
}

func TestTransferConservesTotal(t *testing.T) {
	ctx := context.Background()
	svc, r, conns := newTestService(t)
	buyer := Owner{Type: entity.WalletOwnerUser, ID: 1}
	escrow := Owner{Type: entity.WalletOwnerEscrow, ID: 1}
	bw := seedWallet(t, conns, buyer, 100_000)
	ew := seedWallet(t, conns, escrow, 0)

	require.NoError(t, svc.Transfer(ctx, conns.Writer, buyer, escrow, 30_000, "PAYMENT_APPROVED", "order", 9))

	gotBuyer := reload(t, r, buyer)
	gotEscrow := reload(t, r, escrow)
	assert.Equal(t, int64(70_000), gotBuyer.Balance)
	assert.Equal(t, int64(30_000), gotEscrow.Balance)
	assert.Equal(t, int64(100_000), gotBuyer.Balance+gotEscrow.Balance)

	assert.Len(t, cashLogs(t, r, bw.ID), 1)
	assert.Len(t, cashLogs(t, r, ew.ID), 1)
}

func TestTransferInsufficientLeavesBothUntouched(t *testing.T) {
	ctx := context.Background()
	svc, r, conns := newTestService(t)
	buyer := Owner{Type: entity.WalletOwnerUser, ID: 1}
	escrow := Owner{Type: entity.WalletOwnerEscrow, ID: 1}
	seedWallet(t, conns, buyer, 10_000)
	seedWallet(t, conns, escrow, 0)

	err := svc.Transfer(ctx, conns.Writer, buyer, escrow, 30_000, "PAYMENT_APPROVED", "order", 9)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(0), reload(t, r, escrow).Balance)
}
