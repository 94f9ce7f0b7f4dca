package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

func TestStore_CommitPublishesStagedRows(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(100)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)

	locked, err := uow.LockAccount(ctx, account.ID)
	require.NoError(t, err)

	deposit := &models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 50, Status: models.StatusCompleted}
	require.NoError(t, uow.CreateTransaction(ctx, deposit))
	assert.NotZero(t, deposit.ID)
	assert.False(t, deposit.CreatedAt.IsZero())
	require.NoError(t, uow.UpdateAccountBalance(ctx, locked, 150))
	assert.Equal(t, 2, locked.Version)

	// Nothing is visible before commit.
	current, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.Balance)
	_, err = store.GetTransaction(ctx, deposit.ID)
	assert.ErrorIs(t, err, storage.ErrTransactionNotFound)

	require.NoError(t, uow.Commit())
	assert.NoError(t, uow.Rollback())

	current, err = store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), current.Balance)
	stored, err := store.GetTransaction(ctx, deposit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), stored.Amount)
}

func TestStore_RollbackDiscardsStagedRows(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(100)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	locked, err := uow.LockAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NoError(t, uow.CreateTransaction(ctx, &models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 50, Status: models.StatusCompleted}))
	require.NoError(t, uow.UpdateAccountBalance(ctx, locked, 150))
	require.NoError(t, uow.Rollback())

	current, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.Balance)
	assert.Equal(t, 0, store.TransactionCount())

	// The lock was released.
	next, err := store.Begin(ctx)
	require.NoError(t, err)
	defer next.Rollback()
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = next.LockAccount(lockCtx, account.ID)
	assert.NoError(t, err)

	_, err = uow.LockAccount(ctx, account.ID)
	assert.ErrorIs(t, err, errUnitClosed)
}

func TestStore_LockWaitHonoursContext(t *testing.T) {
	store := NewStore()
	account := store.SeedAccount(0)

	holder, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockAccount(context.Background(), account.ID)
	require.NoError(t, err)
	defer holder.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waiter, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer waiter.Rollback()

	_, err = waiter.LockAccount(ctx, account.ID)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_UnknownRows(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	_, err = uow.LockAccount(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
	_, err = uow.LockTransaction(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrTransactionNotFound)
}

func TestStore_WritesRequireOwnership(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(100)
	seeded := store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 100, Status: models.StatusCompleted})

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	err = uow.UpdateAccountBalance(ctx, account, 0)
	assert.Error(t, err)

	err = uow.UpdateTransactionStatus(ctx, seeded.ID, models.StatusCompleted, models.StatusReversed)
	assert.Error(t, err)

	created := &models.Transaction{AccountID: account.ID, Type: models.TypeReversal, Amount: -100, Status: models.StatusCompleted}
	require.NoError(t, uow.CreateTransaction(ctx, created))
	assert.Error(t, uow.LinkTransactions(ctx, created.ID, seeded.ID))

	_, err = uow.LockTransaction(ctx, seeded.ID)
	require.NoError(t, err)
	assert.NoError(t, uow.LinkTransactions(ctx, created.ID, seeded.ID))
	assert.NoError(t, uow.UpdateTransactionStatus(ctx, seeded.ID, models.StatusCompleted, models.StatusReversed))
}

func TestStore_UpdateTransactionStatusConflict(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(0)
	seeded := store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 10, Status: models.StatusReversed})

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	_, err = uow.LockTransaction(ctx, seeded.ID)
	require.NoError(t, err)

	err = uow.UpdateTransactionStatus(ctx, seeded.ID, models.StatusCompleted, models.StatusReversed)
	assert.ErrorIs(t, err, storage.ErrStatusConflict)

	err = uow.UpdateTransactionStatus(ctx, seeded.ID, models.StatusReversed, models.StatusCompleted)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrStatusConflict)
}

func TestStore_OptimisticVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(100)

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	locked, err := uow.LockAccount(ctx, account.ID)
	require.NoError(t, err)
	stale := *locked
	require.NoError(t, uow.UpdateAccountBalance(ctx, locked, 90))

	err = uow.UpdateAccountBalance(ctx, &stale, 80)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "optimistic lock failed")
}

func TestStore_ListTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	account := store.SeedAccount(0)
	other := store.SeedAccount(0)

	store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 1, Status: models.StatusCompleted, CreatedAt: base})
	store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 2, Status: models.StatusCompleted, CreatedAt: base.Add(time.Minute)})
	store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 3, Status: models.StatusCanceled, CreatedAt: base.Add(time.Minute)})
	store.SeedTransaction(&models.Transaction{AccountID: other.ID, Type: models.TypeDeposit, Amount: 4, Status: models.StatusCompleted, CreatedAt: base})

	txs, err := store.ListTransactions(ctx, account.ID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{txs[0].Amount, txs[1].Amount, txs[2].Amount})

	txs, err = store.ListTransactions(ctx, account.ID, 2)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestUnitOfWork_SumAccountTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	account := store.SeedAccount(0)
	other := store.SeedAccount(0)

	deposit := store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 100, Status: models.StatusCompleted})
	store.SeedTransaction(&models.Transaction{AccountID: account.ID, Type: models.TypeDeposit, Amount: 40, Status: models.StatusCanceled})
	store.SeedTransaction(&models.Transaction{AccountID: other.ID, Type: models.TypeDeposit, Amount: 7, Status: models.StatusCompleted})

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	sum, err := uow.SumAccountTransactions(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)

	// Staged rows count, committed rows stay untouched.
	_, err = uow.LockTransaction(ctx, deposit.ID)
	require.NoError(t, err)
	require.NoError(t, uow.UpdateTransactionStatus(ctx, deposit.ID, models.StatusCompleted, models.StatusReversed))
	require.NoError(t, uow.CreateTransaction(ctx, &models.Transaction{
		AccountID:            account.ID,
		RelatedTransactionID: models.Ref(deposit.ID),
		Type:                 models.TypeReversal,
		Amount:               -100,
		Status:               models.StatusCompleted,
	}))

	sum, err = uow.SumAccountTransactions(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	require.NoError(t, uow.Rollback())
	_, err = uow.SumAccountTransactions(ctx, account.ID)
	assert.Error(t, err)
}

func TestStore_BeginWithCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStore().Begin(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
