package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/ruralpay/ledger/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStatusConflict      = errors.New("transaction status changed concurrently")
	// ErrUnavailable marks transient failures: lock timeouts, deadlocks,
	// lost connections. The whole operation may be retried.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the persistent side of the ledger.
type Store interface {
	// Begin opens a unit of work. Callers must end it with Commit or Rollback.
	Begin(ctx context.Context) (UnitOfWork, error)

	CreateAccount(ctx context.Context) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	// ListTransactions returns newest first. limit <= 0 means no limit.
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]*models.Transaction, error)
}

// UnitOfWork is one all-or-nothing sequence of reads and writes. Locks taken
// through it are held until Commit or Rollback.
type UnitOfWork interface {
	// LockAccount blocks until it holds an exclusive lock on the account and
	// returns its current state. Use LockAccountsInOrder for more than one.
	LockAccount(ctx context.Context, id int64) (*models.Account, error)
	// LockTransaction returns the current state of the row under an exclusive lock.
	LockTransaction(ctx context.Context, id int64) (*models.Transaction, error)

	// CreateTransaction persists tx and fills in ID and CreatedAt.
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	// LinkTransactions points each row's related_transaction_id at the other.
	LinkTransactions(ctx context.Context, a, b int64) error
	UpdateAccountBalance(ctx context.Context, account *models.Account, newBalance int64) error
	// UpdateTransactionStatus is a compare-and-set; it fails with
	// ErrStatusConflict when the row is not in status from.
	UpdateTransactionStatus(ctx context.Context, id int64, from, to models.TransactionStatus) error
	// SumAccountTransactions sums amounts of the account's non-canceled rows
	// as this unit of work sees them.
	SumAccountTransactions(ctx context.Context, accountID int64) (int64, error)

	Commit() error
	// Rollback discards the unit of work. It is a no-op after Commit.
	Rollback() error
}

// LockAccountsInOrder locks every distinct id in ascending order so two units
// of work touching the same accounts can never wait on each other in a cycle.
func LockAccountsInOrder(ctx context.Context, uow UnitOfWork, ids ...int64) (map[int64]*models.Account, error) {
	ordered := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	locked := make(map[int64]*models.Account, len(ordered))
	for _, id := range ordered {
		account, err := uow.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}
