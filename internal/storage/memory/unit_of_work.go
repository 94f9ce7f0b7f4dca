package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

var errUnitClosed = errors.New("unit of work already finished")

// lockSet hands out one exclusive lock per id.
type lockSet struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[int64]chan struct{})}
}

func (l *lockSet) get(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.locks[id]; !exists {
		l.locks[id] = make(chan struct{}, 1)
	}
	return l.locks[id]
}

func (l *lockSet) acquire(ctx context.Context, id int64) error {
	select {
	case l.get(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for lock on %d: %w", storage.ErrUnavailable, id, ctx.Err())
	}
}

func (l *lockSet) release(id int64) {
	<-l.get(id)
}

// unitOfWork stages copies of every row it touches and publishes them to the
// store only on Commit.
type unitOfWork struct {
	store *Store

	heldAccounts []int64
	heldTxs      []int64

	accounts     map[int64]*models.Account
	transactions map[int64]*models.Transaction
	created      []int64
	done         bool
}

func (u *unitOfWork) holdsAccount(id int64) bool {
	for _, held := range u.heldAccounts {
		if held == id {
			return true
		}
	}
	return false
}

func (u *unitOfWork) holdsTransaction(id int64) bool {
	for _, held := range u.heldTxs {
		if held == id {
			return true
		}
	}
	return false
}

// owns reports whether id was created here or is locked by this unit of work.
func (u *unitOfWork) owns(id int64) bool {
	for _, created := range u.created {
		if created == id {
			return true
		}
	}
	return u.holdsTransaction(id)
}

func (u *unitOfWork) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	if u.done {
		return nil, errUnitClosed
	}
	if !u.holdsAccount(id) {
		if _, err := u.store.GetAccount(ctx, id); err != nil {
			return nil, err
		}
		if err := u.store.accountLocks.acquire(ctx, id); err != nil {
			return nil, err
		}
		u.heldAccounts = append(u.heldAccounts, id)
	}

	// Re-read after acquiring: the balance may have moved while we waited.
	account, ok := u.accounts[id]
	if !ok {
		current, err := u.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		account = current
		u.accounts[id] = account
	}
	c := *account
	return &c, nil
}

func (u *unitOfWork) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	if u.done {
		return nil, errUnitClosed
	}
	if !u.holdsTransaction(id) {
		if _, staged := u.transactions[id]; !staged {
			if _, err := u.store.GetTransaction(ctx, id); err != nil {
				return nil, err
			}
		}
		if err := u.store.txLocks.acquire(ctx, id); err != nil {
			return nil, err
		}
		u.heldTxs = append(u.heldTxs, id)
	}

	tx, err := u.stagedTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

func (u *unitOfWork) stagedTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	if tx, ok := u.transactions[id]; ok {
		return tx, nil
	}
	tx, err := u.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	u.transactions[id] = tx
	return tx, nil
}

func (u *unitOfWork) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if u.done {
		return errUnitClosed
	}

	u.store.mu.Lock()
	u.store.nextTx++
	tx.ID = u.store.nextTx
	tx.CreatedAt = u.store.now()
	u.store.mu.Unlock()

	u.transactions[tx.ID] = tx.Clone()
	u.created = append(u.created, tx.ID)
	return nil
}

func (u *unitOfWork) LinkTransactions(ctx context.Context, a, b int64) error {
	if u.done {
		return errUnitClosed
	}
	if !u.owns(a) || !u.owns(b) {
		return fmt.Errorf("link transactions %d and %d: rows are not locked by this unit of work", a, b)
	}
	first, err := u.stagedTransaction(ctx, a)
	if err != nil {
		return fmt.Errorf("link transactions %d and %d: %w", a, b, err)
	}
	second, err := u.stagedTransaction(ctx, b)
	if err != nil {
		return fmt.Errorf("link transactions %d and %d: %w", a, b, err)
	}
	first.RelatedTransactionID = models.Ref(b)
	second.RelatedTransactionID = models.Ref(a)
	return nil
}

func (u *unitOfWork) UpdateAccountBalance(ctx context.Context, account *models.Account, newBalance int64) error {
	if u.done {
		return errUnitClosed
	}
	staged, ok := u.accounts[account.ID]
	if !ok || !u.holdsAccount(account.ID) {
		return fmt.Errorf("account %d is not locked by this unit of work", account.ID)
	}
	if staged.Version != account.Version {
		return fmt.Errorf("optimistic lock failed for account %d", account.ID)
	}

	staged.Balance = newBalance
	staged.Version++
	staged.UpdatedAt = u.store.now()

	account.Balance = staged.Balance
	account.Version = staged.Version
	account.UpdatedAt = staged.UpdatedAt
	return nil
}

func (u *unitOfWork) UpdateTransactionStatus(ctx context.Context, id int64, from, to models.TransactionStatus) error {
	if u.done {
		return errUnitClosed
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("transaction %d: illegal status change %s -> %s", id, from, to)
	}
	if !u.owns(id) {
		return fmt.Errorf("transaction %d is not locked by this unit of work", id)
	}
	tx, err := u.stagedTransaction(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != from {
		return fmt.Errorf("transaction %d: %w", id, storage.ErrStatusConflict)
	}
	tx.Status = to
	return nil
}

// SumAccountTransactions sums committed rows with this unit's staged rows
// laid over them.
func (u *unitOfWork) SumAccountTransactions(ctx context.Context, accountID int64) (int64, error) {
	if u.done {
		return 0, errUnitClosed
	}

	var sum int64
	add := func(tx *models.Transaction) {
		if tx.AccountID == accountID && tx.Status != models.StatusCanceled {
			sum += tx.Amount
		}
	}

	u.store.mu.Lock()
	for id, tx := range u.store.transactions {
		if _, staged := u.transactions[id]; !staged {
			add(tx)
		}
	}
	u.store.mu.Unlock()

	for _, tx := range u.transactions {
		add(tx)
	}
	return sum, nil
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return errUnitClosed
	}

	u.store.mu.Lock()
	for id, account := range u.accounts {
		u.store.accounts[id] = account
	}
	for id, tx := range u.transactions {
		u.store.transactions[id] = tx
	}
	u.store.mu.Unlock()

	u.finish()
	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.finish()
	return nil
}

func (u *unitOfWork) finish() {
	u.done = true
	for _, id := range u.heldTxs {
		u.store.txLocks.release(id)
	}
	for _, id := range u.heldAccounts {
		u.store.accountLocks.release(id)
	}
	u.heldAccounts = nil
	u.heldTxs = nil
	u.accounts = nil
	u.transactions = nil
}
