package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

// Store keeps accounts and transactions in memory. Row locks are per-id
// semaphores so a blocked LockAccount still honours context cancellation.
type Store struct {
	mu           sync.Mutex
	accounts     map[int64]*models.Account
	transactions map[int64]*models.Transaction
	nextAccount  int64
	nextTx       int64

	accountLocks *lockSet
	txLocks      *lockSet
	now          func() time.Time
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[int64]*models.Account),
		transactions: make(map[int64]*models.Transaction),
		accountLocks: newLockSet(),
		txLocks:      newLockSet(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SeedAccount inserts an account with an opening balance, bypassing the
// ledger. Intended for tests and local fixtures.
func (s *Store) SeedAccount(balance int64) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAccount++
	now := s.now()
	account := &models.Account{ID: s.nextAccount, Balance: balance, Version: 1, CreatedAt: now, UpdatedAt: now}
	s.accounts[account.ID] = account
	c := *account
	return &c
}

// SeedTransaction stores a row as-is, assigning an id when it has none.
// Intended for tests that need states the ledger itself never produces.
func (s *Store) SeedTransaction(tx *models.Transaction) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == 0 {
		s.nextTx++
		tx.ID = s.nextTx
	} else if tx.ID > s.nextTx {
		s.nextTx = tx.ID
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	s.transactions[tx.ID] = tx.Clone()
	return tx.Clone()
}

// TransactionCount returns how many rows the store holds.
func (s *Store) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return &unitOfWork{
		store:        s,
		accounts:     make(map[int64]*models.Account),
		transactions: make(map[int64]*models.Transaction),
	}, nil
}

func (s *Store) CreateAccount(ctx context.Context) (*models.Account, error) {
	return s.SeedAccount(0), nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, storage.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*models.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			res = append(res, tx.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

var _ storage.Store = (*Store)(nil)
