package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

const transactionColumns = `id, account_id, related_account_id, related_transaction_id, type, amount, status, created_at`

// Store is the postgres implementation of storage.Store.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	now         func() time.Time
}

func NewStore(db *sql.DB, lockTimeout time.Duration) *Store {
	return &Store{
		db:          db,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin unit of work: %w", err))
	}

	// Bound how long FOR UPDATE may wait, for this transaction only.
	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			err = classify(fmt.Errorf("set lock timeout: %w", err))
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return nil, err
		}
	}

	return &unitOfWork{tx: tx, now: s.now}, nil
}

func (s *Store) CreateAccount(ctx context.Context) (*models.Account, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (balance, version, created_at, updated_at)
		VALUES (0, 1, $1, $1)
		RETURNING id, balance, version, created_at, updated_at`, now)

	account, err := scanAccount(row)
	if err != nil {
		return nil, classify(fmt.Errorf("create account: %w", err))
	}
	return account, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get account %d: %w", id, err))
	}
	return account, nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get transaction %d: %w", id, err))
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list transactions for account %d: %w", accountID, err))
	}
	defer rows.Close()

	var res []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, classify(err)
		}
		res = append(res, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

type unitOfWork struct {
	tx  *sql.Tx
	now func() time.Time
}

func (u *unitOfWork) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	row := u.tx.QueryRowContext(ctx, `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("lock account %d: %w", id, err))
	}
	return account, nil
}

func (u *unitOfWork) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	row := u.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("lock transaction %d: %w", id, err))
	}
	return tx, nil
}

func (u *unitOfWork) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	createdAt := u.now()
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (account_id, related_account_id, related_transaction_id, type, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		tx.AccountID, nullInt64(tx.RelatedAccountID), nullInt64(tx.RelatedTransactionID),
		string(tx.Type), tx.Amount, string(tx.Status), createdAt).Scan(&tx.ID)
	if err != nil {
		return classify(fmt.Errorf("insert %s transaction: %w", tx.Type, err))
	}
	tx.CreatedAt = createdAt
	return nil
}

func (u *unitOfWork) LinkTransactions(ctx context.Context, a, b int64) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE transactions
		SET related_transaction_id = CASE WHEN id = $1 THEN $2::bigint ELSE $1::bigint END
		WHERE id IN ($1, $2)`, a, b)
	if err != nil {
		return classify(fmt.Errorf("link transactions %d and %d: %w", a, b, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if rowsAffected != 2 {
		return fmt.Errorf("link transactions %d and %d: %w", a, b, storage.ErrTransactionNotFound)
	}
	return nil
}

func (u *unitOfWork) UpdateAccountBalance(ctx context.Context, account *models.Account, newBalance int64) error {
	now := u.now()
	result, err := u.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, account.ID, account.Version)
	if err != nil {
		return classify(fmt.Errorf("update balance of account %d: %w", account.ID, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(err)
	}

	// The row is locked, so a version miss means it was never locked here.
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %d", account.ID)
	}

	account.Balance = newBalance
	account.Version++
	account.UpdatedAt = now
	return nil
}

func (u *unitOfWork) UpdateTransactionStatus(ctx context.Context, id int64, from, to models.TransactionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("transaction %d: illegal status change %s -> %s", id, from, to)
	}
	result, err := u.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return classify(fmt.Errorf("update status of transaction %d: %w", id, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transaction %d: %w", id, storage.ErrStatusConflict)
	}
	return nil
}

func (u *unitOfWork) SumAccountTransactions(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := u.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE account_id = $1 AND status <> $2`,
		accountID, string(models.StatusCanceled)).Scan(&sum)
	if err != nil {
		return 0, classify(fmt.Errorf("sum transactions for account %d: %w", accountID, err))
	}
	return sum, nil
}

func (u *unitOfWork) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (u *unitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

var _ storage.Store = (*Store)(nil)
