package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage/postgres"
)

var (
	accountRows     = []string{"id", "balance", "version", "created_at", "updated_at"}
	transactionRows = []string{"id", "account_id", "related_account_id", "related_transaction_id", "type", "amount", "status", "created_at"}
)

const (
	selectAccount  = "SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = \\$1$"
	lockAccount    = "SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = \\$1 FOR UPDATE"
	selectTx       = "SELECT id, account_id, related_account_id, related_transaction_id, type, amount, status, created_at FROM transactions WHERE id = \\$1$"
	lockTx         = "SELECT id, account_id, related_account_id, related_transaction_id, type, amount, status, created_at FROM transactions WHERE id = \\$1 FOR UPDATE"
	insertTx       = "INSERT INTO transactions"
	linkTx         = "UPDATE transactions SET related_transaction_id"
	updateBalance  = "UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4"
	updateTxStatus = "UPDATE transactions SET status = \\$1 WHERE id = \\$2 AND status = \\$3"
	sumTx          = "SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE account_id = \\$1 AND status <> \\$2"
)

func TestLedgerService_Transfer_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(postgres.NewStore(db, 0))
	ctx := context.Background()

	t.Run("successful transfer", func(t *testing.T) {
		amount := int64(1000)

		mock.ExpectQuery(selectAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 5000, 1, time.Now(), time.Now()))

		mock.ExpectBegin()

		// Lock sender then receiver, ascending ids
		mock.ExpectQuery(lockAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 5000, 1, time.Now(), time.Now()))
		mock.ExpectQuery(lockAccount).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(2, 2000, 4, time.Now(), time.Now()))

		// Debit and credit legs
		mock.ExpectQuery(insertTx).
			WithArgs(int64(1), int64(2), nil, "transfer_sent", -amount, "completed", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectQuery(insertTx).
			WithArgs(int64(2), int64(1), nil, "transfer_received", amount, "completed", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectExec(linkTx).
			WithArgs(int64(10), int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 2))

		mock.ExpectExec(updateBalance).
			WithArgs(int64(4000), sqlmock.AnyArg(), int64(1), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(updateBalance).
			WithArgs(int64(3000), sqlmock.AnyArg(), int64(2), int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		sent, received, err := service.Transfer(ctx, 1, 2, amount)
		require.NoError(t, err)
		assert.Equal(t, int64(10), sent.ID)
		assert.Equal(t, int64(11), *sent.RelatedTransactionID)
		assert.Equal(t, int64(10), *received.RelatedTransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance before locking", func(t *testing.T) {
		mock.ExpectQuery(selectAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 5000, 1, time.Now(), time.Now()))

		_, _, err := service.Transfer(ctx, 1, 2, 6000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance drained while waiting for the lock", func(t *testing.T) {
		mock.ExpectQuery(selectAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 5000, 1, time.Now(), time.Now()))

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 500, 2, time.Now(), time.Now()))
		mock.ExpectQuery(lockAccount).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(2, 2000, 4, time.Now(), time.Now()))
		mock.ExpectRollback()

		_, _, err := service.Transfer(ctx, 1, 2, 1000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock is reported as storage unavailable", func(t *testing.T) {
		mock.ExpectQuery(selectAccount).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 5000, 1, time.Now(), time.Now()))

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccount).
			WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectRollback()

		_, _, err := service.Transfer(ctx, 1, 2, 1000)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ReverseDeposit_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(postgres.NewStore(db, 0))
	ctx := context.Background()

	mock.ExpectQuery(selectTx).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transactionRows).AddRow(5, 1, nil, nil, "deposit", 500, "completed", time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccount).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 800, 2, time.Now(), time.Now()))
	mock.ExpectQuery(lockTx).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transactionRows).AddRow(5, 1, nil, nil, "deposit", 500, "completed", time.Now()))
	mock.ExpectQuery(insertTx).
		WithArgs(int64(1), nil, int64(5), "reversal", int64(-500), "completed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(6))
	mock.ExpectExec(updateBalance).
		WithArgs(int64(300), sqlmock.AnyArg(), int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateTxStatus).
		WithArgs("reversed", int64(5), "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := service.Reverse(ctx, 5)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, models.TypeReversal, created[0].Type)
	assert.Equal(t, int64(-500), created[0].Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_ReverseLostRace_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(postgres.NewStore(db, 0))

	// The first read sees a completed deposit, the locked read does not.
	mock.ExpectQuery(selectTx).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transactionRows).AddRow(5, 1, nil, nil, "deposit", 500, "completed", time.Now()))
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccount).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 300, 3, time.Now(), time.Now()))
	mock.ExpectQuery(lockTx).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transactionRows).AddRow(5, 1, nil, nil, "deposit", 500, "reversed", time.Now()))
	mock.ExpectRollback()

	_, err = service.Reverse(context.Background(), 5)
	assert.ErrorIs(t, err, ErrAlreadyReversed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_Reconcile_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Everything Reconcile reads must go through the connection its unit
	// of work already holds.
	db.SetMaxOpenConns(1)

	service := NewLedgerService(postgres.NewStore(db, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccount).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountRows).AddRow(1, 1200, 3, time.Now(), time.Now()))
	mock.ExpectQuery(sumTx).
		WithArgs(int64(1), "canceled").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1200))
	mock.ExpectCommit()

	require.NoError(t, service.Reconcile(ctx, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
