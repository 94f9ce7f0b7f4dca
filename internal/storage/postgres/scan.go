package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t          models.Transaction
		relatedAcc sql.NullInt64
		relatedTx  sql.NullInt64
		txType     string
		txStatus   string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &relatedAcc, &relatedTx, &txType, &t.Amount, &txStatus, &t.CreatedAt); err != nil {
		return nil, err
	}
	if relatedAcc.Valid {
		t.RelatedAccountID = models.Ref(relatedAcc.Int64)
	}
	if relatedTx.Valid {
		t.RelatedTransactionID = models.Ref(relatedTx.Int64)
	}
	t.Type = models.TransactionType(txType)
	t.Status = models.TransactionStatus(txStatus)
	if !t.Type.Valid() || !t.Status.Valid() {
		return nil, fmt.Errorf("transaction %d has type %q and status %q", t.ID, txType, txStatus)
	}
	return &t, nil
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Postgres error codes that mean "try again later" rather than "wrong input".
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement/lock timeout)
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

// classify tags transient driver failures with storage.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		if transientCodes[pqErr.Code] || pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}
