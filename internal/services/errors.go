package services

import (
	"errors"
	"fmt"

	"github.com/ruralpay/ledger/internal/storage"
)

// Error kinds returned by LedgerService. Callers match them with errors.Is and
// decide how to present them.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrUnsupportedReversal = errors.New("reversal transactions cannot be reversed")
	ErrMissingCounterpart  = errors.New("transfer counterpart missing")
	ErrStorageUnavailable  = storage.ErrUnavailable
	ErrAccountNotFound     = storage.ErrAccountNotFound
	ErrTransactionNotFound = storage.ErrTransactionNotFound
	ErrBalanceMismatch     = errors.New("account balance does not match its transactions")

	// ErrTransactionCanceled matches ErrAlreadyReversed as well.
	ErrTransactionCanceled = fmt.Errorf("%w: transaction is canceled", ErrAlreadyReversed)
)

func missingCounterpart(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissingCounterpart, fmt.Sprintf(format, args...))
}
