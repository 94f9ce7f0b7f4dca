package services

import (
	"context"
	"errors"
	"sort"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

// reversal undoes one original transaction inside a single unit of work.
// It implements models.TypeVisitor, so a new transaction type will not
// compile until it gets a branch here.
type reversal struct {
	ctx      context.Context
	uow      storage.UnitOfWork
	service  *LedgerService
	original *models.Transaction
	created  []*models.Transaction
}

var _ models.TypeVisitor = (*reversal)(nil)

func (r *reversal) VisitReversal() error {
	return ErrUnsupportedReversal
}

func (r *reversal) VisitDeposit() error {
	locked, err := storage.LockAccountsInOrder(r.ctx, r.uow, r.original.AccountID)
	if err != nil {
		return err
	}
	account := locked[r.original.AccountID]

	// Status may have changed between the first read and the lock.
	current, err := r.uow.LockTransaction(r.ctx, r.original.ID)
	if err != nil {
		return err
	}
	if err := checkReversible(current); err != nil {
		return err
	}

	amount := current.Magnitude()
	if err := assertPositiveAmount(amount); err != nil {
		return err
	}
	if err := checkBalance(account, amount); err != nil {
		return err
	}

	reversalTx := &models.Transaction{
		AccountID:            account.ID,
		RelatedTransactionID: models.Ref(current.ID),
		Type:                 models.TypeReversal,
		Amount:               -amount,
		Status:               models.StatusCompleted,
	}
	if err := r.uow.CreateTransaction(r.ctx, reversalTx); err != nil {
		return err
	}
	if err := r.uow.UpdateAccountBalance(r.ctx, account, account.Balance-amount); err != nil {
		return err
	}
	if err := r.uow.UpdateTransactionStatus(r.ctx, current.ID, models.StatusCompleted, models.StatusReversed); err != nil {
		return statusConflict(err)
	}

	r.created = append(r.created, reversalTx)
	return nil
}

func (r *reversal) VisitTransferSent() error {
	return r.reverseTransfer(models.TypeTransferReceived)
}

func (r *reversal) VisitTransferReceived() error {
	return r.reverseTransfer(models.TypeTransferSent)
}

// reverseTransfer reverses both legs of the transfer the original belongs to.
// pairType is the type the other leg must have.
func (r *reversal) reverseTransfer(pairType models.TransactionType) error {
	leg := r.original

	counterpartAccount, ok := leg.RelatedAccount()
	if !ok {
		return missingCounterpart("transaction %d has no related account", leg.ID)
	}
	pairID, ok := leg.RelatedTransaction()
	if !ok {
		return missingCounterpart("transaction %d has no related transaction", leg.ID)
	}

	locked, err := r.lockAccountsInOrder(leg.AccountID, counterpartAccount)
	if err != nil {
		return err
	}

	rows, err := r.lockTransactionsInOrder(leg.ID, pairID)
	if err != nil {
		return err
	}
	current, pair := rows[leg.ID], rows[pairID]

	if pair.Type != pairType || pair.AccountID != counterpartAccount {
		return missingCounterpart("transaction %d is not the %s leg on account %d", pairID, pairType, counterpartAccount)
	}
	if related, ok := pair.RelatedTransaction(); !ok || related != current.ID {
		return missingCounterpart("transaction %d does not point back to %d", pairID, current.ID)
	}

	if err := checkReversible(current); err != nil {
		return err
	}
	if err := checkReversible(pair); err != nil {
		return err
	}

	sent, received := current, pair
	if current.Type == models.TypeTransferReceived {
		sent, received = pair, current
	}
	amount := received.Amount
	if err := assertPositiveAmount(amount); err != nil {
		return err
	}
	if sent.Amount != -amount {
		return missingCounterpart("legs %d and %d disagree on amount", sent.ID, received.ID)
	}

	senderAccount, receiverAccount := locked[sent.AccountID], locked[received.AccountID]
	if err := checkBalance(receiverAccount, amount); err != nil {
		return err
	}

	// Money flows back: credit the original sender, debit the original receiver.
	debit, credit, err := r.service.createTransferLegs(r.ctx, r.uow, receiverAccount.ID, senderAccount.ID, amount, models.TypeReversal, models.TypeReversal)
	if err != nil {
		return err
	}

	if err := r.uow.UpdateAccountBalance(r.ctx, senderAccount, senderAccount.Balance+amount); err != nil {
		return err
	}
	if err := r.uow.UpdateAccountBalance(r.ctx, receiverAccount, receiverAccount.Balance-amount); err != nil {
		return err
	}

	for _, tx := range []*models.Transaction{sent, received} {
		if err := r.uow.UpdateTransactionStatus(r.ctx, tx.ID, models.StatusCompleted, models.StatusReversed); err != nil {
			return statusConflict(err)
		}
	}

	// The row on the requested transaction's account comes first.
	if current.AccountID == debit.AccountID {
		r.created = append(r.created, debit, credit)
	} else {
		r.created = append(r.created, credit, debit)
	}
	return nil
}

// lockAccountsInOrder locks accounts by ascending id. A missing counterpart
// account is a data-integrity failure, not a lookup miss.
func (r *reversal) lockAccountsInOrder(ids ...int64) (map[int64]*models.Account, error) {
	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	locked := make(map[int64]*models.Account, len(ordered))
	for _, id := range ordered {
		if _, ok := locked[id]; ok {
			continue
		}
		account, err := r.uow.LockAccount(r.ctx, id)
		if errors.Is(err, storage.ErrAccountNotFound) && id != r.original.AccountID {
			return nil, missingCounterpart("account %d not found", id)
		}
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}

// lockTransactionsInOrder locks rows by ascending id. A missing paired row is
// a data-integrity failure, not a lookup miss.
func (r *reversal) lockTransactionsInOrder(ids ...int64) (map[int64]*models.Transaction, error) {
	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	rows := make(map[int64]*models.Transaction, len(ordered))
	for _, id := range ordered {
		if _, ok := rows[id]; ok {
			continue
		}
		tx, err := r.uow.LockTransaction(r.ctx, id)
		if errors.Is(err, storage.ErrTransactionNotFound) && id != r.original.ID {
			return nil, missingCounterpart("transaction %d not found", id)
		}
		if err != nil {
			return nil, err
		}
		rows[id] = tx
	}
	return rows, nil
}
