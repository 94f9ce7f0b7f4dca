package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/storage"
)

// LedgerService owns every balance mutation. Each operation runs in one unit
// of work that locks the accounts it touches in ascending id order.
type LedgerService struct {
	store     storage.Store
	publisher events.Publisher
	audit     *audit.Logger
	logger    *zap.Logger
	now       func() time.Time
}

type LedgerOption func(*LedgerService)

func WithPublisher(p events.Publisher) LedgerOption {
	return func(s *LedgerService) { s.publisher = p }
}

func WithAuditLogger(a *audit.Logger) LedgerOption {
	return func(s *LedgerService) { s.audit = a }
}

func WithLogger(l *zap.Logger) LedgerOption {
	return func(s *LedgerService) { s.logger = l }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

func NewLedgerService(store storage.Store, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		store:     store,
		publisher: events.NopPublisher{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(s.logger)
	}
	return s
}

// Deposit credits amount to the account and records a deposit row.
func (s *LedgerService) Deposit(ctx context.Context, accountID, amount int64) (*models.Transaction, error) {
	if err := assertPositiveAmount(amount); err != nil {
		s.audit.LogError("DEPOSIT", 0, accountID, err)
		return nil, err
	}

	var deposit *models.Transaction
	err := s.inUnitOfWork(ctx, func(uow storage.UnitOfWork) error {
		account, err := uow.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance > math.MaxInt64-amount {
			return fmt.Errorf("%w: balance of account %d would overflow", ErrInvalidAmount, accountID)
		}

		deposit = &models.Transaction{
			AccountID: account.ID,
			Type:      models.TypeDeposit,
			Amount:    amount,
			Status:    models.StatusCompleted,
		}
		if err := uow.CreateTransaction(ctx, deposit); err != nil {
			return err
		}

		return uow.UpdateAccountBalance(ctx, account, account.Balance+amount)
	})
	if err != nil {
		s.audit.LogError("DEPOSIT", 0, accountID, err)
		return nil, err
	}

	s.audit.LogDeposit(deposit.ID, accountID, amount)
	s.publish(ctx, models.LedgerEvent{
		Kind:           models.EventDepositCompleted,
		TransactionIDs: []int64{deposit.ID},
		AccountID:      accountID,
		Amount:         amount,
	})
	return deposit, nil
}

// Transfer moves amount from sender to receiver and returns the two legs.
// Callers must reject senderID == receiverID.
func (s *LedgerService) Transfer(ctx context.Context, senderID, receiverID, amount int64) (*models.Transaction, *models.Transaction, error) {
	if err := assertPositiveAmount(amount); err != nil {
		s.audit.LogError("TRANSFER", 0, senderID, err)
		return nil, nil, err
	}

	// Advisory only: repeated below once the sender is locked.
	sender, err := s.store.GetAccount(ctx, senderID)
	if err != nil {
		s.audit.LogError("TRANSFER", 0, senderID, err)
		return nil, nil, err
	}
	if err := checkBalance(sender, amount); err != nil {
		s.audit.LogError("TRANSFER", 0, senderID, err)
		return nil, nil, err
	}

	var sent, received *models.Transaction
	err = s.inUnitOfWork(ctx, func(uow storage.UnitOfWork) error {
		locked, err := storage.LockAccountsInOrder(ctx, uow, senderID, receiverID)
		if err != nil {
			return err
		}
		fromAccount, toAccount := locked[senderID], locked[receiverID]

		if err := checkBalance(fromAccount, amount); err != nil {
			return err
		}
		if toAccount.Balance > math.MaxInt64-amount {
			return fmt.Errorf("%w: balance of account %d would overflow", ErrInvalidAmount, receiverID)
		}

		sent, received, err = s.createTransferLegs(ctx, uow, fromAccount.ID, toAccount.ID, amount, models.TypeTransferSent, models.TypeTransferReceived)
		if err != nil {
			return err
		}

		if err := uow.UpdateAccountBalance(ctx, fromAccount, fromAccount.Balance-amount); err != nil {
			return err
		}
		return uow.UpdateAccountBalance(ctx, toAccount, toAccount.Balance+amount)
	})
	if err != nil {
		s.audit.LogError("TRANSFER", 0, senderID, err)
		return nil, nil, err
	}

	s.audit.LogTransfer(sent.ID, senderID, receiverID, amount)
	s.publish(ctx, models.LedgerEvent{
		Kind:           models.EventTransferCompleted,
		TransactionIDs: []int64{sent.ID, received.ID},
		AccountID:      senderID,
		RelatedAccount: models.Ref(receiverID),
		Amount:         amount,
	})
	return sent, received, nil
}

// createTransferLegs writes a debit row on from and a credit row on to, each
// naming the other account, and cross-links them.
func (s *LedgerService) createTransferLegs(ctx context.Context, uow storage.UnitOfWork, from, to, amount int64, debitType, creditType models.TransactionType) (*models.Transaction, *models.Transaction, error) {
	if err := assertPositiveAmount(amount); err != nil {
		return nil, nil, err
	}

	debit := &models.Transaction{
		AccountID:        from,
		RelatedAccountID: models.Ref(to),
		Type:             debitType,
		Amount:           -amount,
		Status:           models.StatusCompleted,
	}
	if err := uow.CreateTransaction(ctx, debit); err != nil {
		return nil, nil, err
	}

	credit := &models.Transaction{
		AccountID:        to,
		RelatedAccountID: models.Ref(from),
		Type:             creditType,
		Amount:           amount,
		Status:           models.StatusCompleted,
	}
	if err := uow.CreateTransaction(ctx, credit); err != nil {
		return nil, nil, err
	}

	if err := uow.LinkTransactions(ctx, debit.ID, credit.ID); err != nil {
		return nil, nil, err
	}
	debit.RelatedTransactionID = models.Ref(credit.ID)
	credit.RelatedTransactionID = models.Ref(debit.ID)

	return debit, credit, nil
}

// Reverse negates a completed deposit or transfer and returns the new
// reversal rows. Reversing either leg of a transfer reverses both.
func (s *LedgerService) Reverse(ctx context.Context, transactionID int64) ([]*models.Transaction, error) {
	original, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		s.audit.LogError("REVERSAL", transactionID, 0, err)
		return nil, err
	}
	if err := checkReversible(original); err != nil {
		s.audit.LogError("REVERSAL", transactionID, original.AccountID, err)
		return nil, err
	}

	var r *reversal
	err = s.inUnitOfWork(ctx, func(uow storage.UnitOfWork) error {
		r = &reversal{ctx: ctx, uow: uow, service: s, original: original}
		return original.Type.Accept(r)
	})
	if err != nil {
		s.audit.LogError("REVERSAL", transactionID, original.AccountID, err)
		return nil, err
	}

	ids := make([]int64, 0, len(r.created))
	for _, tx := range r.created {
		ids = append(ids, tx.ID)
	}
	s.audit.LogReversal(transactionID, original.AccountID, original.Magnitude(), ids)

	event := models.LedgerEvent{
		Kind:           models.EventTransactionReversed,
		TransactionIDs: ids,
		AccountID:      original.AccountID,
		Amount:         original.Magnitude(),
		ReversedID:     models.Ref(transactionID),
	}
	if related, ok := original.RelatedAccount(); ok {
		event.RelatedAccount = models.Ref(related)
	}
	s.publish(ctx, event)

	return r.created, nil
}

func (s *LedgerService) CreateAccount(ctx context.Context) (*models.Account, error) {
	return s.store.CreateAccount(ctx)
}

func (s *LedgerService) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *LedgerService) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns the account's rows, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*models.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Reconcile checks that the stored balance equals the sum of the account's
// non-canceled transaction amounts.
func (s *LedgerService) Reconcile(ctx context.Context, accountID int64) error {
	var account *models.Account
	var sum int64
	err := s.inUnitOfWork(ctx, func(uow storage.UnitOfWork) error {
		var err error
		if account, err = uow.LockAccount(ctx, accountID); err != nil {
			return err
		}
		sum, err = uow.SumAccountTransactions(ctx, accountID)
		return err
	})
	if err != nil {
		return err
	}

	if account.Balance != sum {
		s.logger.Error("ledger reconciliation failed",
			zap.Int64("account_id", accountID),
			zap.Int64("balance", account.Balance),
			zap.Int64("transactions_sum", sum))
		return fmt.Errorf("%w: account %d has balance %d, transactions sum to %d", ErrBalanceMismatch, accountID, account.Balance, sum)
	}
	return nil
}

// inUnitOfWork commits when fn returns nil and rolls back on every other
// exit, including panics.
func (s *LedgerService) inUnitOfWork(ctx context.Context, fn func(uow storage.UnitOfWork) error) error {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rbErr := uow.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}

func (s *LedgerService) publish(ctx context.Context, event models.LedgerEvent) {
	event.EventID = uuid.NewString()
	event.OccurredAt = s.now()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish ledger event",
			zap.String("event_id", event.EventID),
			zap.String("kind", string(event.Kind)),
			zap.Int64s("transaction_ids", event.TransactionIDs),
			zap.Error(err))
	}
}

func assertPositiveAmount(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func checkBalance(account *models.Account, amount int64) error {
	if account.Balance < amount {
		return fmt.Errorf("%w: account %d has %d, needs %d", ErrInsufficientBalance, account.ID, account.Balance, amount)
	}
	return nil
}

func checkReversible(tx *models.Transaction) error {
	switch tx.Status {
	case models.StatusCompleted:
		return nil
	case models.StatusReversed:
		return ErrAlreadyReversed
	case models.StatusCanceled:
		return ErrTransactionCanceled
	default:
		return fmt.Errorf("transaction %d has unknown status %q", tx.ID, tx.Status)
	}
}

// statusConflict maps a lost compare-and-set on status to ErrAlreadyReversed.
func statusConflict(err error) error {
	if errors.Is(err, storage.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", ErrAlreadyReversed, err)
	}
	return err
}
