package audit

import (
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Timestamp     time.Time
	EventType     string
	TransactionID int64
	AccountID     int64
	Amount        int64
	Status        string
	Details       map[string]any
}

// Logger writes one AUDIT record per ledger operation outcome.
type Logger struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

func (a *Logger) LogDeposit(transactionID, accountID, amount int64) {
	a.log(Event{
		EventType:     "DEPOSIT",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        "SUCCESS",
	})
}

func (a *Logger) LogTransfer(transactionID, fromAccount, toAccount, amount int64) {
	a.log(Event{
		EventType:     "TRANSFER",
		TransactionID: transactionID,
		AccountID:     fromAccount,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]any{
			"to_account": toAccount,
		},
	})
}

func (a *Logger) LogReversal(reversedID, accountID, amount int64, reversalIDs []int64) {
	a.log(Event{
		EventType:     "REVERSAL",
		TransactionID: reversedID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]any{
			"reversal_ids": reversalIDs,
		},
	})
}

// LogError records a failed operation. transactionID is zero when the
// operation failed before any row existed.
func (a *Logger) LogError(operation string, transactionID, accountID int64, err error) {
	a.log(Event{
		EventType:     operation,
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]any{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	event.Timestamp = a.now()

	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("status", event.Status),
	}
	if event.TransactionID != 0 {
		fields = append(fields, zap.Int64("transaction_id", event.TransactionID))
	}
	if event.AccountID != 0 {
		fields = append(fields, zap.Int64("account_id", event.AccountID))
	}
	if event.Amount != 0 {
		fields = append(fields, zap.Int64("amount", event.Amount))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	if event.Status == "FAILED" {
		a.logger.Warn("AUDIT", fields...)
		return
	}
	a.logger.Info("AUDIT", fields...)
}
