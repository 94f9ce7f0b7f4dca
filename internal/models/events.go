package models

import (
	"time"
)

// LedgerEventKind names what happened in a committed unit of work.
type LedgerEventKind string

const (
	EventDepositCompleted    LedgerEventKind = "deposit.completed"
	EventTransferCompleted   LedgerEventKind = "transfer.completed"
	EventTransactionReversed LedgerEventKind = "transaction.reversed"
)

// LedgerEvent is published after a ledger operation commits.
type LedgerEvent struct {
	EventID        string          `json:"event_id"`
	Kind           LedgerEventKind `json:"kind"`
	TransactionIDs []int64         `json:"transaction_ids"`
	AccountID      int64           `json:"account_id"`
	RelatedAccount *int64          `json:"related_account_id,omitempty"`
	Amount         int64           `json:"amount"` // in cents
	ReversedID     *int64          `json:"reversed_transaction_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
