package models

import (
	"time"
)

// Account holds a balance in minor currency units.
type Account struct {
	ID        int64     `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Version   int       `json:"version" db:"version"` // bumped on every balance write
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an append-only ledger row. Only Status changes after creation.
type Transaction struct {
	ID                   int64             `json:"id" db:"id"`
	AccountID            int64             `json:"account_id" db:"account_id"`
	RelatedAccountID     *int64            `json:"related_account_id,omitempty" db:"related_account_id"`
	RelatedTransactionID *int64            `json:"related_transaction_id,omitempty" db:"related_transaction_id"`
	Type                 TransactionType   `json:"type" db:"type"`
	Amount               int64             `json:"amount" db:"amount"` // signed, in cents
	Status               TransactionStatus `json:"status" db:"status"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
}

// RelatedAccount returns the counterpart account id if one is recorded.
func (t *Transaction) RelatedAccount() (int64, bool) {
	if t.RelatedAccountID == nil {
		return 0, false
	}
	return *t.RelatedAccountID, true
}

// RelatedTransaction returns the paired transaction id if one is recorded.
func (t *Transaction) RelatedTransaction() (int64, bool) {
	if t.RelatedTransactionID == nil {
		return 0, false
	}
	return *t.RelatedTransactionID, true
}

// Magnitude is the absolute value of Amount.
func (t *Transaction) Magnitude() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// Clone returns a deep copy, including the optional references.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.RelatedAccountID != nil {
		v := *t.RelatedAccountID
		c.RelatedAccountID = &v
	}
	if t.RelatedTransactionID != nil {
		v := *t.RelatedTransactionID
		c.RelatedTransactionID = &v
	}
	return &c
}

// Ref returns a pointer to id, for the optional reference fields.
func Ref(id int64) *int64 {
	return &id
}
