package models

import (
	"fmt"
)

// TransactionType is the persisted kind of a ledger row.
type TransactionType string

const (
	TypeDeposit          TransactionType = "deposit"
	TypeTransferSent     TransactionType = "transfer_sent"
	TypeTransferReceived TransactionType = "transfer_received"
	TypeReversal         TransactionType = "reversal"
)

// TransactionStatus is the lifecycle state of a ledger row.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusReversed  TransactionStatus = "reversed"
	StatusCanceled  TransactionStatus = "canceled"
)

// TypeVisitor has one method per transaction type. Adding a type means adding
// a method here, which breaks every visitor until it handles the new case.
type TypeVisitor interface {
	VisitDeposit() error
	VisitTransferSent() error
	VisitTransferReceived() error
	VisitReversal() error
}

// Accept dispatches to the visitor method matching t.
func (t TransactionType) Accept(v TypeVisitor) error {
	switch t {
	case TypeDeposit:
		return v.VisitDeposit()
	case TypeTransferSent:
		return v.VisitTransferSent()
	case TypeTransferReceived:
		return v.VisitTransferReceived()
	case TypeReversal:
		return v.VisitReversal()
	default:
		return fmt.Errorf("unknown transaction type %q", string(t))
	}
}

// Valid reports whether t is one of the known types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeTransferSent, TypeTransferReceived, TypeReversal:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusReversed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a row may move from s to next. Only
// completed -> reversed is allowed after creation.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	return s == StatusCompleted && next == StatusReversed
}
