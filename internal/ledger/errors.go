package ledger

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// amounts formats money with thousand separators for user-facing messages,
// matching what staff see on printed statements.
var amounts = message.NewPrinter(language.English)

// ValidationError reports malformed input, raised before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// OverpaymentError is raised in FIFO mode when the payment exceeds the
// customer's total outstanding debt. The engine never silently creates
// customer credit.
type OverpaymentError struct {
	Amount      float64
	Outstanding float64
}

func (e *OverpaymentError) Error() string {
	return amounts.Sprintf("payment of %.0f exceeds total outstanding debt of %.0f", e.Amount, e.Outstanding)
}

// InvalidAllocationError is raised in manual mode when a split names an
// invoice outside the customer's open set, overshoots its remaining balance,
// or the splits do not sum to the payment amount.
type InvalidAllocationError struct {
	InvoiceID     int64
	InvoiceNumber string
	Reason        string
	Amount        float64
	Remaining     float64
}

func (e *InvalidAllocationError) Error() string {
	switch {
	case e.InvoiceNumber != "":
		return amounts.Sprintf("invoice %s: %s (%.0f requested, %.0f remaining)", e.InvoiceNumber, e.Reason, e.Amount, e.Remaining)
	case e.InvoiceID != 0:
		return fmt.Sprintf("invoice %d: %s", e.InvoiceID, e.Reason)
	default:
		return amounts.Sprintf("%s (allocated %.0f, payment %.0f)", e.Reason, e.Amount, e.Remaining)
	}
}

// NotFoundError reports an absent payment, invoice or customer.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// AlreadyReversedError guards against double reversal.
type AlreadyReversedError struct {
	PaymentID int64
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("payment %d has already been reversed", e.PaymentID)
}

// ConcurrencyConflictError surfaces lock or serialization contention. The
// operation left no partial state and is safe to retry from the caller.
type ConcurrencyConflictError struct {
	Op  string
	Err error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: concurrent ledger update, retry: %v", e.Op, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// CorruptStateError reports a broken ledger invariant detected mid-operation.
// It aborts the transaction and is never retryable; it must be surfaced
// loudly rather than clamped away.
type CorruptStateError struct {
	InvoiceID int64
	Detail    string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("ledger corrupt: invoice %d: %s", e.InvoiceID, e.Detail)
}

// Retryable reports whether err is transient contention the caller may retry.
func Retryable(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}
