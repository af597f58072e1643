package ledger

import (
	"time"
)

// centTolerance absorbs float drift on money arithmetic. The ledger stores
// amounts as float64 the way the rest of the back office does; two amounts
// closer than this are considered equal.
const centTolerance = 0.01

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusPaid       InvoiceStatus = "paid"
	InvoiceStatusCancelled  InvoiceStatus = "cancelled"
)

// PaymentStatus classifies how much of an invoice has been collected.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusPartial PaymentStatus = "partial"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodCard     PaymentMethod = "card"
)

// ValidMethod reports whether m is one of the accepted payment methods.
func ValidMethod(m PaymentMethod) bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard:
		return true
	}
	return false
}

// Invoice is the ledger's view of an invoice: the balance columns it owns
// plus the snapshot fields the invoice component pushed.
type Invoice struct {
	ID              int64
	InvoiceNumber   string
	CustomerID      int64
	Total           float64
	PaidAmount      float64
	RemainingAmount float64
	Status          InvoiceStatus
	HasReturns      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentStatusOf derives the payment status from collected vs owed.
func PaymentStatusOf(paid, total float64) PaymentStatus {
	switch {
	case paid <= centTolerance:
		return PaymentStatusUnpaid
	case total-paid <= centTolerance:
		return PaymentStatusPaid
	default:
		return PaymentStatusPartial
	}
}

// PaymentStatus derives the invoice's payment status.
func (i Invoice) PaymentStatus() PaymentStatus {
	return PaymentStatusOf(i.PaidAmount, i.Total)
}

// Payment records money handed over by a customer. Amount is immutable;
// reversal flags the payment rather than deleting it.
type Payment struct {
	ID             int64
	PaymentNumber  string
	CustomerID     int64
	CustomerName   string
	Amount         float64
	Method         PaymentMethod
	PaymentDate    time.Time
	Notes          string
	Reversed       bool
	ReversedReason string
	ReversedAt     *time.Time
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Allocations []PaymentAllocation
}

// PaymentAllocation ties a slice of a payment to one invoice. Rows are
// immutable once written; a reversed payment keeps its rows for audit but
// they no longer count as active.
type PaymentAllocation struct {
	ID             int64
	PaymentID      int64
	PaymentNumber  string
	InvoiceID      int64
	InvoiceNumber  string
	Method         PaymentMethod
	Amount         float64
	AllocationDate time.Time
}

// InvoiceSnapshot is what the external invoice component pushes when an
// invoice is created or its lifecycle state changes. The ledger writes back
// only paid_amount and the pending/paid transition.
type InvoiceSnapshot struct {
	InvoiceNumber string
	CustomerID    int64
	Total         float64
	Status        InvoiceStatus
	CreatedAt     time.Time
}

// RecordPaymentInput carries a validated payment request into the engine.
type RecordPaymentInput struct {
	CustomerID  int64
	Amount      float64
	Method      PaymentMethod
	Notes       string
	PaymentDate time.Time
	CreatedBy   string
	Strategy    AllocationStrategy
}

// ListPaymentsFilter narrows payment history queries.
type ListPaymentsFilter struct {
	CustomerID int64
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
