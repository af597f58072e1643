package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// TxPort is the slice of the store visible inside a customer-scoped
// transaction. Everything it touches is covered by the per-customer lock the
// repository acquired, so reads are stable for the duration of the callback.
type TxPort interface {
	// OpenInvoices returns the customer's collectible invoices (remaining
	// amount positive, status pending or paid), locked, ordered by
	// created_at ascending with id as tie-break.
	OpenInvoices(ctx context.Context, customerID int64) ([]Invoice, error)
	NextPaymentNumber(ctx context.Context, at time.Time) (string, error)
	InsertPayment(ctx context.Context, p *Payment) error
	InsertAllocation(ctx context.Context, paymentID, invoiceID int64, amount float64, at time.Time) (PaymentAllocation, error)
	// ApplyAllocation bumps the invoice's paid amount and re-derives
	// remaining amount and status.
	ApplyAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error)
	PaymentForUpdate(ctx context.Context, paymentID int64) (*Payment, error)
	// RevertAllocation decrements the invoice's paid amount. A decrement
	// below zero means the conservation invariant is broken and must come
	// back as a CorruptStateError.
	RevertAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error)
	MarkReversed(ctx context.Context, paymentID int64, reason string, at time.Time) error
}

// RepositoryPort defines data access for the ledger.
type RepositoryPort interface {
	CustomerName(ctx context.Context, customerID int64) (string, error)
	// WithCustomerTx runs fn inside one transaction holding the customer's
	// ledger lock. fn returning an error rolls everything back.
	WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error
	GetPayment(ctx context.Context, paymentID int64) (*Payment, error)
	ListPayments(ctx context.Context, filter ListPaymentsFilter) ([]Payment, int, error)
	ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]PaymentAllocation, error)
	UpsertInvoiceSnapshot(ctx context.Context, snap InvoiceSnapshot) (*Invoice, error)
}

// CacheBumper invalidates derived debt views after a ledger mutation.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// Service hosts the allocation and reversal engines.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	cache  CacheBumper
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance. audit and cache may be nil.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, cache CacheBumper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// RecordPayment validates the request, plans the allocation and commits
// payment, allocation rows and invoice balance updates in one transaction.
// No partial allocation is ever visible.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if input.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "payment amount must be greater than zero"}
	}
	if !ValidMethod(input.Method) {
		return nil, &ValidationError{Field: "payment_method", Reason: "must be cash, transfer or card"}
	}
	if !input.Strategy.valid() {
		return nil, &ValidationError{Field: "strategy", Reason: "allocation strategy required"}
	}

	customerName, err := s.repo.CustomerName(ctx, input.CustomerID)
	if err != nil {
		return nil, err
	}

	paymentDate := input.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = s.now()
	}

	payment := &Payment{
		CustomerID:   input.CustomerID,
		CustomerName: customerName,
		Amount:       input.Amount,
		Method:       input.Method,
		PaymentDate:  paymentDate,
		Notes:        input.Notes,
		CreatedBy:    input.CreatedBy,
	}

	err = s.repo.WithCustomerTx(ctx, input.CustomerID, func(tx TxPort) error {
		candidates, err := tx.OpenInvoices(ctx, input.CustomerID)
		if err != nil {
			return err
		}
		plan, err := planAllocations(candidates, input.Amount, input.Strategy)
		if err != nil {
			return err
		}

		number, err := tx.NextPaymentNumber(ctx, paymentDate)
		if err != nil {
			return err
		}
		payment.PaymentNumber = number
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		for _, line := range plan {
			alloc, err := tx.InsertAllocation(ctx, payment.ID, line.InvoiceID, line.Amount, paymentDate)
			if err != nil {
				return err
			}
			inv, err := tx.ApplyAllocation(ctx, line.InvoiceID, line.Amount)
			if err != nil {
				return err
			}
			alloc.InvoiceNumber = inv.InvoiceNumber
			alloc.PaymentNumber = payment.PaymentNumber
			alloc.Method = payment.Method
			payment.Allocations = append(payment.Allocations, alloc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "payment.recorded", "payment", payment.ID, map[string]any{
		"payment_number": payment.PaymentNumber,
		"customer_id":    payment.CustomerID,
		"amount":         payment.Amount,
		"allocations":    len(payment.Allocations),
	})
	s.bumpCache(ctx)

	return payment, nil
}

// ReversePayment undoes a payment's effect on invoice balances. The payment
// and its allocation rows stay for audit; only the reversed flag flips.
// There is no un-reverse: a corrected payment must be re-recorded.
func (s *Service) ReversePayment(ctx context.Context, paymentID int64, reason string) error {
	if reason == "" {
		return &ValidationError{Field: "reason", Reason: "reversal reason required"}
	}

	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Reversed {
		return &AlreadyReversedError{PaymentID: paymentID}
	}

	reversedAt := s.now()
	err = s.repo.WithCustomerTx(ctx, payment.CustomerID, func(tx TxPort) error {
		locked, err := tx.PaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if locked.Reversed {
			return &AlreadyReversedError{PaymentID: paymentID}
		}
		for _, alloc := range locked.Allocations {
			if _, err := tx.RevertAllocation(ctx, alloc.InvoiceID, alloc.Amount); err != nil {
				return err
			}
		}
		return tx.MarkReversed(ctx, paymentID, reason, reversedAt)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, "payment.reversed", "payment", paymentID, map[string]any{
		"payment_number": payment.PaymentNumber,
		"customer_id":    payment.CustomerID,
		"amount":         payment.Amount,
		"reason":         reason,
	})
	s.bumpCache(ctx)

	return nil
}

// GetPayment returns a payment with its allocations.
func (s *Service) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// ListPayments returns payment history matching the filter plus the total
// number of matches.
func (s *Service) ListPayments(ctx context.Context, filter ListPaymentsFilter) ([]Payment, int, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.ListPayments(ctx, filter)
}

// ListInvoiceAllocations returns the allocations targeting one invoice,
// newest first, reversed ones excluded.
func (s *Service) ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]PaymentAllocation, error) {
	return s.repo.ListInvoiceAllocations(ctx, invoiceID)
}

// RegisterInvoiceSnapshot ingests an invoice snapshot pushed by the invoice
// component. Balances the ledger owns are preserved on conflict.
func (s *Service) RegisterInvoiceSnapshot(ctx context.Context, snap InvoiceSnapshot) (*Invoice, error) {
	if snap.InvoiceNumber == "" {
		return nil, &ValidationError{Field: "invoice_number", Reason: "invoice number required"}
	}
	if snap.CustomerID <= 0 {
		return nil, &ValidationError{Field: "customer_id", Reason: "customer id required"}
	}
	if snap.Total <= 0 {
		return nil, &ValidationError{Field: "total", Reason: "invoice total must be greater than zero"}
	}
	switch snap.Status {
	case InvoiceStatusProcessing, InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusCancelled:
	case "":
		snap.Status = InvoiceStatusPending
	default:
		return nil, &ValidationError{Field: "status", Reason: "unknown invoice status"}
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	return s.repo.UpsertInvoiceSnapshot(ctx, snap)
}

func (s *Service) recordAudit(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	meta["event_id"] = uuid.NewString()
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("debt cache bump failed", slog.Any("error", err))
	}
}
