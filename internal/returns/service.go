// Package returns applies invoice returns to the ledger. A return shrinks
// the invoice total; money already collected beyond the new total becomes
// customer credit to be refunded outside the ledger.
package returns

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// InvoiceReturn is one applied return.
type InvoiceReturn struct {
	ID           int64
	InvoiceID    int64
	Amount       float64
	CreditAmount float64
	Reason       string
	CreatedBy    string
	CreatedAt    time.Time

	Invoice ledger.Invoice
}

// ApplyReturnInput carries a validated return request.
type ApplyReturnInput struct {
	InvoiceID int64
	Amount    float64
	Reason    string
	CreatedBy string
}

// TxPort is the store surface inside the customer transaction.
type TxPort interface {
	InvoiceForUpdate(ctx context.Context, invoiceID int64) (ledger.Invoice, error)
	InsertReturn(ctx context.Context, ret *InvoiceReturn) error
	// ApplyTotals rewrites the invoice total after a return and re-derives
	// remaining amount and status.
	ApplyTotals(ctx context.Context, invoiceID int64, newTotal float64) (ledger.Invoice, error)
}

// RepositoryPort defines data access for returns.
type RepositoryPort interface {
	InvoiceCustomer(ctx context.Context, invoiceID int64) (int64, error)
	WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error
	ListReturns(ctx context.Context, invoiceID int64) ([]InvoiceReturn, error)
}

// Service applies returns under the same per-customer lock the payment
// engine uses, so returns and payments never interleave for one customer.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	cache  ledger.CacheBumper
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance. audit and cache may be nil.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, cache ledger.CacheBumper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// ApplyReturn reduces the invoice total by the returned amount. When the
// customer already paid past the new total the surplus is recorded as credit
// rather than clamped away.
func (s *Service) ApplyReturn(ctx context.Context, input ApplyReturnInput) (*InvoiceReturn, error) {
	if input.Amount <= 0 {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "return amount must be greater than zero"}
	}

	customerID, err := s.repo.InvoiceCustomer(ctx, input.InvoiceID)
	if err != nil {
		return nil, err
	}

	ret := &InvoiceReturn{
		InvoiceID: input.InvoiceID,
		Amount:    input.Amount,
		Reason:    input.Reason,
		CreatedBy: input.CreatedBy,
	}
	err = s.repo.WithCustomerTx(ctx, customerID, func(tx TxPort) error {
		invoice, err := tx.InvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == ledger.InvoiceStatusCancelled {
			return &ledger.ValidationError{Field: "invoice_id", Reason: "cannot apply a return to a cancelled invoice"}
		}
		if input.Amount > invoice.Total {
			return &ledger.ValidationError{Field: "amount", Reason: "return amount exceeds the invoice total"}
		}

		newTotal := invoice.Total - input.Amount
		if credit := invoice.PaidAmount - newTotal; credit > 0 {
			ret.CreditAmount = credit
		}
		if err := tx.InsertReturn(ctx, ret); err != nil {
			return err
		}
		updated, err := tx.ApplyTotals(ctx, input.InvoiceID, newTotal)
		if err != nil {
			return err
		}
		ret.Invoice = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, ret)
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("debt cache bump failed", slog.Any("error", err))
		}
	}
	return ret, nil
}

// ListReturns returns the returns applied to one invoice, newest first.
func (s *Service) ListReturns(ctx context.Context, invoiceID int64) ([]InvoiceReturn, error) {
	if _, err := s.repo.InvoiceCustomer(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListReturns(ctx, invoiceID)
}

func (s *Service) recordAudit(ctx context.Context, ret *InvoiceReturn) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   "invoice.return_applied",
		Entity:   "invoice",
		EntityID: strconv.FormatInt(ret.InvoiceID, 10),
		Meta: map[string]any{
			"event_id":      uuid.NewString(),
			"return_id":     ret.ID,
			"amount":        ret.Amount,
			"credit_amount": ret.CreditAmount,
			"reason":        ret.Reason,
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", "invoice.return_applied"), slog.Any("error", err))
	}
}
