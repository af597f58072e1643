package returns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
)

type memoryReturnsRepo struct {
	invoices map[int64]*ledger.Invoice
	returns  []InvoiceReturn
	nextID   int64
}

func newMemoryReturnsRepo() *memoryReturnsRepo {
	return &memoryReturnsRepo{invoices: make(map[int64]*ledger.Invoice)}
}

func (r *memoryReturnsRepo) addInvoice(id int64, total, paid float64, status ledger.InvoiceStatus) *ledger.Invoice {
	remaining := total - paid
	if remaining < 0 {
		remaining = 0
	}
	inv := &ledger.Invoice{
		ID:              id,
		InvoiceNumber:   "INV-" + time.Now().Format("20060102"),
		CustomerID:      1,
		Total:           total,
		PaidAmount:      paid,
		RemainingAmount: remaining,
		Status:          status,
	}
	r.invoices[id] = inv
	return inv
}

func (r *memoryReturnsRepo) InvoiceCustomer(ctx context.Context, invoiceID int64) (int64, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return 0, &ledger.NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	return inv.CustomerID, nil
}

func (r *memoryReturnsRepo) WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error {
	return fn(r)
}

func (r *memoryReturnsRepo) InvoiceForUpdate(ctx context.Context, invoiceID int64) (ledger.Invoice, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return ledger.Invoice{}, &ledger.NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	return *inv, nil
}

func (r *memoryReturnsRepo) InsertReturn(ctx context.Context, ret *InvoiceReturn) error {
	r.nextID++
	ret.ID = r.nextID
	ret.CreatedAt = time.Now().UTC()
	r.returns = append(r.returns, *ret)
	return nil
}

func (r *memoryReturnsRepo) ApplyTotals(ctx context.Context, invoiceID int64, newTotal float64) (ledger.Invoice, error) {
	inv := r.invoices[invoiceID]
	inv.Total = newTotal
	inv.RemainingAmount = newTotal - inv.PaidAmount
	if inv.RemainingAmount < 0 {
		inv.RemainingAmount = 0
	}
	inv.HasReturns = true
	if inv.Status != ledger.InvoiceStatusCancelled {
		if newTotal-inv.PaidAmount <= 0.01 {
			inv.Status = ledger.InvoiceStatusPaid
		} else {
			inv.Status = ledger.InvoiceStatusPending
		}
	}
	return *inv, nil
}

func (r *memoryReturnsRepo) ListReturns(ctx context.Context, invoiceID int64) ([]InvoiceReturn, error) {
	var out []InvoiceReturn
	for i := len(r.returns) - 1; i >= 0; i-- {
		if r.returns[i].InvoiceID == invoiceID {
			out = append(out, r.returns[i])
		}
	}
	return out, nil
}

func TestApplyReturnReducesTotal(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 1000, 200, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	ret, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{
		InvoiceID: 1, Amount: 300, Reason: "damaged goods",
	})
	require.NoError(t, err)
	require.InDelta(t, 300, ret.Amount, 0.01)
	require.Zero(t, ret.CreditAmount)
	require.InDelta(t, 700, ret.Invoice.Total, 0.01)
	require.InDelta(t, 500, ret.Invoice.RemainingAmount, 0.01)
	require.True(t, ret.Invoice.HasReturns)
	require.Equal(t, ledger.InvoiceStatusPending, ret.Invoice.Status)
}

func TestApplyReturnCreatesCredit(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 1000, 900, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	// New total 600, already paid 900: 300 becomes customer credit.
	ret, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{
		InvoiceID: 1, Amount: 400, Reason: "partial return",
	})
	require.NoError(t, err)
	require.InDelta(t, 300, ret.CreditAmount, 0.01)
	require.InDelta(t, 0, ret.Invoice.RemainingAmount, 0.01)
	require.Equal(t, ledger.InvoiceStatusPaid, ret.Invoice.Status)
}

func TestApplyReturnSettlesInvoice(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 1000, 600, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	ret, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{
		InvoiceID: 1, Amount: 400, Reason: "short shipment",
	})
	require.NoError(t, err)
	require.Zero(t, ret.CreditAmount)
	require.Equal(t, ledger.InvoiceStatusPaid, ret.Invoice.Status)
}

func TestApplyReturnRejectsExcessAmount(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 500, 0, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 1, Amount: 600})
	var validation *ledger.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Empty(t, repo.returns)
}

func TestApplyReturnRejectsNonPositiveAmount(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 500, 0, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 1, Amount: 0})
	var validation *ledger.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestApplyReturnRejectsCancelledInvoice(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 500, 0, ledger.InvoiceStatusCancelled)
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 1, Amount: 100})
	var validation *ledger.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestApplyReturnUnknownInvoice(t *testing.T) {
	repo := newMemoryReturnsRepo()
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 9, Amount: 100})
	var notFound *ledger.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListReturnsNewestFirst(t *testing.T) {
	repo := newMemoryReturnsRepo()
	repo.addInvoice(1, 1000, 0, ledger.InvoiceStatusPending)
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 1, Amount: 100, Reason: "first"})
	require.NoError(t, err)
	_, err = svc.ApplyReturn(context.Background(), ApplyReturnInput{InvoiceID: 1, Amount: 50, Reason: "second"})
	require.NoError(t, err)

	rets, err := svc.ListReturns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rets, 2)
	require.Equal(t, "second", rets[0].Reason)
}
