package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryLedgerRepo implements RepositoryPort and TxPort in memory. The fake
// applies writes immediately; error paths under test fail during planning,
// before the first write, so missing rollback does not matter here.
type memoryLedgerRepo struct {
	customers map[int64]string
	invoices  map[int64]*Invoice
	payments  map[int64]*Payment
	counters  map[string]int64

	nextInvoiceID int64
	nextPaymentID int64
	nextAllocID   int64

	now time.Time
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		customers: map[int64]string{1: "Toko Sinar Jaya"},
		invoices:  make(map[int64]*Invoice),
		payments:  make(map[int64]*Payment),
		counters:  make(map[string]int64),
		now:       time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func (r *memoryLedgerRepo) addInvoice(number string, customerID int64, total float64, age time.Duration) *Invoice {
	r.nextInvoiceID++
	inv := &Invoice{
		ID:              r.nextInvoiceID,
		InvoiceNumber:   number,
		CustomerID:      customerID,
		Total:           total,
		RemainingAmount: total,
		Status:          InvoiceStatusPending,
		CreatedAt:       r.now.Add(-age),
	}
	r.invoices[inv.ID] = inv
	return inv
}

func (r *memoryLedgerRepo) CustomerName(ctx context.Context, customerID int64) (string, error) {
	name, ok := r.customers[customerID]
	if !ok {
		return "", &NotFoundError{Entity: "customer", ID: customerID}
	}
	return name, nil
}

func (r *memoryLedgerRepo) WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error {
	return fn(r)
}

func (r *memoryLedgerRepo) OpenInvoices(ctx context.Context, customerID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.CustomerID != customerID {
			continue
		}
		if inv.Status != InvoiceStatusPending && inv.Status != InvoiceStatusPaid {
			continue
		}
		if inv.RemainingAmount <= centTolerance {
			continue
		}
		out = append(out, *inv)
	}
	sortCandidates(out)
	return out, nil
}

func (r *memoryLedgerRepo) NextPaymentNumber(ctx context.Context, at time.Time) (string, error) {
	day := at.Format("20060102")
	r.counters[day]++
	return fmt.Sprintf("PAY-%s-%04d", day, r.counters[day]), nil
}

func (r *memoryLedgerRepo) InsertPayment(ctx context.Context, p *Payment) error {
	r.nextPaymentID++
	p.ID = r.nextPaymentID
	p.CreatedAt = r.now
	p.UpdatedAt = r.now
	stored := *p
	r.payments[p.ID] = &stored
	return nil
}

func (r *memoryLedgerRepo) InsertAllocation(ctx context.Context, paymentID, invoiceID int64, amount float64, at time.Time) (PaymentAllocation, error) {
	r.nextAllocID++
	alloc := PaymentAllocation{
		ID:             r.nextAllocID,
		PaymentID:      paymentID,
		InvoiceID:      invoiceID,
		Amount:         amount,
		AllocationDate: at,
	}
	p := r.payments[paymentID]
	p.Allocations = append(p.Allocations, alloc)
	return alloc, nil
}

func (r *memoryLedgerRepo) ApplyAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return Invoice{}, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	inv.PaidAmount += amount
	inv.RemainingAmount = inv.Total - inv.PaidAmount
	if inv.RemainingAmount < 0 {
		inv.RemainingAmount = 0
	}
	if inv.Status != InvoiceStatusCancelled {
		if inv.Total-inv.PaidAmount <= centTolerance {
			inv.Status = InvoiceStatusPaid
		} else {
			inv.Status = InvoiceStatusPending
		}
	}
	if inv.PaidAmount > inv.Total+centTolerance {
		return Invoice{}, &CorruptStateError{InvoiceID: invoiceID, Detail: "paid exceeds total"}
	}
	return *inv, nil
}

func (r *memoryLedgerRepo) PaymentForUpdate(ctx context.Context, paymentID int64) (*Payment, error) {
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, &NotFoundError{Entity: "payment", ID: paymentID}
	}
	cp := *p
	return &cp, nil
}

func (r *memoryLedgerRepo) RevertAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return Invoice{}, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	newPaid := inv.PaidAmount - amount
	if newPaid < -centTolerance {
		return Invoice{}, &CorruptStateError{InvoiceID: invoiceID, Detail: "negative paid amount"}
	}
	if newPaid < 0 {
		newPaid = 0
	}
	inv.PaidAmount = newPaid
	inv.RemainingAmount = inv.Total - newPaid
	if inv.RemainingAmount < 0 {
		inv.RemainingAmount = 0
	}
	if inv.Status != InvoiceStatusCancelled {
		if inv.Total-newPaid <= centTolerance {
			inv.Status = InvoiceStatusPaid
		} else {
			inv.Status = InvoiceStatusPending
		}
	}
	return *inv, nil
}

func (r *memoryLedgerRepo) MarkReversed(ctx context.Context, paymentID int64, reason string, at time.Time) error {
	p, ok := r.payments[paymentID]
	if !ok {
		return &NotFoundError{Entity: "payment", ID: paymentID}
	}
	if p.Reversed {
		return &AlreadyReversedError{PaymentID: paymentID}
	}
	p.Reversed = true
	p.ReversedReason = reason
	p.ReversedAt = &at
	return nil
}

func (r *memoryLedgerRepo) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	return r.PaymentForUpdate(ctx, paymentID)
}

func (r *memoryLedgerRepo) ListPayments(ctx context.Context, filter ListPaymentsFilter) ([]Payment, int, error) {
	var out []Payment
	for _, p := range r.payments {
		if filter.CustomerID > 0 && p.CustomerID != filter.CustomerID {
			continue
		}
		out = append(out, *p)
	}
	return out, len(out), nil
}

func (r *memoryLedgerRepo) ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]PaymentAllocation, error) {
	if _, ok := r.invoices[invoiceID]; !ok {
		return nil, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	var out []PaymentAllocation
	for _, p := range r.payments {
		if p.Reversed {
			continue
		}
		for _, a := range p.Allocations {
			if a.InvoiceID == invoiceID {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) UpsertInvoiceSnapshot(ctx context.Context, snap InvoiceSnapshot) (*Invoice, error) {
	for _, inv := range r.invoices {
		if inv.InvoiceNumber == snap.InvoiceNumber {
			inv.Total = snap.Total
			inv.RemainingAmount = snap.Total - inv.PaidAmount
			if inv.RemainingAmount < 0 {
				inv.RemainingAmount = 0
			}
			if !(inv.Status == InvoiceStatusPaid && snap.Status == InvoiceStatusPending) {
				inv.Status = snap.Status
			}
			cp := *inv
			return &cp, nil
		}
	}
	r.nextInvoiceID++
	inv := &Invoice{
		ID:              r.nextInvoiceID,
		InvoiceNumber:   snap.InvoiceNumber,
		CustomerID:      snap.CustomerID,
		Total:           snap.Total,
		RemainingAmount: snap.Total,
		Status:          snap.Status,
		CreatedAt:       snap.CreatedAt,
	}
	r.invoices[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func newTestService(repo *memoryLedgerRepo) *Service {
	svc := NewService(repo, nil, nil, nil)
	svc.now = func() time.Time { return repo.now }
	return svc
}

func TestRecordPaymentFIFO(t *testing.T) {
	repo := newMemoryLedgerRepo()
	oldest := repo.addInvoice("INV-1", 1, 500, day(70))
	middle := repo.addInvoice("INV-2", 1, 300, day(40))
	newest := repo.addInvoice("INV-3", 1, 200, day(10))
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1,
		Amount:     600,
		Method:     MethodTransfer,
		Strategy:   FIFOStrategy(),
	})
	require.NoError(t, err)
	require.Len(t, payment.Allocations, 2)
	require.Equal(t, oldest.ID, payment.Allocations[0].InvoiceID)
	require.InDelta(t, 500, payment.Allocations[0].Amount, centTolerance)
	require.Equal(t, middle.ID, payment.Allocations[1].InvoiceID)
	require.InDelta(t, 100, payment.Allocations[1].Amount, centTolerance)

	require.Equal(t, InvoiceStatusPaid, repo.invoices[oldest.ID].Status)
	require.InDelta(t, 0, repo.invoices[oldest.ID].RemainingAmount, centTolerance)
	require.InDelta(t, 200, repo.invoices[middle.ID].RemainingAmount, centTolerance)
	require.InDelta(t, 200, repo.invoices[newest.ID].RemainingAmount, centTolerance)
	require.Equal(t, "PAY-20260825-0001", payment.PaymentNumber)
	require.Equal(t, "Toko Sinar Jaya", payment.CustomerName)
}

func TestRecordPaymentNumberSequence(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.addInvoice("INV-1", 1, 1000, day(10))
	svc := newTestService(repo)

	first, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 100, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)
	second, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 100, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)
	require.Equal(t, "PAY-20260825-0001", first.PaymentNumber)
	require.Equal(t, "PAY-20260825-0002", second.PaymentNumber)
}

func TestRecordPaymentOverpaymentLeavesNothingBehind(t *testing.T) {
	repo := newMemoryLedgerRepo()
	inv := repo.addInvoice("INV-1", 1, 400, day(10))
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 1000, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	var overpayment *OverpaymentError
	require.ErrorAs(t, err, &overpayment)
	require.Empty(t, repo.payments)
	require.InDelta(t, 400, repo.invoices[inv.ID].RemainingAmount, centTolerance)
}

func TestRecordPaymentManualSplit(t *testing.T) {
	repo := newMemoryLedgerRepo()
	a := repo.addInvoice("INV-1", 1, 500, day(50))
	b := repo.addInvoice("INV-2", 1, 300, day(30))
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1,
		Amount:     450,
		Method:     MethodCard,
		Strategy:   ManualStrategy(map[int64]float64{a.ID: 250, b.ID: 200}),
	})
	require.NoError(t, err)
	require.Len(t, payment.Allocations, 2)
	require.InDelta(t, 250, repo.invoices[a.ID].RemainingAmount, centTolerance)
	require.InDelta(t, 100, repo.invoices[b.ID].RemainingAmount, centTolerance)
	require.Equal(t, InvoiceStatusPending, repo.invoices[a.ID].Status)
}

func TestRecordPaymentValidation(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 0, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 100, Method: PaymentMethod("cheque"), Strategy: FIFOStrategy(),
	})
	require.ErrorAs(t, err, &validation)

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 100, Method: MethodCash,
	})
	require.ErrorAs(t, err, &validation)
}

func TestRecordPaymentUnknownCustomer(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 42, Amount: 100, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "customer", notFound.Entity)
}

func TestRecordPaymentSkipsCancelledInvoices(t *testing.T) {
	repo := newMemoryLedgerRepo()
	cancelled := repo.addInvoice("INV-1", 1, 500, day(90))
	repo.invoices[cancelled.ID].Status = InvoiceStatusCancelled
	open := repo.addInvoice("INV-2", 1, 300, day(10))
	svc := newTestService(repo)

	// The cancelled invoice carries a 500 balance but is not collectible:
	// paying more than the open 300 is an overpayment.
	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 400, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	var overpayment *OverpaymentError
	require.ErrorAs(t, err, &overpayment)
	require.InDelta(t, 300, overpayment.Outstanding, centTolerance)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 300, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)
	require.Len(t, payment.Allocations, 1)
	require.Equal(t, open.ID, payment.Allocations[0].InvoiceID)

	stored := repo.invoices[cancelled.ID]
	require.Equal(t, InvoiceStatusCancelled, stored.Status)
	require.InDelta(t, 0, stored.PaidAmount, centTolerance)
	require.InDelta(t, 500, stored.RemainingAmount, centTolerance)
}

func TestReversePaymentRestoresBalances(t *testing.T) {
	repo := newMemoryLedgerRepo()
	a := repo.addInvoice("INV-1", 1, 500, day(50))
	b := repo.addInvoice("INV-2", 1, 300, day(30))
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 600, Method: MethodTransfer, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, repo.invoices[a.ID].Status)

	err = svc.ReversePayment(context.Background(), payment.ID, "teller error")
	require.NoError(t, err)

	require.InDelta(t, 500, repo.invoices[a.ID].RemainingAmount, centTolerance)
	require.InDelta(t, 300, repo.invoices[b.ID].RemainingAmount, centTolerance)
	require.Equal(t, InvoiceStatusPending, repo.invoices[a.ID].Status)

	stored := repo.payments[payment.ID]
	require.True(t, stored.Reversed)
	require.Equal(t, "teller error", stored.ReversedReason)
	require.NotNil(t, stored.ReversedAt)
	require.Len(t, stored.Allocations, 2)
}

func TestReversePaymentTwice(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.addInvoice("INV-1", 1, 500, day(50))
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 200, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.ReversePayment(context.Background(), payment.ID, "first"))
	err = svc.ReversePayment(context.Background(), payment.ID, "second")
	var already *AlreadyReversedError
	require.ErrorAs(t, err, &already)
}

func TestReversePaymentRequiresReason(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := newTestService(repo)

	err := svc.ReversePayment(context.Background(), 1, "")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestReversedAllocationsExcludedFromInvoiceHistory(t *testing.T) {
	repo := newMemoryLedgerRepo()
	inv := repo.addInvoice("INV-1", 1, 500, day(50))
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 200, Method: MethodCash, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)

	allocations, err := svc.ListInvoiceAllocations(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 1)

	require.NoError(t, svc.ReversePayment(context.Background(), payment.ID, "mistake"))

	allocations, err = svc.ListInvoiceAllocations(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Empty(t, allocations)
}

func TestConservationAfterPaymentAndReversal(t *testing.T) {
	repo := newMemoryLedgerRepo()
	invoices := []*Invoice{
		repo.addInvoice("INV-1", 1, 500, day(70)),
		repo.addInvoice("INV-2", 1, 300, day(40)),
		repo.addInvoice("INV-3", 1, 200, day(10)),
	}
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 1, Amount: 750, Method: MethodTransfer, Strategy: FIFOStrategy(),
	})
	require.NoError(t, err)

	var allocated float64
	for _, a := range payment.Allocations {
		allocated += a.Amount
	}
	require.InDelta(t, payment.Amount, allocated, centTolerance)

	require.NoError(t, svc.ReversePayment(context.Background(), payment.ID, "undo"))
	for _, inv := range invoices {
		stored := repo.invoices[inv.ID]
		require.InDelta(t, 0, stored.PaidAmount, centTolerance)
		require.InDelta(t, stored.Total, stored.RemainingAmount, centTolerance)
	}
}

func TestRegisterInvoiceSnapshot(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := newTestService(repo)

	inv, err := svc.RegisterInvoiceSnapshot(context.Background(), InvoiceSnapshot{
		InvoiceNumber: "INV-100",
		CustomerID:    1,
		Total:         1200,
	})
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPending, inv.Status)
	require.InDelta(t, 1200, inv.RemainingAmount, centTolerance)

	_, err = svc.RegisterInvoiceSnapshot(context.Background(), InvoiceSnapshot{
		InvoiceNumber: "INV-101",
		CustomerID:    1,
		Total:         -5,
	})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}
