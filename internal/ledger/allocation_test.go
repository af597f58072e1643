package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openInvoice(id int64, number string, remaining float64, age time.Duration) Invoice {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return Invoice{
		ID:              id,
		InvoiceNumber:   number,
		CustomerID:      1,
		Total:           remaining,
		PaidAmount:      0,
		RemainingAmount: remaining,
		Status:          InvoiceStatusPending,
		CreatedAt:       now.Add(-age),
	}
}

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestPlanFIFOOldestFirst(t *testing.T) {
	candidates := []Invoice{
		openInvoice(3, "INV-3", 500, day(70)),
		openInvoice(2, "INV-2", 300, day(40)),
		openInvoice(1, "INV-1", 200, day(10)),
	}
	sortCandidates(candidates)

	plan, err := planAllocations(candidates, 600, FIFOStrategy())
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, int64(3), plan[0].InvoiceID)
	require.InDelta(t, 500, plan[0].Amount, centTolerance)
	require.Equal(t, int64(2), plan[1].InvoiceID)
	require.InDelta(t, 100, plan[1].Amount, centTolerance)
}

func TestPlanFIFOSettlesEverything(t *testing.T) {
	candidates := []Invoice{
		openInvoice(1, "INV-1", 250, day(20)),
		openInvoice(2, "INV-2", 750, day(5)),
	}
	sortCandidates(candidates)

	plan, err := planAllocations(candidates, 1000, FIFOStrategy())
	require.NoError(t, err)
	require.Len(t, plan, 2)

	var sum float64
	for _, line := range plan {
		sum += line.Amount
	}
	require.InDelta(t, 1000, sum, centTolerance)
}

func TestPlanFIFOTieBreakByID(t *testing.T) {
	sameAge := []Invoice{
		openInvoice(9, "INV-9", 100, day(30)),
		openInvoice(4, "INV-4", 100, day(30)),
	}
	sortCandidates(sameAge)

	plan, err := planAllocations(sameAge, 100, FIFOStrategy())
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, int64(4), plan[0].InvoiceID)
}

func TestPlanFIFOOverpayment(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 400, day(10))}

	_, err := planAllocations(candidates, 400.02, FIFOStrategy())
	var overpayment *OverpaymentError
	require.ErrorAs(t, err, &overpayment)
	require.InDelta(t, 400, overpayment.Outstanding, centTolerance)
}

func TestPlanFIFOToleratesCentDrift(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 400, day(10))}

	plan, err := planAllocations(candidates, 400.005, FIFOStrategy())
	require.NoError(t, err)
	require.Len(t, plan, 1)
}

func TestPlanFIFONoOpenInvoices(t *testing.T) {
	_, err := planAllocations(nil, 100, FIFOStrategy())
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestPlanFIFOWithinSelection(t *testing.T) {
	candidates := []Invoice{
		openInvoice(1, "INV-1", 500, day(50)),
		openInvoice(2, "INV-2", 300, day(30)),
		openInvoice(3, "INV-3", 200, day(10)),
	}
	sortCandidates(candidates)

	plan, err := planAllocations(candidates, 400, FIFOWithinStrategy([]int64{2, 3}))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, int64(2), plan[0].InvoiceID)
	require.InDelta(t, 300, plan[0].Amount, centTolerance)
	require.Equal(t, int64(3), plan[1].InvoiceID)
	require.InDelta(t, 100, plan[1].Amount, centTolerance)
}

func TestPlanFIFOWithinNoMatches(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 500, day(50))}

	_, err := planAllocations(candidates, 100, FIFOWithinStrategy([]int64{77}))
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestPlanFIFOWithinOverpaymentAgainstSelection(t *testing.T) {
	candidates := []Invoice{
		openInvoice(1, "INV-1", 500, day(50)),
		openInvoice(2, "INV-2", 300, day(30)),
	}
	sortCandidates(candidates)

	// 600 fits the customer's total debt but not the selected invoice.
	_, err := planAllocations(candidates, 600, FIFOWithinStrategy([]int64{2}))
	var overpayment *OverpaymentError
	require.ErrorAs(t, err, &overpayment)
}

func TestPlanManualExactSplit(t *testing.T) {
	candidates := []Invoice{
		openInvoice(1, "INV-1", 500, day(50)),
		openInvoice(2, "INV-2", 300, day(30)),
	}

	plan, err := planAllocations(candidates, 450, ManualStrategy(map[int64]float64{1: 250, 2: 200}))
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, int64(1), plan[0].InvoiceID)
	require.InDelta(t, 250, plan[0].Amount, centTolerance)
}

func TestPlanManualOvershootsInvoice(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 100, day(10))}

	_, err := planAllocations(candidates, 150, ManualStrategy(map[int64]float64{1: 150}))
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "INV-1", invalid.InvoiceNumber)
	require.InDelta(t, 100, invalid.Remaining, centTolerance)
}

func TestPlanManualSumMismatch(t *testing.T) {
	candidates := []Invoice{
		openInvoice(1, "INV-1", 500, day(50)),
		openInvoice(2, "INV-2", 300, day(30)),
	}

	_, err := planAllocations(candidates, 500, ManualStrategy(map[int64]float64{1: 250, 2: 200}))
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
}

func TestPlanManualUnknownInvoice(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 500, day(50))}

	_, err := planAllocations(candidates, 100, ManualStrategy(map[int64]float64{42: 100}))
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, int64(42), invalid.InvoiceID)
}

func TestPlanManualRejectsNonPositive(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 500, day(50))}

	_, err := planAllocations(candidates, 100, ManualStrategy(map[int64]float64{1: -100}))
	var invalid *InvalidAllocationError
	require.ErrorAs(t, err, &invalid)
}

func TestPlanRejectsZeroStrategy(t *testing.T) {
	candidates := []Invoice{openInvoice(1, "INV-1", 500, day(50))}

	_, err := planAllocations(candidates, 100, AllocationStrategy{})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestPaymentStatusBoundaries(t *testing.T) {
	require.Equal(t, PaymentStatusUnpaid, PaymentStatusOf(0, 100))
	require.Equal(t, PaymentStatusUnpaid, PaymentStatusOf(0.005, 100))
	require.Equal(t, PaymentStatusPartial, PaymentStatusOf(50, 100))
	require.Equal(t, PaymentStatusPaid, PaymentStatusOf(99.995, 100))
	require.Equal(t, PaymentStatusPaid, PaymentStatusOf(100, 100))
}

func TestRetryableOnlyForConflicts(t *testing.T) {
	require.True(t, Retryable(&ConcurrencyConflictError{Op: "tx", Err: errors.New("boom")}))
	require.False(t, Retryable(&ValidationError{Reason: "bad"}))
	require.False(t, Retryable(errors.New("other")))
}
