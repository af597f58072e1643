package ledger

import (
	"sort"
)

type allocationMode int

const (
	modeFIFO allocationMode = iota + 1
	modeFIFOWithin
	modeManual
)

// AllocationStrategy decides how a payment is split across open invoices.
// Build one through FIFOStrategy, FIFOWithinStrategy or ManualStrategy; the
// zero value is invalid, which keeps the modes mutually exclusive.
type AllocationStrategy struct {
	mode       allocationMode
	invoiceIDs []int64
	splits     map[int64]float64
}

// FIFOStrategy allocates to all open invoices, oldest debt first.
func FIFOStrategy() AllocationStrategy {
	return AllocationStrategy{mode: modeFIFO}
}

// FIFOWithinStrategy allocates oldest-first, restricted to the given invoices.
func FIFOWithinStrategy(invoiceIDs []int64) AllocationStrategy {
	ids := make([]int64, len(invoiceIDs))
	copy(ids, invoiceIDs)
	return AllocationStrategy{mode: modeFIFOWithin, invoiceIDs: ids}
}

// ManualStrategy allocates exactly the caller-supplied amount per invoice.
func ManualStrategy(splits map[int64]float64) AllocationStrategy {
	copied := make(map[int64]float64, len(splits))
	for id, amount := range splits {
		copied[id] = amount
	}
	return AllocationStrategy{mode: modeManual, splits: copied}
}

func (s AllocationStrategy) valid() bool {
	return s.mode != 0
}

// PlannedAllocation is one line of an allocation plan, produced before any
// mutation happens.
type PlannedAllocation struct {
	InvoiceID int64
	Amount    float64
}

// planAllocations computes the per-invoice split for a payment. candidates
// must be the customer's open invoices sorted by created_at ascending with id
// as tie-break; the planner never mutates them. All validation errors are
// raised here, before the transaction touches a single row.
func planAllocations(candidates []Invoice, amount float64, strategy AllocationStrategy) ([]PlannedAllocation, error) {
	switch strategy.mode {
	case modeFIFO:
		return planFIFO(candidates, amount)
	case modeFIFOWithin:
		return planFIFOWithin(candidates, strategy.invoiceIDs, amount)
	case modeManual:
		return planManual(candidates, strategy.splits, amount)
	default:
		return nil, &ValidationError{Field: "strategy", Reason: "allocation strategy required"}
	}
}

func planFIFO(candidates []Invoice, amount float64) ([]PlannedAllocation, error) {
	if len(candidates) == 0 {
		return nil, &ValidationError{Field: "customer_id", Reason: "customer has no open invoices"}
	}

	var outstanding float64
	for _, inv := range candidates {
		outstanding += inv.RemainingAmount
	}
	if amount > outstanding+centTolerance {
		return nil, &OverpaymentError{Amount: amount, Outstanding: outstanding}
	}

	plan := make([]PlannedAllocation, 0, len(candidates))
	left := amount
	for _, inv := range candidates {
		if left <= centTolerance {
			break
		}
		alloc := min(left, inv.RemainingAmount)
		plan = append(plan, PlannedAllocation{InvoiceID: inv.ID, Amount: alloc})
		left -= alloc
	}
	return plan, nil
}

func planFIFOWithin(candidates []Invoice, invoiceIDs []int64, amount float64) ([]PlannedAllocation, error) {
	selected := filterByIDs(candidates, invoiceIDs)
	if len(selected) == 0 {
		return nil, &ValidationError{Field: "invoice_ids", Reason: "no open invoices match the selection"}
	}
	return planFIFO(selected, amount)
}

func planManual(candidates []Invoice, splits map[int64]float64, amount float64) ([]PlannedAllocation, error) {
	if len(splits) == 0 {
		return nil, &ValidationError{Field: "manual_allocations", Reason: "at least one allocation required"}
	}

	byID := make(map[int64]Invoice, len(candidates))
	for _, inv := range candidates {
		byID[inv.ID] = inv
	}

	ids := make([]int64, 0, len(splits))
	for id := range splits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	plan := make([]PlannedAllocation, 0, len(ids))
	var sum float64
	for _, id := range ids {
		alloc := splits[id]
		if alloc <= 0 {
			return nil, &InvalidAllocationError{InvoiceID: id, Reason: "allocation amount must be positive"}
		}
		inv, ok := byID[id]
		if !ok {
			return nil, &InvalidAllocationError{InvoiceID: id, Reason: "invoice is not an open invoice of this customer"}
		}
		if alloc > inv.RemainingAmount+centTolerance {
			return nil, &InvalidAllocationError{
				InvoiceID:     id,
				InvoiceNumber: inv.InvoiceNumber,
				Reason:        "cannot allocate more than the remaining balance",
				Amount:        alloc,
				Remaining:     inv.RemainingAmount,
			}
		}
		plan = append(plan, PlannedAllocation{InvoiceID: id, Amount: alloc})
		sum += alloc
	}

	if diff := sum - amount; diff > centTolerance || diff < -centTolerance {
		return nil, &InvalidAllocationError{
			Reason:    "allocations must sum to the payment amount",
			Amount:    sum,
			Remaining: amount,
		}
	}
	return plan, nil
}

func filterByIDs(candidates []Invoice, ids []int64) []Invoice {
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	selected := make([]Invoice, 0, len(ids))
	for _, inv := range candidates {
		if _, ok := wanted[inv.ID]; ok {
			selected = append(selected, inv)
		}
	}
	return selected
}

// sortCandidates orders invoices oldest first, id ascending on equal age.
// The ordering is what "oldest debt first" means and must stay deterministic.
func sortCandidates(invoices []Invoice) {
	sort.SliceStable(invoices, func(a, b int) bool {
		if invoices[a].CreatedAt.Equal(invoices[b].CreatedAt) {
			return invoices[a].ID < invoices[b].ID
		}
		return invoices[a].CreatedAt.Before(invoices[b].CreatedAt)
	})
}
