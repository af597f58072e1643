package ledger

import (
	"strconv"
	"time"
)

type recordPaymentRequest struct {
	CustomerID        int64              `json:"customer_id" validate:"required,gt=0"`
	Amount            float64            `json:"amount" validate:"required,gt=0"`
	PaymentMethod     string             `json:"payment_method" validate:"required,oneof=cash transfer card"`
	PaymentDate       string             `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Notes             string             `json:"notes" validate:"max=500"`
	CreatedBy         string             `json:"created_by" validate:"max=100"`
	InvoiceIDs        []int64            `json:"invoice_ids" validate:"omitempty,dive,gt=0"`
	ManualAllocations map[string]float64 `json:"manual_allocations"`
}

// strategy derives the allocation strategy from the request. Supplying both
// invoice_ids and manual_allocations is rejected; supplying neither means
// plain FIFO.
func (req recordPaymentRequest) strategy() (AllocationStrategy, error) {
	if len(req.InvoiceIDs) > 0 && len(req.ManualAllocations) > 0 {
		return AllocationStrategy{}, &ValidationError{
			Field:  "manual_allocations",
			Reason: "invoice_ids and manual_allocations are mutually exclusive",
		}
	}
	if len(req.ManualAllocations) > 0 {
		splits := make(map[int64]float64, len(req.ManualAllocations))
		for key, amount := range req.ManualAllocations {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil || id <= 0 {
				return AllocationStrategy{}, &ValidationError{Field: "manual_allocations", Reason: "keys must be invoice ids"}
			}
			splits[id] = amount
		}
		return ManualStrategy(splits), nil
	}
	if len(req.InvoiceIDs) > 0 {
		return FIFOWithinStrategy(req.InvoiceIDs), nil
	}
	return FIFOStrategy(), nil
}

func (req recordPaymentRequest) paymentDate() (time.Time, error) {
	if req.PaymentDate == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", req.PaymentDate)
}

type reversePaymentRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type invoiceSnapshotRequest struct {
	InvoiceNumber string  `json:"invoice_number" validate:"required,max=64"`
	CustomerID    int64   `json:"customer_id" validate:"required,gt=0"`
	Total         float64 `json:"total" validate:"required,gt=0"`
	Status        string  `json:"status" validate:"omitempty,oneof=processing pending paid cancelled"`
	CreatedAt     string  `json:"created_at" validate:"omitempty"`
}

type allocationResponse struct {
	ID             int64   `json:"id"`
	PaymentID      int64   `json:"payment_id"`
	PaymentNumber  string  `json:"payment_number"`
	InvoiceID      int64   `json:"invoice_id"`
	InvoiceNumber  string  `json:"invoice_number"`
	PaymentMethod  string  `json:"payment_method"`
	Amount         float64 `json:"amount"`
	AllocationDate string  `json:"allocation_date"`
}

type paymentResponse struct {
	ID             int64                `json:"id"`
	PaymentNumber  string               `json:"payment_number"`
	CustomerID     int64                `json:"customer_id"`
	CustomerName   string               `json:"customer_name"`
	Amount         float64              `json:"amount"`
	PaymentMethod  string               `json:"payment_method"`
	PaymentDate    string               `json:"payment_date"`
	Notes          string               `json:"notes,omitempty"`
	Reversed       bool                 `json:"reversed"`
	ReversedReason string               `json:"reversed_reason,omitempty"`
	ReversedAt     *string              `json:"reversed_at,omitempty"`
	CreatedBy      string               `json:"created_by,omitempty"`
	CreatedAt      string               `json:"created_at"`
	Allocations    []allocationResponse `json:"allocations"`
}

type paymentListResponse struct {
	Payments []paymentResponse `json:"payments"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

type invoiceResponse struct {
	ID              int64   `json:"id"`
	InvoiceNumber   string  `json:"invoice_number"`
	CustomerID      int64   `json:"customer_id"`
	Total           float64 `json:"total"`
	PaidAmount      float64 `json:"paid_amount"`
	RemainingAmount float64 `json:"remaining_amount"`
	Status          string  `json:"status"`
	PaymentStatus   string  `json:"payment_status"`
	HasReturns      bool    `json:"has_returns"`
	CreatedAt       string  `json:"created_at"`
}

func toAllocationResponse(a PaymentAllocation) allocationResponse {
	return allocationResponse{
		ID:             a.ID,
		PaymentID:      a.PaymentID,
		PaymentNumber:  a.PaymentNumber,
		InvoiceID:      a.InvoiceID,
		InvoiceNumber:  a.InvoiceNumber,
		PaymentMethod:  string(a.Method),
		Amount:         a.Amount,
		AllocationDate: a.AllocationDate.Format(time.RFC3339),
	}
}

func toPaymentResponse(p *Payment) paymentResponse {
	resp := paymentResponse{
		ID:             p.ID,
		PaymentNumber:  p.PaymentNumber,
		CustomerID:     p.CustomerID,
		CustomerName:   p.CustomerName,
		Amount:         p.Amount,
		PaymentMethod:  string(p.Method),
		PaymentDate:    p.PaymentDate.Format("2006-01-02"),
		Notes:          p.Notes,
		Reversed:       p.Reversed,
		ReversedReason: p.ReversedReason,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		Allocations:    make([]allocationResponse, 0, len(p.Allocations)),
	}
	if p.ReversedAt != nil {
		at := p.ReversedAt.Format(time.RFC3339)
		resp.ReversedAt = &at
	}
	for _, a := range p.Allocations {
		resp.Allocations = append(resp.Allocations, toAllocationResponse(a))
	}
	return resp
}

func toInvoiceResponse(inv *Invoice) invoiceResponse {
	return invoiceResponse{
		ID:              inv.ID,
		InvoiceNumber:   inv.InvoiceNumber,
		CustomerID:      inv.CustomerID,
		Total:           inv.Total,
		PaidAmount:      inv.PaidAmount,
		RemainingAmount: inv.RemainingAmount,
		Status:          string(inv.Status),
		PaymentStatus:   string(inv.PaymentStatus()),
		HasReturns:      inv.HasReturns,
		CreatedAt:       inv.CreatedAt.Format(time.RFC3339),
	}
}
