// Package debt derives customer debt summaries and receivable aging reports
// from the payment ledger. Everything here is read-only over ledger state.
package debt

import "time"

// overdueAfter is how old an unpaid invoice may grow before it counts as
// overdue in the customer summary.
const overdueAfter = 30 * 24 * time.Hour

// Summary is the per-customer debt position.
type Summary struct {
	CustomerID      int64         `json:"customer_id"`
	CustomerName    string        `json:"customer_name"`
	TotalDebt       float64       `json:"total_debt"`
	TotalRevenue    float64       `json:"total_revenue"`
	TotalRefunded   float64       `json:"total_refunded"`
	NetRevenue      float64       `json:"net_revenue"`
	InvoiceCount    int           `json:"invoice_count"`
	UnpaidInvoices  int           `json:"unpaid_invoices"`
	PartialInvoices int           `json:"partial_invoices"`
	OverdueInvoices int           `json:"overdue_invoices"`
	OverdueDebt     float64       `json:"overdue_debt"`
	OpenInvoices    []OpenInvoice `json:"open_invoices"`
	AsOf            string        `json:"as_of"`
}

// OpenInvoice is one still-collectible invoice inside a customer summary.
type OpenInvoice struct {
	InvoiceID     int64   `json:"invoice_id"`
	InvoiceNumber string  `json:"invoice_number"`
	Total         float64 `json:"total"`
	PaidAmount    float64 `json:"paid_amount"`
	Remaining     float64 `json:"remaining_amount"`
	Status        string  `json:"status"`
	AgeDays       int     `json:"age_days"`
}

// AgingInvoice is one invoice contributing to an aging bucket.
type AgingInvoice struct {
	InvoiceID     int64   `json:"invoice_id"`
	InvoiceNumber string  `json:"invoice_number"`
	CustomerID    int64   `json:"customer_id"`
	Remaining     float64 `json:"remaining_amount"`
	AgeDays       int     `json:"age_days"`
}

// AgingBucket holds the outstanding amount and invoice count for one age band.
type AgingBucket struct {
	Bucket       string         `json:"bucket"`
	Amount       float64        `json:"amount"`
	InvoiceCount int            `json:"invoice_count"`
	Invoices     []AgingInvoice `json:"invoices"`
}

// AgingReport is the receivable aging analysis across all customers.
type AgingReport struct {
	Buckets      []AgingBucket `json:"buckets"`
	TotalDebt    float64       `json:"total_debt"`
	InvoiceCount int           `json:"invoice_count"`
	AsOf         string        `json:"as_of"`
}

// bucketNames in ascending age order. Boundaries are half-open: an invoice
// aged exactly 30 days falls into the 30-60 band.
var bucketNames = []string{"0-30", "30-60", "60-90", "90+"}

// bucketFor maps an invoice age in days onto its band index.
func bucketFor(ageDays int) int {
	switch {
	case ageDays < 30:
		return 0
	case ageDays < 60:
		return 1
	case ageDays < 90:
		return 2
	default:
		return 3
	}
}

// ageDays computes whole days elapsed, clamped at zero for clock skew.
func ageDays(createdAt, asOf time.Time) int {
	days := int(asOf.Sub(createdAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
