package debt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
)

// tolerance mirrors the ledger's money comparison tolerance.
const tolerance = 0.01

// OutstandingInvoice is the slice of an invoice the aging report needs.
type OutstandingInvoice struct {
	ID            int64
	InvoiceNumber string
	CustomerID    int64
	CreatedAt     time.Time
	Remaining     float64
}

// Repository provides read-only aggregate queries over ledger state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CustomerSummary computes the debt position of one customer in a single
// grouped query plus a returns aggregate. Cancelled invoices count for
// nothing; collectible means status pending or paid with a balance left.
func (r *Repository) CustomerSummary(ctx context.Context, customerID int64, asOf time.Time) (Summary, error) {
	cutoff := asOf.Add(-overdueAfter)
	summary := Summary{CustomerID: customerID}
	err := r.pool.QueryRow(ctx, `
		SELECT
			c.name,
			COALESCE(SUM(i.remaining_amount) FILTER (WHERE i.status IN ('pending', 'paid')), 0),
			COALESCE(SUM(i.total) FILTER (WHERE i.status IN ('pending', 'paid')), 0),
			COUNT(i.id) FILTER (WHERE i.status IN ('pending', 'paid')),
			COUNT(i.id) FILTER (WHERE i.status IN ('pending', 'paid') AND i.remaining_amount > $2 AND i.paid_amount <= $2),
			COUNT(i.id) FILTER (WHERE i.status IN ('pending', 'paid') AND i.remaining_amount > $2 AND i.paid_amount > $2),
			COUNT(i.id) FILTER (WHERE i.status IN ('pending', 'paid') AND i.remaining_amount > $2 AND i.created_at < $3),
			COALESCE(SUM(i.remaining_amount) FILTER (WHERE i.status IN ('pending', 'paid') AND i.remaining_amount > $2 AND i.created_at < $3), 0)
		FROM customers c
		LEFT JOIN invoices i ON i.customer_id = c.id
		WHERE c.id = $1
		GROUP BY c.id, c.name`,
		customerID, tolerance, cutoff,
	).Scan(
		&summary.CustomerName,
		&summary.TotalDebt,
		&summary.TotalRevenue,
		&summary.InvoiceCount,
		&summary.UnpaidInvoices,
		&summary.PartialInvoices,
		&summary.OverdueInvoices,
		&summary.OverdueDebt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, &ledger.NotFoundError{Entity: "customer", ID: customerID}
	}
	if err != nil {
		return Summary{}, fmt.Errorf("debt: customer summary: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(r.amount), 0)
		FROM invoice_returns r
		JOIN invoices i ON i.id = r.invoice_id
		WHERE i.customer_id = $1`, customerID,
	).Scan(&summary.TotalRefunded)
	if err != nil {
		return Summary{}, fmt.Errorf("debt: refunded total: %w", err)
	}

	summary.OpenInvoices, err = r.openInvoices(ctx, customerID, asOf)
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// PortfolioSummary aggregates the debt position across every customer. Only
// issued invoices (pending or paid) count; the open invoice list is a
// single-customer concern and stays empty here.
func (r *Repository) PortfolioSummary(ctx context.Context, asOf time.Time) (Summary, error) {
	cutoff := asOf.Add(-overdueAfter)
	var summary Summary
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(remaining_amount) FILTER (WHERE status IN ('pending', 'paid')), 0),
			COALESCE(SUM(total) FILTER (WHERE status IN ('pending', 'paid')), 0),
			COUNT(id) FILTER (WHERE status IN ('pending', 'paid')),
			COUNT(id) FILTER (WHERE status IN ('pending', 'paid') AND remaining_amount > $1 AND paid_amount <= $1),
			COUNT(id) FILTER (WHERE status IN ('pending', 'paid') AND remaining_amount > $1 AND paid_amount > $1),
			COUNT(id) FILTER (WHERE status IN ('pending', 'paid') AND remaining_amount > $1 AND created_at < $2),
			COALESCE(SUM(remaining_amount) FILTER (WHERE status IN ('pending', 'paid') AND remaining_amount > $1 AND created_at < $2), 0)
		FROM invoices`,
		tolerance, cutoff,
	).Scan(
		&summary.TotalDebt,
		&summary.TotalRevenue,
		&summary.InvoiceCount,
		&summary.UnpaidInvoices,
		&summary.PartialInvoices,
		&summary.OverdueInvoices,
		&summary.OverdueDebt,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("debt: portfolio summary: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM invoice_returns`).Scan(&summary.TotalRefunded)
	if err != nil {
		return Summary{}, fmt.Errorf("debt: portfolio refunded total: %w", err)
	}
	return summary, nil
}

func (r *Repository) openInvoices(ctx context.Context, customerID int64, asOf time.Time) ([]OpenInvoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_number, total, paid_amount, remaining_amount, status, created_at
		FROM invoices
		WHERE customer_id = $1
		  AND status IN ('pending', 'paid')
		  AND remaining_amount > $2
		ORDER BY created_at ASC, id ASC`, customerID, tolerance)
	if err != nil {
		return nil, fmt.Errorf("debt: open invoices: %w", err)
	}
	defer rows.Close()

	var invoices []OpenInvoice
	for rows.Next() {
		var inv OpenInvoice
		var createdAt time.Time
		if err := rows.Scan(&inv.InvoiceID, &inv.InvoiceNumber, &inv.Total, &inv.PaidAmount, &inv.Remaining, &inv.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("debt: scan open invoice: %w", err)
		}
		inv.AgeDays = ageDays(createdAt, asOf)
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("debt: open invoices: %w", err)
	}
	return invoices, nil
}

// OutstandingInvoices returns every invoice still carrying debt, optionally
// restricted to one customer (customerID zero means all). Invoices stuck in
// processing still age, so they are included.
func (r *Repository) OutstandingInvoices(ctx context.Context, customerID int64) ([]OutstandingInvoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_number, customer_id, created_at, remaining_amount
		FROM invoices
		WHERE status IN ('processing', 'pending', 'paid')
		  AND remaining_amount > $1
		  AND ($2 = 0 OR customer_id = $2)`, tolerance, customerID)
	if err != nil {
		return nil, fmt.Errorf("debt: outstanding invoices: %w", err)
	}
	defer rows.Close()

	var invoices []OutstandingInvoice
	for rows.Next() {
		var inv OutstandingInvoice
		if err := rows.Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &inv.CreatedAt, &inv.Remaining); err != nil {
			return nil, fmt.Errorf("debt: scan outstanding invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("debt: outstanding invoices: %w", err)
	}
	return invoices, nil
}
