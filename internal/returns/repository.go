package returns

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
	"github.com/meridian-erp/meridian-ledger/internal/platform/db"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

const tolerance = 0.01

// Repository provides PostgreSQL backed persistence for returns.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InvoiceCustomer resolves the customer owning an invoice.
func (r *Repository) InvoiceCustomer(ctx context.Context, invoiceID int64) (int64, error) {
	var customerID int64
	err := r.pool.QueryRow(ctx, `SELECT customer_id FROM invoices WHERE id = $1`, invoiceID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &ledger.NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	if err != nil {
		return 0, fmt.Errorf("returns: invoice customer: %w", err)
	}
	return customerID, nil
}

// WithCustomerTx runs fn under the customer's ledger lock, the same lock
// payments take. See ledger.Repository.WithCustomerTx.
func (r *Repository) WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.CustomerLockKey(customerID)); err != nil {
			return fmt.Errorf("returns: customer lock: %w", err)
		}
		return fn(&txRepo{tx: tx})
	})
}

// ListReturns returns the returns applied to one invoice, newest first.
func (r *Repository) ListReturns(ctx context.Context, invoiceID int64) ([]InvoiceReturn, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, amount, credit_amount, reason, created_by, created_at
		FROM invoice_returns
		WHERE invoice_id = $1
		ORDER BY created_at DESC, id DESC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("returns: list: %w", err)
	}
	defer rows.Close()

	var result []InvoiceReturn
	for rows.Next() {
		var ret InvoiceReturn
		var reason, createdBy pgtype.Text
		if err := rows.Scan(&ret.ID, &ret.InvoiceID, &ret.Amount, &ret.CreditAmount, &reason, &createdBy, &ret.CreatedAt); err != nil {
			return nil, fmt.Errorf("returns: scan: %w", err)
		}
		ret.Reason = reason.String
		ret.CreatedBy = createdBy.String
		result = append(result, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("returns: list: %w", err)
	}
	return result, nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) InvoiceForUpdate(ctx context.Context, invoiceID int64) (ledger.Invoice, error) {
	var inv ledger.Invoice
	err := t.tx.QueryRow(ctx, `
		SELECT id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE`, invoiceID,
	).Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &inv.Total, &inv.PaidAmount,
		&inv.RemainingAmount, &inv.Status, &inv.HasReturns, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Invoice{}, &ledger.NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("returns: invoice for update: %w", err)
	}
	return inv, nil
}

func (t *txRepo) InsertReturn(ctx context.Context, ret *InvoiceReturn) error {
	var createdBy pgtype.Text
	if ret.CreatedBy != "" {
		createdBy = pgtype.Text{String: ret.CreatedBy, Valid: true}
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoice_returns (invoice_id, amount, credit_amount, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		ret.InvoiceID, ret.Amount, ret.CreditAmount, ret.Reason, createdBy,
	).Scan(&ret.ID, &ret.CreatedAt)
	if err != nil {
		return fmt.Errorf("returns: insert: %w", err)
	}
	return nil
}

func (t *txRepo) ApplyTotals(ctx context.Context, invoiceID int64, newTotal float64) (ledger.Invoice, error) {
	var inv ledger.Invoice
	err := t.tx.QueryRow(ctx, `
		UPDATE invoices SET
			total = $2,
			remaining_amount = GREATEST($2 - paid_amount, 0),
			has_returns = TRUE,
			status = CASE
				WHEN status = 'cancelled' THEN status
				WHEN $2 - paid_amount <= $3 THEN 'paid'
				ELSE 'pending'
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at`,
		invoiceID, newTotal, tolerance,
	).Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &inv.Total, &inv.PaidAmount,
		&inv.RemainingAmount, &inv.Status, &inv.HasReturns, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("returns: apply totals: %w", err)
	}
	return inv, nil
}
