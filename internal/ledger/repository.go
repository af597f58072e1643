package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/platform/db"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// mapPgError converts transient contention errors into the retryable
// conflict type. 40001 serialization failure, 40P01 deadlock, 55P03 lock
// not available.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return &ConcurrencyConflictError{Op: op, Err: err}
		}
	}
	return err
}

// CustomerName resolves the customer's display name.
func (r *Repository) CustomerName(ctx context.Context, customerID int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM customers WHERE id = $1`, customerID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &NotFoundError{Entity: "customer", ID: customerID}
	}
	if err != nil {
		return "", fmt.Errorf("ledger: customer name: %w", err)
	}
	return name, nil
}

// WithCustomerTx opens a RepeatableRead transaction, takes the customer's
// advisory lock and runs fn against a tx-scoped port. Two concurrent
// payments for the same customer serialize here; different customers never
// block each other.
func (r *Repository) WithCustomerTx(ctx context.Context, customerID int64, fn func(TxPort) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.CustomerLockKey(customerID)); err != nil {
			return fmt.Errorf("ledger: customer lock: %w", err)
		}
		return fn(&txRepo{tx: tx})
	})
	return mapPgError("ledger tx", err)
}

// txRepo implements TxPort over one open transaction.
type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) OpenInvoices(ctx context.Context, customerID int64) ([]Invoice, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at
		FROM invoices
		WHERE customer_id = $1
		  AND status IN ('pending', 'paid')
		  AND remaining_amount > $2
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`, customerID, centTolerance)
	if err != nil {
		return nil, fmt.Errorf("ledger: open invoices: %w", err)
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (t *txRepo) NextPaymentNumber(ctx context.Context, at time.Time) (string, error) {
	day := at.Format("2006-01-02")
	var counter int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payment_number_counters (day, counter) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET counter = payment_number_counters.counter + 1
		RETURNING counter`, day).Scan(&counter)
	if err != nil {
		return "", fmt.Errorf("ledger: payment number: %w", err)
	}
	return fmt.Sprintf("PAY-%s-%04d", at.Format("20060102"), counter), nil
}

func (t *txRepo) InsertPayment(ctx context.Context, p *Payment) error {
	var createdBy pgtype.Text
	if p.CreatedBy != "" {
		createdBy = pgtype.Text{String: p.CreatedBy, Valid: true}
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (payment_number, customer_id, amount, method, payment_date, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		p.PaymentNumber, p.CustomerID, p.Amount, p.Method, p.PaymentDate, p.Notes, createdBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert payment: %w", err)
	}
	return nil
}

func (t *txRepo) InsertAllocation(ctx context.Context, paymentID, invoiceID int64, amount float64, at time.Time) (PaymentAllocation, error) {
	alloc := PaymentAllocation{
		PaymentID:      paymentID,
		InvoiceID:      invoiceID,
		Amount:         amount,
		AllocationDate: at,
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payment_allocations (payment_id, invoice_id, amount, allocation_date, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id`,
		paymentID, invoiceID, amount, at,
	).Scan(&alloc.ID)
	if err != nil {
		return PaymentAllocation{}, fmt.Errorf("ledger: insert allocation: %w", err)
	}
	return alloc, nil
}

func (t *txRepo) ApplyAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE invoices SET
			paid_amount = paid_amount + $2,
			remaining_amount = GREATEST(total - (paid_amount + $2), 0),
			status = CASE
				WHEN status = 'cancelled' THEN status
				WHEN total - (paid_amount + $2) <= $3 THEN 'paid'
				ELSE 'pending'
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at`,
		invoiceID, amount, centTolerance)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("ledger: apply allocation: %w", err)
	}
	if inv.PaidAmount > inv.Total+centTolerance {
		return Invoice{}, &CorruptStateError{InvoiceID: invoiceID, Detail: amounts.Sprintf("paid %.2f exceeds total %.2f", inv.PaidAmount, inv.Total)}
	}
	return inv, nil
}

func (t *txRepo) PaymentForUpdate(ctx context.Context, paymentID int64) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT p.id, p.payment_number, p.customer_id, p.amount, p.method, p.payment_date,
		       p.notes, p.reversed, p.reversed_reason, p.reversed_at, p.created_by, p.created_at, p.updated_at
		FROM payments p
		WHERE p.id = $1
		FOR UPDATE`, paymentID)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: payment for update: %w", err)
	}
	payment.Allocations, err = queryAllocations(ctx, t.tx, `WHERE pa.payment_id = $1 ORDER BY pa.id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (t *txRepo) RevertAllocation(ctx context.Context, invoiceID int64, amount float64) (Invoice, error) {
	var paid, total float64
	err := t.tx.QueryRow(ctx, `SELECT paid_amount, total FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID).Scan(&paid, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("ledger: revert allocation: %w", err)
	}
	newPaid := paid - amount
	if newPaid < -centTolerance {
		return Invoice{}, &CorruptStateError{InvoiceID: invoiceID, Detail: amounts.Sprintf("reverting %.2f would leave paid amount at %.2f", amount, newPaid)}
	}
	if newPaid < 0 {
		newPaid = 0
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE invoices SET
			paid_amount = $2,
			remaining_amount = GREATEST(total - $2, 0),
			status = CASE
				WHEN status = 'cancelled' THEN status
				WHEN total - $2 <= $3 THEN 'paid'
				ELSE 'pending'
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at`,
		invoiceID, newPaid, centTolerance)
	inv, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, fmt.Errorf("ledger: revert allocation: %w", err)
	}
	return inv, nil
}

func (t *txRepo) MarkReversed(ctx context.Context, paymentID int64, reason string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments SET reversed = TRUE, reversed_reason = $2, reversed_at = $3, updated_at = NOW()
		WHERE id = $1 AND reversed = FALSE`, paymentID, reason, at)
	if err != nil {
		return fmt.Errorf("ledger: mark reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &AlreadyReversedError{PaymentID: paymentID}
	}
	return nil
}

// GetPayment loads a payment with customer name and allocations.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT p.id, p.payment_number, p.customer_id, p.amount, p.method, p.payment_date,
		       p.notes, p.reversed, p.reversed_reason, p.reversed_at, p.created_by, p.created_at, p.updated_at,
		       c.name
		FROM payments p
		JOIN customers c ON c.id = p.customer_id
		WHERE p.id = $1`, paymentID)
	payment, err := scanPaymentWithName(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get payment: %w", err)
	}
	payment.Allocations, err = queryAllocations(ctx, r.pool, `WHERE pa.payment_id = $1 ORDER BY pa.id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ListPayments returns payment history matching the filter, newest first,
// with the total match count for pagination.
func (r *Repository) ListPayments(ctx context.Context, filter ListPaymentsFilter) ([]Payment, int, error) {
	where := `WHERE 1=1`
	args := []any{}
	n := 0
	if filter.CustomerID > 0 {
		n++
		where += fmt.Sprintf(` AND p.customer_id = $%d`, n)
		args = append(args, filter.CustomerID)
	}
	if !filter.From.IsZero() {
		n++
		where += fmt.Sprintf(` AND p.payment_date >= $%d`, n)
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		n++
		where += fmt.Sprintf(` AND p.payment_date < $%d`, n)
		args = append(args, filter.To)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments p `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: count payments: %w", err)
	}

	query := `
		SELECT p.id, p.payment_number, p.customer_id, p.amount, p.method, p.payment_date,
		       p.notes, p.reversed, p.reversed_reason, p.reversed_at, p.created_by, p.created_at, p.updated_at,
		       c.name
		FROM payments p
		JOIN customers c ON c.id = p.customer_id ` + where +
		fmt.Sprintf(` ORDER BY p.payment_date DESC, p.id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]Payment, 0, filter.Limit)
	for rows.Next() {
		payment, err := scanPaymentWithName(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ledger: list payments: %w", err)
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ledger: list payments: %w", err)
	}
	return payments, total, nil
}

// ListInvoiceAllocations returns the active allocations against one invoice,
// newest first. Allocations belonging to reversed payments are excluded.
func (r *Repository) ListInvoiceAllocations(ctx context.Context, invoiceID int64) ([]PaymentAllocation, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, invoiceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("ledger: invoice lookup: %w", err)
	}
	if !exists {
		return nil, &NotFoundError{Entity: "invoice", ID: invoiceID}
	}
	return queryAllocations(ctx, r.pool,
		`WHERE pa.invoice_id = $1 AND p.reversed = FALSE ORDER BY pa.allocation_date DESC, pa.id DESC`, invoiceID)
}

// UpsertInvoiceSnapshot ingests an invoice snapshot. On conflict the balance
// columns the ledger owns are preserved and a paid invoice is never demoted
// back to pending by a stale snapshot.
func (r *Repository) UpsertInvoiceSnapshot(ctx context.Context, snap InvoiceSnapshot) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $3, $4, FALSE, $5, NOW())
		ON CONFLICT (invoice_number) DO UPDATE SET
			total = EXCLUDED.total,
			remaining_amount = GREATEST(EXCLUDED.total - invoices.paid_amount, 0),
			status = CASE
				WHEN invoices.status = 'paid' AND EXCLUDED.status = 'pending' THEN invoices.status
				ELSE EXCLUDED.status
			END,
			updated_at = NOW()
		RETURNING id, invoice_number, customer_id, total, paid_amount, remaining_amount, status, has_returns, created_at, updated_at`,
		snap.InvoiceNumber, snap.CustomerID, snap.Total, snap.Status, snap.CreatedAt)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: upsert invoice snapshot: %w", mapPgError("invoice snapshot", err))
	}
	return &inv, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanInvoice(row rowScanner) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &inv.Total, &inv.PaidAmount,
		&inv.RemainingAmount, &inv.Status, &inv.HasReturns, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan invoices: %w", err)
	}
	return invoices, nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var notes, reversedReason, createdBy pgtype.Text
	var reversedAt pgtype.Timestamptz
	err := row.Scan(&p.ID, &p.PaymentNumber, &p.CustomerID, &p.Amount, &p.Method, &p.PaymentDate,
		&notes, &p.Reversed, &reversedReason, &reversedAt, &createdBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Notes = notes.String
	p.ReversedReason = reversedReason.String
	p.CreatedBy = createdBy.String
	if reversedAt.Valid {
		t := reversedAt.Time
		p.ReversedAt = &t
	}
	return &p, nil
}

func scanPaymentWithName(row rowScanner) (*Payment, error) {
	var p Payment
	var notes, reversedReason, createdBy pgtype.Text
	var reversedAt pgtype.Timestamptz
	err := row.Scan(&p.ID, &p.PaymentNumber, &p.CustomerID, &p.Amount, &p.Method, &p.PaymentDate,
		&notes, &p.Reversed, &reversedReason, &reversedAt, &createdBy, &p.CreatedAt, &p.UpdatedAt,
		&p.CustomerName)
	if err != nil {
		return nil, err
	}
	p.Notes = notes.String
	p.ReversedReason = reversedReason.String
	p.CreatedBy = createdBy.String
	if reversedAt.Valid {
		t := reversedAt.Time
		p.ReversedAt = &t
	}
	return &p, nil
}

func queryAllocations(ctx context.Context, q querier, where string, args ...any) ([]PaymentAllocation, error) {
	rows, err := q.Query(ctx, `
		SELECT pa.id, pa.payment_id, p.payment_number, pa.invoice_id, i.invoice_number, p.method, pa.amount, pa.allocation_date
		FROM payment_allocations pa
		JOIN payments p ON p.id = pa.payment_id
		JOIN invoices i ON i.id = pa.invoice_id `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: allocations: %w", err)
	}
	defer rows.Close()

	var allocations []PaymentAllocation
	for rows.Next() {
		var a PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.PaymentNumber, &a.InvoiceID, &a.InvoiceNumber, &a.Method, &a.Amount, &a.AllocationDate); err != nil {
			return nil, fmt.Errorf("ledger: scan allocation: %w", err)
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: allocations: %w", err)
	}
	return allocations, nil
}
