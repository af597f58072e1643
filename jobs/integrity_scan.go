package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-erp/meridian-ledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// tolerance mirrors the ledger's money comparison tolerance.
const tolerance = 0.01

// IntegrityScanJob verifies the ledger conservation invariants: invoice paid
// amounts must equal their active allocation sums, remaining amounts must be
// derivable from total and paid, and nothing may be paid past its total.
// Violations are logged and counted, never repaired automatically.
type IntegrityScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityScanJob wires dependencies for the integrity scan handler.
func NewIntegrityScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanJob {
	return &IntegrityScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type integrityCheck struct {
	name  string
	query string
}

var integrityChecks = []integrityCheck{
	{
		name: "allocation_sum",
		query: `
			SELECT i.id
			FROM invoices i
			LEFT JOIN (
				SELECT pa.invoice_id, SUM(pa.amount) AS allocated
				FROM payment_allocations pa
				JOIN payments p ON p.id = pa.payment_id
				WHERE p.reversed = FALSE
				GROUP BY pa.invoice_id
			) a ON a.invoice_id = i.id
			WHERE ABS(i.paid_amount - COALESCE(a.allocated, 0)) > $1`,
	},
	{
		name: "remaining_derivation",
		query: `
			SELECT id
			FROM invoices
			WHERE ABS(remaining_amount - GREATEST(total - paid_amount, 0)) > $1`,
	},
	{
		name: "paid_bounds",
		query: `
			SELECT id
			FROM invoices
			WHERE paid_amount < -$1 OR paid_amount > total + $1`,
	},
}

// Handle processes integrity scan tasks.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerIntegrityScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting ledger integrity scan")

	start := j.now()
	total := 0
	for _, check := range integrityChecks {
		ids, err := j.runCheck(ctx, check)
		if err != nil {
			resultErr = err
			logger.Error("integrity check failed", slog.String("check", check.name), slog.Any("error", err))
			return resultErr
		}
		if len(ids) > 0 {
			j.metrics().AddViolations(check.name, len(ids))
			logger.Error("ledger invariant violated",
				slog.String("check", check.name),
				slog.Int("invoices", len(ids)),
				slog.Any("invoice_ids", ids))
			total += len(ids)
		}
	}

	logger.Info("completed ledger integrity scan",
		slog.Int("violations", total),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *IntegrityScanJob) runCheck(ctx context.Context, check integrityCheck) ([]int64, error) {
	if j.Pool == nil {
		return nil, errors.New("integrity scan: pool not configured")
	}
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := j.Pool.Query(checkCtx, check.query, tolerance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *IntegrityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrityScan))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrityScan))
}

func (j *IntegrityScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
