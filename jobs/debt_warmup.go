package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/debt"
	jobmetrics "github.com/meridian-erp/meridian-ledger/internal/jobs"
)

// DebtWarmupJob pre-populates the debt caches for customers carrying debt,
// so the first morning request does not pay the aggregation cost.
type DebtWarmupJob struct {
	Debt    *debt.Service
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDebtWarmupJob wires dependencies for the warmup handler.
func NewDebtWarmupJob(debtSvc *debt.Service, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtWarmupJob {
	return &DebtWarmupJob{
		Debt:    debtSvc,
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes debt warmup tasks.
func (j *DebtWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("debt warmup: handler not configured")
	}
	var payload DebtWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskDebtSnapshotWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting debt cache warmup")

	customers, err := j.fetchDebtors(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load debtor list", slog.Any("error", err))
		return resultErr
	}

	start := j.now()
	if j.Debt != nil {
		if _, err := j.Debt.AgingReport(ctx, 0); err != nil {
			resultErr = err
			logger.Error("warm aging report", slog.Any("error", err))
			return resultErr
		}
		for _, customerID := range customers {
			warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := j.Debt.CustomerSummary(warmCtx, customerID)
			cancel()
			if err != nil {
				resultErr = err
				logger.Error("warm customer summary", slog.Int64("customer_id", customerID), slog.Any("error", err))
				return resultErr
			}
		}
	}

	logger.Info("completed debt cache warmup",
		slog.Int("customers", len(customers)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *DebtWarmupJob) fetchDebtors(ctx context.Context) ([]int64, error) {
	if j.Pool == nil {
		return nil, errors.New("debt warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT customer_id
		FROM invoices
		WHERE status IN ('pending', 'paid') AND remaining_amount > $1
		ORDER BY customer_id`, tolerance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		customers = append(customers, id)
	}
	return customers, rows.Err()
}

func (j *DebtWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDebtSnapshotWarmup))
	}
	return slog.Default().With(slog.String("job", TaskDebtSnapshotWarmup))
}

func (j *DebtWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DebtWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
