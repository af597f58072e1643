package debt

import (
	"context"
	"time"

	"github.com/meridian-erp/meridian-ledger/internal/observability"
)

// RepositoryPort defines the aggregate queries the service needs.
type RepositoryPort interface {
	CustomerSummary(ctx context.Context, customerID int64, asOf time.Time) (Summary, error)
	PortfolioSummary(ctx context.Context, asOf time.Time) (Summary, error)
	// OutstandingInvoices with customerID zero spans all customers.
	OutstandingInvoices(ctx context.Context, customerID int64) ([]OutstandingInvoice, error)
}

// Service derives debt views. Reads are idempotent and never write ledger
// state, so they cache aggressively behind the version counter.
type Service struct {
	repo    RepositoryPort
	cache   *Cache
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService builds a Service instance. cache and metrics may be nil.
func NewService(repo RepositoryPort, cache *Cache, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, cache: cache, metrics: metrics, now: time.Now}
}

// CustomerSummary returns the customer's debt position as of now.
func (s *Service) CustomerSummary(ctx context.Context, customerID int64) (Summary, error) {
	asOf := s.now().UTC()

	loader := func(ctx context.Context) (any, error) {
		summary, err := s.repo.CustomerSummary(ctx, customerID, asOf)
		if err != nil {
			return nil, err
		}
		deriveRevenue(&summary)
		summary.AsOf = asOf.Format(time.RFC3339)
		return summary, nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return Summary{}, err
		}
		return value.(Summary), nil
	}

	key, err := s.cache.BuildKey(ctx, keySummary(customerID))
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	hit, err := s.cache.FetchJSON(ctx, key, &summary, loader)
	if err != nil {
		return Summary{}, err
	}
	s.recordLookup(hit)
	return summary, nil
}

// PortfolioSummary returns the debt position aggregated over all customers.
func (s *Service) PortfolioSummary(ctx context.Context) (Summary, error) {
	asOf := s.now().UTC()

	loader := func(ctx context.Context) (any, error) {
		summary, err := s.repo.PortfolioSummary(ctx, asOf)
		if err != nil {
			return nil, err
		}
		deriveRevenue(&summary)
		summary.AsOf = asOf.Format(time.RFC3339)
		return summary, nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return Summary{}, err
		}
		return value.(Summary), nil
	}

	key, err := s.cache.BuildKey(ctx, keyPortfolio())
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	hit, err := s.cache.FetchJSON(ctx, key, &summary, loader)
	if err != nil {
		return Summary{}, err
	}
	s.recordLookup(hit)
	return summary, nil
}

// deriveRevenue recovers gross revenue from the stored invoice totals.
// Applying a return rewrites invoices.total downward, so the stored sum is
// already net of returns; adding refunds back yields the gross figure, and
// net revenue is then gross minus refunds.
func deriveRevenue(summary *Summary) {
	summary.TotalRevenue += summary.TotalRefunded
	summary.NetRevenue = summary.TotalRevenue - summary.TotalRefunded
}

// AgingReport buckets every outstanding invoice by age, optionally scoped to
// one customer (customerID zero spans all). Boundaries are half-open: an
// invoice aged exactly 30 days lands in the 30-60 band.
func (s *Service) AgingReport(ctx context.Context, customerID int64) (AgingReport, error) {
	asOf := s.now().UTC()

	loader := func(ctx context.Context) (any, error) {
		invoices, err := s.repo.OutstandingInvoices(ctx, customerID)
		if err != nil {
			return nil, err
		}
		return buildAgingReport(invoices, asOf), nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return AgingReport{}, err
		}
		return value.(AgingReport), nil
	}

	key, err := s.cache.BuildKey(ctx, keyAging(asOf, customerID))
	if err != nil {
		return AgingReport{}, err
	}
	var report AgingReport
	hit, err := s.cache.FetchJSON(ctx, key, &report, loader)
	if err != nil {
		return AgingReport{}, err
	}
	s.recordLookup(hit)
	return report, nil
}

func (s *Service) recordLookup(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.DebtCacheLookup("hit")
	} else {
		s.metrics.DebtCacheLookup("miss")
	}
}

func buildAgingReport(invoices []OutstandingInvoice, asOf time.Time) AgingReport {
	report := AgingReport{
		Buckets: make([]AgingBucket, len(bucketNames)),
		AsOf:    asOf.Format(time.RFC3339),
	}
	for i, name := range bucketNames {
		report.Buckets[i].Bucket = name
	}
	for _, inv := range invoices {
		age := ageDays(inv.CreatedAt, asOf)
		idx := bucketFor(age)
		report.Buckets[idx].Amount += inv.Remaining
		report.Buckets[idx].InvoiceCount++
		report.Buckets[idx].Invoices = append(report.Buckets[idx].Invoices, AgingInvoice{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			CustomerID:    inv.CustomerID,
			Remaining:     inv.Remaining,
			AgeDays:       age,
		})
		report.TotalDebt += inv.Remaining
		report.InvoiceCount++
	}
	return report
}
