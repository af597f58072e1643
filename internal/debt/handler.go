package debt

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
	"github.com/meridian-erp/meridian-ledger/internal/platform/httpx"
)

// Handler serves the derived debt views.
type Handler struct {
	logger  *slog.Logger
	service *Service
	group   singleflight.Group
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers debt routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/customers/{id}/debt", h.customerDebt)
	r.Get("/debt/summary", h.debtSummary)
	r.Get("/debt/aging-analysis", h.agingAnalysis)
}

// collapse deduplicates concurrent identical reads. Aging scans every
// outstanding invoice, so a thundering herd on a cold cache hurts.
func (h *Handler) collapse(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	resultChan := h.group.DoChan(key, func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		return res.Val, res.Err
	}
}

func (h *Handler) customerDebt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	value, err := h.collapse(r.Context(), "summary:"+strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
		return h.service.CustomerSummary(ctx, id)
	})
	if err != nil {
		ledger.RespondError(h.logger, w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, value.(Summary))
}

// debtSummary serves the portfolio-wide position, or one customer's when a
// customer_id query parameter narrows the scope.
func (h *Handler) debtSummary(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
			return
		}
		value, err := h.collapse(r.Context(), "summary:"+strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
			return h.service.CustomerSummary(ctx, id)
		})
		if err != nil {
			ledger.RespondError(h.logger, w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, value.(Summary))
		return
	}
	value, err := h.collapse(r.Context(), "summary:all", func(ctx context.Context) (any, error) {
		return h.service.PortfolioSummary(ctx)
	})
	if err != nil {
		ledger.RespondError(h.logger, w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, value.(Summary))
}

func (h *Handler) agingAnalysis(w http.ResponseWriter, r *http.Request) {
	var customerID int64
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
			return
		}
		customerID = parsed
	}
	value, err := h.collapse(r.Context(), "aging:"+strconv.FormatInt(customerID, 10), func(ctx context.Context) (any, error) {
		return h.service.AgingReport(ctx, customerID)
	})
	if err != nil {
		ledger.RespondError(h.logger, w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, value.(AgingReport))
}
