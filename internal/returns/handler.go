package returns

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-ledger/internal/ledger"
	"github.com/meridian-erp/meridian-ledger/internal/observability"
	"github.com/meridian-erp/meridian-ledger/internal/platform/httpx"
)

// Handler manages invoice return endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	metrics   *observability.Metrics
}

// NewHandler builds a Handler instance. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), metrics: metrics}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices/{id}/returns", h.applyReturn)
	r.Get("/invoices/{id}/returns", h.listReturns)
}

type applyReturnRequest struct {
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Reason    string  `json:"reason" validate:"max=500"`
	CreatedBy string  `json:"created_by" validate:"max=100"`
}

type returnResponse struct {
	ID           int64   `json:"id"`
	InvoiceID    int64   `json:"invoice_id"`
	Amount       float64 `json:"amount"`
	CreditAmount float64 `json:"credit_amount"`
	Reason       string  `json:"reason,omitempty"`
	CreatedBy    string  `json:"created_by,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type applyReturnResponse struct {
	Return  returnResponse `json:"return"`
	Invoice invoiceState   `json:"invoice"`
}

type invoiceState struct {
	ID              int64   `json:"id"`
	InvoiceNumber   string  `json:"invoice_number"`
	Total           float64 `json:"total"`
	PaidAmount      float64 `json:"paid_amount"`
	RemainingAmount float64 `json:"remaining_amount"`
	Status          string  `json:"status"`
	HasReturns      bool    `json:"has_returns"`
}

func toReturnResponse(ret *InvoiceReturn) returnResponse {
	return returnResponse{
		ID:           ret.ID,
		InvoiceID:    ret.InvoiceID,
		Amount:       ret.Amount,
		CreditAmount: ret.CreditAmount,
		Reason:       ret.Reason,
		CreatedBy:    ret.CreatedBy,
		CreatedAt:    ret.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) applyReturn(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	var req applyReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ret, err := h.service.ApplyReturn(r.Context(), ApplyReturnInput{
		InvoiceID: invoiceID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		ledger.RespondError(h.logger, w, err)
		return
	}

	h.metrics.ReturnApplied()
	httpx.JSON(w, http.StatusCreated, applyReturnResponse{
		Return: toReturnResponse(ret),
		Invoice: invoiceState{
			ID:              ret.Invoice.ID,
			InvoiceNumber:   ret.Invoice.InvoiceNumber,
			Total:           ret.Invoice.Total,
			PaidAmount:      ret.Invoice.PaidAmount,
			RemainingAmount: ret.Invoice.RemainingAmount,
			Status:          string(ret.Invoice.Status),
			HasReturns:      ret.Invoice.HasReturns,
		},
	})
}

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	items, err := h.service.ListReturns(r.Context(), invoiceID)
	if err != nil {
		ledger.RespondError(h.logger, w, err)
		return
	}
	resp := make([]returnResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toReturnResponse(&items[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": resp})
}
