package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-ledger/internal/observability"
	"github.com/meridian-erp/meridian-ledger/internal/platform/httpx"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// Handler manages payment ledger endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	validator   *validator.Validate
	idempotency *shared.IdempotencyStore
	metrics     *observability.Metrics
}

// NewHandler builds a Handler instance. idempotency and metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency *shared.IdempotencyStore, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		validator:   validator.New(),
		idempotency: idempotency,
		metrics:     metrics,
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments", h.recordPayment)
	r.Get("/payments", h.listPayments)
	r.Get("/payments/{id}", h.getPayment)
	r.Delete("/payments/{id}/reverse", h.reversePayment)
	r.Get("/invoices/{id}/payments", h.listInvoicePayments)
	r.Post("/invoices/snapshot", h.registerInvoiceSnapshot)
}

// RespondError maps ledger domain errors onto RFC7807 responses. Shared with
// the debt and returns handlers, which reuse the same error taxonomy.
func RespondError(logger *slog.Logger, w http.ResponseWriter, err error) {
	var (
		validation   *ValidationError
		overpayment  *OverpaymentError
		invalidAlloc *InvalidAllocationError
		notFound     *NotFoundError
		alreadyRev   *AlreadyReversedError
		conflict     *ConcurrencyConflictError
		corrupt      *CorruptStateError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &overpayment), errors.As(err, &invalidAlloc):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.As(err, &notFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &alreadyRev):
		httpx.Problem(w, http.StatusConflict, "Already Reversed", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.As(err, &conflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent Update", "the ledger is busy for this customer, retry the request")
	case errors.As(err, &corrupt):
		logger.Error("ledger state corrupt", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		logger.Error("ledger request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	strategy, err := req.strategy()
	if err != nil {
		RespondError(h.logger, w, err)
		return
	}
	paymentDate, err := req.paymentDate()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "payment_date must be YYYY-MM-DD")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), idemKey, "ledger"); err != nil {
			RespondError(h.logger, w, err)
			return
		}
	}

	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Method:      PaymentMethod(req.PaymentMethod),
		Notes:       req.Notes,
		PaymentDate: paymentDate,
		CreatedBy:   req.CreatedBy,
		Strategy:    strategy,
	})
	if err != nil {
		if idemKey != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), idemKey); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		RespondError(h.logger, w, err)
		return
	}

	h.metrics.PaymentRecorded()
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListPaymentsFilter{}
	if v := q.Get("customer_id"); v != "" {
		filter.CustomerID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		// inclusive upper bound on the day
		filter.To = t.AddDate(0, 0, 1)
	}
	filter.Limit, filter.Offset = shared.ParsePagination(q.Get("limit"), q.Get("offset"))

	payments, total, err := h.service.ListPayments(r.Context(), filter)
	if err != nil {
		RespondError(h.logger, w, err)
		return
	}

	resp := paymentListResponse{
		Payments: make([]paymentResponse, 0, len(payments)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for i := range payments {
		resp.Payments = append(resp.Payments, toPaymentResponse(&payments[i]))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		RespondError(h.logger, w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *Handler) reversePayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}
	var req reversePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", "reversal reason required")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ReversePayment(r.Context(), id, req.Reason); err != nil {
		RespondError(h.logger, w, err)
		return
	}
	h.metrics.PaymentReversed()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return
	}
	allocations, err := h.service.ListInvoiceAllocations(r.Context(), id)
	if err != nil {
		RespondError(h.logger, w, err)
		return
	}
	resp := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		resp = append(resp, toAllocationResponse(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": resp})
}

func (h *Handler) registerInvoiceSnapshot(w http.ResponseWriter, r *http.Request) {
	var req invoiceSnapshotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	snap := InvoiceSnapshot{
		InvoiceNumber: req.InvoiceNumber,
		CustomerID:    req.CustomerID,
		Total:         req.Total,
		Status:        InvoiceStatus(req.Status),
	}
	if req.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CreatedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "created_at must be RFC3339")
			return
		}
		snap.CreatedAt = t
	}
	invoice, err := h.service.RegisterInvoiceSnapshot(r.Context(), snap)
	if err != nil {
		RespondError(h.logger, w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(invoice))
}
