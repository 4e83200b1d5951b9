package payments

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/routebook/routebook/internal/platform/httpx"
)

// IdempotencyHeader carries the client-generated key for payment retries.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes payment reconciliation over JSON.
type Handler struct {
	service   *Service
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, validator: httpx.NewValidator(), logger: logger}
}

// MountRoutes registers payment, account and party routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments", h.recordPayment)
	r.Get("/payments/{id}", h.getPayment)
	r.Patch("/payments/{id}/status", h.updateStatus)

	r.Post("/accounts/invoices", h.openAccount(KindInvoice))
	r.Post("/accounts/vendor-bills", h.openAccount(KindVendorBill))
	r.Get("/accounts/{id}", h.getAccount)
	r.Get("/accounts/{id}/payments", h.listPayments)

	r.Get("/parties/{type}/{id}/balance", h.partyBalance)
	r.Get("/ledger/discrepancies", h.discrepancies)
}

type recordPaymentRequest struct {
	AccountID     string          `json:"account_id" validate:"required,uuid"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method" validate:"required,oneof=cash upi card bank_transfer cheque"`
	TransactionID string          `json:"transaction_id,omitempty" validate:"omitempty,max=128"`
	Notes         string          `json:"notes,omitempty" validate:"omitempty,max=500"`
	Status        PaymentStatus   `json:"status,omitempty" validate:"omitempty,oneof=pending completed"`
}

type statusRequest struct {
	Status PaymentStatus `json:"status" validate:"required,oneof=pending completed failed refunded"`
}

type openAccountRequest struct {
	PartyID   string          `json:"party_id" validate:"required,max=64"`
	Reference string          `json:"reference,omitempty" validate:"omitempty,max=64"`
	Total     decimal.Decimal `json:"total_amount"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ValidationErrors(err))
		return
	}
	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		AccountID:      uuid.MustParse(req.AccountID),
		Amount:         req.Amount,
		Method:         req.Method,
		TransactionID:  req.TransactionID,
		Notes:          req.Notes,
		Status:         req.Status,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: "payment recorded", Data: payment})
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ValidationErrors(err))
		return
	}
	payment, err := h.service.UpdatePaymentStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.Envelope{Success: true, Message: "payment status updated", Data: payment})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, payment)
}

func (h *Handler) openAccount(kind AccountKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openAccountRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.RespondError(w, httpx.ValidationErrors(err))
			return
		}
		account, err := h.service.OpenAccount(r.Context(), OpenAccountInput{
			Kind:      kind,
			PartyID:   req.PartyID,
			Reference: req.Reference,
			Total:     req.Total,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, httpx.Envelope{Success: true, Message: string(kind) + " created", Data: account})
	}
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, account)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, payments)
}

func (h *Handler) partyBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetPartyBalance(r.Context(), PartyType(chi.URLParam(r, "type")), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, balance)
}

func (h *Handler) discrepancies(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			httpx.RespondError(w, httpx.NewValidationError(httpx.Violation{Field: "limit", Message: "must be between 1 and 1000"}))
			return
		}
		limit = n
	}
	out, err := h.service.ListDiscrepancies(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, out)
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.RespondError(w, httpx.NewValidationError(httpx.Violation{Field: name, Message: "must be a valid UUID"}))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.LogError(h.logger, r, err)
	httpx.RespondError(w, err)
}
