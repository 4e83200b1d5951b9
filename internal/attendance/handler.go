package attendance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/routebook/routebook/internal/platform/httpx"
)

// Handler exposes the attendance ledger over JSON.
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

// MountRoutes registers attendance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.submit)
	r.Post("/amend", h.amend)
	r.Post("/close", h.close)
}

type submitRequest struct {
	Date         string               `json:"date" validate:"required"`
	AreaID       string               `json:"area_id" validate:"required"`
	SubmissionID string               `json:"submission_id,omitempty" validate:"omitempty,max=64"`
	Attendance   []CustomerAttendance `json:"attendance" validate:"required,min=1,dive"`
}

type amendRequest struct {
	Date         string               `json:"date" validate:"required"`
	AreaID       string               `json:"area_id" validate:"required"`
	SubmissionID string               `json:"submission_id,omitempty" validate:"omitempty,max=64"`
	Attendance   []CustomerAttendance `json:"attendance" validate:"required,min=1,dive"`
	Reason       string               `json:"reason" validate:"required,max=500"`
}

type closeRequest struct {
	Date   string `json:"date" validate:"required"`
	AreaID string `json:"area_id" validate:"required"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	SubmitResult
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ValidationErrors(err))
		return
	}
	result, err := h.service.SubmitAttendance(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, submitResponse{
		Success:      true,
		Message:      "attendance recorded",
		SubmitResult: result,
	})
}

func (h *Handler) amend(w http.ResponseWriter, r *http.Request) {
	var req amendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ValidationErrors(err))
		return
	}
	result, err := h.service.AmendAttendance(r.Context(), AmendInput{
		SubmitInput: SubmitInput{
			Date:         req.Date,
			AreaID:       req.AreaID,
			SubmissionID: req.SubmissionID,
			Attendance:   req.Attendance,
		},
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, submitResponse{
		Success:      true,
		Message:      "attendance amended",
		SubmitResult: result,
	})
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ValidationErrors(err))
		return
	}
	day, err := h.service.CloseDay(r.Context(), req.Date, req.AreaID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.Envelope{Success: true, Message: "attendance day closed", Data: day})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sheet, err := h.service.GetAttendance(r.Context(), q.Get("date"), q.Get("area_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.OK(w, http.StatusOK, sheet)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.LogError(h.logger, r, err)
	httpx.RespondError(w, err)
}

func (req submitRequest) input() SubmitInput {
	return SubmitInput{
		Date:         req.Date,
		AreaID:       req.AreaID,
		SubmissionID: req.SubmissionID,
		Attendance:   req.Attendance,
	}
}
