package promo

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-lms/internal/common"
)

// Handler exposes admin promo code endpoints.
type Handler struct {
	service *Service
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service}
}

// Create handles POST /admin/promo-codes.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	if uid, ok := common.UserID(r.Context()); ok {
		in.CreatedBy = uid
	}
	rec, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, rec)
}

// List handles GET /admin/promo-codes.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := common.ParsePagination(r, 20, 100)
	records, total, err := h.service.List(r.Context(), p.Page, p.PerPage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p.TotalItems = total
	common.JSON(w, http.StatusOK, map[string]any{"data": records, "pagination": p})
}

// Get handles GET /admin/promo-codes/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid promo code id", err))
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, rec)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		common.WriteError(w, common.Unprocessable("VALIDATION_FAILED", "promo code is invalid", err).WithDetails(verr.Fields))
	case errors.Is(err, ErrInvalidInput):
		common.WriteError(w, common.Unprocessable("VALIDATION_FAILED", "promo code is invalid", err))
	case errors.Is(err, ErrDuplicateCode):
		common.WriteError(w, common.Conflict("PROMO_CODE_EXISTS", "promo code already exists", err))
	case errors.Is(err, ErrNotFound):
		common.WriteError(w, common.NotFound("promo code not found", err))
	default:
		common.WriteError(w, err)
	}
}
