package catalog

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/pricing"
	"github.com/noah-isme/backend-lms/internal/tax"
)

// Handler exposes public catalog endpoints.
type Handler struct {
	Svc *Service
}

// List handles GET /courses.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := common.ParsePagination(r, h.Svc.DefaultPerPage, 100)
	res, err := h.Svc.List(r.Context(), ListParams{
		Query:   r.URL.Query().Get("q"),
		Page:    p.Page,
		PerPage: p.PerPage,
	}, country(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	p.TotalItems = res.Total
	common.JSON(w, http.StatusOK, map[string]any{"data": res.Items, "pagination": p})
}

// Get handles GET /courses/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid course id", err))
		return
	}
	listing, err := h.Svc.Get(r.Context(), id, country(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, listing)
}

// country prefers an explicit ?country= over the authenticated user's country.
func country(r *http.Request) string {
	if c := strings.TrimSpace(r.URL.Query().Get("country")); c != "" {
		return c
	}
	return common.Country(r.Context())
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.WriteError(w, common.NotFound("course not found", err))
	case errors.Is(err, pricing.ErrInvalidInput), errors.Is(err, tax.ErrInvalidRate):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("catalog_pricing_rejected")
		common.WriteError(w, common.Unprocessable("INVALID_PRICING", "course has invalid pricing data", err))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("catalog_request_failed")
		common.WriteError(w, err)
	}
}
