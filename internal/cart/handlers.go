package cart

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/pricing"
	"github.com/noah-isme/backend-lms/internal/promo"
	"github.com/noah-isme/backend-lms/internal/tax"
)

// Handler wires the cart service to HTTP. Every route requires an
// authenticated user.
type Handler struct {
	Svc *Service
}

// Get handles GET /cart.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.respondQuote(w, r, http.StatusOK)
}

// AddCourse handles POST /cart/courses.
func (h *Handler) AddCourse(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var body struct {
		CourseID string `json:"course_id"`
	}
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	courseID, err := uuid.Parse(strings.TrimSpace(body.CourseID))
	if err != nil {
		common.WriteError(w, common.BadRequest("course_id must be a uuid", err))
		return
	}
	if err := h.Svc.AddCourse(r.Context(), userID, courseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondQuote(w, r, http.StatusCreated)
}

// RemoveCourse handles DELETE /cart/courses/{courseID}.
func (h *Handler) RemoveCourse(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	courseID, ok := courseParam(w, r)
	if !ok {
		return
	}
	if err := h.Svc.RemoveCourse(r.Context(), userID, courseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyPromo handles POST /cart/courses/{courseID}/promo.
func (h *Handler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	courseID, ok := courseParam(w, r)
	if !ok {
		return
	}
	var body struct {
		PromoCode string `json:"promo_code"`
	}
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	if strings.TrimSpace(body.PromoCode) == "" {
		common.WriteError(w, common.BadRequest("promo_code is required", nil))
		return
	}
	if err := h.Svc.ApplyPromo(r.Context(), userID, courseID, body.PromoCode); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondQuote(w, r, http.StatusOK)
}

// RemovePromo handles DELETE /cart/courses/{courseID}/promo.
func (h *Handler) RemovePromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	courseID, ok := courseParam(w, r)
	if !ok {
		return
	}
	if err := h.Svc.RemovePromo(r.Context(), userID, courseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondQuote(w, r, http.StatusOK)
}

func (h *Handler) respondQuote(w http.ResponseWriter, r *http.Request, status int) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	summary, err := h.Svc.Quote(r.Context(), userID, common.Country(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, status, summary.Rounded())
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return userID, true
}

func courseParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "courseID"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid course id", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAlreadyInCart):
		common.WriteError(w, common.Conflict("ALREADY_IN_CART", "course is already in the cart", err))
	case errors.Is(err, ErrNotInCart):
		common.WriteError(w, common.NotFound("course is not in the cart", err))
	case errors.Is(err, ErrCourseNotFound):
		common.WriteError(w, common.NotFound("course not found", err))
	case errors.Is(err, promo.ErrNotFound):
		common.WriteError(w, common.NotFound("promo code not found", err))
	case errors.Is(err, ErrPromoNotApplicable):
		common.WriteError(w, common.Unprocessable("PROMO_NOT_APPLICABLE", "promo code is inactive or expired", err))
	case errors.Is(err, pricing.ErrInvalidInput), errors.Is(err, tax.ErrInvalidRate):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("cart_pricing_rejected")
		common.WriteError(w, common.Unprocessable("INVALID_PRICING", "cart contains invalid pricing data", err))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("cart_request_failed")
		common.WriteError(w, err)
	}
}
