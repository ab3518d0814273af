package notify

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/queue"
)

// Inbox reads stored notifications.
type Inbox interface {
	List(ctx context.Context, userID string, limit, offset int) ([]Record, int, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
}

// Devices manages push registration tokens.
type Devices interface {
	Register(ctx context.Context, userID, token, platform string) error
	Unregister(ctx context.Context, userID, token string) error
}

// Handler exposes the user's notification inbox and device registration.
type Handler struct {
	Inbox   Inbox
	Devices Devices
}

// List handles GET /notifications.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if h == nil || h.Inbox == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "notification inbox unavailable", nil)
		return
	}
	p := common.ParsePagination(r, 20, 100)
	items, total, err := h.Inbox.List(r.Context(), userID, p.PerPage, p.Offset())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	p.TotalItems = total
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "pagination": p})
}

// MarkRead handles POST /notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if h == nil || h.Inbox == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "notification inbox unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, common.BadRequest("invalid notification id", err))
		return
	}
	if err := h.Inbox.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			common.WriteError(w, common.NotFound("notification not found", err))
			return
		}
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterDevice handles POST /notifications/devices.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if h == nil || h.Devices == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "device registry unavailable", nil)
		return
	}
	var body struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		common.WriteError(w, common.BadRequest("token is required", nil))
		return
	}
	if err := h.Devices.Register(r.Context(), userID, token, strings.ToLower(strings.TrimSpace(body.Platform))); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterDevice handles DELETE /notifications/devices/{token}.
func (h *Handler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if h == nil || h.Devices == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "device registry unavailable", nil)
		return
	}
	if err := h.Devices.Unregister(r.Context(), userID, chi.URLParam(r, "token")); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminHandler exposes notification retries that exhausted their attempts.
type AdminHandler struct {
	Redis  redis.Cmdable
	Prefix string
}

// DeadLetters handles GET /admin/notifications/dead-letters?channel=push|mail.
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Redis == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue unavailable", nil)
		return
	}
	var kind string
	switch r.URL.Query().Get("channel") {
	case "", ChannelPush:
		kind = queue.KindPushRetry
	case ChannelMail:
		kind = queue.KindMailRetry
	default:
		common.WriteError(w, common.BadRequest("channel must be push or mail", nil))
		return
	}
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			common.WriteError(w, common.BadRequest("invalid limit", err))
			return
		}
		limit = parsed
	}
	items, err := queue.DeadLetters(r.Context(), h.Redis, h.Prefix, kind, limit)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Data(w, http.StatusOK, items)
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", false
	}
	return userID, true
}
