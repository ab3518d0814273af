package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/notify"
	"github.com/noah-isme/backend-lms/internal/queue"
)

type memoryInbox struct {
	records []notify.Record
}

func (m *memoryInbox) List(_ context.Context, userID string, limit, offset int) ([]notify.Record, int, error) {
	var mine []notify.Record
	for _, r := range m.records {
		if r.UserID == userID {
			mine = append(mine, r)
		}
	}
	total := len(mine)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return mine[offset:end], total, nil
}

func (m *memoryInbox) MarkRead(_ context.Context, userID string, id uuid.UUID) error {
	for i, r := range m.records {
		if r.ID == id && r.UserID == userID {
			now := time.Now()
			m.records[i].ReadAt = &now
			return nil
		}
	}
	return notify.ErrNotFound
}

type memoryDevices map[string]string

func (m memoryDevices) Register(_ context.Context, userID, token, _ string) error {
	m[token] = userID
	return nil
}

func (m memoryDevices) Unregister(_ context.Context, userID, token string) error {
	if m[token] == userID {
		delete(m, token)
	}
	return nil
}

func notifyRouter(h *notify.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if user := req.Header.Get("X-Test-User"); user != "" {
				req = req.WithContext(common.WithUserID(req.Context(), user))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/notifications", h.List)
	r.Post("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications/devices", h.RegisterDevice)
	r.Delete("/notifications/devices/{token}", h.UnregisterDevice)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInboxEndpoints(t *testing.T) {
	first := uuid.New()
	inbox := &memoryInbox{records: []notify.Record{
		{ID: first, UserID: "u1", Type: "order.paid", Title: "Payment successful"},
		{ID: uuid.New(), UserID: "u1", Type: "order.created", Title: "Order received"},
		{ID: uuid.New(), UserID: "u2", Type: "order.created", Title: "Order received"},
	}}
	router := notifyRouter(&notify.Handler{Inbox: inbox, Devices: memoryDevices{}})

	rec := do(t, router, http.MethodGet, "/notifications?per_page=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data       []notify.Record   `json:"data"`
		Pagination common.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	require.Equal(t, 2, page.Pagination.TotalItems)
	require.Equal(t, first, page.Data[0].ID)

	rec = do(t, router, http.MethodPost, "/notifications/"+first.String()+"/read", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, inbox.records[0].ReadAt)

	rec = do(t, router, http.MethodPost, "/notifications/"+inbox.records[2].ID.String()+"/read", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/notifications/nope/read", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/notifications", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	devices := memoryDevices{}
	router := notifyRouter(&notify.Handler{Inbox: &memoryInbox{}, Devices: devices})

	rec := do(t, router, http.MethodPost, "/notifications/devices", `{"token":"tok-1","platform":"Android"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "u1", devices["tok-1"])

	rec = do(t, router, http.MethodPost, "/notifications/devices", `{"token":" "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodDelete, "/notifications/devices/tok-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, devices)
}

func TestAdminDeadLetters(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	enq := queue.Enqueuer{R: client, Prefix: "lms", MaxAttempts: 1}
	require.NoError(t, enq.EnqueueJSON(ctx, queue.KindMailRetry, "mail:ev-1", sample(), 0))

	worker := queue.Worker{
		R:            client,
		Prefix:       "lms",
		Kind:         queue.KindMailRetry,
		PollInterval: 5 * time.Millisecond,
		Handler:      notify.MailRetry{Mail: notify.MailChannel{Mail: &failingMail{}}}.Handle,
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(runCtx)
	}()
	require.Eventually(t, func() bool {
		letters, err := queue.DeadLetters(ctx, client, "lms", queue.KindMailRetry, 10)
		return err == nil && len(letters) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	admin := &notify.AdminHandler{Redis: client, Prefix: "lms"}
	req := httptest.NewRequest(http.MethodGet, "/admin/notifications/dead-letters?channel=mail", nil)
	rec := httptest.NewRecorder()
	admin.DeadLetters(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []queue.DeadLetter `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "mail:ev-1", body.Data[0].IdempotencyKey)
	require.Equal(t, "smtp down", body.Data[0].LastError)

	rec = httptest.NewRecorder()
	admin.DeadLetters(rec, httptest.NewRequest(http.MethodGet, "/admin/notifications/dead-letters?channel=sms", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
