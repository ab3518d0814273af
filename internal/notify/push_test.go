package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/lock"
	"github.com/noah-isme/backend-lms/internal/notify"
	"github.com/noah-isme/backend-lms/internal/queue"
)

type stubFCM struct {
	// failing tokens return an error response
	failing map[string]bool
	err     error
	sent    []*messaging.MulticastMessage
}

func (s *stubFCM) SendEachForMulticast(_ context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return nil, s.err
	}
	resp := &messaging.BatchResponse{}
	for _, token := range msg.Tokens {
		if s.failing[token] {
			resp.FailureCount++
			resp.Responses = append(resp.Responses, &messaging.SendResponse{Error: errors.New("unavailable")})
			continue
		}
		resp.SuccessCount++
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true, MessageID: "m-" + token})
	}
	return resp, nil
}

type failingMail struct{ calls int }

func (f *failingMail) Send(string, string, string) error {
	f.calls++
	return errors.New("smtp down")
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func queued(t *testing.T, client *redis.Client, kind string) []notify.Notification {
	t.Helper()
	raws, err := client.ZRange(context.Background(), "queue:"+kind, 0, -1).Result()
	require.NoError(t, err)
	out := make([]notify.Notification, 0, len(raws))
	for _, raw := range raws {
		var msg struct {
			Payload []byte `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &msg))
		var n notify.Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		out = append(out, n)
	}
	return out
}

func TestPushChannelSkipsWithoutTokens(t *testing.T) {
	fcm := &stubFCM{}
	ch := notify.PushChannel{Sender: fcm}
	require.ErrorIs(t, ch.Deliver(context.Background(), sample()), notify.ErrSkipped)
	require.Empty(t, fcm.sent)
}

func TestPushChannelSendsToEveryToken(t *testing.T) {
	fcm := &stubFCM{}
	ch := notify.PushChannel{Sender: fcm}
	n := sample()
	n.DeviceTokens = []string{"a", "b"}
	n.Data = map[string]string{"order_id": "o-1"}

	require.NoError(t, ch.Deliver(context.Background(), n))
	require.Len(t, fcm.sent, 1)
	require.Equal(t, []string{"a", "b"}, fcm.sent[0].Tokens)
	require.Equal(t, "Payment successful", fcm.sent[0].Notification.Title)
	require.Equal(t, "o-1", fcm.sent[0].Data["order_id"])
}

func TestPushChannelQueuesFailedTokens(t *testing.T) {
	_, client := newRedis(t)
	fcm := &stubFCM{failing: map[string]bool{"b": true}}
	ch := notify.PushChannel{Sender: fcm, Retry: &queue.Enqueuer{R: client}}
	n := sample()
	n.DeviceTokens = []string{"a", "b"}
	n.Data = map[string]string{"event_id": "ev-1"}

	err := ch.Deliver(context.Background(), n)
	require.ErrorContains(t, err, "1 of 2 pushes failed")

	retries := queued(t, client, queue.KindPushRetry)
	require.Len(t, retries, 1)
	require.Equal(t, []string{"b"}, retries[0].DeviceTokens)
	require.Equal(t, "u1", retries[0].UserID)

	// the same event is only queued once
	require.Error(t, ch.Deliver(context.Background(), n))
	require.Len(t, queued(t, client, queue.KindPushRetry), 1)
}

func TestPushChannelQueuesAllTokensOnTransportError(t *testing.T) {
	_, client := newRedis(t)
	fcm := &stubFCM{err: errors.New("connection reset")}
	ch := notify.PushChannel{Sender: fcm, Retry: &queue.Enqueuer{R: client}}
	n := sample()
	n.DeviceTokens = []string{"a", "b"}

	require.ErrorContains(t, ch.Deliver(context.Background(), n), "connection reset")
	retries := queued(t, client, queue.KindPushRetry)
	require.Len(t, retries, 1)
	require.Equal(t, []string{"a", "b"}, retries[0].DeviceTokens)
}

func TestMailChannelQueuesRetry(t *testing.T) {
	_, client := newRedis(t)
	mail := &failingMail{}
	ch := notify.MailChannel{Mail: mail, Retry: &queue.Enqueuer{R: client}}

	require.ErrorContains(t, ch.Deliver(context.Background(), sample()), "smtp down")
	retries := queued(t, client, queue.KindMailRetry)
	require.Len(t, retries, 1)
	require.Equal(t, "buyer@example.com", retries[0].Email)
}

func TestPushRetryHandler(t *testing.T) {
	_, client := newRedis(t)
	fcm := &stubFCM{failing: map[string]bool{"b": true}}
	h := notify.PushRetry{
		Push:   notify.PushChannel{Sender: fcm},
		Locker: lock.Locker{R: client},
	}
	n := sample()
	n.DeviceTokens = []string{"a", "b"}
	payload, err := json.Marshal(n)
	require.NoError(t, err)

	err = h.Handle(context.Background(), queue.Task{Kind: queue.KindPushRetry, Payload: payload, IdempotencyKey: "push:ev-1"})
	require.Error(t, err, "still failing tokens are handed back to the queue")

	fcm.failing = nil
	require.NoError(t, h.Handle(context.Background(), queue.Task{Kind: queue.KindPushRetry, Payload: payload, IdempotencyKey: "push:ev-1"}))
	require.Len(t, fcm.sent, 2)

	require.NoError(t, h.Handle(context.Background(), queue.Task{Kind: queue.KindPushRetry, Payload: []byte("not json")}))
	require.Len(t, fcm.sent, 2)
}

func TestMailRetryHandler(t *testing.T) {
	mail := &failingMail{}
	h := notify.MailRetry{Mail: notify.MailChannel{Mail: mail}}
	payload, err := json.Marshal(sample())
	require.NoError(t, err)

	require.Error(t, h.Handle(context.Background(), queue.Task{Kind: queue.KindMailRetry, Payload: payload}))
	require.Equal(t, 1, mail.calls)
}
