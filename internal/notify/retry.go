package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/backend-lms/internal/queue"
)

// Locker serialises retries of the same notification across workers.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// PushRetry re-sends pushes queued by PushChannel. Returning an error hands
// the task back to the queue for another attempt.
type PushRetry struct {
	Push    PushChannel
	Locker  Locker
	LockTTL time.Duration
}

// Handle implements the queue worker handler.
func (h PushRetry) Handle(ctx context.Context, t queue.Task) error {
	n, err := decodeTask(t)
	if err != nil {
		return err
	}
	if len(n.DeviceTokens) == 0 {
		return nil
	}
	return withTaskLock(ctx, h.Locker, h.LockTTL, ChannelPush, t, func(ctx context.Context) error {
		retryable, err := h.Push.send(ctx, n)
		if err != nil && len(retryable) == 0 {
			// every remaining token is permanently invalid
			return nil
		}
		observe(DeliveryResult{Channel: ChannelPush, OK: err == nil})
		return err
	})
}

// MailRetry re-sends mail queued by MailChannel.
type MailRetry struct {
	Mail    MailChannel
	Locker  Locker
	LockTTL time.Duration
}

// Handle implements the queue worker handler.
func (h MailRetry) Handle(ctx context.Context, t queue.Task) error {
	n, err := decodeTask(t)
	if err != nil {
		return err
	}
	if n.Email == "" {
		return nil
	}
	return withTaskLock(ctx, h.Locker, h.LockTTL, ChannelMail, t, func(context.Context) error {
		err := h.Mail.send(n)
		observe(DeliveryResult{Channel: ChannelMail, OK: err == nil})
		return err
	})
}

func decodeTask(t queue.Task) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(t.Payload, &n); err != nil {
		// malformed payloads can never succeed; drop them
		return Notification{}, nil
	}
	return n, nil
}

func withTaskLock(ctx context.Context, l Locker, ttl time.Duration, channel string, t queue.Task, fn func(context.Context) error) error {
	if t.IdempotencyKey == "" || l == nil {
		return fn(ctx)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("lock:notify:%s:%s", channel, t.IdempotencyKey)
	err := l.WithLock(ctx, key, ttl, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("notify retry %s busy: %w", t.IdempotencyKey, err)
	}
	return err
}
