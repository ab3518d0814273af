package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/resilience"
)

// Task kinds handled by cmd/worker.
const (
	KindPushRetry = "notify:push_retry"
	KindMailRetry = "notify:mail_retry"
)

var errNotConfigured = errors.New("queue: redis client not configured")

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is set by the worker and starts at 1.
	Attempt int
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"key,omitempty"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	FailedAt       time.Time `json:"failed_at"`
}

type keys struct {
	prefix string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix + ":queue"
}

func (k keys) ready(kind string) string      { return k.base() + ":" + kind }
func (k keys) processing(kind string) string { return k.base() + ":" + kind + ":processing" }
func (k keys) dlq(kind string) string        { return k.base() + ":" + kind + ":dlq" }
func (k keys) dedup(kind, key string) string { return k.base() + ":dedup:" + kind + ":" + key }

// Enqueuer publishes tasks to Redis sorted sets scored by their due time.
type Enqueuer struct {
	R           redis.Cmdable
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task. If an idempotency key is supplied the task is
// only enqueued once within the deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errNotConfigured
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	msg := message{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 5
	}
	k := keys{e.Prefix}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(raw)}).Err(); err != nil {
		return err
	}
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(kind).Inc()
	}
	return nil
}

// EnqueueJSON marshals payload and enqueues it under kind.
func (e Enqueuer) EnqueueJSON(ctx context.Context, kind, key string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode %s payload: %w", kind, err)
	}
	return e.Enqueue(ctx, Task{Kind: kind, Payload: raw, IdempotencyKey: key, Delay: delay})
}

// DeadLetters returns up to limit dead-lettered tasks of a kind, newest first.
func DeadLetters(ctx context.Context, r redis.Cmdable, prefix, kind string, limit int64) ([]DeadLetter, error) {
	if r == nil {
		return nil, errNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}
	raws, err := r.LRange(ctx, keys{prefix}.dlq(kind), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func sanitizeKind(kind string) string {
	if kind == "" {
		return ""
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}

// Worker consumes tasks of a single kind.
type Worker struct {
	R                 redis.Cmdable
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	Logger            *zerolog.Logger
}

// Run processes tasks until the context is cancelled. In-flight tasks are
// tracked in a processing set so they are redelivered when a worker dies
// before acknowledging them.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errNotConfigured
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	concurrency := max(w.Concurrency, 1)
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	k := keys{w.Prefix}
	log := w.logger().With().Str("kind", kind).Logger()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	requeue := time.NewTicker(time.Second)
	defer requeue.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-requeue.C:
			if err := w.requeueExpired(ctx, k, kind); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		raw, msg, err := w.claim(ctx, k, kind, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if raw == "" {
			sleep(ctx, poll)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func(raw string, m message) {
			defer wg.Done()
			defer func() { <-sem }()
			err := w.Handler(ctx, Task{
				Kind:           kind,
				Payload:        m.Payload,
				IdempotencyKey: m.Key,
				MaxAttempts:    m.MaxAttempts,
				Attempt:        m.Attempt,
			})
			// acknowledge with a fresh context so shutdown does not strand the task
			ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err != nil {
				log.Warn().Err(err).Int("attempt", m.Attempt).Str("key", m.Key).Msg("queue_task_failed")
				w.fail(ackCtx, k, raw, m, err)
				return
			}
			w.ack(ackCtx, k, raw, m)
		}(raw, msg)
	}
}

// claim pops the earliest due task and moves it into the processing set.
func (w Worker) claim(ctx context.Context, k keys, kind string, visibility time.Duration) (string, message, error) {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, k.ready(kind), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", message{}, err
	}
	if len(due) == 0 {
		return "", message{}, nil
	}
	removed, err := w.R.ZRem(ctx, k.ready(kind), due[0]).Result()
	if err != nil {
		return "", message{}, err
	}
	if removed == 0 {
		// another worker won the race
		return "", message{}, nil
	}
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(kind).Dec()
	}
	msg, err := decodeMessage(due[0])
	if err != nil {
		w.logger().Error().Err(err).Str("kind", kind).Msg("queue_message_corrupt")
		return "", message{}, nil
	}
	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", message{}, err
	}
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, k.processing(kind), redis.Z{Score: float64(deadline), Member: string(encoded)}).Err(); err != nil {
		return "", message{}, err
	}
	return string(encoded), msg, nil
}

func (w Worker) fail(ctx context.Context, k keys, raw string, msg message, cause error) {
	_ = w.R.ZRem(ctx, k.processing(msg.Kind), raw).Err()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		dl, err := json.Marshal(DeadLetter{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        msg.Payload,
			Attempts:       msg.Attempt,
			LastError:      cause.Error(),
			FailedAt:       time.Now().UTC(),
		})
		if err == nil {
			_ = w.R.LPush(ctx, k.dlq(msg.Kind), dl).Err()
		}
		if msg.Key != "" {
			_ = w.R.Del(ctx, k.dedup(msg.Kind, msg.Key)).Err()
		}
		w.observe(msg.Kind, "dead")
		if QueueDLQSize != nil {
			QueueDLQSize.WithLabelValues(msg.Kind).Inc()
		}
		w.logger().Error().Err(cause).Str("kind", msg.Kind).Str("key", msg.Key).Int("attempts", msg.Attempt).Msg("queue_task_dead_lettered")
		return
	}
	delay := resilience.Backoff(w.retryBase(), msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, k.ready(msg.Kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(msg.Kind).Inc()
	}
	w.observe(msg.Kind, "retry")
}

func (w Worker) ack(ctx context.Context, k keys, raw string, msg message) {
	_ = w.R.ZRem(ctx, k.processing(msg.Kind), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Kind, msg.Key)).Err()
	}
	w.observe(msg.Kind, "ok")
}

func (w Worker) requeueExpired(ctx context.Context, k keys, kind string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	expired, err := w.R.ZRangeByScore(ctx, k.processing(kind), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, k.processing(kind), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
		w.observe(kind, "redelivered")
	}
	return nil
}

func (w Worker) retryBase() time.Duration {
	if w.RetryBase <= 0 {
		return 200 * time.Millisecond
	}
	return w.RetryBase
}

func (w Worker) observe(kind, status string) {
	if QueueProcessedTotal != nil {
		QueueProcessedTotal.WithLabelValues(kind, status).Inc()
	}
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func decodeMessage(raw string) (message, error) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

type message struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
