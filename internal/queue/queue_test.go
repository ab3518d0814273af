package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/queue"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runWorker(t *testing.T, ctx context.Context, w queue.Worker) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, w.Run(ctx))
	}()
	return done
}

func TestEnqueueDeliversPayload(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "test"}
	require.NoError(t, enq.EnqueueJSON(ctx, queue.KindPushRetry, "ord_1:push", map[string]string{"order_id": "ord_1"}, 0))

	processed := make(chan queue.Task, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "test",
		Kind:         queue.KindPushRetry,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			processed <- task
			return nil
		},
	})

	select {
	case task := <-processed:
		require.JSONEq(t, `{"order_id":"ord_1"}`, string(task.Payload))
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, "ord_1:push", task.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for task")
	}
	cancel()
	<-done
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	enq := queue.Enqueuer{R: client, Prefix: "dedup"}

	task := queue.Task{Kind: queue.KindMailRetry, Payload: []byte("x"), IdempotencyKey: "k1"}
	require.NoError(t, enq.Enqueue(ctx, task))
	require.NoError(t, enq.Enqueue(ctx, task))

	n, err := client.ZCard(ctx, "dedup:queue:"+queue.KindMailRetry).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	client := newClient(t)
	err := queue.Enqueuer{R: client}.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"})
	require.Error(t, err)

	err = queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: "ok"})
	require.Error(t, err)
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), MaxAttempts: 3}))

	var attempts atomic.Int32
	succeeded := make(chan int, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "retry",
		Kind:         "demo",
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			succeeded <- task.Attempt
			return nil
		},
	})

	select {
	case attempt := <-succeeded:
		require.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	cancel()
	<-done
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: queue.KindPushRetry, Payload: []byte("body"), IdempotencyKey: "dlq1"}))

	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "dlq",
		Kind:         queue.KindPushRetry,
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("fcm unavailable")
		},
	})

	var letters []queue.DeadLetter
	require.Eventually(t, func() bool {
		var err error
		letters, err = queue.DeadLetters(context.Background(), client, "dlq", queue.KindPushRetry, 10)
		return err == nil && len(letters) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, "dlq1", letters[0].IdempotencyKey)
	require.Equal(t, 2, letters[0].Attempts)
	require.Equal(t, "fcm unavailable", letters[0].LastError)
	require.Equal(t, []byte("body"), letters[0].Payload)
}

func TestWorkerRedeliversExpiredTasks(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := `{"kind":"demo","payload":"c3RhbGU=","attempt":1,"max_attempts":3,"available_at":0}`
	require.NoError(t, client.ZAdd(ctx, "vis:queue:demo:processing", redis.Z{Score: 1, Member: stale}).Err())

	got := make(chan queue.Task, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "vis",
		Kind:         "demo",
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			got <- task
			return nil
		},
	})

	select {
	case task := <-got:
		require.Equal(t, []byte("stale"), task.Payload)
		require.Equal(t, 2, task.Attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("expired task was not redelivered")
	}
	cancel()
	<-done
}
