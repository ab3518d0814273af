package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Quota is a fixed-window counter for actions that are cheap to retry but
// should not be brute-forced, such as guessing promo codes.
type Quota struct {
	l *limiter.Limiter
}

// NewQuota builds a quota from a formatted rate like "10-M" (10 per minute).
func NewQuota(client *redis.Client, prefix, rate string) (*Quota, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return &Quota{l: limiter.New(store, parsed)}, nil
}

// Take consumes one unit for key. A nil quota always allows.
func (q *Quota) Take(ctx context.Context, key string) (allowed bool, remaining int64, reset time.Time, err error) {
	if q == nil || q.l == nil {
		return true, 0, time.Now(), nil
	}
	res, err := q.l.Get(ctx, key)
	if err != nil {
		return false, 0, time.Now(), err
	}
	return !res.Reached, res.Remaining, time.Unix(res.Reset, 0), nil
}

// Middleware applies the quota using key to scope requests. Store errors fail open.
func (q *Quota) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if q == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, remaining, reset, err := q.Take(r.Context(), key(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			writeHeaders(w, int(q.l.Rate.Limit), int(remaining), reset)
			if !allowed {
				tooMany(w, reset)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
