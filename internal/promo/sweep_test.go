package promo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/promo"
)

type expirer struct {
	codes []string
	err   error
	day   time.Time
}

func (e *expirer) DeactivateExpired(_ context.Context, today time.Time) ([]string, error) {
	e.day = today
	return e.codes, e.err
}

func TestSweeperEvictsExpiredCodes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, cache.KeyPromoCode("SPRING"), map[string]string{"code": "SPRING"}))
	require.NoError(t, c.SetJSON(ctx, cache.KeyPromoCode("LIVE"), map[string]string{"code": "LIVE"}))

	store := &expirer{codes: []string{"spring"}}
	today := time.Date(2026, 6, 1, 0, 5, 0, 0, time.UTC)
	n, err := promo.Sweeper{Store: store, Cache: c}.Run(ctx, today)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, today, store.day)
	require.False(t, mr.Exists("promo:code:SPRING"))
	require.True(t, mr.Exists("promo:code:LIVE"))
}

func TestSweeperNothingExpired(t *testing.T) {
	n, err := promo.Sweeper{Store: &expirer{}}.Run(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = promo.Sweeper{Store: &expirer{err: errors.New("db down")}}.Run(context.Background(), time.Now())
	require.ErrorContains(t, err, "db down")
}
