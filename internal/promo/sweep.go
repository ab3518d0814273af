package promo

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/cache"
)

// Expirer deactivates promo codes whose window has ended.
type Expirer interface {
	DeactivateExpired(ctx context.Context, today time.Time) ([]string, error)
}

// Sweeper turns off expired promo codes and drops them from the cache.
type Sweeper struct {
	Store  Expirer
	Cache  *cache.Cache
	Logger *zerolog.Logger
}

// Run deactivates every active code whose end date is before today and
// returns how many were changed.
func (s Sweeper) Run(ctx context.Context, today time.Time) (int, error) {
	codes, err := s.Store.DeactivateExpired(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired promo codes: %w", err)
	}
	if len(codes) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(codes))
	for _, code := range codes {
		keys = append(keys, cache.KeyPromoCode(code))
	}
	if err := s.Cache.Delete(ctx, keys...); err != nil && s.Logger != nil {
		s.Logger.Warn().Err(err).Int("codes", len(codes)).Msg("promo_cache_evict_failed")
	}
	if s.Logger != nil {
		s.Logger.Info().Strs("codes", codes).Msg("promo_codes_expired")
	}
	return len(codes), nil
}

// DeactivateExpired implements Expirer.
func (s PGStore) DeactivateExpired(ctx context.Context, today time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE promo_codes SET is_active = FALSE
		WHERE is_active AND end_date < $1::date
		RETURNING code`, today.Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}
