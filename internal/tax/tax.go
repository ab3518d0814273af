package tax

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/db"
)

var (
	// ErrNoRate is returned by stores when no active rate matches.
	ErrNoRate = errors.New("tax rate not found")
	// ErrInvalidRate marks a stored rate the pricing engine cannot accept.
	ErrInvalidRate = errors.New("tax rate is invalid")
)

// Rate is a configured tax rate.
type Rate struct {
	Percentage  decimal.Decimal
	IsActive    bool
	IsDefault   bool
	CountryCode *string
}

// Store looks up active tax rates.
type Store interface {
	ActiveForCountry(ctx context.Context, country string) (Rate, error)
	ActiveDefault(ctx context.Context) (Rate, error)
}

// Resolver picks the single tax percentage applied to a user's cart.
type Resolver struct {
	Store Store
	Cache *cache.Cache
}

// Resolve returns the active rate for country, falling back to the active
// default rate and finally to zero.
func (r Resolver) Resolve(ctx context.Context, country string) (decimal.Decimal, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if r.Store == nil {
		return decimal.Zero, nil
	}

	key := cache.KeyTaxRate(country)
	var cached decimal.Decimal
	if ok, err := r.Cache.GetJSON(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	pct, err := r.lookup(ctx, country)
	if err != nil {
		return decimal.Zero, err
	}
	if err := r.Cache.SetJSON(ctx, key, pct); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("tax_cache_write_failed")
	}
	return pct, nil
}

func (r Resolver) lookup(ctx context.Context, country string) (decimal.Decimal, error) {
	if country != "" {
		rate, err := r.Store.ActiveForCountry(ctx, country)
		switch {
		case err == nil:
			return checked(rate)
		case !errors.Is(err, ErrNoRate):
			return decimal.Zero, fmt.Errorf("tax rate for %s: %w", country, err)
		}
	}
	rate, err := r.Store.ActiveDefault(ctx)
	switch {
	case err == nil:
		return checked(rate)
	case errors.Is(err, ErrNoRate):
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("default tax rate: %w", err)
	}
}

func checked(rate Rate) (decimal.Decimal, error) {
	if rate.Percentage.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s%%", ErrInvalidRate, rate.Percentage)
	}
	return rate.Percentage, nil
}

// PGStore reads tax_rates.
type PGStore struct {
	DB db.DBTX
}

// ActiveForCountry implements Store.
func (s PGStore) ActiveForCountry(ctx context.Context, country string) (Rate, error) {
	const q = `SELECT percentage, is_active, is_default, country_code
FROM tax_rates WHERE is_active AND country_code = $1
LIMIT 1`
	return scanRate(s.DB.QueryRow(ctx, q, country))
}

// ActiveDefault implements Store.
func (s PGStore) ActiveDefault(ctx context.Context) (Rate, error) {
	const q = `SELECT percentage, is_active, is_default, country_code
FROM tax_rates WHERE is_active AND is_default
ORDER BY created_at DESC
LIMIT 1`
	return scanRate(s.DB.QueryRow(ctx, q))
}

func scanRate(row pgx.Row) (Rate, error) {
	var rate Rate
	if err := row.Scan(&rate.Percentage, &rate.IsActive, &rate.IsDefault, &rate.CountryCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrNoRate
		}
		return Rate{}, err
	}
	return rate, nil
}
