package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type demoCourse struct {
	Title    string
	Price    string
	Discount *string
}

func strPtr(s string) *string { return &s }

// seedDemo inserts a small catalogue for local development. It is safe to run
// more than once.
func seedDemo(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		courses := []demoCourse{
			{Title: "Go for Backend Engineers", Price: "100.00", Discount: strPtr("80.00")},
			{Title: "PostgreSQL in Production", Price: "200.00"},
			{Title: "Distributed Systems Primer", Price: "150.00", Discount: strPtr("120.00")},
			{Title: "Intro to Programming", Price: "0.00"},
		}
		for _, c := range courses {
			_, err := tx.Exec(ctx, `
				INSERT INTO courses (title, original_price, discount_price)
				SELECT $1::text, $2::numeric, $3::numeric
				WHERE NOT EXISTS (SELECT 1 FROM courses WHERE title = $1::text)`,
				c.Title, c.Price, c.Discount)
			if err != nil {
				return fmt.Errorf("seed course %q: %w", c.Title, err)
			}
		}

		rates := []struct {
			Country *string
			Pct     string
			Default bool
		}{
			{Country: nil, Pct: "10.00", Default: true},
			{Country: strPtr("IN"), Pct: "18.00"},
			{Country: strPtr("EG"), Pct: "14.00"},
			{Country: strPtr("NG"), Pct: "7.50"},
		}
		for _, r := range rates {
			_, err := tx.Exec(ctx, `
				INSERT INTO tax_rates (country_code, percentage, is_default)
				SELECT $1::char(2), $2::numeric, $3::boolean
				WHERE NOT EXISTS (
					SELECT 1 FROM tax_rates
					WHERE is_active AND (country_code = $1::char(2) OR ($1::char(2) IS NULL AND is_default))
				)`, r.Country, r.Pct, r.Default)
			if err != nil {
				return fmt.Errorf("seed tax rate: %w", err)
			}
		}

		today := time.Now().UTC()
		_, err := tx.Exec(ctx, `
			INSERT INTO promo_codes (code, message, discount_type, discount, start_date, end_date, created_by)
			VALUES
				('WELCOME20', '20% off your first course', 'percentage', 20, $1, $2, 'seed'),
				('FLAT10', '10 off any course', 'amount', 10, $1, $2, 'seed')
			ON CONFLICT DO NOTHING`,
			today.AddDate(0, 0, -1).Format(time.DateOnly), today.AddDate(0, 3, 0).Format(time.DateOnly))
		if err != nil {
			return fmt.Errorf("seed promo codes: %w", err)
		}
		return nil
	})
}
