package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-lms/internal/db"
)

// Store persists promo codes.
type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	ByCode(ctx context.Context, code string) (Record, error)
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	List(ctx context.Context, limit, offset int) ([]Record, int, error)
}

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	DB db.DBTX
}

const promoColumns = `id, code, message, discount_type, discount, is_active, start_date, end_date, COALESCE(created_by, ''), created_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		start, end time.Time
	)
	err := row.Scan(&rec.ID, &rec.Code, &rec.Message, &rec.DiscountType, &rec.Discount,
		&rec.IsActive, &start, &end, &rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.StartDate = Date{start}
	rec.EndDate = Date{end}
	return rec, nil
}

// Create implements Store.
func (s PGStore) Create(ctx context.Context, rec Record) (Record, error) {
	q := `INSERT INTO promo_codes (code, message, discount_type, discount, is_active, start_date, end_date, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
RETURNING ` + promoColumns
	out, err := scanRecord(s.DB.QueryRow(ctx, q, rec.Code, rec.Message, rec.DiscountType, rec.Discount,
		rec.IsActive, rec.StartDate.Time, rec.EndDate.Time, rec.CreatedBy))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Record{}, ErrDuplicateCode
		}
		return Record{}, fmt.Errorf("insert promo code: %w", err)
	}
	return out, nil
}

// ByCode implements Store. Codes are matched case-insensitively.
func (s PGStore) ByCode(ctx context.Context, code string) (Record, error) {
	q := `SELECT ` + promoColumns + ` FROM promo_codes WHERE upper(code) = upper($1)`
	return scanRecord(s.DB.QueryRow(ctx, q, code))
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	q := `SELECT ` + promoColumns + ` FROM promo_codes WHERE id = $1`
	return scanRecord(s.DB.QueryRow(ctx, q, id))
}

// List implements Store, newest first.
func (s PGStore) List(ctx context.Context, limit, offset int) ([]Record, int, error) {
	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM promo_codes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count promo codes: %w", err)
	}
	q := `SELECT ` + promoColumns + ` FROM promo_codes ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
	rows, err := s.DB.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list promo codes: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}
