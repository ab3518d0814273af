package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/db"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

var (
	// ErrAlreadyInCart is returned when the course is already in the cart.
	ErrAlreadyInCart = errors.New("course already in cart")
	// ErrNotInCart is returned when the course is not in the cart.
	ErrNotInCart = errors.New("course not in cart")
	// ErrCourseNotFound is returned for unknown or unpublished courses.
	ErrCourseNotFound = errors.New("course not found")
)

// StoredLine is a cart row joined with its course and attached promo.
type StoredLine struct {
	CourseID      uuid.UUID
	Title         string
	OriginalPrice decimal.Decimal
	DiscountPrice *decimal.Decimal
	Promo         *pricing.PromoCode
	AddedAt       time.Time
}

// LineItem converts the row into the engine input.
func (l StoredLine) LineItem() pricing.LineItem {
	return pricing.LineItem{
		CourseID:      l.CourseID.String(),
		Title:         l.Title,
		OriginalPrice: l.OriginalPrice,
		DiscountPrice: l.DiscountPrice,
		PromoCode:     l.Promo,
	}
}

// Store persists cart items.
type Store interface {
	ListLines(ctx context.Context, userID string) ([]StoredLine, error)
	AddCourse(ctx context.Context, userID string, courseID uuid.UUID) error
	RemoveCourse(ctx context.Context, userID string, courseID uuid.UUID) error
	AttachPromo(ctx context.Context, userID string, courseID uuid.UUID, promoID *uuid.UUID) error
	Clear(ctx context.Context, userID string) error
}

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	DB db.DBTX
}

// ListLines implements Store, oldest item first.
func (s PGStore) ListLines(ctx context.Context, userID string) ([]StoredLine, error) {
	const q = `SELECT c.id, c.title, c.original_price, c.discount_price, ci.added_at,
       p.code, p.discount_type, p.discount, p.is_active, p.start_date, p.end_date
FROM cart_items ci
JOIN courses c ON c.id = ci.course_id
LEFT JOIN promo_codes p ON p.id = ci.promo_code_id
WHERE ci.user_id = $1
ORDER BY ci.added_at, c.id`

	rows, err := s.DB.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}
	defer rows.Close()

	var lines []StoredLine
	for rows.Next() {
		var (
			line         StoredLine
			code         *string
			discountType *string
			discount     decimal.NullDecimal
			active       *bool
			start, end   *time.Time
		)
		if err := rows.Scan(&line.CourseID, &line.Title, &line.OriginalPrice, &line.DiscountPrice, &line.AddedAt,
			&code, &discountType, &discount, &active, &start, &end); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		if code != nil && discountType != nil && discount.Valid && active != nil && start != nil && end != nil {
			line.Promo = &pricing.PromoCode{
				Code:         *code,
				DiscountType: pricing.DiscountType(*discountType),
				Discount:     discount.Decimal,
				IsActive:     *active,
				StartDate:    *start,
				EndDate:      *end,
			}
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// AddCourse implements Store.
func (s PGStore) AddCourse(ctx context.Context, userID string, courseID uuid.UUID) error {
	const q = `INSERT INTO cart_items (user_id, course_id)
SELECT $1, id FROM courses WHERE id = $2 AND is_published
ON CONFLICT (user_id, course_id) DO NOTHING`

	tag, err := s.DB.Exec(ctx, q, userID, courseID)
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var inCart bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cart_items WHERE user_id = $1 AND course_id = $2)`,
		userID, courseID).Scan(&inCart); err != nil {
		return fmt.Errorf("check cart item: %w", err)
	}
	if inCart {
		return ErrAlreadyInCart
	}
	return ErrCourseNotFound
}

// RemoveCourse implements Store.
func (s PGStore) RemoveCourse(ctx context.Context, userID string, courseID uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND course_id = $2`, userID, courseID)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInCart
	}
	return nil
}

// AttachPromo implements Store. A nil promoID detaches the current promo.
func (s PGStore) AttachPromo(ctx context.Context, userID string, courseID uuid.UUID, promoID *uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `UPDATE cart_items SET promo_code_id = $3 WHERE user_id = $1 AND course_id = $2`,
		userID, courseID, promoID)
	if err != nil {
		return fmt.Errorf("attach promo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInCart
	}
	return nil
}

// Clear implements Store.
func (s PGStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.DB.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
