package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-lms/internal/db"
)

// Store persists orders, their lines and refunds.
type Store interface {
	Create(ctx context.Context, o Order) (Order, error)
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Order, int, error)
	SetGatewayRef(ctx context.Context, id uuid.UUID, ref string) error
	// Transition moves the order to `to` when its current status is one of
	// from. It reports whether a row changed.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, paymentRef string) (bool, error)
	// RecordRefund stores the refund, stamps its lines and updates the order
	// totals atomically.
	RecordRefund(ctx context.Context, r Refund, status Status) (Refund, error)
}

// PGStore is the Postgres implementation of Store. Tx starts the
// transactions used by Create and RecordRefund.
type PGStore struct {
	DB db.DBTX
	Tx db.Beginner
}

const orderColumns = `id, user_id, status, payment_method, currency, COALESCE(gateway_ref, ''), COALESCE(payment_ref, ''),
original_price, course_discount, subtotal, promo_discount, taxable_amount, tax_percentage, tax_amount, total,
refunded_amount, created_at, updated_at`

const lineColumns = `id, order_id, course_id, title, COALESCE(promo_code, ''), original_price, course_discount, subtotal,
promo_discount, taxable_amount, tax_percentage, tax_amount, total, refunded_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.PaymentMethod, &o.Currency, &o.GatewayRef, &o.PaymentRef,
		&o.OriginalPrice, &o.CourseDiscount, &o.Subtotal, &o.PromoDiscount, &o.TaxableAmount, &o.TaxPercentage,
		&o.TaxAmount, &o.Total, &o.RefundedAmount, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func scanLine(rows pgx.Rows) (uuid.UUID, Line, error) {
	var (
		l       Line
		orderID uuid.UUID
	)
	err := rows.Scan(&l.ID, &orderID, &l.CourseID, &l.Title, &l.PromoCode, &l.OriginalPrice, &l.CourseDiscount,
		&l.Subtotal, &l.PromoDiscount, &l.TaxableAmount, &l.TaxPercentage, &l.TaxAmount, &l.Total, &l.RefundedAt)
	return orderID, l, err
}

// Create implements Store.
func (s PGStore) Create(ctx context.Context, o Order) (Order, error) {
	if s.Tx == nil {
		return Order{}, errors.New("order store: transactions not configured")
	}
	err := pgx.BeginFunc(ctx, s.Tx, func(tx pgx.Tx) error {
		const insertOrder = `INSERT INTO orders (user_id, status, payment_method, currency, original_price, course_discount,
  subtotal, promo_discount, taxable_amount, tax_percentage, tax_amount, total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id, refunded_amount, created_at, updated_at`
		err := tx.QueryRow(ctx, insertOrder, o.UserID, o.Status, o.PaymentMethod, o.Currency, o.OriginalPrice,
			o.CourseDiscount, o.Subtotal, o.PromoDiscount, o.TaxableAmount, o.TaxPercentage, o.TaxAmount, o.Total).
			Scan(&o.ID, &o.RefundedAmount, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		const insertLine = `INSERT INTO order_lines (order_id, course_id, title, promo_code, original_price, course_discount,
  subtotal, promo_discount, taxable_amount, tax_percentage, tax_amount, total)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`
		for i := range o.Lines {
			l := &o.Lines[i]
			err := tx.QueryRow(ctx, insertLine, o.ID, l.CourseID, l.Title, l.PromoCode, l.OriginalPrice, l.CourseDiscount,
				l.Subtotal, l.PromoDiscount, l.TaxableAmount, l.TaxPercentage, l.TaxAmount, l.Total).Scan(&l.ID)
			if err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Order{}, err
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	orders := []Order{o}
	if err := s.attachLines(ctx, orders); err != nil {
		return Order{}, err
	}
	return orders[0], nil
}

// ListByUser implements Store, newest first.
func (s PGStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Order, int, error) {
	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1
ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.attachLines(ctx, out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s PGStore) attachLines(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[uuid.UUID]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID.String()
		index[o.ID] = i
		orders[i].Lines = []Line{}
	}
	rows, err := s.DB.Query(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, title, id`, ids)
	if err != nil {
		return fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		orderID, line, err := scanLine(rows)
		if err != nil {
			return fmt.Errorf("scan order line: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Lines = append(orders[i].Lines, line)
		}
	}
	return rows.Err()
}

// SetGatewayRef implements Store.
func (s PGStore) SetGatewayRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE orders SET gateway_ref = $2, updated_at = now() WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("set gateway ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition implements Store.
func (s PGStore) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, paymentRef string) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.DB.Exec(ctx, `UPDATE orders
SET status = $3, payment_ref = COALESCE(NULLIF($4, ''), payment_ref), updated_at = now()
WHERE id = $1 AND status = ANY($2::text[])`, id, states, to, paymentRef)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordRefund implements Store. It fails with ErrInvalidLines when any line
// was refunded concurrently.
func (s PGStore) RecordRefund(ctx context.Context, r Refund, status Status) (Refund, error) {
	if s.Tx == nil {
		return Refund{}, errors.New("order store: transactions not configured")
	}
	lineIDs := make([]string, len(r.LineIDs))
	for i, id := range r.LineIDs {
		lineIDs[i] = id.String()
	}
	err := pgx.BeginFunc(ctx, s.Tx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE order_lines SET refunded_at = now()
WHERE order_id = $1 AND id = ANY($2::uuid[]) AND refunded_at IS NULL`, r.OrderID, lineIDs)
		if err != nil {
			return fmt.Errorf("mark lines refunded: %w", err)
		}
		if tag.RowsAffected() != int64(len(lineIDs)) {
			return ErrInvalidLines
		}
		err = tx.QueryRow(ctx, `INSERT INTO refunds (order_id, amount, reason, line_ids, gateway_ref)
VALUES ($1, $2, $3, $4::uuid[], NULLIF($5, ''))
RETURNING id, created_at`, r.OrderID, r.Amount, r.Reason, lineIDs, r.GatewayRef).Scan(&r.ID, &r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE orders SET refunded_amount = refunded_amount + $2, status = $3, updated_at = now()
WHERE id = $1`, r.OrderID, r.Amount, status)
		if err != nil {
			return fmt.Errorf("update refunded amount: %w", err)
		}
		return nil
	})
	if err != nil {
		return Refund{}, err
	}
	return r, nil
}
