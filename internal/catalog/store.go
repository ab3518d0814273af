package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-lms/internal/db"
)

// PGStore reads published courses from Postgres.
type PGStore struct {
	DB db.DBTX
}

// List implements Store, newest course first. An empty query matches every
// published course; otherwise titles are matched case-insensitively.
func (s PGStore) List(ctx context.Context, query string, limit, offset int) ([]Course, int, error) {
	pattern := "%"
	if q := strings.TrimSpace(query); q != "" {
		pattern = "%" + escapeLike(q) + "%"
	}

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM courses WHERE is_published AND title ILIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}

	rows, err := s.DB.Query(ctx, `
		SELECT id, title, original_price, discount_price, created_at
		FROM courses
		WHERE is_published AND title ILIKE $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	out := make([]Course, 0, limit)
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Title, &c.OriginalPrice, &c.DiscountPrice, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan course: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Course, error) {
	var c Course
	err := s.DB.QueryRow(ctx, `
		SELECT id, title, original_price, discount_price, created_at
		FROM courses
		WHERE id = $1 AND is_published`, id).
		Scan(&c.ID, &c.Title, &c.OriginalPrice, &c.DiscountPrice, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Course{}, ErrNotFound
	}
	if err != nil {
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
