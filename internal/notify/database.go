package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-lms/internal/db"
)

// Channel names reported in DeliveryResult.
const (
	ChannelDatabase = "database"
	ChannelMail     = "mail"
	ChannelPush     = "push"
)

// ErrNotFound is returned when a stored notification does not exist for the user.
var ErrNotFound = errors.New("notify: notification not found")

// Record is a stored in-app notification.
type Record struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data"`
	ReadAt    *time.Time        `json:"read_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// DatabaseChannel stores notifications in the notifications table. It is the
// record the in-app inbox reads from.
type DatabaseChannel struct {
	DB db.DBTX
}

// Name implements Channel.
func (DatabaseChannel) Name() string { return ChannelDatabase }

// Deliver implements Channel.
func (c DatabaseChannel) Deliver(ctx context.Context, n Notification) error {
	if c.DB == nil {
		return errors.New("notify: database not configured")
	}
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	_, err = c.DB.Exec(ctx, `
		INSERT INTO notifications (user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5)`,
		n.UserID, n.Type, n.Title, n.Message, raw)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns a page of the user's notifications, newest first, and the total count.
func (c DatabaseChannel) List(ctx context.Context, userID string, limit, offset int) ([]Record, int, error) {
	if c.DB == nil {
		return nil, 0, errors.New("notify: database not configured")
	}
	var total int
	if err := c.DB.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	rows, err := c.DB.Query(ctx, `
		SELECT id, user_id, type, title, message, data, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			rec Record
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &rec.Title, &rec.Message, &raw, &rec.ReadAt, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Data); err != nil {
				return nil, 0, fmt.Errorf("decode notification data: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// MarkRead stamps read_at on the user's notification.
func (c DatabaseChannel) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	if c.DB == nil {
		return errors.New("notify: database not configured")
	}
	var readAt time.Time
	err := c.DB.QueryRow(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2
		RETURNING read_at`, id, userID).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
