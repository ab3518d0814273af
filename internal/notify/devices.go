package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/backend-lms/internal/db"
)

// DeviceStore keeps the FCM registration tokens of each user.
type DeviceStore struct {
	DB db.DBTX
}

// Register binds token to userID, moving it from any previous owner.
func (s DeviceStore) Register(ctx context.Context, userID, token, platform string) error {
	if s.DB == nil {
		return errors.New("notify: database not configured")
	}
	if platform == "" {
		platform = "unknown"
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO device_tokens (token, user_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, updated_at = now()`,
		token, userID, platform)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}
	return nil
}

// Unregister removes the user's token.
func (s DeviceStore) Unregister(ctx context.Context, userID, token string) error {
	if s.DB == nil {
		return errors.New("notify: database not configured")
	}
	_, err := s.DB.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1 AND user_id = $2`, token, userID)
	return err
}

// DeviceTokens returns every token registered for userID.
func (s DeviceStore) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	if s.DB == nil {
		return nil, errors.New("notify: database not configured")
	}
	rows, err := s.DB.Query(ctx, `SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
