package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/backend-lms/internal/db"
)

// PGStore writes audit entries to the audit_logs table.
type PGStore struct {
	DB db.DBTX
}

// Insert implements Store.
func (s PGStore) Insert(ctx context.Context, e Entry) error {
	if s.DB == nil {
		return errors.New("audit: database not configured")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_logs (actor_kind, actor_user_id, action, resource_type, resource_id,
			method, path, route, status, ip, user_agent, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ActorKind, e.ActorUserID, e.Action, e.ResourceType, e.ResourceID,
		e.Method, e.Path, e.Route, e.Status, e.IP, e.UserAgent, e.RequestID, nullJSON(e.Metadata))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// List implements Store, newest first.
func (s PGStore) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	if s.DB == nil {
		return nil, 0, errors.New("audit: database not configured")
	}
	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, actor_kind, actor_user_id, action, resource_type, resource_id,
			method, path, route, status, ip, user_agent, request_id, metadata, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorKind, &e.ActorUserID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Path, &e.Route, &e.Status, &e.IP, &e.UserAgent, &e.RequestID, &meta, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Metadata = meta
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
