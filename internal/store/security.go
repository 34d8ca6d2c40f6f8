package store

import (
	"context"
	"encoding/json"
	"fmt"

	"modledger/api/internal/moderation"
)

// SecurityLog persists security events to the security_events table.
type SecurityLog struct {
	db dbtx
}

func NewSecurityLog(s *PostgresStore) *SecurityLog {
	return &SecurityLog{db: s.pool}
}

func (l *SecurityLog) LogSecurityEvent(ctx context.Context, event moderation.SecurityEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal security event details: %w", err)
	}
	if event.Details == nil {
		details = []byte("{}")
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO security_events (kind, severity, user_id, details, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, event.Kind, event.Severity, event.UserID, string(details), event.CreatedAt)
	return wrap("insert security event", err)
}

// RecentSecurityEvents returns the newest events of a kind, or of every kind
// when kind is empty.
func (l *SecurityLog) RecentSecurityEvents(ctx context.Context, kind string, limit int) ([]moderation.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, severity, user_id, details, created_at
		FROM security_events
		WHERE kind=$1 OR $1=''
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return nil, wrap("list security events", err)
	}
	defer rows.Close()

	items := make([]moderation.SecurityEvent, 0)
	for rows.Next() {
		var (
			event   moderation.SecurityEvent
			details []byte
			userID  *string
		)
		if err := rows.Scan(&event.Kind, &event.Severity, &userID, &details, &event.CreatedAt); err != nil {
			return nil, wrap("scan security event", err)
		}
		event.UserID = userID
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("decode security event details: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate security events", err)
	}
	return items, nil
}
