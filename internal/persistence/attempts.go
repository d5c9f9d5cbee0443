package persistence

import (
	"context"
	"fmt"
	"time"
)

// NotificationAttempt is one delivery try for a reminder. Attempt numbers
// are strictly increasing per reminder; the unique index enforces it.
type NotificationAttempt struct {
	ID          int64     `json:"id"`
	ReminderID  string    `json:"reminder_id"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Delivery outcomes recorded per attempt.
const (
	OutcomeSent             = "sent"
	OutcomeTransientFailure = "transient-failure"
	OutcomePermanentFailure = "permanent-failure"
)

// RecordAttempt writes the audit row for one delivery attempt.
func (s *Store) RecordAttempt(ctx context.Context, reminderID string, attempt int, outcome, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notification_attempts (reminder_id, attempt, outcome, detail)
			VALUES (?, ?, ?, ?);
		`, reminderID, attempt, outcome, detail)
		if err != nil {
			return fmt.Errorf("record attempt %d for reminder %s: %w", attempt, reminderID, err)
		}
		return nil
	})
}

// ListAttempts returns the attempts for a reminder in attempt order.
func (s *Store) ListAttempts(ctx context.Context, reminderID string) ([]NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reminder_id, attempt, outcome, detail, attempted_at
		FROM notification_attempts
		WHERE reminder_id = ?
		ORDER BY attempt ASC;
	`, reminderID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", reminderID, err)
	}
	defer rows.Close()

	var out []NotificationAttempt
	for rows.Next() {
		var a NotificationAttempt
		if err := rows.Scan(&a.ID, &a.ReminderID, &a.Attempt, &a.Outcome, &a.Detail, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attempt rows: %w", err)
	}
	return out, nil
}
