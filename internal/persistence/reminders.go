package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskmill/internal/task"
)

// ErrReminderNotFound is returned when a reminder id has no row.
var ErrReminderNotFound = errors.New("persistence: reminder not found")

// InsertReminders persists a batch of freshly scheduled reminders.
func (s *Store) InsertReminders(ctx context.Context, reminders []task.Reminder) error {
	if len(reminders) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert reminders: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, r := range reminders {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO reminders (id, task_id, trigger_at, kind, status, recipient, message)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, r.ID, r.TaskID, r.TriggerAt.UTC(), r.Kind, r.Status, r.Recipient, r.Message); err != nil {
				return fmt.Errorf("insert reminder %s: %w", r.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert reminders: %w", err)
		}
		return nil
	})
}

// GetReminder loads one reminder by id.
func (s *Store) GetReminder(ctx context.Context, id string) (*task.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, trigger_at, kind, status, recipient, message, created_at, updated_at
		FROM reminders WHERE id = ?;
	`, id)
	return scanReminder(row)
}

// SetReminderStatus transitions a reminder. The caller owns transition
// legality; the store only refuses to resurrect terminal reminders.
func (s *Store) SetReminderStatus(ctx context.Context, id string, status task.ReminderStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?);
		`, status, id, task.ReminderDelivered, task.ReminderFailed)
		if err != nil {
			return fmt.Errorf("set reminder %s status: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set reminder status rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("set reminder %s status %s: %w", id, status, ErrReminderNotFound)
		}
		return nil
	})
}

// PendingBefore lists pending reminders whose trigger instant is at or
// before now. Used by the catch-up sweep to re-arm timers lost to restarts.
func (s *Store) PendingBefore(ctx context.Context, now time.Time, limit int) ([]task.Reminder, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, trigger_at, kind, status, recipient, message, created_at, updated_at
		FROM reminders
		WHERE status = ? AND trigger_at <= ?
		ORDER BY trigger_at ASC
		LIMIT ?;
	`, task.ReminderPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending reminders: %w", err)
	}
	defer rows.Close()

	var out []task.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending reminder rows: %w", err)
	}
	return out, nil
}

// CancelPendingForTask marks every not-yet-fired reminder of a task as
// cancelled. Returns how many were cancelled.
func (s *Store) CancelPendingForTask(ctx context.Context, taskID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reminders
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status IN (?, ?);
		`, task.ReminderCancelled, taskID, task.ReminderPending, task.ReminderDelivering)
		if err != nil {
			return fmt.Errorf("cancel reminders for task %s: %w", taskID, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel reminder rows: %w", err)
		}
		return nil
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*task.Reminder, error) {
	var r task.Reminder
	err := row.Scan(&r.ID, &r.TaskID, &r.TriggerAt, &r.Kind, &r.Status,
		&r.Recipient, &r.Message, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReminderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	return &r, nil
}
