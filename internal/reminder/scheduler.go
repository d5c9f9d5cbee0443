// Package reminder schedules due-date reminders and fires them when their
// trigger instants elapse.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskmill/internal/task"
)

// MaxPerTask caps reminders per task.
const MaxPerTask = 5

var (
	ErrTooManyReminders = errors.New("reminder: more than 5 reminders for one task")
	ErrTriggerAfterDue  = errors.New("reminder: custom trigger is after the due date")
	ErrUnknownOffset    = errors.New("reminder: unknown offset")
)

// Offset names the supported relative reminder offsets.
type Offset string

const (
	Offset15Min Offset = "15min"
	Offset1Hr   Offset = "1hr"
	Offset1Day  Offset = "1day"
	Offset1Week Offset = "1week"
)

var offsetDurations = map[Offset]time.Duration{
	Offset15Min: 15 * time.Minute,
	Offset1Hr:   time.Hour,
	Offset1Day:  24 * time.Hour,
	Offset1Week: 7 * 24 * time.Hour,
}

// Spec describes one requested reminder: either a named offset before the
// due date, or a custom absolute instant.
type Spec struct {
	Kind   task.ReminderKind `json:"kind"`
	Offset Offset            `json:"offset,omitempty"`
	At     time.Time         `json:"at,omitempty"`
}

// Schedule resolves specs against dueAt into concrete reminders. It is pure
// apart from id generation. A nil dueAt produces zero reminders: tasks
// without a due date are never reminded. Trigger instants are absolute;
// they are never re-interpreted if the owner's time zone changes later.
func Schedule(taskID, recipient string, dueAt *time.Time, specs []Spec) ([]task.Reminder, error) {
	if dueAt == nil {
		return nil, nil
	}
	if len(specs) > MaxPerTask {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyReminders, len(specs))
	}

	out := make([]task.Reminder, 0, len(specs))
	for _, spec := range specs {
		var triggerAt time.Time
		switch spec.Kind {
		case task.ReminderOffset:
			d, ok := offsetDurations[spec.Offset]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownOffset, spec.Offset)
			}
			triggerAt = dueAt.Add(-d)
		case task.ReminderCustom:
			if spec.At.After(*dueAt) {
				return nil, fmt.Errorf("%w: %v > %v", ErrTriggerAfterDue, spec.At, *dueAt)
			}
			triggerAt = spec.At
		default:
			return nil, fmt.Errorf("reminder: unknown kind %q", spec.Kind)
		}

		out = append(out, task.Reminder{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			TriggerAt: triggerAt,
			Kind:      spec.Kind,
			Status:    task.ReminderPending,
			Recipient: recipient,
		})
	}
	return out, nil
}
