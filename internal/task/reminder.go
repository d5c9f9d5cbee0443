package task

import "time"

type ReminderKind string

const (
	ReminderOffset ReminderKind = "offset"
	ReminderCustom ReminderKind = "custom"
)

type ReminderStatus string

const (
	ReminderPending    ReminderStatus = "pending"
	ReminderDelivering ReminderStatus = "delivering"
	ReminderDelivered  ReminderStatus = "delivered"
	ReminderFailed     ReminderStatus = "failed"
	ReminderCancelled  ReminderStatus = "cancelled"
)

// Reminder is one scheduled notification for a task. TriggerAt is an
// absolute instant; the core never re-interprets time zones after creation.
// Reminders are cancelled, never deleted, when their task completes or is
// deleted before firing.
type Reminder struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	TriggerAt time.Time      `json:"trigger_at"`
	Kind      ReminderKind   `json:"kind"`
	Status    ReminderStatus `json:"status"`
	Recipient string         `json:"recipient,omitempty"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}
