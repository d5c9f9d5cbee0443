package bus

import (
	"time"

	"github.com/basket/taskmill/internal/task"
)

// Task lifecycle topics. These mirror the task-events topic of the external
// event bus once records pass through ingress.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeleted   = "task.deleted"

	TopicReminderDue = "reminder.due"
	TopicSeriesEnded = "series.ended"
)

// Command topics carry effects toward the external CRUD service. This core
// never writes Task Store state directly.
const (
	TopicCommandCreateInstance = "command.create_instance"
	TopicCommandMarkDelivered  = "command.mark_reminder_delivered"
	TopicCommandMarkFailed     = "command.mark_reminder_failed"
)

// EventType classifies a task mutation.
type EventType string

const (
	EventCreated   EventType = "Created"
	EventUpdated   EventType = "Updated"
	EventCompleted EventType = "Completed"
	EventDeleted   EventType = "Deleted"
)

// TopicForEvent maps an event type to its bus topic.
func TopicForEvent(t EventType) string {
	switch t {
	case EventCreated:
		return TopicTaskCreated
	case EventUpdated:
		return TopicTaskUpdated
	case EventCompleted:
		return TopicTaskCompleted
	case EventDeleted:
		return TopicTaskDeleted
	}
	return "task.unknown"
}

// TaskEvent is an immutable fact about a task mutation. EventID is the
// dedup key: consumers treat redelivery of the same id as a no-op.
type TaskEvent struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"type"`
	Task       task.Task `json:"task"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReminderDueEvent fires when a reminder's trigger instant elapses.
type ReminderDueEvent struct {
	EventID    string    `json:"event_id"`
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	TriggerAt  time.Time `json:"trigger_at"`
	Kind       string    `json:"kind"`
}

// SeriesEndedEvent records that a recurrence series ran past its horizon.
// Always explicit and auditable, never a silent drop.
type SeriesEndedEvent struct {
	TemplateID string    `json:"template_id"`
	RuleID     string    `json:"rule_id"`
	LastDueAt  time.Time `json:"last_due_at"`
}

// CreateTaskInstance asks the CRUD service to create the next occurrence of
// a series. DedupKey is deterministic; the store rejects duplicates.
type CreateTaskInstance struct {
	DedupKey string    `json:"dedup_key"`
	Seed     task.Task `json:"seed_fields"`
}

// MarkReminderDelivered reports a successful delivery to the Task Store.
type MarkReminderDelivered struct {
	ReminderID string `json:"reminder_id"`
}

// MarkReminderFailed reports a permanently failed reminder to the Task Store.
type MarkReminderFailed struct {
	ReminderID string `json:"reminder_id"`
	Reason     string `json:"reason,omitempty"`
}
