// Package ingress is the boundary between the external event bus and the
// automation core. Raw JSON records are schema-validated and decoded into
// typed events before any consumer sees them; malformed records are
// rejected and audited rather than wedging an at-least-once consumer.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskmill/internal/audit"
	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/recurrence"
	"github.com/basket/taskmill/internal/reminder"
	"github.com/basket/taskmill/internal/task"
)

const taskEventSchema = `{
  "type": "object",
  "required": ["event_id", "type", "task", "occurred_at"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "type": {"enum": ["Created", "Updated", "Completed", "Deleted"]},
    "occurred_at": {"type": "string", "format": "date-time"},
    "task": {
      "type": "object",
      "required": ["id", "owner_id", "title", "status"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "owner_id": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "status": {"type": "string"},
        "due_at": {"type": "string", "format": "date-time"},
        "recurrence_rule_id": {"type": "string"},
        "series_parent_id": {"type": "string"}
      }
    }
  }
}`

const reminderRecordSchema = `{
  "type": "object",
  "required": ["event_id", "reminder_id", "task_id", "trigger_at", "kind"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "reminder_id": {"type": "string", "minLength": 1},
    "task_id": {"type": "string", "minLength": 1},
    "trigger_at": {"type": "string", "format": "date-time"},
    "kind": {"enum": ["offset", "custom"]},
    "recipient": {"type": "string"},
    "message": {"type": "string"}
  }
}`

// Config holds the dependencies for ingress.
type Config struct {
	Bus    *bus.Bus
	Store  *persistence.Store
	Timers *reminder.Timers
	Logger *slog.Logger
}

// Ingress validates and routes external records.
type Ingress struct {
	cfg            Config
	logger         *slog.Logger
	taskSchema     *jsonschema.Schema
	reminderSchema *jsonschema.Schema
}

func New(cfg Config) (*Ingress, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	compiler := jsonschema.NewCompiler()
	taskSch, err := compileSchema(compiler, "task-event.json", taskEventSchema)
	if err != nil {
		return nil, err
	}
	remSch, err := compileSchema(compiler, "reminder-record.json", reminderRecordSchema)
	if err != nil {
		return nil, err
	}
	return &Ingress{
		cfg:            cfg,
		logger:         logger,
		taskSchema:     taskSch,
		reminderSchema: remSch,
	}, nil
}

func compileSchema(compiler *jsonschema.Compiler, name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(text)))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

func (i *Ingress) validate(sch *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("validate record: %w", err)
	}
	return nil
}

// HandleTaskEvent decodes one task-events record and publishes it.
func (i *Ingress) HandleTaskEvent(raw []byte) error {
	if err := i.validate(i.taskSchema, raw); err != nil {
		i.reject("task-event", raw, err)
		return err
	}
	var ev bus.TaskEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		i.reject("task-event", raw, err)
		return err
	}
	if err := ev.Task.ValidateLinkage(); err != nil {
		i.reject("task-event", raw, err)
		return err
	}
	i.cfg.Bus.Publish(bus.TopicForEvent(ev.Type), ev)
	return nil
}

// reminderRecord is the wire shape of the reminders topic.
type reminderRecord struct {
	EventID    string    `json:"event_id"`
	ReminderID string    `json:"reminder_id"`
	TaskID     string    `json:"task_id"`
	TriggerAt  time.Time `json:"trigger_at"`
	Kind       string    `json:"kind"`
	Recipient  string    `json:"recipient,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// HandleReminderRecord persists an externally created reminder and arms its
// trigger. Redelivery is harmless: the insert ignores duplicates and arming
// an armed reminder is a no-op.
func (i *Ingress) HandleReminderRecord(ctx context.Context, raw []byte) error {
	if err := i.validate(i.reminderSchema, raw); err != nil {
		i.reject("reminder-record", raw, err)
		return err
	}
	var rec reminderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		i.reject("reminder-record", raw, err)
		return err
	}

	r := task.Reminder{
		ID:        rec.ReminderID,
		TaskID:    rec.TaskID,
		TriggerAt: rec.TriggerAt,
		Kind:      task.ReminderKind(rec.Kind),
		Status:    task.ReminderPending,
		Recipient: rec.Recipient,
		Message:   rec.Message,
	}
	if err := i.cfg.Store.InsertReminders(ctx, []task.Reminder{r}); err != nil {
		return err
	}
	i.cfg.Timers.Arm(r)
	return nil
}

// ruleRecord is the wire shape for rule projection updates.
type ruleRecord struct {
	recurrence.Rule
	Deleted bool `json:"deleted,omitempty"`
}

// HandleRuleRecord refreshes the read-only rule projection. A deleted
// series arrives as a tombstone so the coordinator stops reacting to
// completions referencing the rule.
func (i *Ingress) HandleRuleRecord(ctx context.Context, raw []byte) error {
	var rec ruleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		i.reject("rule-record", raw, err)
		return err
	}
	if rec.ID == "" {
		err := fmt.Errorf("ingress: rule record without id")
		i.reject("rule-record", raw, err)
		return err
	}
	if rec.Deleted {
		rec.Tombstoned = true
	}
	if err := rec.Rule.Validate(); err != nil && !rec.Tombstoned {
		i.reject("rule-record", raw, err)
		return err
	}
	return i.cfg.Store.UpsertRule(ctx, &rec.Rule)
}

func (i *Ingress) reject(kind string, raw []byte, err error) {
	i.logger.Warn("ingress: record rejected", "kind", kind, "error", err)
	detail := string(raw)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	audit.Record(audit.KindEventRejected, kind, detail)
}
