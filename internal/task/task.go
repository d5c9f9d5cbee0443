// Package task defines the task model shared across the automation core.
// Tasks are owned by the external CRUD service; this core only reads
// snapshots carried on events and emits commands back toward the store.
package task

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ErrSeriesLinkage is returned when a task claims to be both a recurrence
// template and a generated instance.
var ErrSeriesLinkage = errors.New("task: recurrence_rule_id and series_parent_id are mutually exclusive")

// Task is a snapshot of a unit of work as carried on task events.
// DueAt is an absolute instant, already resolved from the owner's local
// time zone by the CRUD service.
type Task struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Title            string     `json:"title"`
	Status           Status     `json:"status"`
	Priority         Priority   `json:"priority,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	RecurrenceRuleID string     `json:"recurrence_rule_id,omitempty"`
	SeriesParentID   string     `json:"series_parent_id,omitempty"`
	Version          int64      `json:"version,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at,omitempty"`
}

// IsTemplate reports whether the task owns a recurrence rule.
func (t *Task) IsTemplate() bool {
	return t.RecurrenceRuleID != ""
}

// IsInstance reports whether the task was generated from a series template.
func (t *Task) IsInstance() bool {
	return t.SeriesParentID != ""
}

// ValidateLinkage enforces that a task is a template, an instance, or plain,
// never template and instance at once.
func (t *Task) ValidateLinkage() error {
	if t.RecurrenceRuleID != "" && t.SeriesParentID != "" {
		return ErrSeriesLinkage
	}
	return nil
}
