package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskmill/internal/recurrence"
	"github.com/basket/taskmill/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkSeen_FirstSightingOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.MarkSeen(ctx, "coordinator", "ev-1")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if !first {
		t.Fatal("first sighting reported as duplicate")
	}

	first, err = s.MarkSeen(ctx, "coordinator", "ev-1")
	if err != nil {
		t.Fatalf("MarkSeen redelivery: %v", err)
	}
	if first {
		t.Fatal("redelivery reported as first sighting")
	}

	// The seen set is per consumer: another consumer sees the same id fresh.
	first, err = s.MarkSeen(ctx, "dispatcher", "ev-1")
	if err != nil {
		t.Fatalf("MarkSeen other consumer: %v", err)
	}
	if !first {
		t.Fatal("seen set leaked across consumers")
	}
}

func TestSweepSeen_RemovesOldEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkSeen(ctx, "coordinator", "ev-old"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	// Everything is younger than an hour; nothing should go.
	removed, err := s.SweepSeen(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepSeen: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}

	// A zero TTL expires everything.
	time.Sleep(10 * time.Millisecond)
	removed, err = s.SweepSeen(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("SweepSeen: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	first, err := s.MarkSeen(ctx, "coordinator", "ev-old")
	if err != nil {
		t.Fatalf("MarkSeen after sweep: %v", err)
	}
	if !first {
		t.Fatal("swept entry still counts as seen")
	}
}

func TestRules_UpsertGetTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := &recurrence.Rule{
		ID:         "rule-1",
		TemplateID: "tmpl-1",
		Freq:       recurrence.Weekly,
		Interval:   2,
		Weekdays:   []time.Weekday{time.Monday, time.Friday},
	}
	if err := s.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}

	got, err := s.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Freq != recurrence.Weekly || got.Interval != 2 || len(got.Weekdays) != 2 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	byTemplate, err := s.GetRuleByTemplate(ctx, "tmpl-1")
	if err != nil {
		t.Fatalf("GetRuleByTemplate: %v", err)
	}
	if byTemplate.ID != "rule-1" {
		t.Fatalf("rule id via template = %q, want rule-1", byTemplate.ID)
	}

	if err := s.TombstoneRule(ctx, "rule-1"); err != nil {
		t.Fatalf("TombstoneRule: %v", err)
	}
	got, err = s.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetRule after tombstone: %v", err)
	}
	if !got.Tombstoned {
		t.Fatal("rule not tombstoned")
	}

	if _, err := s.GetRule(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("err = %v, want ErrRuleNotFound", err)
	}
}

func TestRules_UpsertReplacesDefinition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertRule(ctx, &recurrence.Rule{ID: "rule-1", TemplateID: "tmpl-1", Freq: recurrence.Daily, Interval: 1}); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	if err := s.UpsertRule(ctx, &recurrence.Rule{ID: "rule-1", TemplateID: "tmpl-1", Freq: recurrence.Daily, Interval: 3}); err != nil {
		t.Fatalf("UpsertRule replace: %v", err)
	}

	got, err := s.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Interval != 3 {
		t.Fatalf("interval = %d, want 3", got.Interval)
	}
}

func testReminder(id, taskID string, at time.Time) task.Reminder {
	return task.Reminder{
		ID:        id,
		TaskID:    taskID,
		TriggerAt: at,
		Kind:      task.ReminderOffset,
		Status:    task.ReminderPending,
		Recipient: "12345",
		Message:   "standup",
	}
}

func TestReminders_InsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rem := testReminder("rem-1", "task-1", at)
	if err := s.InsertReminders(ctx, []task.Reminder{rem}); err != nil {
		t.Fatalf("InsertReminders: %v", err)
	}
	// Redelivered inserts are ignored, not an error.
	if err := s.InsertReminders(ctx, []task.Reminder{rem}); err != nil {
		t.Fatalf("InsertReminders redelivery: %v", err)
	}

	got, err := s.GetReminder(ctx, "rem-1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.TaskID != "task-1" || !got.TriggerAt.Equal(at) || got.Status != task.ReminderPending {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestReminders_StatusTransitionsAreTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rem := testReminder("rem-1", "task-1", time.Now())
	if err := s.InsertReminders(ctx, []task.Reminder{rem}); err != nil {
		t.Fatalf("InsertReminders: %v", err)
	}

	if err := s.SetReminderStatus(ctx, "rem-1", task.ReminderDelivering); err != nil {
		t.Fatalf("SetReminderStatus delivering: %v", err)
	}
	if err := s.SetReminderStatus(ctx, "rem-1", task.ReminderDelivered); err != nil {
		t.Fatalf("SetReminderStatus delivered: %v", err)
	}

	// Terminal states never move again.
	if err := s.SetReminderStatus(ctx, "rem-1", task.ReminderPending); err != nil {
		t.Fatalf("SetReminderStatus on terminal: %v", err)
	}
	got, err := s.GetReminder(ctx, "rem-1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.Status != task.ReminderDelivered {
		t.Fatalf("status = %q, want delivered", got.Status)
	}
}

func TestReminders_PendingBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []task.Reminder{
		testReminder("rem-past", "task-1", now.Add(-time.Minute)),
		testReminder("rem-soon", "task-1", now.Add(time.Minute)),
		testReminder("rem-far", "task-1", now.Add(time.Hour)),
	}
	if err := s.InsertReminders(ctx, batch); err != nil {
		t.Fatalf("InsertReminders: %v", err)
	}

	due, err := s.PendingBefore(ctx, now.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("PendingBefore: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("pending count = %d, want 2", len(due))
	}
	if due[0].ID != "rem-past" || due[1].ID != "rem-soon" {
		t.Fatalf("order = %s, %s; want rem-past, rem-soon", due[0].ID, due[1].ID)
	}
}

func TestReminders_CancelPendingForTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []task.Reminder{
		testReminder("rem-1", "task-1", now),
		testReminder("rem-2", "task-1", now.Add(time.Hour)),
		testReminder("rem-other", "task-2", now),
	}
	if err := s.InsertReminders(ctx, batch); err != nil {
		t.Fatalf("InsertReminders: %v", err)
	}
	if err := s.SetReminderStatus(ctx, "rem-1", task.ReminderDelivered); err != nil {
		t.Fatalf("SetReminderStatus: %v", err)
	}

	n, err := s.CancelPendingForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("CancelPendingForTask: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled = %d, want 1", n)
	}

	got, _ := s.GetReminder(ctx, "rem-1")
	if got.Status != task.ReminderDelivered {
		t.Fatalf("delivered reminder mutated to %q", got.Status)
	}
	got, _ = s.GetReminder(ctx, "rem-2")
	if got.Status != task.ReminderCancelled {
		t.Fatalf("rem-2 status = %q, want cancelled", got.Status)
	}
	got, _ = s.GetReminder(ctx, "rem-other")
	if got.Status != task.ReminderPending {
		t.Fatalf("other task's reminder mutated to %q", got.Status)
	}
}

func TestAttempts_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordAttempt(ctx, "rem-1", 0, OutcomeTransientFailure, "timeout"); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := s.RecordAttempt(ctx, "rem-1", 1, OutcomeSent, ""); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	attempts, err := s.ListAttempts(ctx, "rem-1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempt count = %d, want 2", len(attempts))
	}
	if attempts[0].Attempt != 0 || attempts[0].Outcome != OutcomeTransientFailure {
		t.Fatalf("attempt 0 = %+v", attempts[0])
	}
	if attempts[1].Attempt != 1 || attempts[1].Outcome != OutcomeSent {
		t.Fatalf("attempt 1 = %+v", attempts[1])
	}
}
