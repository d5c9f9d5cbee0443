package syncer

import (
	"fmt"
	"testing"
	"time"

	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/task"
)

func taskEvent(eventID, taskID, title string, occurredAt time.Time) bus.TaskEvent {
	return bus.TaskEvent{
		EventID:    eventID,
		Type:       bus.EventUpdated,
		Task:       task.Task{ID: taskID, Title: title, Status: task.StatusOpen},
		OccurredAt: occurredAt,
	}
}

func collect(t *testing.T, c *Client, n int) []Delta {
	t.Helper()
	out := make([]Delta, 0, n)
	for len(out) < n {
		select {
		case d, ok := <-c.Deltas():
			if !ok {
				t.Fatalf("client closed after %d of %d deltas", len(out), n)
			}
			out = append(out, d)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout after %d of %d deltas", len(out), n)
		}
	}
	return out
}

func TestBroadcaster_SequenceNumbersAreMonotonic(t *testing.T) {
	b := New(Config{ReorderWindow: 20 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		b.Ingest(taskEvent(fmt.Sprintf("ev-%d", i), "task-1", fmt.Sprintf("rev %d", i), base.Add(time.Duration(i)*time.Second)))
	}

	deltas := collect(t, c, 3)
	for i, d := range deltas {
		if d.SequenceNo != uint64(i+1) {
			t.Fatalf("delta %d sequence = %d, want %d", i, d.SequenceNo, i+1)
		}
		if d.TaskID != "task-1" {
			t.Fatalf("delta task = %q", d.TaskID)
		}
	}
}

func TestBroadcaster_ReordersWithinWindow(t *testing.T) {
	b := New(Config{ReorderWindow: 50 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	// E2 arrives before E1; both land inside one window.
	b.Ingest(taskEvent("ev-2", "task-1", "second", base.Add(time.Second)))
	b.Ingest(taskEvent("ev-1", "task-1", "first", base))

	deltas := collect(t, c, 2)
	if deltas[0].Value.Title != "first" || deltas[1].Value.Title != "second" {
		t.Fatalf("order = %q, %q; want first, second",
			deltas[0].Value.Title, deltas[1].Value.Title)
	}
	for _, d := range deltas {
		if d.Reordered || d.StaleWarning != nil {
			t.Fatalf("in-window re-sequencing must not flag deltas: %+v", d)
		}
	}
}

func TestBroadcaster_TieBrokenByEventID(t *testing.T) {
	b := New(Config{ReorderWindow: 50 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	at := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	b.Ingest(taskEvent("ev-b", "task-1", "from b", at))
	b.Ingest(taskEvent("ev-a", "task-1", "from a", at))

	deltas := collect(t, c, 2)
	if deltas[0].Value.Title != "from a" || deltas[1].Value.Title != "from b" {
		t.Fatalf("tie-break order = %q, %q; want event-id order",
			deltas[0].Value.Title, deltas[1].Value.Title)
	}
}

func TestBroadcaster_LateEventLosesLastWriteWins(t *testing.T) {
	b := New(Config{ReorderWindow: 20 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	b.Ingest(taskEvent("ev-new", "task-1", "newer", base.Add(30*time.Second)))
	collect(t, c, 1)

	// The older event arrives after its window closed. It lost: the delta
	// carries the winner's value, the loser's staleness, and the flag.
	b.Ingest(taskEvent("ev-old", "task-1", "older", base))
	deltas := collect(t, c, 1)

	d := deltas[0]
	if !d.Reordered {
		t.Fatal("late delta not flagged as reordered")
	}
	if d.Value.Title != "newer" {
		t.Fatalf("delta value = %q, want the winning write", d.Value.Title)
	}
	if d.StaleWarning == nil {
		t.Fatal("late delta carries no staleness")
	}
	if *d.StaleWarning != 30 {
		t.Fatalf("staleness = %v seconds, want 30", *d.StaleWarning)
	}
	if d.SequenceNo != 2 {
		t.Fatalf("sequence = %d, want 2", d.SequenceNo)
	}
}

func TestBroadcaster_DuplicateEventIDsDropped(t *testing.T) {
	b := New(Config{ReorderWindow: 20 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	at := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	ev := taskEvent("ev-1", "task-1", "only once", at)
	b.Ingest(ev)
	b.Ingest(ev)
	b.Ingest(ev)

	collect(t, c, 1)
	select {
	case d := <-c.Deltas():
		t.Fatalf("duplicate produced a delta: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_TasksAreIndependent(t *testing.T) {
	b := New(Config{ReorderWindow: 20 * time.Millisecond})
	c := b.Subscribe()
	defer b.Unsubscribe(c)

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	b.Ingest(taskEvent("ev-1", "task-a", "a", base))
	b.Ingest(taskEvent("ev-2", "task-b", "b", base))

	deltas := collect(t, c, 2)
	// Per-task sequences both start at 1; no cross-task ordering claim.
	for _, d := range deltas {
		if d.SequenceNo != 1 {
			t.Fatalf("task %s sequence = %d, want 1", d.TaskID, d.SequenceNo)
		}
	}
}

func TestBroadcaster_SlowClientDisconnected(t *testing.T) {
	b := New(Config{ReorderWindow: 5 * time.Millisecond})
	slow := b.Subscribe()

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	// Never drain the slow client. Past its buffer the broadcaster must cut
	// it loose rather than stall or reorder other clients.
	for i := 0; i < clientBuffer+10; i++ {
		b.Ingest(taskEvent(fmt.Sprintf("ev-%d", i), "task-1", "x", base.Add(time.Duration(i)*time.Second)))
		time.Sleep(time.Millisecond)
	}

	// Drain what was buffered; the channel must end up closed.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-slow.Deltas():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("slow client was never disconnected")
		}
	}
}
