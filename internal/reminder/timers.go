package reminder

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/task"
)

// Timers is the scheduled-callback facility for reminders: a min-heap of
// trigger instants drained by a single waking goroutine. When a trigger
// elapses, a reminder.due event is published on the bus.
type Timers struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending triggerHeap
	armed   map[string]*trigger // reminder id → heap entry

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type trigger struct {
	reminder task.Reminder
	at       time.Time
	removed  bool
	index    int
}

// TimersConfig holds the dependencies for the timer facility.
type TimersConfig struct {
	Bus    *bus.Bus
	Logger *slog.Logger
}

func NewTimers(cfg TimersConfig) *Timers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Timers{
		bus:    cfg.Bus,
		logger: logger,
		armed:  make(map[string]*trigger),
		wake:   make(chan struct{}, 1),
	}
}

// Arm schedules the reminder's trigger. Arming an already-armed reminder id
// is a no-op, which makes re-arming from the catch-up sweep safe.
func (t *Timers) Arm(r task.Reminder) {
	t.mu.Lock()
	if _, ok := t.armed[r.ID]; ok {
		t.mu.Unlock()
		return
	}
	tr := &trigger{reminder: r, at: r.TriggerAt}
	heap.Push(&t.pending, tr)
	t.armed[r.ID] = tr
	t.mu.Unlock()
	t.poke()
}

// Disarm cancels a pending trigger. Firing in progress is not interrupted.
func (t *Timers) Disarm(reminderID string) {
	t.mu.Lock()
	if tr, ok := t.armed[reminderID]; ok {
		tr.removed = true
		delete(t.armed, reminderID)
	}
	t.mu.Unlock()
	t.poke()
}

// DisarmTask cancels every pending trigger belonging to a task.
func (t *Timers) DisarmTask(taskID string) int {
	t.mu.Lock()
	n := 0
	for id, tr := range t.armed {
		if tr.reminder.TaskID == taskID {
			tr.removed = true
			delete(t.armed, id)
			n++
		}
	}
	t.mu.Unlock()
	t.poke()
	return n
}

// Armed reports whether the reminder currently has a pending trigger.
func (t *Timers) Armed(reminderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.armed[reminderID]
	return ok
}

func (t *Timers) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Start launches the waking goroutine.
func (t *Timers) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("reminder timers started")
}

// Stop cancels the loop and waits for it to exit.
func (t *Timers) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("reminder timers stopped")
}

func (t *Timers) loop(ctx context.Context) {
	defer t.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		t.fireDue()

		wait := t.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-timer.C:
		}
	}
}

// untilNext returns how long to sleep before the earliest pending trigger.
func (t *Timers) untilNext() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.pending.Len() > 0 && t.pending[0].removed {
		heap.Pop(&t.pending)
	}
	if t.pending.Len() == 0 {
		return time.Hour
	}
	wait := time.Until(t.pending[0].at)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fireDue pops and publishes every trigger whose instant has elapsed.
func (t *Timers) fireDue() {
	now := time.Now()
	for {
		t.mu.Lock()
		for t.pending.Len() > 0 && t.pending[0].removed {
			heap.Pop(&t.pending)
		}
		if t.pending.Len() == 0 || t.pending[0].at.After(now) {
			t.mu.Unlock()
			return
		}
		tr := heap.Pop(&t.pending).(*trigger)
		delete(t.armed, tr.reminder.ID)
		t.mu.Unlock()

		ev := bus.ReminderDueEvent{
			EventID:    uuid.NewString(),
			ReminderID: tr.reminder.ID,
			TaskID:     tr.reminder.TaskID,
			TriggerAt:  tr.reminder.TriggerAt,
			Kind:       string(tr.reminder.Kind),
		}
		t.bus.Publish(bus.TopicReminderDue, ev)
		t.logger.Debug("reminder trigger fired",
			"reminder_id", tr.reminder.ID,
			"task_id", tr.reminder.TaskID,
			"trigger_at", tr.reminder.TriggerAt,
		)
	}
}

// triggerHeap orders triggers by instant, earliest first.
type triggerHeap []*trigger

func (h triggerHeap) Len() int           { return len(h) }
func (h triggerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h triggerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *triggerHeap) Push(x any)        { t := x.(*trigger); t.index = len(*h); *h = append(*h, t) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
