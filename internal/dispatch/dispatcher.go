// Package dispatch delivers due reminders through a delivery channel with
// fixed-backoff retries, recording every attempt.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskmill/internal/audit"
	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/channels"
	"github.com/basket/taskmill/internal/otel"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/reminder"
	"github.com/basket/taskmill/internal/task"
)

const consumerName = "dispatcher"

// maxAttempts is the total number of delivery tries per reminder.
const maxAttempts = 3

// defaultRetryDelays are the waits before attempts 1 and 2, each measured
// from the previous attempt's failure.
var defaultRetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute}

// Config holds the dependencies for the dispatcher.
type Config struct {
	Bus     *bus.Bus
	Store   *persistence.Store
	Channel channels.Channel
	Timers  *reminder.Timers
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// SendTimeout caps each delivery channel call. A deadline is a
	// transient failure.
	SendTimeout time.Duration

	// RetryDelays overrides the backoff schedule; tests shrink it.
	RetryDelays []time.Duration
}

// Dispatcher consumes reminder.due events and runs the per-reminder state
// machine Pending → Delivering → {Delivered | Failed}. Each reminder is
// handled by its own goroutine; unrelated reminders never block each other,
// and duplicate due events for an in-flight reminder are dropped.
type Dispatcher struct {
	cfg         Config
	logger      *slog.Logger
	retryDelays []time.Duration

	mu       sync.Mutex
	inflight map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delays := cfg.RetryDelays
	if len(delays) == 0 {
		delays = defaultRetryDelays
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:         cfg,
		logger:      logger,
		retryDelays: delays,
		inflight:    make(map[string]bool),
	}
}

// Start subscribes to due and lifecycle events and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	dueSub := d.cfg.Bus.Subscribe(bus.TopicReminderDue)
	lifeSub := d.cfg.Bus.Subscribe("task.")

	d.wg.Add(2)
	go d.consumeDue(ctx, dueSub)
	go d.consumeLifecycle(ctx, lifeSub)
	d.logger.Info("dispatcher started", "channel", d.cfg.Channel.Name())
}

// Stop cancels consumers and waits for in-flight deliveries to settle.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) consumeDue(ctx context.Context, sub *bus.Subscription) {
	defer d.wg.Done()
	defer d.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := msg.Payload.(bus.ReminderDueEvent)
			if !ok {
				continue
			}
			d.handleDue(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleDue(ctx context.Context, ev bus.ReminderDueEvent) {
	first, err := d.cfg.Store.MarkSeen(ctx, consumerName, ev.EventID)
	if err != nil {
		d.logger.Error("dispatcher: seen-set check", "event_id", ev.EventID, "error", err)
		return
	}
	if !first {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DuplicatesDropped.Add(ctx, 1)
		}
		return
	}

	d.mu.Lock()
	if d.inflight[ev.ReminderID] {
		d.mu.Unlock()
		d.logger.Debug("dispatcher: reminder already in flight", "reminder_id", ev.ReminderID)
		return
	}
	d.inflight[ev.ReminderID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, ev.ReminderID)
			d.mu.Unlock()
		}()
		d.deliver(ctx, ev.ReminderID)
	}()
}

// deliver runs the full attempt sequence for one reminder.
func (d *Dispatcher) deliver(ctx context.Context, reminderID string) {
	rem, err := d.cfg.Store.GetReminder(ctx, reminderID)
	if err != nil {
		d.logger.Error("dispatcher: load reminder", "reminder_id", reminderID, "error", err)
		return
	}
	if rem.Status != task.ReminderPending {
		// Cancelled, or a redundant trigger for an already-settled reminder.
		return
	}
	if err := d.cfg.Store.SetReminderStatus(ctx, reminderID, task.ReminderDelivering); err != nil {
		d.logger.Error("dispatcher: mark delivering", "reminder_id", reminderID, "error", err)
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.DeliveryRetries.Add(ctx, 1)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.retryDelays[attempt-1]):
			}
		}

		// Cooperative cancellation: checked immediately before the attempt
		// fires, never by interrupting an in-flight send.
		if d.cancelled(ctx, reminderID) {
			d.logger.Info("dispatcher: reminder cancelled before attempt",
				"reminder_id", reminderID, "attempt", attempt)
			return
		}

		outcome, detail := d.attempt(ctx, rem, attempt)
		d.recordAttempt(ctx, reminderID, attempt, outcome, detail)

		switch outcome {
		case channels.OutcomeSent:
			d.settle(ctx, rem, task.ReminderDelivered, "")
			return
		case channels.OutcomePermanent:
			d.settle(ctx, rem, task.ReminderFailed, detail)
			return
		}
		// Transient: fall through to the next attempt.
	}

	d.settle(ctx, rem, task.ReminderFailed, "retries exhausted")
}

// attempt makes one delivery channel call under the configured timeout.
func (d *Dispatcher) attempt(ctx context.Context, rem *task.Reminder, attempt int) (channels.Outcome, string) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	content := rem.Message
	if content == "" {
		content = fmt.Sprintf("Reminder: task %s is due at %s", rem.TaskID, rem.TriggerAt.Format(time.RFC3339))
	}

	start := time.Now()
	outcome, err := d.cfg.Channel.Send(callCtx, rem.Recipient, content)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
	}

	detail := ""
	if err != nil {
		detail = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = channels.OutcomeTransient
		}
	}
	d.logger.Info("dispatcher: delivery attempt",
		"reminder_id", rem.ID,
		"attempt", attempt,
		"outcome", outcome,
		"error", detail,
	)
	return outcome, detail
}

// cancelled reports whether the reminder was cancelled under us.
func (d *Dispatcher) cancelled(ctx context.Context, reminderID string) bool {
	rem, err := d.cfg.Store.GetReminder(ctx, reminderID)
	if err != nil {
		d.logger.Error("dispatcher: cancellation check", "reminder_id", reminderID, "error", err)
		return false
	}
	return rem.Status == task.ReminderCancelled
}

func (d *Dispatcher) recordAttempt(ctx context.Context, reminderID string, attempt int, outcome channels.Outcome, detail string) {
	rec := outcomeName(outcome)
	if err := d.cfg.Store.RecordAttempt(ctx, reminderID, attempt, rec, detail); err != nil {
		d.logger.Error("dispatcher: record attempt", "reminder_id", reminderID, "error", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"attempt": attempt,
		"outcome": rec,
		"detail":  detail,
	})
	audit.Record(audit.KindNotificationAttempt, reminderID, string(payload))
}

// settle moves the reminder to its terminal state and reports it toward
// the Task Store.
func (d *Dispatcher) settle(ctx context.Context, rem *task.Reminder, status task.ReminderStatus, reason string) {
	if err := d.cfg.Store.SetReminderStatus(ctx, rem.ID, status); err != nil {
		d.logger.Error("dispatcher: settle reminder", "reminder_id", rem.ID, "error", err)
	}
	switch status {
	case task.ReminderDelivered:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.Deliveries.Add(ctx, 1)
		}
		d.cfg.Bus.Publish(bus.TopicCommandMarkDelivered, bus.MarkReminderDelivered{ReminderID: rem.ID})
	case task.ReminderFailed:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DeliveryFailures.Add(ctx, 1)
		}
		audit.Record(audit.KindReminderFailed, rem.ID, reason)
		d.cfg.Bus.Publish(bus.TopicCommandMarkFailed, bus.MarkReminderFailed{ReminderID: rem.ID, Reason: reason})
	}
}

// consumeLifecycle cancels pending reminders when their task completes or
// is deleted before firing.
func (d *Dispatcher) consumeLifecycle(ctx context.Context, sub *bus.Subscription) {
	defer d.wg.Done()
	defer d.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := msg.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			if ev.Type != bus.EventCompleted && ev.Type != bus.EventDeleted {
				continue
			}
			n, err := d.cfg.Store.CancelPendingForTask(ctx, ev.Task.ID)
			if err != nil {
				d.logger.Error("dispatcher: cancel reminders", "task_id", ev.Task.ID, "error", err)
				continue
			}
			if n > 0 {
				if d.cfg.Timers != nil {
					d.cfg.Timers.DisarmTask(ev.Task.ID)
				}
				d.logger.Info("dispatcher: cancelled pending reminders",
					"task_id", ev.Task.ID, "count", n)
			}
		}
	}
}

func outcomeName(o channels.Outcome) string {
	switch o {
	case channels.OutcomeSent:
		return persistence.OutcomeSent
	case channels.OutcomePermanent:
		return persistence.OutcomePermanentFailure
	default:
		return persistence.OutcomeTransientFailure
	}
}
