// Package coordinator regenerates recurring tasks: when an occurrence of a
// series completes, it computes the next occurrence from the template's
// rule and emits an idempotent create command toward the Task Store.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskmill/internal/audit"
	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/otel"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/recurrence"
	"github.com/basket/taskmill/internal/task"
)

const consumerName = "coordinator"

// shardCount is the number of per-key workers. Events are sharded by
// series id so two completions of the same series are processed in arrival
// order, while unrelated series never block each other.
const shardCount = 8

// Config holds the dependencies for the coordinator.
type Config struct {
	Bus     *bus.Bus
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Coordinator is the stateful event handler driving series regeneration.
// It keeps no mutable series state of its own: rules are read from the
// projection per event, so instance edits never leak into the calculation.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	shards []chan bus.TaskEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: logger}
}

// Start subscribes to completion events and launches the shard workers.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.shards = make([]chan bus.TaskEvent, shardCount)
	for i := range c.shards {
		c.shards[i] = make(chan bus.TaskEvent, 64)
		c.wg.Add(1)
		go c.worker(ctx, c.shards[i])
	}

	sub := c.cfg.Bus.Subscribe(bus.TopicTaskCompleted)
	c.wg.Add(1)
	go c.consume(ctx, sub)
	c.logger.Info("coordinator started", "shards", shardCount)
}

// Stop drains the consumers and waits for workers to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) consume(ctx context.Context, sub *bus.Subscription) {
	defer c.wg.Done()
	defer c.cfg.Bus.Unsubscribe(sub)

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
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.EventsConsumed.Add(ctx, 1)
			}
			key := seriesKey(&ev.Task)
			if key == "" {
				// Plain task: nothing to regenerate.
				continue
			}
			shard := c.shards[shardFor(key)]
			select {
			case <-ctx.Done():
				return
			case shard <- ev:
			}
		}
	}
}

func (c *Coordinator) worker(ctx context.Context, events <-chan bus.TaskEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handle(ctx, ev)
		}
	}
}

// handle processes one qualifying completion event.
func (c *Coordinator) handle(ctx context.Context, ev bus.TaskEvent) {
	// Seen-set first: redelivered events are skipped before any rule read
	// or occurrence computation.
	first, err := c.cfg.Store.MarkSeen(ctx, consumerName, ev.EventID)
	if err != nil {
		c.logger.Error("coordinator: seen-set check", "event_id", ev.EventID, "error", err)
		return
	}
	if !first {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.DuplicatesDropped.Add(ctx, 1)
		}
		return
	}

	ruleID, templateID := ruleRef(&ev.Task)
	rule, err := c.lookupRule(ctx, ruleID, templateID)
	if err != nil {
		c.logger.Error("coordinator: load rule",
			"event_id", ev.EventID, "task_id", ev.Task.ID, "error", err)
		return
	}
	if rule == nil || rule.Tombstoned {
		// Series deleted; single-instance deletes never reach here.
		return
	}

	anchor := ev.OccurredAt
	if ev.Task.DueAt != nil {
		anchor = *ev.Task.DueAt
	}

	next, ok, err := recurrence.NextOccurrence(rule, anchor)
	if err != nil {
		// Invalid rules are a data-integrity bug: loud, never silent.
		c.logger.Error("coordinator: recurrence calculation failed",
			"rule_id", rule.ID, "task_id", ev.Task.ID, "error", err)
		return
	}
	if !ok {
		c.endSeries(ctx, rule, anchor)
		return
	}

	c.emitCreate(ctx, rule, &ev.Task, next)
}

// lookupRule loads the projection, falling back to the template id when
// the completed task is a generated instance carrying no rule id.
func (c *Coordinator) lookupRule(ctx context.Context, ruleID, templateID string) (*recurrence.Rule, error) {
	if ruleID != "" {
		rule, err := c.cfg.Store.GetRule(ctx, ruleID)
		if errors.Is(err, persistence.ErrRuleNotFound) {
			return nil, nil
		}
		return rule, err
	}
	rule, err := c.cfg.Store.GetRuleByTemplate(ctx, templateID)
	if errors.Is(err, persistence.ErrRuleNotFound) {
		return nil, nil
	}
	return rule, err
}

// emitCreate publishes the CreateTaskInstance command. The dedup key is
// deterministic in (template, next date): the Task Store ignores repeats.
func (c *Coordinator) emitCreate(ctx context.Context, rule *recurrence.Rule, completed *task.Task, next time.Time) {
	due := next
	seed := task.Task{
		OwnerID:        completed.OwnerID,
		Title:          completed.Title,
		Status:         task.StatusOpen,
		Priority:       completed.Priority,
		Tags:           completed.Tags,
		DueAt:          &due,
		SeriesParentID: rule.TemplateID,
	}
	cmd := bus.CreateTaskInstance{
		DedupKey: InstanceDedupKey(rule.TemplateID, next),
		Seed:     seed,
	}
	c.cfg.Bus.Publish(bus.TopicCommandCreateInstance, cmd)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.InstancesGenerated.Add(ctx, 1)
	}
	c.logger.Info("coordinator: next instance requested",
		"template_id", rule.TemplateID,
		"rule_id", rule.ID,
		"next_due_at", next,
		"dedup_key", cmd.DedupKey,
	)
}

// endSeries records the terminal state of a series. Always explicit and
// auditable, never a dropped event.
func (c *Coordinator) endSeries(ctx context.Context, rule *recurrence.Rule, lastDue time.Time) {
	ev := bus.SeriesEndedEvent{
		TemplateID: rule.TemplateID,
		RuleID:     rule.ID,
		LastDueAt:  lastDue,
	}
	c.cfg.Bus.Publish(bus.TopicSeriesEnded, ev)
	detail, _ := json.Marshal(ev)
	audit.Record(audit.KindSeriesEnded, rule.TemplateID, string(detail))
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SeriesEnded.Add(ctx, 1)
	}
	c.logger.Info("coordinator: series ended",
		"template_id", rule.TemplateID, "rule_id", rule.ID, "last_due_at", lastDue)
}

// InstanceDedupKey builds the deterministic idempotency key for the next
// occurrence of a series.
func InstanceDedupKey(templateID string, next time.Time) string {
	h := sha256.Sum256([]byte(templateID + ":" + next.UTC().Format(time.RFC3339)))
	return fmt.Sprintf("%x", h[:16])
}

// seriesKey identifies the series a completed task belongs to, or "" for
// plain tasks.
func seriesKey(t *task.Task) string {
	if t.SeriesParentID != "" {
		return t.SeriesParentID
	}
	if t.RecurrenceRuleID != "" {
		return t.ID
	}
	return ""
}

// ruleRef extracts where to find the governing rule: directly by id on the
// template, or via the template for generated instances.
func ruleRef(t *task.Task) (ruleID, templateID string) {
	if t.RecurrenceRuleID != "" {
		return t.RecurrenceRuleID, t.ID
	}
	return "", t.SeriesParentID
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
