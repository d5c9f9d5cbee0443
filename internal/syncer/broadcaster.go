// Package syncer propagates task mutations to connected clients as
// ordered, deduplicated deltas with last-write-wins conflict resolution.
package syncer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/otel"
	"github.com/basket/taskmill/internal/task"
)

// clientBuffer is the per-client delta buffer. A client that falls this far
// behind is disconnected rather than blocking fan-out.
const clientBuffer = 64

// dedupCapacity bounds the in-memory event id set.
const dedupCapacity = 4096

// Delta is one client-visible state change.
type Delta struct {
	TaskID     string    `json:"task_id"`
	SequenceNo uint64    `json:"sequence_no"`
	Value      task.Task `json:"value"`

	// StaleWarning is set when a concurrent but older write lost
	// last-write-wins: it carries the losing write's age in seconds, and
	// Value holds the winning record.
	StaleWarning *float64 `json:"stale_warning,omitempty"`

	// Reordered marks a delta delivered in arrival order because it could
	// not be re-sequenced within the reorder window.
	Reordered bool `json:"reordered,omitempty"`
}

// Client is one subscribed consumer of deltas.
type Client struct {
	id int
	ch chan Delta
}

// Deltas returns the client's delivery channel. It is closed when the
// client unsubscribes or falls too far behind.
func (c *Client) Deltas() <-chan Delta {
	return c.ch
}

// Config holds the dependencies for the broadcaster.
type Config struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// ReorderWindow bounds how long an event may be buffered for
	// re-sequencing before delivery gives up and preserves arrival order.
	ReorderWindow time.Duration
}

// taskState is the per-task re-sequencing and conflict state.
type taskState struct {
	nextSeq     uint64
	lastApplied time.Time
	lastEventID string
	lastValue   task.Task
	applied     bool
	pending     []bus.TaskEvent
	flushTimer  *time.Timer
}

// Broadcaster ingests task events and fans out deltas. Ordering per task
// follows the source events' occurred-at (tie-broken by event id); events
// for different tasks carry no mutual ordering guarantee.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger
	window time.Duration

	mu         sync.Mutex
	tasks      map[string]*taskState
	clients    map[int]*Client
	nextClient int
	seen       map[string]struct{}
	seenOrder  []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Broadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.ReorderWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Broadcaster{
		cfg:     cfg,
		logger:  logger,
		window:  window,
		tasks:   make(map[string]*taskState),
		clients: make(map[int]*Client),
		seen:    make(map[string]struct{}),
	}
}

// Start subscribes to task events and begins broadcasting.
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.cfg.Bus.Subscribe("task.")
	b.wg.Add(1)
	go b.consume(ctx, sub)
	b.logger.Info("sync broadcaster started", "reorder_window", b.window)
}

// Stop halts ingestion and closes all client channels.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	for id, c := range b.clients {
		close(c.ch)
		delete(b.clients, id)
	}
	for _, st := range b.tasks {
		if st.flushTimer != nil {
			st.flushTimer.Stop()
		}
	}
	b.mu.Unlock()
	b.logger.Info("sync broadcaster stopped")
}

// Subscribe registers a new client.
func (b *Broadcaster) Subscribe() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextClient++
	c := &Client{id: b.nextClient, ch: make(chan Delta, clientBuffer)}
	b.clients[c.id] = c
	return c
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(c *Client) {
	if c == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c.id]; ok {
		delete(b.clients, c.id)
		close(c.ch)
	}
}

func (b *Broadcaster) consume(ctx context.Context, sub *bus.Subscription) {
	defer b.wg.Done()
	defer b.cfg.Bus.Unsubscribe(sub)

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
			b.Ingest(ev)
		}
	}
}

// Ingest accepts one task event for broadcast. Duplicates by event id are
// dropped; the rest are buffered per task for up to the reorder window so
// transport-reordered events can be re-sequenced by occurred-at.
func (b *Broadcaster) Ingest(ev bus.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[ev.EventID]; dup {
		return
	}
	b.seen[ev.EventID] = struct{}{}
	b.seenOrder = append(b.seenOrder, ev.EventID)
	if len(b.seenOrder) > dedupCapacity {
		old := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, old)
	}

	st := b.tasks[ev.Task.ID]
	if st == nil {
		st = &taskState{}
		b.tasks[ev.Task.ID] = st
	}
	st.pending = append(st.pending, ev)
	if st.flushTimer == nil {
		taskID := ev.Task.ID
		st.flushTimer = time.AfterFunc(b.window, func() { b.flush(taskID) })
	}
}

// flush drains a task's pending buffer in occurred-at order.
func (b *Broadcaster) flush(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.tasks[taskID]
	if st == nil {
		return
	}
	st.flushTimer = nil
	pending := st.pending
	st.pending = nil

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].OccurredAt.Equal(pending[j].OccurredAt) {
			return pending[i].EventID < pending[j].EventID
		}
		return pending[i].OccurredAt.Before(pending[j].OccurredAt)
	})
	for _, ev := range pending {
		b.applyLocked(st, ev)
	}
}

// applyLocked turns one event into a delta and fans it out. An event older
// than the newest applied write lost last-write-wins: the delta carries the
// winning value, the loser's age, and the reordering flag, because the
// event arrived past the window that could have re-sequenced it.
func (b *Broadcaster) applyLocked(st *taskState, ev bus.TaskEvent) {
	ctx := context.Background()
	st.nextSeq++
	delta := Delta{TaskID: ev.Task.ID, SequenceNo: st.nextSeq}

	if st.applied && ev.OccurredAt.Before(st.lastApplied) {
		age := st.lastApplied.Sub(ev.OccurredAt).Seconds()
		delta.Value = st.lastValue
		delta.StaleWarning = &age
		delta.Reordered = true
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.DeltasReordered.Add(ctx, 1)
		}
	} else {
		st.lastApplied = ev.OccurredAt
		st.lastEventID = ev.EventID
		st.lastValue = ev.Task
		st.applied = true
		delta.Value = ev.Task
	}

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.DeltasBroadcast.Add(ctx, 1)
	}
	for id, c := range b.clients {
		select {
		case c.ch <- delta:
		default:
			// Slow client: disconnect instead of blocking or reordering.
			delete(b.clients, id)
			close(c.ch)
			b.logger.Warn("sync client dropped: buffer full", "client_id", id)
		}
	}
}
