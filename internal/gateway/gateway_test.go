package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/ingress"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/reminder"
	"github.com/basket/taskmill/internal/syncer"
	"github.com/basket/taskmill/internal/task"
)

type gatewayFixture struct {
	bus         *bus.Bus
	store       *persistence.Store
	timers      *reminder.Timers
	broadcaster *syncer.Broadcaster
	server      *Server
}

func newGatewayFixture(t *testing.T, authToken string) *gatewayFixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	timers := reminder.NewTimers(reminder.TimersConfig{Bus: b})
	broadcaster := syncer.New(syncer.Config{Bus: b, ReorderWindow: 20 * time.Millisecond})

	ing, err := ingress.New(ingress.Config{Bus: b, Store: store, Timers: timers})
	if err != nil {
		t.Fatalf("ingress init: %v", err)
	}

	srv := New(Config{
		Ingress:     ing,
		Broadcaster: broadcaster,
		Store:       store,
		Timers:      timers,
		AuthToken:   authToken,
	})
	return &gatewayFixture{bus: b, store: store, timers: timers, broadcaster: broadcaster, server: srv}
}

func TestGateway_HealthzNeedsNoAuth(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestGateway_RejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	for _, header := range []string{"", "Bearer wrong", "secret"} {
		req := httptest.NewRequest("POST", "/api/v1/events/task", strings.NewReader("{}"))
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestGateway_TaskEventAcceptedAndPublished(t *testing.T) {
	f := newGatewayFixture(t, "secret")
	sub := f.bus.Subscribe(bus.TopicTaskCompleted)
	defer f.bus.Unsubscribe(sub)

	body := `{
		"event_id": "ev-1",
		"type": "Completed",
		"occurred_at": "2026-03-10T09:00:00Z",
		"task": {"id": "task-1", "owner_id": "owner-1", "title": "x", "status": "completed"}
	}`
	req := httptest.NewRequest("POST", "/api/v1/events/task", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	select {
	case msg := <-sub.Ch():
		if msg.Payload.(bus.TaskEvent).EventID != "ev-1" {
			t.Fatalf("event = %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestGateway_MalformedEventRejected(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	req := httptest.NewRequest("POST", "/api/v1/events/task", strings.NewReader(`{"type": "Completed"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestGateway_ScheduleReminders(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	body := `{
		"task_id": "task-1",
		"recipient": "12345",
		"due_at": "2026-03-10T09:00:00Z",
		"specs": [
			{"kind": "offset", "offset": "15min"},
			{"kind": "offset", "offset": "1hr"}
		]
	}`
	req := httptest.NewRequest("POST", "/api/v1/reminders/schedule", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Reminders []task.Reminder `json:"reminders"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Reminders) != 2 {
		t.Fatalf("reminder count = %d, want 2", len(resp.Reminders))
	}
	for _, rem := range resp.Reminders {
		stored, err := f.store.GetReminder(context.Background(), rem.ID)
		if err != nil {
			t.Fatalf("reminder %s not persisted: %v", rem.ID, err)
		}
		if stored.Status != task.ReminderPending {
			t.Fatalf("status = %q", stored.Status)
		}
		if !f.timers.Armed(rem.ID) {
			t.Fatalf("reminder %s not armed", rem.ID)
		}
	}
}

func TestGateway_ScheduleRejectsTooMany(t *testing.T) {
	f := newGatewayFixture(t, "secret")

	specs := make([]string, 6)
	for i := range specs {
		specs[i] = `{"kind": "offset", "offset": "1hr"}`
	}
	body := `{"task_id": "task-1", "due_at": "2026-03-10T09:00:00Z", "specs": [` + strings.Join(specs, ",") + `]}`
	req := httptest.NewRequest("POST", "/api/v1/reminders/schedule", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestGateway_SyncStreamsDeltas(t *testing.T) {
	f := newGatewayFixture(t, "")
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sync"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server handler time to register the subscription.
	time.Sleep(50 * time.Millisecond)
	f.broadcaster.Ingest(bus.TaskEvent{
		EventID:    "ev-1",
		Type:       bus.EventUpdated,
		Task:       task.Task{ID: "task-1", Title: "hello"},
		OccurredAt: time.Now().UTC(),
	})

	var delta syncer.Delta
	if err := wsjson.Read(ctx, conn, &delta); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if delta.TaskID != "task-1" || delta.Value.Title != "hello" || delta.SequenceNo != 1 {
		t.Fatalf("delta = %+v", delta)
	}
}
