// Package gateway exposes the core's HTTP surface: the ingest endpoints the
// external bus feeds, the reminder scheduling endpoint the CRUD service
// calls, and the websocket sync channel clients stream deltas from.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskmill/internal/ingress"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/reminder"
	"github.com/basket/taskmill/internal/syncer"
)

const maxBodyBytes = 1 << 20

// Config holds the dependencies for the gateway server.
type Config struct {
	Ingress     *ingress.Ingress
	Broadcaster *syncer.Broadcaster
	Store       *persistence.Store
	Timers      *reminder.Timers
	Logger      *slog.Logger

	// AuthToken guards every endpoint except /healthz. Empty disables auth.
	AuthToken string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/events/task", s.handleTaskEvent)
	mux.HandleFunc("/api/v1/events/reminder", s.handleReminderRecord)
	mux.HandleFunc("/api/v1/events/rule", s.handleRuleRecord)
	mux.HandleFunc("/api/v1/reminders/schedule", s.handleScheduleReminders)
	mux.HandleFunc("/api/v1/sync", s.handleSync)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type ingestFunc func(ctx context.Context, raw []byte) error

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, fn ingestFunc) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := fn(r.Context(), raw); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, func(_ context.Context, raw []byte) error {
		return s.cfg.Ingress.HandleTaskEvent(raw)
	})
}

func (s *Server) handleReminderRecord(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, s.cfg.Ingress.HandleReminderRecord)
}

func (s *Server) handleRuleRecord(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, s.cfg.Ingress.HandleRuleRecord)
}

// scheduleRequest is the CRUD service's reminder scheduling call, made when
// a task is created or its due date changes.
type scheduleRequest struct {
	TaskID    string          `json:"task_id"`
	Recipient string          `json:"recipient"`
	DueAt     *time.Time      `json:"due_at,omitempty"`
	Specs     []reminder.Spec `json:"specs"`
}

func (s *Server) handleScheduleReminders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("parse request: %v", err), http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}

	reminders, err := reminder.Schedule(req.TaskID, req.Recipient, req.DueAt, req.Specs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := s.cfg.Store.InsertReminders(r.Context(), reminders); err != nil {
		s.logger.Error("gateway: persist reminders", "task_id", req.TaskID, "error", err)
		http.Error(w, "persist reminders", http.StatusInternalServerError)
		return
	}
	for _, rem := range reminders {
		s.cfg.Timers.Arm(rem)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"reminders": reminders})
}

// handleSync upgrades to a websocket and streams deltas until the client
// disconnects. Registration happens before the first write so no delta
// published after the upgrade is missed.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := s.cfg.Broadcaster.Subscribe()
	defer s.cfg.Broadcaster.Unsubscribe(client)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-client.Deltas():
			if !ok {
				// Dropped by the broadcaster (slow consumer) or shutdown.
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, delta)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
