package reminder

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskmill/internal/persistence"
)

// lookahead bounds how far ahead of now the sweep re-arms pending
// reminders. Anything further out is picked up by a later sweep.
const lookahead = 5 * time.Minute

// Sweep is the periodic safety net behind the timer heap: after a restart,
// or if a trigger was lost, it re-arms pending reminders from the store.
// It also bounds the consumer seen-sets by expiring old entries.
type Sweep struct {
	store   *persistence.Store
	timers  *Timers
	logger  *slog.Logger
	seenTTL time.Duration
	spec    string

	cron *cronlib.Cron
}

// SweepConfig holds the dependencies for the catch-up sweep.
type SweepConfig struct {
	Store   *persistence.Store
	Timers  *Timers
	Logger  *slog.Logger
	SeenTTL time.Duration
	Spec    string // cron expression; defaults to every minute
}

func NewSweep(cfg SweepConfig) *Sweep {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := cfg.Spec
	if spec == "" {
		spec = "* * * * *"
	}
	seenTTL := cfg.SeenTTL
	if seenTTL <= 0 {
		seenTTL = time.Hour
	}
	return &Sweep{
		store:   cfg.Store,
		timers:  cfg.Timers,
		logger:  logger,
		seenTTL: seenTTL,
		spec:    spec,
	}
}

// Start registers the sweep with a cron runner and fires one pass
// immediately so overdue reminders are re-armed right after boot.
func (s *Sweep) Start(ctx context.Context) error {
	s.cron = cronlib.New()
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.tick(ctx)
	s.logger.Info("reminder sweep started", "spec", s.spec)
	return nil
}

// Stop halts the cron runner and waits for a running pass to finish.
func (s *Sweep) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("reminder sweep stopped")
}

func (s *Sweep) tick(ctx context.Context) {
	pending, err := s.store.PendingBefore(ctx, time.Now().Add(lookahead), 0)
	if err != nil {
		s.logger.Error("sweep: query pending reminders", "error", err)
		return
	}
	armed := 0
	for _, r := range pending {
		if !s.timers.Armed(r.ID) {
			s.timers.Arm(r)
			armed++
		}
	}
	if armed > 0 {
		s.logger.Info("sweep: re-armed reminders", "count", armed)
	}

	if n, err := s.store.SweepSeen(ctx, s.seenTTL); err != nil {
		s.logger.Error("sweep: expire seen-set", "error", err)
	} else if n > 0 {
		s.logger.Debug("sweep: expired seen entries", "count", n)
	}
}
