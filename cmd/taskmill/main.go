package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskmill/internal/audit"
	"github.com/basket/taskmill/internal/bus"
	"github.com/basket/taskmill/internal/channels"
	"github.com/basket/taskmill/internal/config"
	"github.com/basket/taskmill/internal/coordinator"
	"github.com/basket/taskmill/internal/dispatch"
	"github.com/basket/taskmill/internal/gateway"
	"github.com/basket/taskmill/internal/ingress"
	otelPkg "github.com/basket/taskmill/internal/otel"
	"github.com/basket/taskmill/internal/persistence"
	"github.com/basket/taskmill/internal/reminder"
	"github.com/basket/taskmill/internal/syncer"
	"github.com/basket/taskmill/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	homeFlag := flag.String("home", "", "data directory (default: $TASKMILL_HOME or ~/.taskmill)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("taskmill", Version)
		return
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("TASKMILL_HOME")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures still leave a trace.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	timers := reminder.NewTimers(reminder.TimersConfig{Bus: eventBus, Logger: logger})
	timers.Start(ctx)
	defer timers.Stop()

	sweep := reminder.NewSweep(reminder.SweepConfig{
		Store:   store,
		Timers:  timers,
		Logger:  logger,
		SeenTTL: cfg.SeenTTL(),
		Spec:    cfg.SweepCron,
	})
	if err := sweep.Start(ctx); err != nil {
		fatalStartup(logger, "E_SWEEP_START", err)
	}
	defer sweep.Stop()

	coord := coordinator.New(coordinator.Config{
		Bus:     eventBus,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	coord.Start(ctx)
	defer coord.Stop()

	channel := selectChannel(cfg, logger)
	dispatcher := dispatch.New(dispatch.Config{
		Bus:         eventBus,
		Store:       store,
		Channel:     channel,
		Timers:      timers,
		Logger:      logger,
		Metrics:     metrics,
		SendTimeout: cfg.DeliveryTimeout(),
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	broadcaster := syncer.New(syncer.Config{
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		ReorderWindow: cfg.ReorderWindow(),
	})
	broadcaster.Start(ctx)
	defer broadcaster.Stop()

	ing, err := ingress.New(ingress.Config{
		Bus:    eventBus,
		Store:  store,
		Timers: timers,
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_INGRESS_INIT", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				newCfg, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					continue
				}
				telemetry.SetLevel(newCfg.LogLevel)
				logger.Info("config.yaml hot-reloaded", "log_level", newCfg.LogLevel)
			}
		}()
	}

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Ingress:     ing,
		Broadcaster: broadcaster,
		Store:       store,
		Timers:      timers,
		Logger:      logger,
		AuthToken:   authToken,
	})

	logger.Info("startup phase", "phase", "gateway_starting", "addr", cfg.BindAddr)
	if err := gw.Serve(ctx, cfg.BindAddr); err != nil {
		logger.Error("gateway server error", "error", err)
	}

	logger.Info("shutdown complete")
}

// selectChannel picks the delivery channel from config. The log channel is
// the fallback so the dispatcher always has somewhere to deliver.
func selectChannel(cfg *config.Config, logger *slog.Logger) channels.Channel {
	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegram(channels.TelegramConfig{
			Token:  cfg.Channels.Telegram.Token,
			Logger: logger,
		})
		if err != nil {
			logger.Error("telegram channel init failed, falling back to log channel", "error", err)
		} else {
			logger.Info("delivery channel selected", "channel", "telegram")
			return tg
		}
	}
	logger.Info("delivery channel selected", "channel", "log")
	return channels.NewLog(logger)
}

func loadAuthToken(cfg *config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	if tok := strings.TrimSpace(os.Getenv("TASKMILL_AUTH_TOKEN")); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	// First run: generate and persist a token so restarts keep it stable.
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskmill","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
