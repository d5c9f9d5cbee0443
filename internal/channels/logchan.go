package channels

import (
	"context"
	"log/slog"
)

// Log is a delivery channel that only writes to the process log. It is the
// default when no real channel is configured, and keeps the dispatcher
// exercisable in development.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, recipient, content string) (Outcome, error) {
	l.logger.Info("reminder delivery", "recipient", recipient, "content", content)
	return OutcomeSent, nil
}
