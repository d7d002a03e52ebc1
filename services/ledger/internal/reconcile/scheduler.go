package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the auditor on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	auditor *Auditor
	timeout time.Duration
	logger  *slog.Logger
}

func NewScheduler(auditor *Auditor, spec string, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	s := &Scheduler{cron: c, auditor: auditor, timeout: timeout, logger: logger}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.auditor.Run(ctx); err != nil {
		s.logger.Error("reconciliation failed", "error", err)
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for a running audit to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
