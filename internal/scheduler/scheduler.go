package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/furnacehq/furnace/internal/logging"
)

// Cleaner purges expired conversations and system entries. Satisfied by the
// memory manager.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Scheduler runs the periodic maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	cleaner Cleaner
	log     *slog.Logger
}

func NewScheduler(cleaner Cleaner) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		cleaner: cleaner,
		log:     logging.WithComponent("scheduler"),
	}
	// Nightly expiry sweep at 03:00.
	if _, err := s.cron.AddFunc("0 3 * * *", s.runCleanup); err != nil {
		return nil, err
	}
	return s, nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.log.Error("cleanup sweep failed", "error", err)
		return
	}
	s.log.Info("cleanup sweep finished", "rows", removed)
}
