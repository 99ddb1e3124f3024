package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dukafiti/dukasync/logging"
)

// Drainer is the part of Manager the scheduler drives.
type Drainer interface {
	Drain(ctx context.Context) (Result, error)
	Draining() bool
}

// Scheduler triggers periodic drains on a cron schedule while a condition
// (usually "online") holds.
type Scheduler struct {
	spec    string
	drainer Drainer
	when    func() bool
	logger  *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler for spec, e.g. "@every 30s". A nil when
// always runs.
func NewScheduler(spec string, drainer Drainer, when func() bool, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.WithComponent("queue")
	}
	if when == nil {
		when = func() bool { return true }
	}
	return &Scheduler{
		spec:    spec,
		drainer: drainer,
		when:    when,
		logger:  logger,
	}
}

// Start schedules the job. It returns an error for an invalid spec.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	id, err := c.AddFunc(s.spec, s.tick)
	if err != nil {
		s.logger.Error("failed to schedule drain", slog.String("spec", s.spec), slog.String("error", err.Error()))
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = c
	s.entryID = id
	c.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.spec))
	return nil
}

// Stop removes the job and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.run(ctx)
}

// run is one scheduled trigger.
func (s *Scheduler) run(ctx context.Context) {
	if !s.when() {
		s.logger.Debug("condition not met, skipping scheduled drain")
		return
	}
	if s.drainer.Draining() {
		s.logger.Debug("drain already running, skipping scheduled run")
		return
	}
	if _, err := s.drainer.Drain(ctx); err != nil {
		s.logger.LogError(ctx, err, "scheduled drain failed")
	}
}
