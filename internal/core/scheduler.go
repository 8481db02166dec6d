package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec fires a sweep every five minutes. The slot tolerance must
// stay at least as long as this period.
const DefaultSweepSpec = "*/5 * * * *"

// ErrSweepInProgress is returned when a sweep is requested while another one
// is still running in this process.
var ErrSweepInProgress = errors.New("a sweep is already in progress")

// Sweeper runs one sweep.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*RunReport, error)
}

// Scheduler triggers sweeps on a cron schedule and on demand.
type Scheduler struct {
	sweeper  Sweeper
	logger   *slog.Logger
	location *time.Location
	spec     string
	now      func() time.Time

	cron    *cron.Cron
	entryMu sync.RWMutex
	entry   cron.EntryID
	hasTick bool

	running atomic.Bool

	ctx context.Context
}

// NewScheduler constructs a scheduler that drives sweeper on spec in location.
func NewScheduler(sweeper Sweeper, logger *slog.Logger, location *time.Location, spec string) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		sweeper:  sweeper,
		logger:   logger,
		location: location,
		spec:     spec,
		now:      func() time.Time { return time.Now().UTC() },
		cron:     c,
	}
}

// Spec returns the sweep cron expression.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Start registers the periodic sweep and begins the cron loop. ctx is used for
// the sweeps it triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	schedule, err := ParseCron(s.spec)
	if err != nil {
		return err
	}
	s.ctx = ctx
	id := s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	s.entryMu.Lock()
	s.entry = id
	s.hasTick = true
	s.entryMu.Unlock()
	s.cron.Start()
	s.logger.Info("sweep scheduler started", "spec", s.spec, "location", s.location.String())
	return nil
}

// Stop stops the cron loop; the returned context is done once a sweep in
// flight has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextSweepAt reports when the next periodic sweep will fire.
func (s *Scheduler) NextSweepAt() *time.Time {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	if s.hasTick {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			utc := next.UTC()
			return &utc
		}
	}
	schedule, err := ParseCron(s.spec)
	if err != nil {
		return nil
	}
	next := NextOccurrences(schedule, s.now().In(s.location), 1)
	if len(next) == 0 {
		return nil
	}
	utc := next[0].UTC()
	return &utc
}

// Running reports whether a sweep is executing.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// RunNow executes a sweep synchronously unless one is already running.
func (s *Scheduler) RunNow(ctx context.Context) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)
	return s.sweeper.Sweep(ctx, s.now())
}

func (s *Scheduler) tick() {
	report, err := s.RunNow(s.ctxOrBackground())
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Info("skipping sweep tick because a sweep is already running")
	case err != nil:
		s.logger.Error("scheduled sweep", "err", err)
	case report != nil && report.Run != nil:
		s.logger.Debug("scheduled sweep done", "run_id", report.Run.ID, "jobs_created", report.Run.JobsCreated)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
