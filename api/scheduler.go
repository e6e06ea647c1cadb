/*
scheduler.go - Automated hold expiry sweep

PURPOSE:
  Periodically releases holds whose TTL has passed. Occupancy already
  ignores expired holds, so the sweep is housekeeping: it flips their
  status, publishes hold.expired and keeps the active set small.

DESIGN:
  - gocron duration job in singleton mode, so a slow sweep is never
    overlapped by the next one
  - Runs once immediately on start
  - Counts released holds and failures in Prometheus when metrics are set

CONFIGURATION:
  - Interval: How often to sweep (default: 1 minute)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  s := NewSweepScheduler(handler.Holds, clock, log)
  s.Metrics = m
  if err := s.Start(); err != nil { ... }
  defer s.Stop()

SEE ALSO:
  - admin.go: Sweep endpoint (manual sweep)
  - engine/reservation.go: ExpireSweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/metrics"
)

// Sweeper releases expired holds.
type Sweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

// SweepScheduler runs the hold expiry sweep on an interval.
type SweepScheduler struct {
	Sweeper  Sweeper
	Clock    engine.Clock
	Metrics  *metrics.Metrics
	Interval time.Duration
	Enabled  bool

	log    *logrus.Entry
	sched  gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper Sweeper, clock engine.Clock, log *logrus.Entry) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:  sweeper,
		Clock:    clock,
		Interval: time.Minute,
		Enabled:  true,
		log:      log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return nil
	}
	if s.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	_, err = sched.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(func() { s.RunOnce(s.ctx) }),
		gocron.WithName("hold-expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.cancel()
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	s.sched = sched
	s.log.WithField("interval", s.Interval).Info("started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *SweepScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		return nil
	}
	s.cancel()
	err := s.sched.Shutdown()
	s.sched = nil
	s.log.Info("stopped")
	return err
}

// RunOnce performs one sweep and returns how many holds were released.
func (s *SweepScheduler) RunOnce(ctx context.Context) int {
	n, err := s.Sweeper.ExpireSweep(ctx, s.Clock.Now())
	if s.Metrics != nil {
		s.Metrics.SweepExpired.Add(float64(n))
		if err != nil {
			s.Metrics.SweepFailures.Inc()
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("expired", n).Error("sweep failed")
		return n
	}
	if n > 0 {
		s.log.WithField("expired", n).Info("released expired holds")
	}
	return n
}
