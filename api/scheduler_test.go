package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
	"github.com/warp/registration-engine/metrics"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (f *fakeSweeper) ExpireSweep(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n, f.err
}

func (f *fakeSweeper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSweepScheduler_RunOnce(t *testing.T) {
	// GIVEN: A sweeper that releases three holds
	sweeper := &fakeSweeper{n: 3}
	clock := engine.NewManualClock(t0)
	s := NewSweepScheduler(sweeper, clock, quietLog())
	s.Metrics = metrics.New()

	// WHEN: Run once
	n := s.RunOnce(context.Background())

	// THEN: The count is returned and recorded, using the scheduler's clock
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.Metrics.SweepExpired))
	assert.Equal(t, float64(0), testutil.ToFloat64(s.Metrics.SweepFailures))
	require.Len(t, sweeper.calls, 1)
	assert.True(t, sweeper.calls[0].Equal(t0))
}

func TestSweepScheduler_RunOnceFailure(t *testing.T) {
	// GIVEN: A sweeper that released one hold before failing
	sweeper := &fakeSweeper{n: 1, err: errors.New("database is locked")}
	s := NewSweepScheduler(sweeper, engine.NewManualClock(t0), quietLog())
	s.Metrics = metrics.New()

	// WHEN: Run once
	n := s.RunOnce(context.Background())

	// THEN: Partial progress and the failure are both counted
	assert.Equal(t, 1, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics.SweepExpired))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics.SweepFailures))
}

func TestSweepScheduler_StartRunsImmediately(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSweepScheduler(sweeper, engine.SystemClock(), quietLog())
	s.Interval = time.Hour

	require.NoError(t, s.Start())
	// Starting twice is a no-op.
	require.NoError(t, s.Start())

	assert.Eventually(t, func() bool { return sweeper.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, sweeper.callCount())
}

func TestSweepScheduler_Disabled(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSweepScheduler(sweeper, engine.SystemClock(), quietLog())
	s.Enabled = false

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	assert.Equal(t, 0, sweeper.callCount())
}

func TestSweepScheduler_ReleasesExpiredHolds(t *testing.T) {
	// GIVEN: A demo school with one hold past its TTL
	srv := newDemoServer(t)
	openHold(t, srv, "ann@example.com", salsaLead)
	srv.clock.Advance(16 * time.Minute)

	// WHEN: The scheduler sweeps with the real reservation manager
	s := NewSweepScheduler(srv.h.Holds, srv.clock, quietLog())
	s.Metrics = srv.metrics

	// THEN: The hold is released and the seat is back
	assert.Equal(t, 1, s.RunOnce(context.Background()))
	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.metrics.SweepExpired))

	avail, err := srv.h.Holds.Ledger().Available(context.Background(), "salsa-101", "")
	require.NoError(t, err)
	assert.Equal(t, 20, avail.Count)
}
