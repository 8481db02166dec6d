package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var manualNow = time.Date(2026, 10, 13, 14, 27, 0, 0, time.UTC)

func TestRunChannelNowIgnoresSchedule(t *testing.T) {
	h := newHarness(manualNow, testChannel("c1", "09:00"))

	res, err := h.auto.RunChannelNow(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.Created())

	events := h.runs.eventsFor(manualRunID)
	assert.NotEmpty(t, events)
}

func TestRunChannelNowRefusals(t *testing.T) {
	off := testChannel("off", "09:00")
	off.Automation.Enabled = false
	busy := runningChannel("busy", ptrTime(manualNow))
	full := testChannel("full", "09:00")
	h := newHarness(manualNow, off, busy, full)
	h.jobs.jobs = []*Job{
		{ID: "j1", ChannelID: "full", Status: JobStatusQueued},
		{ID: "j2", ChannelID: "full", Status: JobStatusSending},
	}

	_, err := h.auto.RunChannelNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = h.auto.RunChannelNow(context.Background(), "off")
	assert.ErrorIs(t, err, ErrAutomationDisabled)
	assert.True(t, IsExpectedSkip(err))

	_, err = h.auto.RunChannelNow(context.Background(), "busy")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	res, err := h.auto.RunChannelNow(context.Background(), "full")
	assert.ErrorIs(t, err, ErrNoJobCreated)
	assert.Equal(t, OutcomeCapacity, res.Outcome)
	assert.False(t, IsExpectedSkip(err))
}

func TestRunChannelNowPipelineFailure(t *testing.T) {
	h := newHarness(manualNow, testChannel("c1", "09:00"))
	h.generator.ideasErr = errBoom

	res, err := h.auto.RunChannelNow(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNoJobCreated)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StepGenerateIdea, res.FailedStep)
}

func TestStopChannelAutomation(t *testing.T) {
	h := newHarness(manualNow, runningChannel("c1", ptrTime(manualNow.Add(-time.Minute))), testChannel("c2", "09:00"))
	h.jobs.jobs = []*Job{
		{ID: "auto-queued", ChannelID: "c1", IsAuto: true, Status: JobStatusQueued},
		{ID: "auto-waiting", ChannelID: "c1", IsAuto: true, Status: JobStatusWaitingVideo},
		{ID: "auto-done", ChannelID: "c1", IsAuto: true, Status: JobStatusCompleted},
		{ID: "manual", ChannelID: "c1", IsAuto: false, Status: JobStatusQueued},
		{ID: "other", ChannelID: "c2", IsAuto: true, Status: JobStatusQueued},
	}

	res, err := h.auto.StopChannelAutomation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CancelledTasks)

	ch := h.channels.get("c1")
	assert.False(t, ch.Automation.Enabled)
	assert.False(t, ch.Automation.IsRunning)
	assert.Nil(t, ch.Automation.RunID)
	require.NotNil(t, ch.Automation.ManualStoppedAt)
	assert.Equal(t, manualNow, *ch.Automation.ManualStoppedAt)

	assert.Equal(t, JobStatusCancelled, h.jobs.byID("auto-queued").Status)
	assert.Equal(t, JobStatusCancelled, h.jobs.byID("auto-waiting").Status)
	assert.Equal(t, JobStatusCompleted, h.jobs.byID("auto-done").Status)
	assert.Equal(t, JobStatusQueued, h.jobs.byID("manual").Status)
	assert.Equal(t, JobStatusQueued, h.jobs.byID("other").Status)

	events := h.runs.eventsFor(manualStopID)
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].ChannelID)
	assert.Equal(t, 2, events[0].Details["cancelledTasks"])

	_, err = h.auto.StopChannelAutomation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestResetRunningFlags(t *testing.T) {
	off := runningChannel("off", nil)
	off.Automation.Enabled = false
	h := newHarness(manualNow,
		runningChannel("r1", ptrTime(manualNow)),
		runningChannel("r2", nil),
		testChannel("idle", "09:00"),
		off,
	)

	require.NoError(t, h.auto.ResetRunningFlag(context.Background(), "r1"))
	assert.False(t, h.channels.get("r1").Automation.IsRunning)
	assert.ErrorIs(t, h.auto.ResetRunningFlag(context.Background(), "missing"), ErrChannelNotFound)

	results, err := h.auto.ResetAllRunningFlags(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r2", results[0].ChannelID)
	assert.True(t, results[0].Success)
	assert.False(t, h.channels.get("r2").Automation.IsRunning)
	// Disabled channels are left alone.
	assert.True(t, h.channels.get("off").Automation.IsRunning)
}

func TestCheck(t *testing.T) {
	h := newHarness(manualNow, testChannel("c1", "14:20"))
	ch, d, err := h.auto.Check(context.Background(), "c1", manualNow)
	require.NoError(t, err)
	assert.Equal(t, "c1", ch.ID)
	assert.True(t, d.ShouldRun)
	assert.Equal(t, 7, d.Detail.(DueDetail).MinutesLate)
}

type blockingSweeper struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSweeper) Sweep(ctx context.Context, now time.Time) (*RunReport, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &RunReport{Run: &AutomationRun{ID: "r", StartedAt: now}}, nil
}

func TestSchedulerRejectsOverlappingSweeps(t *testing.T) {
	sweeper := &blockingSweeper{started: make(chan struct{}), release: make(chan struct{})}
	s := NewScheduler(sweeper, discardLogger(), time.UTC, "")
	assert.Equal(t, DefaultSweepSpec, s.Spec())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		done <- err
	}()
	<-sweeper.started
	assert.True(t, s.Running())

	_, err := s.RunNow(context.Background())
	assert.True(t, errors.Is(err, ErrSweepInProgress))

	close(sweeper.release)
	require.NoError(t, <-done)
	assert.False(t, s.Running())

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", report.Run.ID)
}

func TestSchedulerNextSweepAt(t *testing.T) {
	s := NewScheduler(&blockingSweeper{}, discardLogger(), time.UTC, "*/5 * * * *")
	s.now = func() time.Time { return time.Date(2026, 10, 13, 9, 3, 0, 0, time.UTC) }
	next := s.NextSweepAt()
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 10, 13, 9, 5, 0, 0, time.UTC), *next)

	bad := NewScheduler(&blockingSweeper{}, discardLogger(), time.UTC, "not a spec")
	require.Error(t, bad.Start(context.Background()))
	assert.Nil(t, bad.NextSweepAt())
}
