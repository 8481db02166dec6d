package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday.
var evalDay = time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return evalDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func evaluate(t *testing.T, ch *Channel, now time.Time, active int) Decision {
	t.Helper()
	d, err := Evaluate(context.Background(), ch, now, DefaultTolerance, staticCounter{n: active})
	require.NoError(t, err)
	return d
}

func TestEvaluateDisabled(t *testing.T) {
	noAutomation := &Channel{ID: "a"}
	d := evaluate(t, noAutomation, at(9, 0), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonDisabled, d.Reason)

	off := testChannel("b", "09:00")
	off.Automation.Enabled = false
	d = evaluate(t, off, at(9, 0), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonDisabled, d.Reason)
	assert.IsType(t, DisabledDetail{}, d.Detail)
}

func TestEvaluateAlreadyRunningIgnoresSchedule(t *testing.T) {
	ch := testChannel("a", "09:00")
	ch.Automation.IsRunning = true
	ch.Automation.RunID = ptrString("auto-1")
	// Would otherwise match on both time and day.
	d := evaluate(t, ch, at(9, 3), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonAlreadyRunning, d.Reason)
	detail, ok := d.Detail.(AlreadyRunningDetail)
	require.True(t, ok)
	assert.Equal(t, "auto-1", detail.RunID)
}

func TestEvaluateToleranceWindow(t *testing.T) {
	ch := testChannel("a", "09:00")

	d := evaluate(t, ch, at(9, 7), 0)
	assert.True(t, d.ShouldRun)
	assert.Equal(t, ReasonOK, d.Reason)
	due, ok := d.Detail.(DueDetail)
	require.True(t, ok)
	assert.Equal(t, "09:00", due.Slot)
	assert.Equal(t, 7, due.MinutesLate)

	assert.True(t, evaluate(t, ch, at(9, 0), 0).ShouldRun)
	assert.True(t, evaluate(t, ch, at(9, 10), 0).ShouldRun)

	d = evaluate(t, ch, at(9, 11), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonTimeNotMatched, d.Reason)

	d = evaluate(t, ch, at(8, 59), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonTimeNotMatched, d.Reason)
	miss, ok := d.Detail.(TimeNotMatchedDetail)
	require.True(t, ok)
	require.Len(t, miss.Slots, 1)
	assert.Equal(t, SlotOutsideWindow, miss.Slots[0].Status)
	assert.Equal(t, -1, *miss.Slots[0].ElapsedMinutes)
}

func TestEvaluateAlreadyRanSlotContinuesScanning(t *testing.T) {
	ch := testChannel("a", "09:00", "09:05")
	ch.Automation.LastRunAt = ptrTime(at(9, 0))

	d := evaluate(t, ch, at(9, 7), 0)
	require.True(t, d.ShouldRun)
	due := d.Detail.(DueDetail)
	assert.Equal(t, "09:05", due.Slot)
	require.Len(t, due.Slots, 2)
	assert.Equal(t, SlotAlreadyRan, due.Slots[0].Status)
	assert.Equal(t, SlotMatched, due.Slots[1].Status)

	only := testChannel("b", "09:00")
	only.Automation.LastRunAt = ptrTime(at(9, 0))
	d = evaluate(t, only, at(9, 7), 0)
	assert.Equal(t, ReasonTimeNotMatched, d.Reason)
}

func TestEvaluateLastRunOnAnotherDayDoesNotBlock(t *testing.T) {
	ch := testChannel("a", "09:00")
	ch.Automation.LastRunAt = ptrTime(at(9, 0).AddDate(0, 0, -1))
	assert.True(t, evaluate(t, ch, at(9, 2), 0).ShouldRun)
}

func TestEvaluateFirstSlotInListOrderWins(t *testing.T) {
	ch := testChannel("a", "09:05", "09:00")
	d := evaluate(t, ch, at(9, 6), 0)
	require.True(t, d.ShouldRun)
	assert.Equal(t, "09:05", d.Detail.(DueDetail).Slot)
}

func TestEvaluateFrequencyLimit(t *testing.T) {
	ch := testChannel("a", "09:00")
	d := evaluate(t, ch, at(9, 1), 2)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonFrequencyLimit, d.Reason)
	detail := d.Detail.(FrequencyLimitDetail)
	assert.Equal(t, 2, detail.ActiveJobs)
	assert.Equal(t, DefaultMaxActiveTasks, detail.MaxActiveTasks)

	ch.Automation.MaxActiveTasks = 3
	assert.True(t, evaluate(t, ch, at(9, 1), 2).ShouldRun)
}

func TestEvaluateDayRules(t *testing.T) {
	ch := testChannel("a", "09:00")
	ch.Automation.DaysOfWeek = []DaySpec{"monday"}
	d := evaluate(t, ch, at(9, 1), 0)
	assert.False(t, d.ShouldRun)
	assert.Equal(t, ReasonDayNotAllowed, d.Reason)
	detail := d.Detail.(DayNotAllowedDetail)
	assert.Equal(t, "tuesday", detail.Weekday)
	assert.Equal(t, 2, detail.WeekdayIndex)

	for _, spec := range []DaySpec{"Tuesday", "tue", "TUE", "Tues", " tuesday ", "2"} {
		ch.Automation.DaysOfWeek = []DaySpec{"monday", spec}
		require.NoError(t, ch.Automation.Validate(), "day %q", spec)
		assert.True(t, evaluate(t, ch, at(9, 1), 0).ShouldRun, "day %q", spec)
		next := NextRunFor(ch, at(8, 0))
		require.NotNil(t, next, "day %q", spec)
		assert.True(t, at(9, 0).Equal(*next), "day %q: next %s", spec, next)
	}

	for _, spec := range []DaySpec{"tu", "7", "tuesdays"} {
		ch.Automation.DaysOfWeek = []DaySpec{spec}
		assert.Error(t, ch.Automation.Validate(), "day %q", spec)
		assert.Equal(t, ReasonDayNotAllowed, evaluate(t, ch, at(9, 1), 0).Reason, "day %q", spec)
	}

	ch.Automation.DaysOfWeek = nil
	assert.Equal(t, ReasonDayNotAllowed, evaluate(t, ch, at(9, 1), 0).Reason)
}

func TestEvaluateSkipsMalformedSlots(t *testing.T) {
	ch := testChannel("a", "", "ab:cd", "25:00", "9", "09:00")
	d := evaluate(t, ch, at(9, 4), 0)
	require.True(t, d.ShouldRun)
	due := d.Detail.(DueDetail)
	assert.Equal(t, "09:00", due.Slot)
	require.Len(t, due.Slots, 4)
	for _, s := range due.Slots[:3] {
		assert.Equal(t, SlotUnparsable, s.Status)
	}
}

func TestEvaluateUsesChannelTimeZone(t *testing.T) {
	ch := testChannel("a", "09:00")
	ch.Automation.TimeZone = "Asia/Tokyo"
	d := evaluate(t, ch, time.Date(2026, 10, 13, 0, 5, 0, 0, time.UTC), 0)
	assert.True(t, d.ShouldRun)
	assert.Equal(t, "Asia/Tokyo", d.Timezone)
	assert.Equal(t, 9, d.LocalTime.Hour())

	ch.Automation.TimeZone = ""
	d = evaluate(t, ch, at(4, 0), 0)
	assert.Equal(t, DefaultTimeZone, d.Timezone)
}

func TestEvaluateCountError(t *testing.T) {
	ch := testChannel("a", "09:00")
	_, err := Evaluate(context.Background(), ch, at(9, 0), DefaultTolerance, staticCounter{err: errBoom})
	require.ErrorIs(t, err, errBoom)
}

func TestNewChannelCheck(t *testing.T) {
	ch := testChannel("a", "09:00")
	ch.Automation.LastRunAt = ptrTime(at(8, 0))
	now := at(9, 2)
	d := evaluate(t, ch, now, 1)
	check := NewChannelCheck(ch, d, now)
	assert.True(t, check.ShouldRun)
	assert.Equal(t, ReasonOK, check.Reason)
	assert.Equal(t, "09:00", check.TargetTime)
	assert.Equal(t, "2026-10-13 09:02", check.LocalTime)
	require.NotNil(t, check.ActiveJobs)
	assert.Equal(t, 1, *check.ActiveJobs)
	require.NotNil(t, check.MinutesSinceLastRun)
	assert.InDelta(t, 62, *check.MinutesSinceLastRun, 0.001)
}
