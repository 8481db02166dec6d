package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTolerance is how long after a slot a late sweep may still fire it.
// It must stay at least as long as the sweep period.
const DefaultTolerance = 10 * time.Minute

// Reason explains a scheduling decision.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonTimeNotMatched    Reason = "time_not_matched"
	ReasonDayNotAllowed     Reason = "day_not_allowed"
	ReasonTaskAlreadyExists Reason = "task_already_exists"
	ReasonFrequencyLimit    Reason = "frequency_limit"
	ReasonDisabled          Reason = "disabled"
	ReasonAlreadyRunning    Reason = "already_running"
)

// SlotStatus is the outcome of checking one configured time of day.
type SlotStatus string

const (
	SlotMatched       SlotStatus = "matched"
	SlotAlreadyRan    SlotStatus = "already_ran"
	SlotOutsideWindow SlotStatus = "outside_window"
	SlotUnparsable    SlotStatus = "unparsable"
)

// SlotCheck is the diagnostic for one scanned slot.
type SlotCheck struct {
	Slot           string     `json:"slot"`
	Status         SlotStatus `json:"status"`
	ElapsedMinutes *int       `json:"elapsedMinutes,omitempty"`
}

// Detail carries the diagnostics relevant to a single Reason.
type Detail interface {
	Reason() Reason
}

type DisabledDetail struct{}

type AlreadyRunningDetail struct {
	RunID     string
	LastRunAt *time.Time
}

type DayNotAllowedDetail struct {
	Weekday      string
	WeekdayIndex int
	Allowed      []DaySpec
}

type FrequencyLimitDetail struct {
	ActiveJobs     int
	MaxActiveTasks int
}

type TimeNotMatchedDetail struct {
	ActiveJobs     int
	MaxActiveTasks int
	Slots          []SlotCheck
}

// DueDetail describes the slot that made the channel due.
type DueDetail struct {
	Slot           string
	MinutesLate    int
	ActiveJobs     int
	MaxActiveTasks int
	Slots          []SlotCheck
}

func (DisabledDetail) Reason() Reason       { return ReasonDisabled }
func (AlreadyRunningDetail) Reason() Reason { return ReasonAlreadyRunning }
func (DayNotAllowedDetail) Reason() Reason  { return ReasonDayNotAllowed }
func (FrequencyLimitDetail) Reason() Reason { return ReasonFrequencyLimit }
func (TimeNotMatchedDetail) Reason() Reason { return ReasonTimeNotMatched }
func (DueDetail) Reason() Reason            { return ReasonOK }

// Decision is the result of evaluating a channel at a point in time.
type Decision struct {
	ShouldRun bool
	Reason    Reason
	Timezone  string
	LocalTime time.Time
	Detail    Detail
}

func decide(detail Detail, zone string, local time.Time) Decision {
	return Decision{
		ShouldRun: detail.Reason() == ReasonOK,
		Reason:    detail.Reason(),
		Timezone:  zone,
		LocalTime: local,
		Detail:    detail,
	}
}

// ActiveJobCounter counts a channel's non-terminal jobs.
type ActiveJobCounter interface {
	CountActiveJobs(ctx context.Context, channelID string) (int, error)
}

// Evaluate decides whether the channel's automation is due at now. Skips are
// reported through Decision.Reason; an error is returned only when the active
// job count cannot be read.
func Evaluate(ctx context.Context, ch *Channel, now time.Time, tolerance time.Duration, counter ActiveJobCounter) (Decision, error) {
	if !ch.AutomationEnabled() {
		return decide(DisabledDetail{}, DefaultTimeZone, now), nil
	}
	automation := ch.Automation
	loc := automation.Location()
	zone := automation.ZoneName()
	local := now.In(loc)

	if automation.IsRunning {
		detail := AlreadyRunningDetail{LastRunAt: automation.LastRunAt}
		if automation.RunID != nil {
			detail.RunID = *automation.RunID
		}
		return decide(detail, zone, local), nil
	}

	if !dayAllowed(automation.DaysOfWeek, local.Weekday()) {
		return decide(DayNotAllowedDetail{
			Weekday:      weekdayNames[local.Weekday()],
			WeekdayIndex: int(local.Weekday()),
			Allowed:      automation.DaysOfWeek,
		}, zone, local), nil
	}

	active, err := counter.CountActiveJobs(ctx, ch.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("count active jobs: %w", err)
	}
	limit := automation.ActiveLimit()
	if active >= limit {
		return decide(FrequencyLimitDetail{ActiveJobs: active, MaxActiveTasks: limit}, zone, local), nil
	}

	slots, matched := scanSlots(automation, local, tolerance)
	if matched == nil {
		return decide(TimeNotMatchedDetail{ActiveJobs: active, MaxActiveTasks: limit, Slots: slots}, zone, local), nil
	}
	return decide(DueDetail{
		Slot:           matched.Slot,
		MinutesLate:    *matched.ElapsedMinutes,
		ActiveJobs:     active,
		MaxActiveTasks: limit,
		Slots:          slots,
	}, zone, local), nil
}

// scanSlots walks the configured times in order and returns the first slot
// inside the tolerance window that has not already run today.
func scanSlots(automation *Automation, local time.Time, tolerance time.Duration) ([]SlotCheck, *SlotCheck) {
	window := int(tolerance / time.Minute)
	current := local.Hour()*60 + local.Minute()

	var lastRun time.Time
	if automation.LastRunAt != nil {
		lastRun = automation.LastRunAt.In(local.Location())
	}

	checks := make([]SlotCheck, 0, len(automation.Times))
	for _, slot := range automation.Times {
		if strings.TrimSpace(slot) == "" {
			continue
		}
		hour, minute, err := ParseSlot(slot)
		if err != nil {
			checks = append(checks, SlotCheck{Slot: slot, Status: SlotUnparsable})
			continue
		}
		elapsed := current - (hour*60 + minute)
		check := SlotCheck{Slot: slot, ElapsedMinutes: ptrInt(elapsed)}
		if elapsed < 0 || elapsed > window {
			check.Status = SlotOutsideWindow
			checks = append(checks, check)
			continue
		}
		if !lastRun.IsZero() && sameSlot(lastRun, local, hour, minute) {
			check.Status = SlotAlreadyRan
			checks = append(checks, check)
			continue
		}
		check.Status = SlotMatched
		checks = append(checks, check)
		return checks, &checks[len(checks)-1]
	}
	return checks, nil
}

func sameSlot(lastRun, local time.Time, hour, minute int) bool {
	ly, lm, ld := lastRun.Date()
	ny, nm, nd := local.Date()
	return ly == ny && lm == nm && ld == nd && lastRun.Hour() == hour && lastRun.Minute() == minute
}

// NewChannelCheck flattens a decision into the record stored on a run.
func NewChannelCheck(ch *Channel, d Decision, now time.Time) ChannelCheck {
	check := ChannelCheck{
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Auto:        ch.AutomationEnabled(),
		ShouldRun:   d.ShouldRun,
		Reason:      d.Reason,
		CheckedAt:   now.UTC(),
		Timezone:    d.Timezone,
	}
	if !d.LocalTime.IsZero() {
		check.LocalTime = d.LocalTime.Format("2006-01-02 15:04")
	}
	if ch.Automation != nil {
		check.ScheduledTimes = ch.Automation.Times
		check.DaysOfWeek = ch.Automation.DaysOfWeek
		if ch.Automation.LastRunAt != nil {
			check.LastRunAt = ch.Automation.LastRunAt
			minutes := now.Sub(*ch.Automation.LastRunAt).Minutes()
			check.MinutesSinceLastRun = &minutes
		}
	}
	switch detail := d.Detail.(type) {
	case FrequencyLimitDetail:
		check.ActiveJobs = ptrInt(detail.ActiveJobs)
		check.MaxActiveTasks = ptrInt(detail.MaxActiveTasks)
	case TimeNotMatchedDetail:
		check.ActiveJobs = ptrInt(detail.ActiveJobs)
		check.MaxActiveTasks = ptrInt(detail.MaxActiveTasks)
		check.Slots = detail.Slots
	case DueDetail:
		check.TargetTime = detail.Slot
		check.ActiveJobs = ptrInt(detail.ActiveJobs)
		check.MaxActiveTasks = ptrInt(detail.MaxActiveTasks)
		check.Slots = detail.Slots
	}
	return check
}

// Summary renders the decision for logs and event messages.
func (d Decision) Summary() string {
	switch detail := d.Detail.(type) {
	case DueDetail:
		return fmt.Sprintf("due for slot %s (%d min late)", detail.Slot, detail.MinutesLate)
	case FrequencyLimitDetail:
		return fmt.Sprintf("skipped: %s (%d/%d active jobs)", d.Reason, detail.ActiveJobs, detail.MaxActiveTasks)
	case DayNotAllowedDetail:
		return fmt.Sprintf("skipped: %s (%s)", d.Reason, detail.Weekday)
	default:
		return fmt.Sprintf("skipped: %s", d.Reason)
	}
}
