package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdayNames = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// ParseSlot parses an "HH:MM" time of day.
func ParseSlot(slot string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(slot), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q: expected HH:MM", slot)
	}
	hour, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", slot)
	}
	minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", slot)
	}
	return hour, minute, nil
}

// WeekdayIndex resolves a day spec to 0 (Sunday) .. 6 (Saturday).
func WeekdayIndex(d DaySpec) (int, bool) {
	value := strings.ToLower(strings.TrimSpace(string(d)))
	if value == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 || n > 6 {
			return 0, false
		}
		return n, true
	}
	for i, name := range weekdayNames {
		if value == name || (len(value) >= 3 && strings.HasPrefix(name, value)) {
			return i, true
		}
	}
	return 0, false
}

// dayAllowed reports whether weekday is listed, using the same day forms
// WeekdayIndex accepts.
func dayAllowed(days []DaySpec, weekday time.Weekday) bool {
	for _, d := range days {
		if idx, ok := WeekdayIndex(d); ok && idx == int(weekday) {
			return true
		}
	}
	return false
}

// SlotSchedules compiles every valid slot into a cron schedule restricted to
// the allowed days. Unparsable slots and days are ignored.
func SlotSchedules(times []string, days []DaySpec) []cron.Schedule {
	seen := make(map[int]struct{})
	var dows []int
	for _, d := range days {
		if idx, ok := WeekdayIndex(d); ok {
			if _, dup := seen[idx]; !dup {
				seen[idx] = struct{}{}
				dows = append(dows, idx)
			}
		}
	}
	if len(dows) == 0 {
		return nil
	}
	sort.Ints(dows)
	dowField := make([]string, 0, len(dows))
	for _, idx := range dows {
		dowField = append(dowField, strconv.Itoa(idx))
	}

	schedules := make([]cron.Schedule, 0, len(times))
	for _, slot := range times {
		if strings.TrimSpace(slot) == "" {
			continue
		}
		hour, minute, err := ParseSlot(slot)
		if err != nil {
			continue
		}
		expr := fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(dowField, ","))
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			continue
		}
		schedules = append(schedules, schedule)
	}
	return schedules
}

// NextRunAt returns the earliest slot start strictly after `after` on an
// allowed day, evaluated in loc. It returns nil when nothing can ever fire.
func NextRunAt(times []string, days []DaySpec, loc *time.Location, after time.Time) *time.Time {
	runs := NextRunTimes(times, days, loc, after, 1)
	if len(runs) == 0 {
		return nil
	}
	return &runs[0]
}

// NextRunFor is NextRunAt for a channel's automation. Disabled channels have
// no next run.
func NextRunFor(ch *Channel, after time.Time) *time.Time {
	if !ch.AutomationEnabled() {
		return nil
	}
	a := ch.Automation
	return NextRunAt(a.Times, a.DaysOfWeek, a.Location(), after)
}

// NextRunTimes returns up to n upcoming run times in UTC, merged across slots.
func NextRunTimes(times []string, days []DaySpec, loc *time.Location, after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	var all []time.Time
	for _, schedule := range SlotSchedules(times, days) {
		all = append(all, NextOccurrences(schedule, after.In(loc), n)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	out := make([]time.Time, 0, n)
	for _, t := range all {
		if len(out) > 0 && out[len(out)-1].Equal(t) {
			continue
		}
		out = append(out, t.UTC())
		if len(out) == n {
			break
		}
	}
	return out
}
