package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeZone       = "Asia/Almaty"
	DefaultMaxActiveTasks = 2
)

// JobStatus describes the lifecycle state of a video generation job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusSending      JobStatus = "sending"
	JobStatusWaitingVideo JobStatus = "waiting_video"
	JobStatusDownloading  JobStatus = "downloading"
	JobStatusUploading    JobStatus = "uploading"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusError        JobStatus = "error"
	JobStatusCancelled    JobStatus = "cancelled"
)

// ActiveJobStatuses lists every non-terminal job status.
var ActiveJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusSending,
	JobStatusWaitingVideo,
	JobStatusDownloading,
	JobStatusUploading,
}

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// RunStatus describes the state of a sweep run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// TaskStatus is the outcome recorded for a channel the sweep tried to run.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusError   TaskStatus = "error"
)

// DaySpec is one allowed weekday, written either as a name ("monday", "Mon")
// or as an index where 0 is Sunday.
type DaySpec string

// UnmarshalJSON accepts both JSON strings and numbers.
func (d *DaySpec) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*d = DaySpec(strconv.Itoa(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("day of week must be a name or an index: %s", data)
	}
	*d = DaySpec(strings.TrimSpace(s))
	return nil
}

// MarshalJSON writes numeric days as numbers so the stored form round-trips.
func (d DaySpec) MarshalJSON() ([]byte, error) {
	if n, err := strconv.Atoi(string(d)); err == nil {
		return json.Marshal(n)
	}
	return json.Marshal(string(d))
}

// Automation is the scheduling configuration and run state stored on a channel.
type Automation struct {
	Enabled           bool       `json:"enabled" yaml:"enabled"`
	TimeZone          string     `json:"timeZone,omitempty" yaml:"timeZone"`
	DaysOfWeek        []DaySpec  `json:"daysOfWeek" yaml:"daysOfWeek"`
	Times             []string   `json:"times" yaml:"times"`
	MaxActiveTasks    int        `json:"maxActiveTasks,omitempty" yaml:"maxActiveTasks"`
	UseOnlyFreshIdeas bool       `json:"useOnlyFreshIdeas" yaml:"useOnlyFreshIdeas"`
	IsRunning         bool       `json:"isRunning" yaml:"-"`
	RunID             *string    `json:"runId" yaml:"-"`
	LastRunAt         *time.Time `json:"lastRunAt" yaml:"-"`
	NextRunAt         *time.Time `json:"nextRunAt" yaml:"-"`
	ManualStoppedAt   *time.Time `json:"manualStoppedAt" yaml:"-"`
}

// Location resolves the configured time zone, falling back to the default.
func (a *Automation) Location() *time.Location {
	if a != nil && a.TimeZone != "" {
		if loc, err := time.LoadLocation(a.TimeZone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(DefaultTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ZoneName returns the configured time zone name or the default.
func (a *Automation) ZoneName() string {
	if a != nil && a.TimeZone != "" {
		return a.TimeZone
	}
	return DefaultTimeZone
}

// ActiveLimit returns MaxActiveTasks, defaulting to 2 when unset.
func (a *Automation) ActiveLimit() int {
	if a == nil || a.MaxActiveTasks <= 0 {
		return DefaultMaxActiveTasks
	}
	return a.MaxActiveTasks
}

// Validate checks the configured zone, days and slots.
func (a *Automation) Validate() error {
	if a == nil {
		return nil
	}
	if a.TimeZone != "" {
		if _, err := time.LoadLocation(a.TimeZone); err != nil {
			return fmt.Errorf("invalid timezone %q", a.TimeZone)
		}
	}
	for _, d := range a.DaysOfWeek {
		if _, ok := WeekdayIndex(d); !ok {
			return fmt.Errorf("invalid day of week %q", d)
		}
	}
	for _, t := range a.Times {
		if _, _, err := ParseSlot(t); err != nil {
			return err
		}
	}
	if a.MaxActiveTasks < 0 {
		return fmt.Errorf("maxActiveTasks must not be negative")
	}
	return nil
}

// Channel is a publishing channel with optional automation settings.
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Language    string      `json:"language,omitempty"`
	Automation  *Automation `json:"automation,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AutomationEnabled reports whether the channel takes part in sweeps.
func (c *Channel) AutomationEnabled() bool {
	return c != nil && c.Automation != nil && c.Automation.Enabled
}

// Job is a video generation task handed to the external job executor.
type Job struct {
	ID           string
	ChannelID    string
	ChannelName  string
	IdeaText     string
	Prompt       string
	Title        string
	Status       JobStatus
	IsAuto       bool
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Idea is one candidate video idea returned by the generator.
type Idea struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Text is the form stored on a job and compared for freshness.
func (i Idea) Text() string {
	return i.Title + ": " + i.Description
}

// VeoPrompt is the generation prompt produced for a selected idea.
type VeoPrompt struct {
	Prompt     string `json:"veoPrompt"`
	VideoTitle string `json:"videoTitle"`
}

// ChannelCheck records why a channel did or did not run during a sweep.
type ChannelCheck struct {
	ChannelID           string      `json:"channelId"`
	ChannelName         string      `json:"channelName"`
	Auto                bool        `json:"auto"`
	ShouldRun           bool        `json:"shouldRunNow"`
	Reason              Reason      `json:"reason"`
	CheckedAt           time.Time   `json:"checkedAt"`
	Timezone            string      `json:"timezone"`
	LocalTime           string      `json:"localTime,omitempty"`
	TargetTime          string      `json:"targetTime,omitempty"`
	ActiveJobs          *int        `json:"activeJobsCount,omitempty"`
	MaxActiveTasks      *int        `json:"maxActiveTasks,omitempty"`
	LastRunAt           *time.Time  `json:"lastRunAt,omitempty"`
	MinutesSinceLastRun *float64    `json:"minutesSinceLastRun,omitempty"`
	ScheduledTimes      []string    `json:"scheduledTimes,omitempty"`
	DaysOfWeek          []DaySpec   `json:"daysOfWeek,omitempty"`
	Slots               []SlotCheck `json:"slots,omitempty"`
	Error               string      `json:"error,omitempty"`
}

// AutomationTask records a pipeline invocation made by a sweep.
type AutomationTask struct {
	TaskID      string     `json:"taskId"`
	ChannelID   string     `json:"channelId"`
	ChannelName string     `json:"channelName"`
	Status      TaskStatus `json:"status"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// AutomationRun is the persisted report of one sweep.
type AutomationRun struct {
	ID                string           `json:"id"`
	StartedAt         time.Time        `json:"startedAt"`
	FinishedAt        *time.Time       `json:"finishedAt"`
	Status            RunStatus        `json:"status"`
	ChannelsPlanned   int              `json:"channelsPlanned"`
	ChannelsProcessed int              `json:"channelsProcessed"`
	JobsCreated       int              `json:"jobsCreated"`
	ErrorsCount       int              `json:"errorsCount"`
	LastErrorMessage  *string          `json:"lastErrorMessage"`
	Timezone          string           `json:"timezone"`
	Channels          []ChannelCheck   `json:"channels"`
	Tasks             []AutomationTask `json:"tasks"`
}

func ptrString(v string) *string {
	return &v
}

func ptrInt(v int) *int {
	return &v
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
