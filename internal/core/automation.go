package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrChannelNotFound    = errors.New("channel not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrAutomationDisabled = errors.New("automation is disabled for this channel")
	ErrAlreadyRunning     = errors.New("automation is already running for this channel")
	ErrNoJobCreated       = errors.New("no job created")
	ErrNoIdeas            = errors.New("idea generation returned no ideas")
)

// ChannelStore persists channels and their automation state.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]*Channel, error)
	GetChannel(ctx context.Context, id string) (*Channel, error)

	// AcquireRunLock marks the channel running under runID only if it is not
	// running already, and reports whether the lock was taken.
	AcquireRunLock(ctx context.Context, id, runID string) (bool, error)
	// ReleaseRunLock clears the running flag and run id. A non-empty runID
	// only releases a lock it still owns; an empty runID forces the release.
	ReleaseRunLock(ctx context.Context, id, runID string) error
	// AdvanceSchedule records a successful run and keeps the lock held by runID.
	AdvanceSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time, runID string) error
	StopAutomation(ctx context.Context, id string, stoppedAt time.Time) error
}

// JobStore persists video generation jobs.
type JobStore interface {
	ActiveJobCounter
	ListJobs(ctx context.Context, channelID string) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	MarkJobAuto(ctx context.Context, id string) error
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, errMsg *string) error
}

// RunStore persists sweep runs and their append-only event stream.
type RunStore interface {
	InsertAutomationRun(ctx context.Context, run *AutomationRun) error
	AppendAutomationEvent(ctx context.Context, ev *Event) error
	FinishAutomationRun(ctx context.Context, run *AutomationRun) error
	PruneAutomationRuns(ctx context.Context, keep int) error
}

// Generator produces video ideas and generation prompts.
type Generator interface {
	GenerateIdeas(ctx context.Context, ch *Channel, context string, n int) ([]Idea, error)
	GenerateVeoPrompt(ctx context.Context, ch *Channel, idea Idea) (*VeoPrompt, error)
}

// Notifier delivers best-effort operator notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Deps are the collaborators the automation core drives.
type Deps struct {
	Channels  ChannelStore
	Jobs      JobStore
	Runs      RunStore
	Generator Generator
	Notifier  Notifier
}

// Options tune the automation core.
type Options struct {
	Tolerance       time.Duration
	StaleLockAfter  time.Duration
	IdeasPerRequest int
	TimeZone        string
	RunRetention    int
	Now             func() time.Time
}

const (
	defaultStaleLockAfter  = 30 * time.Minute
	defaultIdeasPerRequest = 5

	manualRunID  = "manual-run"
	manualStopID = "manual-stop"
)

// Engine is the scheduling and run-orchestration core.
type Engine struct {
	channels  ChannelStore
	jobs      JobStore
	runs      RunStore
	generator Generator
	notifier  Notifier
	logger    *slog.Logger
	opts      Options
}

// NewEngine wires the core with its collaborators.
func NewEngine(deps Deps, logger *slog.Logger, opts Options) *Engine {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.StaleLockAfter <= 0 {
		opts.StaleLockAfter = defaultStaleLockAfter
	}
	if opts.IdeasPerRequest <= 0 {
		opts.IdeasPerRequest = defaultIdeasPerRequest
	}
	if opts.TimeZone == "" {
		opts.TimeZone = DefaultTimeZone
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		channels:  deps.Channels,
		jobs:      deps.Jobs,
		runs:      deps.Runs,
		generator: deps.Generator,
		notifier:  deps.Notifier,
		logger:    logger,
		opts:      opts,
	}
}

// Tolerance returns the configured slot tolerance window.
func (a *Engine) Tolerance() time.Duration {
	return a.opts.Tolerance
}

// Check evaluates a stored channel without running anything.
func (a *Engine) Check(ctx context.Context, channelID string, now time.Time) (*Channel, Decision, error) {
	ch, err := a.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, Decision{}, err
	}
	decision, err := Evaluate(ctx, ch, now, a.opts.Tolerance, a.jobs)
	if err != nil {
		return ch, Decision{}, err
	}
	return ch, decision, nil
}

// RunChannelNow runs the pipeline for one channel immediately, ignoring its
// time and day rules.
func (a *Engine) RunChannelNow(ctx context.Context, channelID string) (PipelineResult, error) {
	ch, err := a.channels.GetChannel(ctx, channelID)
	if err != nil {
		return PipelineResult{}, err
	}
	if !ch.AutomationEnabled() {
		return PipelineResult{}, ErrAutomationDisabled
	}
	if ch.Automation.IsRunning {
		return PipelineResult{}, ErrAlreadyRunning
	}
	a.logger.Info("manual run requested", "channel_id", channelID)

	events := eventLogger{logger: a.logger, runID: manualRunID, store: a.runs}
	res := a.RunPipeline(ctx, ch, events)
	switch res.Outcome {
	case OutcomeCreated:
		return res, nil
	case OutcomeLocked:
		return res, ErrAlreadyRunning
	case OutcomeCapacity:
		return res, fmt.Errorf("%w: active job limit reached", ErrNoJobCreated)
	default:
		return res, fmt.Errorf("%w: %s: %v", ErrNoJobCreated, res.FailedStep, res.Err)
	}
}

// StopResult reports the effect of a manual stop.
type StopResult struct {
	ChannelID      string `json:"channelId"`
	CancelledTasks int    `json:"cancelledTasks"`
}

// StopChannelAutomation disables automation, clears the run lock and cancels
// the channel's unfinished automatic jobs. It cannot interrupt a pipeline
// step already in flight.
func (a *Engine) StopChannelAutomation(ctx context.Context, channelID string) (*StopResult, error) {
	ch, err := a.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	now := a.opts.Now()
	if err := a.channels.StopAutomation(ctx, channelID, now); err != nil {
		return nil, fmt.Errorf("stop automation: %w", err)
	}
	a.logger.Info("channel automation disabled", "channel_id", channelID)

	jobs, err := a.jobs.ListJobs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	cancelled := 0
	for _, job := range jobs {
		if !job.IsAuto || job.Status.IsTerminal() {
			continue
		}
		if err := a.jobs.UpdateJobStatus(ctx, job.ID, JobStatusCancelled, ptrString("cancelled manually (automation stopped)")); err != nil {
			a.logger.Warn("cancel job", "channel_id", channelID, "job_id", job.ID, "err", err)
			continue
		}
		cancelled++
	}

	events := eventLogger{logger: a.logger, runID: manualStopID, store: a.runs}
	events.Log(ctx, Event{
		Level:       LevelInfo,
		Step:        StepOther,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Message:     "automation stopped manually",
		Details:     map[string]any{"cancelledTasks": cancelled, "stoppedAt": now.UTC().Format(time.RFC3339)},
	})
	return &StopResult{ChannelID: channelID, CancelledTasks: cancelled}, nil
}

// ResetRunningFlag force-releases the run lock of one channel.
func (a *Engine) ResetRunningFlag(ctx context.Context, channelID string) error {
	if _, err := a.channels.GetChannel(ctx, channelID); err != nil {
		return err
	}
	if err := a.channels.ReleaseRunLock(ctx, channelID, ""); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	a.logger.Info("running flag reset", "channel_id", channelID)
	return nil
}

// ResetResult is the per-channel outcome of ResetAllRunningFlags.
type ResetResult struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// ResetAllRunningFlags force-releases the lock of every enabled channel that
// is marked running.
func (a *Engine) ResetAllRunningFlags(ctx context.Context) ([]ResetResult, error) {
	channels, err := a.channels.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	results := make([]ResetResult, 0)
	for _, ch := range channels {
		if !ch.AutomationEnabled() || !ch.Automation.IsRunning {
			continue
		}
		res := ResetResult{ChannelID: ch.ID, ChannelName: ch.Name, Success: true}
		if err := a.channels.ReleaseRunLock(ctx, ch.ID, ""); err != nil {
			a.logger.Warn("reset running flag", "channel_id", ch.ID, "err", err)
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}
