package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Outcome is how a pipeline invocation ended.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeCapacity Outcome = "capacity_exceeded"
	OutcomeLocked   Outcome = "already_running"
	OutcomeFailed   Outcome = "failed"
)

// PipelineResult is the single terminal outcome of RunPipeline. JobID is
// empty unless a job was created.
type PipelineResult struct {
	JobID      string
	RunID      string
	Outcome    Outcome
	FailedStep Step
	Err        error
	NextRunAt  *time.Time
}

// Created reports whether a job was created.
func (r PipelineResult) Created() bool {
	return r.Outcome == OutcomeCreated && r.JobID != ""
}

// Describe renders a non-created outcome for run reports.
func (r PipelineResult) Describe() string {
	switch r.Outcome {
	case OutcomeCreated:
		return "job created"
	case OutcomeCapacity:
		return "active job limit reached"
	case OutcomeLocked:
		return "channel is already running"
	default:
		if r.Err != nil {
			return fmt.Sprintf("%s: %v", r.FailedStep, r.Err)
		}
		return string(r.FailedStep)
	}
}

// RunPipeline creates one automatic job for the channel:
// acquire-lock, check-capacity, generate-idea, generate-prompt, create-job,
// mark-job-auto, advance-schedule, notify.
//
// Failures never propagate. They are logged to events at error level, the
// lock is released and the result carries no job id. After a successful
// job creation the lock stays held; the staleness reaper or an error path
// is what releases it.
func (a *Engine) RunPipeline(ctx context.Context, ch *Channel, events EventLog) PipelineResult {
	if events == nil {
		events = NopEventLog{}
	}
	started := a.opts.Now()
	runID := NewRunID(started)
	p := &pipelineRun{a: a, ch: ch, runID: runID, events: events}
	logger := a.logger.With("channel_id", ch.ID, "run_id", runID)

	if ch.Automation == nil {
		return p.fail(ctx, StepOther, "channel has no automation settings", ErrAutomationDisabled, false)
	}
	zone := ch.Automation.ZoneName()
	loc := ch.Automation.Location()
	logger.Info("creating automated job",
		"channel_name", ch.Name,
		"timezone", zone,
		"local_time", started.In(loc).Format("2006-01-02 15:04"),
		"times", strings.Join(ch.Automation.Times, ","))

	acquired, err := a.channels.AcquireRunLock(ctx, ch.ID, runID)
	if err != nil {
		return p.fail(ctx, StepOther, "failed to acquire run lock", err, true)
	}
	if !acquired {
		p.log(ctx, LevelWarn, StepChannelCheck, "skipped: channel is already running", nil)
		return PipelineResult{RunID: runID, Outcome: OutcomeLocked}
	}

	active, err := a.jobs.CountActiveJobs(ctx, ch.ID)
	if err != nil {
		return p.fail(ctx, StepChannelCheck, "failed to count active jobs", err, true)
	}
	limit := ch.Automation.ActiveLimit()
	if active >= limit {
		p.log(ctx, LevelWarn, StepChannelCheck,
			fmt.Sprintf("skipped: active job limit reached (%d/%d)", active, limit),
			map[string]any{"activeCount": active, "maxActive": limit})
		a.releaseLock(ctx, ch.ID, runID)
		return PipelineResult{RunID: runID, Outcome: OutcomeCapacity}
	}

	p.log(ctx, LevelInfo, StepGenerateIdea, "generating idea", nil)
	idea, candidates, err := a.selectIdea(ctx, ch)
	if err != nil {
		return p.fail(ctx, StepGenerateIdea, "idea generation failed", err, true)
	}
	p.log(ctx, LevelInfo, StepGenerateIdea, "idea selected: "+idea.Title, map[string]any{"ideasCount": candidates})

	p.log(ctx, LevelInfo, StepGeneratePrompt, "generating prompt", nil)
	prompt, err := a.generator.GenerateVeoPrompt(ctx, ch, idea)
	if err != nil {
		return p.fail(ctx, StepGeneratePrompt, "prompt generation failed", err, true)
	}
	p.log(ctx, LevelInfo, StepGeneratePrompt, "prompt generated", map[string]any{"videoTitle": prompt.VideoTitle})

	p.log(ctx, LevelInfo, StepCreateJob, "creating video job", nil)
	job := &Job{
		ID:          NewID(),
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		IdeaText:    idea.Text(),
		Prompt:      prompt.Prompt,
		Title:       prompt.VideoTitle,
		Status:      JobStatusQueued,
	}
	if err := a.jobs.CreateJob(ctx, job); err != nil {
		return p.fail(ctx, StepCreateJob, "job creation failed", err, true)
	}
	if err := a.jobs.MarkJobAuto(ctx, job.ID); err != nil {
		return p.fail(ctx, StepCreateJob, "failed to mark job as automatic", err, true)
	}
	p.log(ctx, LevelInfo, StepCreateJob, "job created", map[string]any{"jobId": job.ID, "prompt": truncate(prompt.Prompt, 100)})

	now := a.opts.Now()
	next := NextRunAt(ch.Automation.Times, ch.Automation.DaysOfWeek, loc, now)
	if err := a.channels.AdvanceSchedule(ctx, ch.ID, now, next, runID); err != nil {
		p.log(ctx, LevelError, StepUpdateChannelNextRun, "failed to update next run", map[string]any{"error": err.Error()})
	} else {
		details := map[string]any{"nextRunAt": nil}
		if next != nil {
			details["nextRunAt"] = next.UTC().Format(time.RFC3339)
		}
		p.log(ctx, LevelInfo, StepUpdateChannelNextRun, "next run scheduled", details)
	}

	logger.Info("automated job created",
		"job_id", job.ID,
		"idea", idea.Title,
		"video_title", prompt.VideoTitle,
		"duration", a.opts.Now().Sub(started))

	a.notify(ctx, ch, fmt.Sprintf("Channel %q (%s): automation ran at %s (%s). Status: success. Job ID: %s",
		ch.Name, ch.ID, now.In(loc).Format("2006-01-02 15:04"), zone, job.ID))

	return PipelineResult{JobID: job.ID, RunID: runID, Outcome: OutcomeCreated, NextRunAt: next}
}

type pipelineRun struct {
	a      *Engine
	ch     *Channel
	runID  string
	events EventLog
}

func (p *pipelineRun) log(ctx context.Context, level Level, step Step, msg string, details map[string]any) {
	p.events.Log(ctx, Event{
		Level:       level,
		Step:        step,
		ChannelID:   p.ch.ID,
		ChannelName: p.ch.Name,
		Message:     msg,
		Details:     details,
	})
}

// fail records exactly one error event for the failing step, releases the
// lock when it may be held and sends a best-effort failure notification.
func (p *pipelineRun) fail(ctx context.Context, step Step, msg string, err error, release bool) PipelineResult {
	p.log(ctx, LevelError, step, msg, map[string]any{"error": err.Error()})
	if release {
		p.a.releaseLock(ctx, p.ch.ID, p.runID)
	}
	p.a.notify(ctx, p.ch, fmt.Sprintf("Channel %q (%s): automation failed at step %s: %v", p.ch.Name, p.ch.ID, step, err))
	return PipelineResult{RunID: p.runID, Outcome: OutcomeFailed, FailedStep: step, Err: err}
}

// selectIdea requests candidates, drops ideas already used by the channel
// when freshness is required, and re-fetches once unfiltered if nothing is
// left. The first remaining idea wins.
func (a *Engine) selectIdea(ctx context.Context, ch *Channel) (Idea, int, error) {
	var used []string
	if ch.Automation.UseOnlyFreshIdeas {
		used = a.usedIdeas(ctx, ch.ID)
	}
	ideas, err := a.generator.GenerateIdeas(ctx, ch, "", a.opts.IdeasPerRequest)
	if err != nil {
		return Idea{}, 0, fmt.Errorf("generate ideas: %w", err)
	}
	if len(used) > 0 {
		ideas = FilterFreshIdeas(ideas, used)
	}
	if len(ideas) == 0 {
		a.logger.Warn("no fresh ideas, using any available", "channel_id", ch.ID)
		ideas, err = a.generator.GenerateIdeas(ctx, ch, "", a.opts.IdeasPerRequest)
		if err != nil {
			return Idea{}, 0, fmt.Errorf("generate ideas: %w", err)
		}
	}
	if len(ideas) == 0 {
		return Idea{}, 0, ErrNoIdeas
	}
	return ideas[0], len(ideas), nil
}

func (a *Engine) usedIdeas(ctx context.Context, channelID string) []string {
	jobs, err := a.jobs.ListJobs(ctx, channelID)
	if err != nil {
		a.logger.Warn("list used ideas", "channel_id", channelID, "err", err)
		return nil
	}
	used := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.IdeaText != "" {
			used = append(used, job.IdeaText)
		}
	}
	return used
}

// FilterFreshIdeas drops every idea whose title or description appears,
// case-insensitively, inside a previously used idea text.
func FilterFreshIdeas(ideas []Idea, used []string) []Idea {
	lowered := make([]string, 0, len(used))
	for _, u := range used {
		lowered = append(lowered, strings.ToLower(u))
	}
	fresh := make([]Idea, 0, len(ideas))
	for _, idea := range ideas {
		title := strings.ToLower(strings.TrimSpace(idea.Title))
		desc := strings.ToLower(strings.TrimSpace(idea.Description))
		seen := false
		for _, u := range lowered {
			if (title != "" && strings.Contains(u, title)) || (desc != "" && strings.Contains(u, desc)) {
				seen = true
				break
			}
		}
		if !seen {
			fresh = append(fresh, idea)
		}
	}
	return fresh
}

func (a *Engine) notify(ctx context.Context, ch *Channel, body string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Send(context.WithoutCancel(ctx), "[AUTOMATION] "+ch.Name, body); err != nil {
		a.logger.Warn("send automation notification", "channel_id", ch.ID, "err", err)
	}
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// IsExpectedSkip reports whether err is one of the manual-run refusals that
// are not faults.
func IsExpectedSkip(err error) bool {
	return errors.Is(err, ErrAutomationDisabled) || errors.Is(err, ErrAlreadyRunning)
}
