package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// ChannelResult summarizes what a sweep did with one enabled channel.
type ChannelResult struct {
	ChannelID   string  `json:"channelId"`
	ChannelName string  `json:"channelName"`
	Timezone    string  `json:"timezone"`
	Reason      Reason  `json:"reason"`
	Outcome     Outcome `json:"outcome,omitempty"`
	JobID       string  `json:"jobId,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// RunReport is what Sweep returns: the sealed run plus per-channel results.
type RunReport struct {
	Run     *AutomationRun  `json:"run"`
	Results []ChannelResult `json:"results"`
}

// Sweep evaluates every automation-enabled channel once and runs the pipeline
// for the ones that are due. Channels are processed sequentially in listing
// order. Per-channel failures are recorded and never abort the sweep. The run
// record is sealed exactly once; a top-level fault seals it with status error
// and is returned.
func (a *Engine) Sweep(ctx context.Context, now time.Time) (report *RunReport, err error) {
	run := &AutomationRun{
		ID:        NewID(),
		StartedAt: now.UTC(),
		Status:    RunStatusRunning,
		Timezone:  a.opts.TimeZone,
		Channels:  []ChannelCheck{},
		Tasks:     []AutomationTask{},
	}
	if a.runs != nil {
		if err := a.runs.InsertAutomationRun(ctx, run); err != nil {
			a.logger.Error("automation run not recorded, sweep aborted", "run_id", run.ID, "err", err)
			return nil, fmt.Errorf("create automation run: %w", err)
		}
	}
	log := newRunLog(a.runs, a.logger, run)
	report = &RunReport{Run: run, Results: []ChannelResult{}}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
			a.logger.Error("sweep panicked", "run_id", run.ID, "panic", r, "stack", string(debug.Stack()))
		}
		finished := a.opts.Now()
		if err != nil {
			log.Log(ctx, Event{Level: LevelError, Step: StepOther, Message: "automation run failed", Details: map[string]any{"error": err.Error()}})
			log.seal(context.WithoutCancel(ctx), RunStatusError, err, finished)
		} else {
			log.seal(context.WithoutCancel(ctx), RunStatusSuccess, nil, finished)
		}
		a.pruneRuns(ctx)
		a.logger.Info("automation run finished",
			"run_id", run.ID,
			"status", run.Status,
			"planned", run.ChannelsPlanned,
			"processed", run.ChannelsProcessed,
			"jobs_created", run.JobsCreated,
			"errors", run.ErrorsCount,
			"duration", finished.Sub(run.StartedAt))
	}()

	channels, err := a.channels.ListChannels(ctx)
	if err != nil {
		return report, fmt.Errorf("list channels: %w", err)
	}
	enabled := make([]*Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.AutomationEnabled() {
			enabled = append(enabled, ch)
		}
	}
	log.setPlanned(len(enabled))
	log.Log(ctx, Event{
		Level:   LevelInfo,
		Step:    StepSelectChannels,
		Message: fmt.Sprintf("selected %d channels with automation enabled", len(enabled)),
		Details: map[string]any{"total": len(channels), "enabled": len(enabled)},
	})

	for _, ch := range enabled {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := a.sweepChannel(ctx, ch, now, log)
		report.Results = append(report.Results, result)
	}
	return report, nil
}

// sweepChannel evaluates and, when due, runs one channel. A check entry is
// always recorded, even when the channel panics or fails to evaluate.
func (a *Engine) sweepChannel(ctx context.Context, ch *Channel, now time.Time, log *runLog) (result ChannelResult) {
	result = ChannelResult{ChannelID: ch.ID, ChannelName: ch.Name, Timezone: ch.Automation.ZoneName()}
	recorded := false
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			a.logger.Error("channel processing panicked", "channel_id", ch.ID, "panic", r, "stack", string(debug.Stack()))
			log.Log(ctx, Event{Level: LevelError, Step: StepOther, ChannelID: ch.ID, ChannelName: ch.Name, Message: "channel processing failed", Details: map[string]any{"error": msg}})
			log.noteError(msg)
			if !recorded {
				log.addCheck(ChannelCheck{ChannelID: ch.ID, ChannelName: ch.Name, Auto: true, CheckedAt: now.UTC(), Timezone: result.Timezone, Error: msg})
			}
			result.Error = msg
		}
	}()

	decision, err := Evaluate(ctx, ch, now, a.opts.Tolerance, a.jobs)
	if err != nil {
		msg := err.Error()
		log.addCheck(ChannelCheck{ChannelID: ch.ID, ChannelName: ch.Name, Auto: true, CheckedAt: now.UTC(), Timezone: result.Timezone, Error: msg})
		recorded = true
		log.Log(ctx, Event{Level: LevelError, Step: StepChannelCheck, ChannelID: ch.ID, ChannelName: ch.Name, Message: "channel check failed", Details: map[string]any{"error": msg}})
		log.noteError(msg)
		result.Error = msg
		return result
	}
	log.addCheck(NewChannelCheck(ch, decision, now))
	recorded = true
	result.Reason = decision.Reason

	level := LevelInfo
	if !decision.ShouldRun && decision.Reason != ReasonTimeNotMatched && decision.Reason != ReasonDayNotAllowed {
		level = LevelWarn
	}
	log.Log(ctx, Event{
		Level:       level,
		Step:        StepChannelCheck,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Message:     decision.Summary(),
		Details:     map[string]any{"reason": string(decision.Reason), "localTime": decision.LocalTime.Format("2006-01-02 15:04"), "timezone": decision.Timezone},
	})

	if decision.Reason == ReasonAlreadyRunning {
		if _, err := a.ReapStaleLock(ctx, ch.ID, now); err != nil {
			a.logger.Warn("reap stale lock", "channel_id", ch.ID, "err", err)
		}
		return result
	}
	if !decision.ShouldRun {
		return result
	}

	log.channelProcessed()
	res := a.RunPipeline(ctx, ch, log)
	result.Outcome = res.Outcome
	task := AutomationTask{ChannelID: ch.ID, ChannelName: ch.Name, CreatedAt: a.opts.Now().UTC()}
	if res.Created() {
		task.TaskID = res.JobID
		task.Status = TaskStatusPending
		result.JobID = res.JobID
	} else {
		msg := res.Describe()
		task.TaskID = "failed"
		task.Status = TaskStatusError
		task.Error = ptrString(msg)
		result.Error = msg
		if res.Outcome == OutcomeFailed {
			log.noteError(msg)
		}
	}
	log.addTask(task)
	return result
}

func (a *Engine) pruneRuns(ctx context.Context) {
	if a.runs == nil || a.opts.RunRetention <= 0 {
		return
	}
	if err := a.runs.PruneAutomationRuns(context.WithoutCancel(ctx), a.opts.RunRetention); err != nil {
		a.logger.Warn("prune automation runs", "err", err)
	}
}
