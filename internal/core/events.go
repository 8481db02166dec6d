package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of an automation event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Step identifies which part of the automation emitted an event.
type Step string

const (
	StepSelectChannels       Step = "select-channels"
	StepGenerateIdea         Step = "generate-idea"
	StepGeneratePrompt       Step = "generate-prompt"
	StepCreateJob            Step = "create-job"
	StepChannelCheck         Step = "channel-check"
	StepUpdateChannelNextRun Step = "update-channel-next-run"
	StepOther                Step = "other"
)

// Event is one append-only line of a run's log.
type Event struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Level       Level          `json:"level"`
	Step        Step           `json:"step"`
	ChannelID   string         `json:"channelId,omitempty"`
	ChannelName string         `json:"channelName,omitempty"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
}

// EventLog receives the structured events of a sweep or manual action.
// Implementations must not fail the caller.
type EventLog interface {
	Log(ctx context.Context, ev Event)
}

// NopEventLog discards every event.
type NopEventLog struct{}

func (NopEventLog) Log(context.Context, Event) {}

// runLog binds events to a persisted AutomationRun and accumulates its counters.
type runLog struct {
	store  RunStore
	logger *slog.Logger

	mu     sync.Mutex
	run    *AutomationRun
	sealed bool
}

func newRunLog(store RunStore, logger *slog.Logger, run *AutomationRun) *runLog {
	return &runLog{store: store, logger: logger, run: run}
}

func (l *runLog) Log(ctx context.Context, ev Event) {
	ev.RunID = l.run.ID
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Level == LevelError {
		l.mu.Lock()
		l.run.ErrorsCount++
		l.mu.Unlock()
	}
	emit(ctx, l.logger, ev)
	if l.store == nil {
		return
	}
	if err := l.store.AppendAutomationEvent(ctx, &ev); err != nil {
		l.logger.Warn("append automation event", "run_id", ev.RunID, "step", ev.Step, "err", err)
	}
}

func (l *runLog) addCheck(check ChannelCheck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Channels = append(l.run.Channels, check)
}

func (l *runLog) addTask(task AutomationTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Tasks = append(l.run.Tasks, task)
	if task.Status == TaskStatusPending {
		l.run.JobsCreated++
	}
}

func (l *runLog) channelProcessed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.ChannelsProcessed++
}

func (l *runLog) setPlanned(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.ChannelsPlanned = n
}

// noteError keeps the first error message seen by the run.
func (l *runLog) noteError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run.LastErrorMessage == nil {
		l.run.LastErrorMessage = ptrString(msg)
	}
}

// seal finalizes the run once; later calls are no-ops.
func (l *runLog) seal(ctx context.Context, status RunStatus, topLevel error, finishedAt time.Time) {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return
	}
	l.sealed = true
	l.run.Status = status
	l.run.FinishedAt = ptrTime(finishedAt)
	if topLevel != nil {
		l.run.LastErrorMessage = ptrString(topLevel.Error())
	}
	run := *l.run
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.FinishAutomationRun(ctx, &run); err != nil {
		l.logger.Error("seal automation run", "run_id", run.ID, "err", err)
	}
}

// eventLogger mirrors events to slog and appends them to store when one is
// set. It serves flows that run outside a sweep.
type eventLogger struct {
	logger *slog.Logger
	runID  string
	store  RunStore
}

func (l eventLogger) Log(ctx context.Context, ev Event) {
	if ev.RunID == "" {
		ev.RunID = l.runID
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	emit(ctx, l.logger, ev)
	if l.store == nil {
		return
	}
	if err := l.store.AppendAutomationEvent(ctx, &ev); err != nil {
		l.logger.Warn("append automation event", "run_id", ev.RunID, "step", ev.Step, "err", err)
	}
}

func emit(ctx context.Context, logger *slog.Logger, ev Event) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	switch ev.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	attrs := []any{"run_id", ev.RunID, "step", string(ev.Step)}
	if ev.ChannelID != "" {
		attrs = append(attrs, "channel_id", ev.ChannelID)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}
	logger.Log(ctx, level, ev.Message, attrs...)
}
