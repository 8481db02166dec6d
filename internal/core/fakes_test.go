package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	_ "time/tzdata"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloneChannel(ch *Channel) *Channel {
	out := *ch
	if ch.Automation != nil {
		a := *ch.Automation
		a.Times = append([]string(nil), ch.Automation.Times...)
		a.DaysOfWeek = append([]DaySpec(nil), ch.Automation.DaysOfWeek...)
		out.Automation = &a
	}
	return &out
}

type fakeChannels struct {
	mu       sync.Mutex
	order    []string
	byID     map[string]*Channel
	listErr  error
	relErr   error
	advErr   error
	released int
}

func newFakeChannels(channels ...*Channel) *fakeChannels {
	f := &fakeChannels{byID: make(map[string]*Channel)}
	for _, ch := range channels {
		f.order = append(f.order, ch.ID)
		f.byID[ch.ID] = cloneChannel(ch)
	}
	return f
}

func (f *fakeChannels) get(id string) *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneChannel(f.byID[id])
}

func (f *fakeChannels) ListChannels(context.Context) ([]*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*Channel, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, cloneChannel(f.byID[id]))
	}
	return out, nil
}

func (f *fakeChannels) GetChannel(_ context.Context, id string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byID[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return cloneChannel(ch), nil
}

func (f *fakeChannels) AcquireRunLock(_ context.Context, id, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byID[id]
	if !ok {
		return false, ErrChannelNotFound
	}
	if ch.Automation.IsRunning {
		return false, nil
	}
	ch.Automation.IsRunning = true
	ch.Automation.RunID = ptrString(runID)
	return true, nil
}

func (f *fakeChannels) ReleaseRunLock(_ context.Context, id, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relErr != nil {
		return f.relErr
	}
	ch, ok := f.byID[id]
	if !ok {
		return ErrChannelNotFound
	}
	if runID != "" && (ch.Automation.RunID == nil || *ch.Automation.RunID != runID) {
		return nil
	}
	ch.Automation.IsRunning = false
	ch.Automation.RunID = nil
	f.released++
	return nil
}

func (f *fakeChannels) AdvanceSchedule(_ context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advErr != nil {
		return f.advErr
	}
	ch := f.byID[id]
	ch.Automation.LastRunAt = ptrTime(lastRunAt)
	ch.Automation.NextRunAt = nextRunAt
	ch.Automation.IsRunning = true
	ch.Automation.RunID = ptrString(runID)
	return nil
}

func (f *fakeChannels) StopAutomation(_ context.Context, id string, stoppedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byID[id]
	if !ok {
		return ErrChannelNotFound
	}
	ch.Automation.Enabled = false
	ch.Automation.IsRunning = false
	ch.Automation.RunID = nil
	ch.Automation.ManualStoppedAt = ptrTime(stoppedAt)
	return nil
}

type fakeJobs struct {
	mu        sync.Mutex
	jobs      []*Job
	countErr  map[string]error
	createErr error
	markErr   error
}

func (f *fakeJobs) CountActiveJobs(_ context.Context, channelID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[channelID]; err != nil {
		return 0, err
	}
	n := 0
	for _, j := range f.jobs {
		if j.ChannelID == channelID && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) ListJobs(_ context.Context, channelID string) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Job
	for _, j := range f.jobs {
		if channelID == "" || j.ChannelID == channelID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobs) CreateJob(_ context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *job
	f.jobs = append(f.jobs, &cp)
	return nil
}

func (f *fakeJobs) MarkJobAuto(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for _, j := range f.jobs {
		if j.ID == id {
			j.IsAuto = true
			return nil
		}
	}
	return ErrJobNotFound
}

func (f *fakeJobs) UpdateJobStatus(_ context.Context, id string, status JobStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			j.Status = status
			j.ErrorMessage = errMsg
			return nil
		}
	}
	return ErrJobNotFound
}

func (f *fakeJobs) byID(id string) *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			cp := *j
			return &cp
		}
	}
	return nil
}

type fakeRuns struct {
	mu        sync.Mutex
	inserted  []*AutomationRun
	finished  []AutomationRun
	events    []Event
	pruned    int
	insertErr error
}

func (f *fakeRuns) InsertAutomationRun(_ context.Context, run *AutomationRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, run)
	return nil
}

func (f *fakeRuns) AppendAutomationEvent(_ context.Context, ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeRuns) FinishAutomationRun(_ context.Context, run *AutomationRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, *run)
	return nil
}

func (f *fakeRuns) PruneAutomationRuns(_ context.Context, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = keep
	return nil
}

func (f *fakeRuns) eventsFor(runID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

type fakeGenerator struct {
	mu        sync.Mutex
	batches   [][]Idea
	calls     int
	ideasErr  error
	prompt    VeoPrompt
	promptErr error
	panicMsg  string
}

func (f *fakeGenerator) GenerateIdeas(_ context.Context, _ *Channel, _ string, n int) ([]Idea, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.calls++
	if f.ideasErr != nil {
		return nil, f.ideasErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	idx := f.calls - 1
	if idx >= len(f.batches) {
		idx = len(f.batches) - 1
	}
	batch := f.batches[idx]
	if len(batch) > n {
		batch = batch[:n]
	}
	return append([]Idea(nil), batch...), nil
}

func (f *fakeGenerator) GenerateVeoPrompt(_ context.Context, _ *Channel, idea Idea) (*VeoPrompt, error) {
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	p := f.prompt
	if p.Prompt == "" {
		p.Prompt = "a cinematic shot about " + idea.Title
	}
	if p.VideoTitle == "" {
		p.VideoTitle = idea.Title
	}
	return &p, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeNotifier) Send(_ context.Context, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, title+"|"+body)
	return f.err
}

type recordingLog struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLog) Log(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingLog) errors() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Level == LevelError {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	channels  *fakeChannels
	jobs      *fakeJobs
	runs      *fakeRuns
	generator *fakeGenerator
	notifier  *fakeNotifier
	now       time.Time
	auto      *Engine
}

func newHarness(now time.Time, channels ...*Channel) *harness {
	h := &harness{
		channels: newFakeChannels(channels...),
		jobs:     &fakeJobs{countErr: map[string]error{}},
		runs:     &fakeRuns{},
		generator: &fakeGenerator{batches: [][]Idea{{
			{Title: "Morning ritual", Description: "coffee in the mountains"},
			{Title: "Night market", Description: "street food tour"},
		}}},
		notifier: &fakeNotifier{},
		now:      now,
	}
	h.auto = NewEngine(Deps{
		Channels:  h.channels,
		Jobs:      h.jobs,
		Runs:      h.runs,
		Generator: h.generator,
		Notifier:  h.notifier,
	}, discardLogger(), Options{
		TimeZone:     "UTC",
		RunRetention: 50,
		Now:          func() time.Time { return h.now },
	})
	return h
}

func testChannel(id string, times ...string) *Channel {
	return &Channel{
		ID:   id,
		Name: "Channel " + id,
		Automation: &Automation{
			Enabled:    true,
			TimeZone:   "UTC",
			DaysOfWeek: []DaySpec{"0", "1", "2", "3", "4", "5", "6"},
			Times:      times,
		},
	}
}

type staticCounter struct {
	n   int
	err error
}

func (c staticCounter) CountActiveJobs(context.Context, string) (int, error) {
	return c.n, c.err
}
