package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shortsched/internal/core"
	"shortsched/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the automation operations as MCP tools.
type MCPServer struct {
	store      *store.Store
	automation *core.Engine
	scheduler  *core.Scheduler
	logger     *slog.Logger
	location   *time.Location
	now        func() time.Time

	server *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with every tool registered.
func NewMCPServer(store *store.Store, automation *core.Engine, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.UTC
	}
	s := &MCPServer{
		store:      store,
		automation: automation,
		scheduler:  scheduler,
		logger:     logger,
		location:   location,
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.server = server.NewMCPServer(
		"shortsched",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns the streamable HTTP transport for mounting at /mcp.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("automation_list_channels",
		mcp.WithDescription("List channels with their automation schedule and run state"),
	), s.handleListChannels)

	mcpServer.AddTool(mcp.NewTool("automation_check_channel",
		mcp.WithDescription("Evaluate whether a channel is due right now without running anything"),
		mcp.WithString("channel_id",
			mcp.Required(),
			mcp.Description("Channel ID"),
		),
	), s.handleCheckChannel)

	mcpServer.AddTool(mcp.NewTool("automation_preview_schedule",
		mcp.WithDescription("Show the next run times of a channel in its time zone"),
		mcp.WithString("channel_id",
			mcp.Required(),
			mcp.Description("Channel ID"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of run times, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handlePreviewSchedule)

	mcpServer.AddTool(mcp.NewTool("automation_run_channel",
		mcp.WithDescription("Create one automatic job for a channel now, ignoring its time and day rules"),
		mcp.WithString("channel_id",
			mcp.Required(),
			mcp.Description("Channel ID"),
		),
	), s.handleRunChannel)

	mcpServer.AddTool(mcp.NewTool("automation_stop_channel",
		mcp.WithDescription("Disable a channel's automation and cancel its unfinished automatic jobs"),
		mcp.WithString("channel_id",
			mcp.Required(),
			mcp.Description("Channel ID"),
		),
	), s.handleStopChannel)

	mcpServer.AddTool(mcp.NewTool("automation_reset_running",
		mcp.WithDescription("Force-release the run lock of one channel, or of every running channel when no id is given"),
		mcp.WithString("channel_id",
			mcp.Description("Channel ID (optional)"),
		),
	), s.handleResetRunning)

	mcpServer.AddTool(mcp.NewTool("automation_run_sweep",
		mcp.WithDescription("Run one scheduled sweep over all automation-enabled channels"),
	), s.handleRunSweep)

	mcpServer.AddTool(mcp.NewTool("automation_list_runs",
		mcp.WithDescription("List recent sweep runs, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("automation_get_run",
		mcp.WithDescription("Show a sweep run with its channel checks, tasks and events"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events, default 50"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleGetRun)

	s.logger.Info("MCP tools registered", "count", 9)
}

func (s *MCPServer) handleListChannels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		s.logger.Error("list channels", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list channels: %v", err)), nil
	}
	if len(channels) == 0 {
		return mcp.NewToolResultText("No channels found"), nil
	}

	result := fmt.Sprintf("Found %d channels:\n\n", len(channels))
	for _, ch := range channels {
		result += fmt.Sprintf("%s %s (%s)\n", automationIcon(ch), ch.ID, ch.Name)
		if a := ch.Automation; a != nil {
			result += fmt.Sprintf("  Schedule: %v at %v (%s)\n", a.DaysOfWeek, a.Times, a.ZoneName())
			result += fmt.Sprintf("  Max active jobs: %d\n", a.ActiveLimit())
			if a.IsRunning && a.RunID != nil {
				result += fmt.Sprintf("  Running: %s\n", *a.RunID)
			}
			result += fmt.Sprintf("  Last run: %s\n", formatTime(a.LastRunAt, a.Location()))
			result += fmt.Sprintf("  Next run: %s\n", formatTime(a.NextRunAt, a.Location()))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleCheckChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := mcp.ParseString(request, "channel_id", "")
	now := s.now()
	ch, decision, err := s.automation.Check(ctx, channelID, now)
	if err != nil {
		return channelError(channelID, "check channel", err), nil
	}
	check := core.NewChannelCheck(ch, decision, now)

	result := fmt.Sprintf("Channel: %s (%s)\n", ch.ID, ch.Name)
	result += fmt.Sprintf("Should run: %t\n", check.ShouldRun)
	result += fmt.Sprintf("Reason: %s\n", check.Reason)
	result += fmt.Sprintf("Summary: %s\n", decision.Summary())
	result += fmt.Sprintf("Local time: %s (%s)\n", check.LocalTime, check.Timezone)
	if check.ActiveJobs != nil && check.MaxActiveTasks != nil {
		result += fmt.Sprintf("Active jobs: %d/%d\n", *check.ActiveJobs, *check.MaxActiveTasks)
	}
	for _, slot := range check.Slots {
		result += fmt.Sprintf("  slot %s: %s\n", slot.Slot, slot.Status)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handlePreviewSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := mcp.ParseString(request, "channel_id", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 20 {
		count = 5
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return channelError(channelID, "load channel", err), nil
	}
	a := ch.Automation
	if a == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Channel %s has no automation schedule", ch.ID)), nil
	}

	loc := a.Location()
	times := core.NextRunTimes(a.Times, a.DaysOfWeek, loc, s.now(), count)
	result := fmt.Sprintf("Schedule: %v at %v\n", a.DaysOfWeek, a.Times)
	result += fmt.Sprintf("Time zone: %s\n\n", a.ZoneName())
	if len(times) == 0 {
		result += "No upcoming run times\n"
	}
	for i, t := range times {
		result += fmt.Sprintf("  %d. %s\n", i+1, t.In(loc).Format("2006-01-02 15:04 Mon"))
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleRunChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := mcp.ParseString(request, "channel_id", "")
	res, err := s.automation.RunChannelNow(ctx, channelID)
	if err != nil {
		if core.IsExpectedSkip(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Not started: %v", err)), nil
		}
		return channelError(channelID, "run channel", err), nil
	}
	s.logger.Info("manual run via MCP", "channel_id", channelID, "job_id", res.JobID)
	result := fmt.Sprintf("Job created\nJob ID: %s\nRun ID: %s\n", res.JobID, res.RunID)
	result += fmt.Sprintf("Next run: %s\n", formatTime(res.NextRunAt, s.location))
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleStopChannel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := mcp.ParseString(request, "channel_id", "")
	res, err := s.automation.StopChannelAutomation(ctx, channelID)
	if err != nil {
		return channelError(channelID, "stop channel", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Automation stopped for %s\nCancelled jobs: %d", res.ChannelID, res.CancelledTasks)), nil
}

func (s *MCPServer) handleResetRunning(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := mcp.ParseString(request, "channel_id", "")
	if channelID != "" {
		if err := s.automation.ResetRunningFlag(ctx, channelID); err != nil {
			return channelError(channelID, "reset running flag", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Running flag reset for %s", channelID)), nil
	}

	results, err := s.automation.ResetAllRunningFlags(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reset running flags: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No running channels"), nil
	}
	result := fmt.Sprintf("Reset %d channels:\n", len(results))
	for _, r := range results {
		if r.Success {
			result += fmt.Sprintf("  ✅ %s (%s)\n", r.ChannelID, r.ChannelName)
		} else {
			result += fmt.Sprintf("  ❌ %s (%s): %s\n", r.ChannelID, r.ChannelName, r.Error)
		}
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleRunSweep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.scheduler.RunNow(context.WithoutCancel(ctx))
	if err != nil {
		if errors.Is(err, core.ErrSweepInProgress) {
			return mcp.NewToolResultError("A sweep is already in progress"), nil
		}
		s.logger.Error("run sweep via MCP", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}

	run := report.Run
	result := fmt.Sprintf("Run ID: %s\n", run.ID)
	result += fmt.Sprintf("Status: %s %s\n", statusToIcon(run.Status), run.Status)
	result += fmt.Sprintf("Channels: %d planned, %d processed\n", run.ChannelsPlanned, run.ChannelsProcessed)
	result += fmt.Sprintf("Jobs created: %d, errors: %d\n\n", run.JobsCreated, run.ErrorsCount)
	for _, r := range report.Results {
		line := fmt.Sprintf("  %s: %s", r.ChannelID, r.Reason)
		if r.Outcome != "" {
			line += fmt.Sprintf(" -> %s", r.Outcome)
		}
		if r.JobID != "" {
			line += fmt.Sprintf(" (job %s)", r.JobID)
		}
		if r.Error != "" {
			line += fmt.Sprintf(" error: %s", r.Error)
		}
		result += line + "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	runs, err := s.store.ListAutomationRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No automation runs yet"), nil
	}

	result := fmt.Sprintf("Found %d runs:\n\n", len(runs))
	for _, r := range runs {
		result += fmt.Sprintf("[%s] %s\n", statusToIcon(r.Status), r.ID)
		result += fmt.Sprintf("    Started: %s\n", formatTime(&r.StartedAt, s.location))
		result += fmt.Sprintf("    Channels: %d/%d, jobs: %d, errors: %d\n", r.ChannelsProcessed, r.ChannelsPlanned, r.JobsCreated, r.ErrorsCount)
		if r.LastErrorMessage != nil {
			result += fmt.Sprintf("    Last error: %s\n", truncateString(*r.LastErrorMessage, 120))
		}
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.store.GetAutomationRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", 50))
	events, err := s.store.ListAutomationEvents(ctx, runID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load events: %v", err)), nil
	}

	result := fmt.Sprintf("Run ID: %s\nStatus: %s\n", run.ID, run.Status)
	result += fmt.Sprintf("Started: %s\nFinished: %s\n", formatTime(&run.StartedAt, s.location), formatTime(run.FinishedAt, s.location))
	result += "\nChannels:\n"
	for _, c := range run.Channels {
		result += fmt.Sprintf("  %s: %s (%s)\n", c.ChannelID, c.Reason, c.LocalTime)
	}
	if len(run.Tasks) > 0 {
		result += "\nTasks:\n"
		for _, t := range run.Tasks {
			result += fmt.Sprintf("  %s %s: %s\n", t.ChannelID, t.Status, t.TaskID)
		}
	}
	result += "\nEvents:\n"
	for _, ev := range events {
		result += fmt.Sprintf("  %s [%s] %s %s\n", ev.CreatedAt.In(s.location).Format("15:04:05"), ev.Level, ev.Step, ev.Message)
	}
	return mcp.NewToolResultText(result), nil
}

func channelError(channelID, action string, err error) *mcp.CallToolResult {
	if errors.Is(err, core.ErrChannelNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("channel not found: %s", channelID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05 MST")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func automationIcon(ch *core.Channel) string {
	switch {
	case ch.AutomationEnabled() && ch.Automation.IsRunning:
		return "▶️"
	case ch.AutomationEnabled():
		return "⏰"
	default:
		return "⏸️"
	}
}

func statusToIcon(status core.RunStatus) string {
	switch status {
	case core.RunStatusSuccess:
		return "✅"
	case core.RunStatusError:
		return "❌"
	case core.RunStatusRunning:
		return "▶️"
	default:
		return "❓"
	}
}
