package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"shortsched/internal/core"
)

var ErrRunNotFound = errors.New("automation run not found")

const runColumns = `id, started_at, finished_at, status, channels_planned, channels_processed, jobs_created,
	errors_count, last_error_message, timezone, channels_json, tasks_json`

func (s *Store) InsertAutomationRun(ctx context.Context, run *core.AutomationRun) error {
	channels, tasks, err := encodeRunDetails(run)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO automation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.StartedAt), nullableTime(run.FinishedAt), run.Status, run.ChannelsPlanned,
		run.ChannelsProcessed, run.JobsCreated, run.ErrorsCount, nullableString(run.LastErrorMessage),
		run.Timezone, channels, tasks)
	if err != nil {
		return fmt.Errorf("insert automation run: %w", err)
	}
	return nil
}

// FinishAutomationRun writes the sealed state of a run.
func (s *Store) FinishAutomationRun(ctx context.Context, run *core.AutomationRun) error {
	channels, tasks, err := encodeRunDetails(run)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE automation_runs
		SET finished_at = ?, status = ?, channels_planned = ?, channels_processed = ?, jobs_created = ?,
			errors_count = ?, last_error_message = ?, channels_json = ?, tasks_json = ?
		WHERE id = ?
	`, nullableTime(run.FinishedAt), run.Status, run.ChannelsPlanned, run.ChannelsProcessed, run.JobsCreated,
		run.ErrorsCount, nullableString(run.LastErrorMessage), channels, tasks, run.ID)
	if err != nil {
		return fmt.Errorf("finish automation run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AppendAutomationEvent stores one event. Events are never updated.
func (s *Store) AppendAutomationEvent(ctx context.Context, ev *core.Event) error {
	if ev.ID == "" {
		ev.ID = core.NewID()
	}
	var details any
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		details = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO automation_events (id, run_id, created_at, level, step, channel_id, channel_name, message, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RunID, formatTime(ev.CreatedAt), ev.Level, ev.Step, nullableEmpty(ev.ChannelID),
		nullableEmpty(ev.ChannelName), ev.Message, details)
	if err != nil {
		return fmt.Errorf("insert automation event: %w", err)
	}
	return nil
}

// PruneAutomationRuns keeps the newest keep runs and deletes older runs with
// their events.
func (s *Store) PruneAutomationRuns(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()
	const stale = `SELECT id FROM automation_runs ORDER BY started_at DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_events WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return fmt.Errorf("prune automation events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_runs WHERE id IN (`+stale+`)`, keep); err != nil {
		return fmt.Errorf("prune automation runs: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetAutomationRun(ctx context.Context, id string) (*core.AutomationRun, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = ?`, id)
	run, err := scanAutomationRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListAutomationRuns returns the newest runs first.
func (s *Store) ListAutomationRuns(ctx context.Context, limit int) ([]*core.AutomationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+` FROM automation_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list automation runs: %w", err)
	}
	defer rows.Close()
	runs := make([]*core.AutomationRun, 0)
	for rows.Next() {
		run, err := scanAutomationRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// LastSuccessfulRun returns the newest run sealed with status success, or nil.
func (s *Store) LastSuccessfulRun(ctx context.Context) (*core.AutomationRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM automation_runs WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, core.RunStatusSuccess)
	run, err := scanAutomationRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListAutomationEvents returns a run's events in the order they were written.
func (s *Store) ListAutomationEvents(ctx context.Context, runID string, limit int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, run_id, created_at, level, step, channel_id, channel_name, message, details_json
		FROM automation_events
		WHERE run_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list automation events: %w", err)
	}
	defer rows.Close()
	events := make([]*core.Event, 0)
	for rows.Next() {
		var (
			ev                     core.Event
			createdAt, level, step string
			channelID, channelName sql.NullString
			details                sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &createdAt, &level, &step, &channelID, &channelName, &ev.Message, &details); err != nil {
			return nil, fmt.Errorf("scan automation event: %w", err)
		}
		ev.CreatedAt = parseTime(createdAt)
		ev.Level = core.Level(level)
		ev.Step = core.Step(step)
		ev.ChannelID = channelID.String
		ev.ChannelName = channelName.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func encodeRunDetails(run *core.AutomationRun) (string, string, error) {
	checks := run.Channels
	if checks == nil {
		checks = []core.ChannelCheck{}
	}
	tasks := run.Tasks
	if tasks == nil {
		tasks = []core.AutomationTask{}
	}
	channelsJSON, err := json.Marshal(checks)
	if err != nil {
		return "", "", fmt.Errorf("encode run channels: %w", err)
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return "", "", fmt.Errorf("encode run tasks: %w", err)
	}
	return string(channelsJSON), string(tasksJSON), nil
}

func scanAutomationRun(sc scanner) (*core.AutomationRun, error) {
	var (
		run                 core.AutomationRun
		startedAt, status   string
		finishedAt, lastErr sql.NullString
		timezone            sql.NullString
		channelsJSON, tasks string
	)
	if err := sc.Scan(&run.ID, &startedAt, &finishedAt, &status, &run.ChannelsPlanned, &run.ChannelsProcessed,
		&run.JobsCreated, &run.ErrorsCount, &lastErr, &timezone, &channelsJSON, &tasks); err != nil {
		return nil, fmt.Errorf("scan automation run: %w", err)
	}
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseNullTime(finishedAt)
	run.Status = core.RunStatus(status)
	run.Timezone = timezone.String
	if lastErr.Valid {
		run.LastErrorMessage = &lastErr.String
	}
	if err := json.Unmarshal([]byte(channelsJSON), &run.Channels); err != nil {
		return nil, fmt.Errorf("decode run channels: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &run.Tasks); err != nil {
		return nil, fmt.Errorf("decode run tasks: %w", err)
	}
	return &run, nil
}
