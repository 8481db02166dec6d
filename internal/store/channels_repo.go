package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shortsched/internal/core"
)

const channelColumns = `id, name, description, language, has_automation, automation_enabled, time_zone,
	days_of_week, times, max_active_tasks, use_only_fresh_ideas, is_running, run_id,
	last_run_at, next_run_at, manual_stopped_at, created_at, updated_at`

// InsertChannel stores a new channel, assigning an id when it has none.
func (s *Store) InsertChannel(ctx context.Context, ch *core.Channel) error {
	if ch.ID == "" {
		ch.ID = core.NewID()
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	cols, err := channelConfigArgs(ch)
	if err != nil {
		return err
	}
	a := ch.Automation
	if a == nil {
		a = &core.Automation{}
	}
	args := append([]any{ch.ID}, cols...)
	args = append(args, boolInt(a.IsRunning), nullableString(a.RunID), nullableTime(a.LastRunAt),
		nullableTime(a.NextRunAt), nullableTime(a.ManualStoppedAt), formatTime(now), formatTime(now))
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// UpdateChannel rewrites a channel's profile and automation settings. Run
// state (lock, last/next run) is left untouched.
func (s *Store) UpdateChannel(ctx context.Context, ch *core.Channel) error {
	ch.UpdatedAt = time.Now().UTC()
	cols, err := channelConfigArgs(ch)
	if err != nil {
		return err
	}
	args := append(cols, formatTime(ch.UpdatedAt), ch.ID)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels
		SET name = ?, description = ?, language = ?, has_automation = ?, automation_enabled = ?, time_zone = ?,
			days_of_week = ?, times = ?, max_active_tasks = ?, use_only_fresh_ideas = ?, updated_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return s.expectChannelRow(res)
}

// UpsertChannel inserts the channel or updates its settings when the id exists.
func (s *Store) UpsertChannel(ctx context.Context, ch *core.Channel) error {
	if ch.ID == "" {
		return s.InsertChannel(ctx, ch)
	}
	_, err := s.GetChannel(ctx, ch.ID)
	switch {
	case errors.Is(err, core.ErrChannelNotFound):
		return s.InsertChannel(ctx, ch)
	case err != nil:
		return err
	default:
		return s.UpdateChannel(ctx, ch)
	}
}

// DeleteChannel removes a channel. Its jobs are kept for history.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return s.expectChannelRow(res)
}

func (s *Store) GetChannel(ctx context.Context, id string) (*core.Channel, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrChannelNotFound
		}
		return nil, err
	}
	return ch, nil
}

// ListChannels returns channels in creation order.
func (s *Store) ListChannels(ctx context.Context) ([]*core.Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	channels := make([]*core.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return channels, nil
}

// AcquireRunLock takes the channel's run lock only if nobody holds it.
func (s *Store) AcquireRunLock(ctx context.Context, id, runID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels
		SET is_running = 1, run_id = ?, updated_at = ?
		WHERE id = ? AND is_running = 0
	`, runID, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetChannel(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseRunLock clears the lock. A non-empty runID only releases a lock it
// still owns.
func (s *Store) ReleaseRunLock(ctx context.Context, id, runID string) error {
	var (
		res sql.Result
		err error
	)
	now := formatTime(time.Now())
	if runID == "" {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE channels SET is_running = 0, run_id = NULL, updated_at = ? WHERE id = ?
		`, now, id)
	} else {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE channels SET is_running = 0, run_id = NULL, updated_at = ? WHERE id = ? AND run_id = ?
		`, now, id, runID)
	}
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if runID == "" {
		return s.expectChannelRow(res)
	}
	return nil
}

// AdvanceSchedule records a successful run and keeps the lock held by runID.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time, runID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels
		SET last_run_at = ?, next_run_at = ?, is_running = 1, run_id = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(lastRunAt), nullableTime(nextRunAt), runID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return s.expectChannelRow(res)
}

// StopAutomation disables automation, clears the lock and stamps the stop time.
func (s *Store) StopAutomation(ctx context.Context, id string, stoppedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels
		SET automation_enabled = 0, is_running = 0, run_id = NULL, manual_stopped_at = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(stoppedAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("stop automation: %w", err)
	}
	return s.expectChannelRow(res)
}

// SetNextRunAt refreshes the stored next run without touching the lock.
func (s *Store) SetNextRunAt(ctx context.Context, id string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE channels SET next_run_at = ?, updated_at = ? WHERE id = ?
	`, nullableTime(nextRunAt), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return s.expectChannelRow(res)
}

func (s *Store) expectChannelRow(res sql.Result) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrChannelNotFound
	}
	return nil
}

// channelConfigArgs returns, in column order, name through use_only_fresh_ideas.
func channelConfigArgs(ch *core.Channel) ([]any, error) {
	a := ch.Automation
	has := a != nil
	if a == nil {
		a = &core.Automation{}
	}
	days := a.DaysOfWeek
	if days == nil {
		days = []core.DaySpec{}
	}
	times := a.Times
	if times == nil {
		times = []string{}
	}
	daysJSON, err := json.Marshal(days)
	if err != nil {
		return nil, fmt.Errorf("encode days of week: %w", err)
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return nil, fmt.Errorf("encode times: %w", err)
	}
	var tz *string
	if a.TimeZone != "" {
		tz = &a.TimeZone
	}
	return []any{
		ch.Name,
		nullableEmpty(ch.Description),
		nullableEmpty(ch.Language),
		boolInt(has),
		boolInt(a.Enabled),
		nullableString(tz),
		string(daysJSON),
		string(timesJSON),
		a.MaxActiveTasks,
		boolInt(a.UseOnlyFreshIdeas),
	}, nil
}

func nullableEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func scanChannel(sc scanner) (*core.Channel, error) {
	var (
		id, name                    string
		description, language       sql.NullString
		hasAutomation, enabled      int
		timeZone                    sql.NullString
		daysJSON, timesJSON         string
		maxActive                   int
		fresh, running              int
		runID                       sql.NullString
		lastRun, nextRun, stoppedAt sql.NullString
		createdAt, updatedAt        string
	)
	if err := sc.Scan(&id, &name, &description, &language, &hasAutomation, &enabled, &timeZone,
		&daysJSON, &timesJSON, &maxActive, &fresh, &running, &runID,
		&lastRun, &nextRun, &stoppedAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch := &core.Channel{
		ID:          id,
		Name:        name,
		Description: description.String,
		Language:    language.String,
		CreatedAt:   parseTime(createdAt),
		UpdatedAt:   parseTime(updatedAt),
	}
	if hasAutomation == 0 && running == 0 {
		return ch, nil
	}
	a := &core.Automation{
		Enabled:           enabled == 1,
		TimeZone:          timeZone.String,
		MaxActiveTasks:    maxActive,
		UseOnlyFreshIdeas: fresh == 1,
		IsRunning:         running == 1,
		LastRunAt:         parseNullTime(lastRun),
		NextRunAt:         parseNullTime(nextRun),
		ManualStoppedAt:   parseNullTime(stoppedAt),
	}
	if runID.Valid {
		a.RunID = &runID.String
	}
	if err := json.Unmarshal([]byte(daysJSON), &a.DaysOfWeek); err != nil {
		return nil, fmt.Errorf("decode days of week for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(timesJSON), &a.Times); err != nil {
		return nil, fmt.Errorf("decode times for %s: %w", id, err)
	}
	ch.Automation = a
	return ch, nil
}
