package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shortsched/internal/core"
)

const jobColumns = `id, channel_id, channel_name, idea_text, prompt, title, status, is_auto, error_message, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = core.NewID()
	}
	if job.Status == "" {
		job.Status = core.JobStatusQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ChannelID, nullableEmpty(job.ChannelName), nullableEmpty(job.IdeaText), job.Prompt,
		nullableEmpty(job.Title), job.Status, boolInt(job.IsAuto), nullableString(job.ErrorMessage),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns a channel's jobs newest first; an empty channelID lists all.
func (s *Store) ListJobs(ctx context.Context, channelID string) ([]*core.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if channelID != "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE channel_id = ? ORDER BY created_at DESC
		`, channelID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	jobs := make([]*core.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountActiveJobs counts the channel's jobs that are not in a terminal status.
func (s *Store) CountActiveJobs(ctx context.Context, channelID string) (int, error) {
	placeholders := make([]string, 0, len(core.ActiveJobStatuses))
	args := []any{channelID}
	for _, st := range core.ActiveJobStatuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE channel_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

func (s *Store) MarkJobAuto(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET is_auto = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark job auto: %w", err)
	}
	return expectJobRow(res)
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status core.JobStatus, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, status, nullableString(errMsg), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return expectJobRow(res)
}

func expectJobRow(res sql.Result) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func scanJob(sc scanner) (*core.Job, error) {
	var (
		id, channelID, prompt, status string
		channelName, ideaText, title  sql.NullString
		isAuto                        int
		errMsg                        sql.NullString
		createdAt, updatedAt          string
	)
	if err := sc.Scan(&id, &channelID, &channelName, &ideaText, &prompt, &title, &status, &isAuto, &errMsg,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job := &core.Job{
		ID:          id,
		ChannelID:   channelID,
		ChannelName: channelName.String,
		IdeaText:    ideaText.String,
		Prompt:      prompt,
		Title:       title.String,
		Status:      core.JobStatus(status),
		IsAuto:      isAuto == 1,
		CreatedAt:   parseTime(createdAt),
		UpdatedAt:   parseTime(updatedAt),
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return job, nil
}
