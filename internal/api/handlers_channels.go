package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shortsched/internal/core"

	"github.com/go-chi/chi/v5"
)

type automationRequest struct {
	Enabled           *bool          `json:"enabled"`
	TimeZone          *string        `json:"timeZone"`
	DaysOfWeek        []core.DaySpec `json:"daysOfWeek"`
	Times             []string       `json:"times"`
	MaxActiveTasks    *int           `json:"maxActiveTasks"`
	UseOnlyFreshIdeas *bool          `json:"useOnlyFreshIdeas"`
}

type channelRequest struct {
	ID          string             `json:"id"`
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	Language    *string            `json:"language"`
	Automation  *automationRequest `json:"automation"`
}

func (req *automationRequest) apply(a *core.Automation) {
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if req.TimeZone != nil {
		a.TimeZone = strings.TrimSpace(*req.TimeZone)
	}
	if req.DaysOfWeek != nil {
		a.DaysOfWeek = req.DaysOfWeek
	}
	if req.Times != nil {
		times := make([]string, 0, len(req.Times))
		for _, t := range req.Times {
			if t = strings.TrimSpace(t); t != "" {
				times = append(times, t)
			}
		}
		a.Times = times
	}
	if req.MaxActiveTasks != nil {
		a.MaxActiveTasks = *req.MaxActiveTasks
	}
	if req.UseOnlyFreshIdeas != nil {
		a.UseOnlyFreshIdeas = *req.UseOnlyFreshIdeas
	}
}

func (req *channelRequest) apply(ch *core.Channel) {
	if req.Name != nil {
		ch.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		ch.Description = strings.TrimSpace(*req.Description)
	}
	if req.Language != nil {
		ch.Language = strings.TrimSpace(*req.Language)
	}
	if req.Automation != nil {
		if ch.Automation == nil {
			ch.Automation = &core.Automation{}
		}
		req.Automation.apply(ch.Automation)
	}
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("list channels", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	ch := &core.Channel{ID: strings.TrimSpace(req.ID)}
	req.apply(ch)
	if ch.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if err := ch.Automation.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}
	if ch.ID != "" {
		if _, err := s.store.GetChannel(r.Context(), ch.ID); err == nil {
			writeError(w, http.StatusConflict, "conflict", "channel already exists")
			return
		}
	}
	if ch.Automation != nil {
		ch.Automation.NextRunAt = core.NextRunFor(ch, s.now())
	}

	if err := s.store.InsertChannel(r.Context(), ch); err != nil {
		s.logger.Error("insert channel", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert channel")
		return
	}
	s.logger.Info("channel created", "channel_id", ch.ID, "automation", ch.AutomationEnabled())
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.apply(ch)
	if ch.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
		return
	}
	if err := ch.Automation.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}

	if err := s.store.UpdateChannel(r.Context(), ch); err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
			return
		}
		s.logger.Error("update channel", "channel_id", ch.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update channel")
		return
	}
	if ch.Automation != nil {
		next := core.NextRunFor(ch, s.now())
		if err := s.store.SetNextRunAt(r.Context(), ch.ID, next); err != nil {
			s.logger.Error("refresh next run", "channel_id", ch.ID, "err", err)
		} else {
			ch.Automation.NextRunAt = next
		}
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := s.store.DeleteChannel(r.Context(), channelID); err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
		} else {
			s.logger.Error("delete channel", "channel_id", channelID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete channel")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkResponse struct {
	Summary string            `json:"summary"`
	Check   core.ChannelCheck `json:"check"`
}

// handleCheckChannel evaluates the channel without running anything.
func (s *Server) handleCheckChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	now := s.now()
	ch, decision, err := s.automation.Check(r.Context(), channelID, now)
	if err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
			return
		}
		s.logger.Error("check channel", "channel_id", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to evaluate channel")
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Summary: decision.Summary(),
		Check:   core.NewChannelCheck(ch, decision, now),
	})
}

func (s *Server) handleChannelSchedule(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.loadChannel(w, r)
	if !ok {
		return
	}
	resp := schedulePreviewResponse{Valid: true, NextRunTimes: []string{}}
	if a := ch.Automation; a != nil {
		resp.Timezone = a.ZoneName()
		count := previewCount(parseIntDefault(r.URL.Query().Get("count"), 5))
		resp.NextRunTimes = formatTimes(core.NextRunTimes(a.Times, a.DaysOfWeek, a.Location(), s.now(), count))
	}
	writeJSON(w, http.StatusOK, resp)
}

type runNowResponse struct {
	JobID     string  `json:"jobId"`
	RunID     string  `json:"runId"`
	NextRunAt *string `json:"nextRunAt,omitempty"`
}

func (s *Server) handleRunChannelNow(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	res, err := s.automation.RunChannelNow(r.Context(), channelID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, runNowResponse{
			JobID:     res.JobID,
			RunID:     res.RunID,
			NextRunAt: formatTimePtr(res.NextRunAt),
		})
	case errors.Is(err, core.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "not_found", "channel not found")
	case errors.Is(err, core.ErrAutomationDisabled):
		writeError(w, http.StatusBadRequest, "automation_disabled", err.Error())
	case errors.Is(err, core.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case res.Outcome == core.OutcomeCapacity:
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	default:
		s.logger.Error("run channel now", "channel_id", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "no_job_created", err.Error())
	}
}

func (s *Server) handleResetRunning(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if err := s.automation.ResetRunningFlag(r.Context(), channelID); err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
			return
		}
		s.logger.Error("reset running flag", "channel_id", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset running flag")
		return
	}
	writeJSON(w, http.StatusOK, core.ResetResult{ChannelID: channelID, Success: true})
}

func (s *Server) loadChannel(w http.ResponseWriter, r *http.Request) (*core.Channel, bool) {
	channelID := chi.URLParam(r, "channelID")
	ch, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
		} else {
			s.logger.Error("get channel", "channel_id", channelID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load channel")
		}
		return nil, false
	}
	return ch, true
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
