package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"shortsched/internal/core"
)

type stopChannelRequest struct {
	ChannelID string `json:"channelId"`
}

type resetAllResponse struct {
	ResetCount int                `json:"resetCount"`
	Results    []core.ResetResult `json:"results"`
}

// handleRunScheduled runs one sweep synchronously. External schedulers call
// it instead of, or alongside, the in-process cron tick.
func (s *Server) handleRunScheduled(w http.ResponseWriter, r *http.Request) {
	// A dropped client must not leave the run unsealed.
	ctx := context.WithoutCancel(r.Context())
	report, err := s.scheduler.RunNow(ctx)
	if err != nil {
		if errors.Is(err, core.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, "sweep_in_progress", err.Error())
			return
		}
		s.logger.Error("run scheduled sweep", "err", err)
		writeError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResetAllRunning(w http.ResponseWriter, r *http.Request) {
	results, err := s.automation.ResetAllRunningFlags(r.Context())
	if err != nil {
		s.logger.Error("reset running flags", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset running flags")
		return
	}
	resp := resetAllResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.ResetCount++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	var req stopChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "channelId is required")
		return
	}
	res, err := s.automation.StopChannelAutomation(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, core.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
			return
		}
		s.logger.Error("stop channel automation", "channel_id", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stop channel automation")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
