package api

import (
	"errors"
	"net/http"
	"time"

	"shortsched/internal/core"
	"shortsched/internal/store"

	"github.com/go-chi/chi/v5"
)

const maxListLimit = 100

type runDetailResponse struct {
	Run    *core.AutomationRun `json:"run"`
	Events []*core.Event       `json:"events"`
}

type systemResponse struct {
	Now               string              `json:"now"`
	Timezone          string              `json:"timezone"`
	Channels          int                 `json:"channels"`
	EnabledChannels   int                 `json:"enabledChannels"`
	RunningChannels   []string            `json:"runningChannels"`
	LastSuccessfulRun *core.AutomationRun `json:"lastSuccessfulRun"`
	Sweep             sweepStatus         `json:"sweep"`
}

type sweepStatus struct {
	Spec        string  `json:"spec"`
	Running     bool    `json:"running"`
	NextSweepAt *string `json:"nextSweepAt,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntDefault(r.URL.Query().Get("limit"), 20))
	runs, err := s.store.ListAutomationRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list automation runs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a run with its first events.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetAutomationRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get automation run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	limit := clampLimit(parseIntDefault(r.URL.Query().Get("limit"), 50))
	events, err := s.store.ListAutomationEvents(r.Context(), runID, limit)
	if err != nil {
		s.logger.Error("list automation events", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run events")
		return
	}
	writeJSON(w, http.StatusOK, runDetailResponse{Run: run, Events: events})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("list channels", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list channels")
		return
	}
	last, err := s.store.LastSuccessfulRun(r.Context())
	if err != nil {
		s.logger.Error("last successful run", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load runs")
		return
	}

	resp := systemResponse{
		Now:               s.now().In(s.location).Format(time.RFC3339),
		Timezone:          s.location.String(),
		Channels:          len(channels),
		RunningChannels:   []string{},
		LastSuccessfulRun: last,
	}
	for _, ch := range channels {
		if !ch.AutomationEnabled() {
			continue
		}
		resp.EnabledChannels++
		if ch.Automation.IsRunning {
			resp.RunningChannels = append(resp.RunningChannels, ch.ID)
		}
	}
	if s.scheduler != nil {
		resp.Sweep = sweepStatus{
			Spec:        s.scheduler.Spec(),
			Running:     s.scheduler.Running(),
			NextSweepAt: formatTimePtr(s.scheduler.NextSweepAt()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func clampLimit(n int) int {
	if n <= 0 {
		return 20
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
