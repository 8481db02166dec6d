package api

import (
	"encoding/json"
	"net/http"
	"time"

	"shortsched/internal/core"
)

type schedulePreviewRequest struct {
	Times      []string       `json:"times"`
	DaysOfWeek []core.DaySpec `json:"daysOfWeek"`
	TimeZone   string         `json:"timeZone,omitempty"`
	Now        string         `json:"now,omitempty"`
	Count      int            `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid        bool     `json:"valid"`
	Timezone     string   `json:"timezone,omitempty"`
	NextRunTimes []string `json:"nextRunTimes,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// handleSchedulePreview lists the next slot starts for an unsaved schedule.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	if len(req.Times) == 0 || len(req.DaysOfWeek) == 0 {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, Message: "times and daysOfWeek are required"})
		return
	}
	automation := &core.Automation{
		Enabled:    true,
		TimeZone:   req.TimeZone,
		DaysOfWeek: req.DaysOfWeek,
		Times:      req.Times,
	}
	if err := automation.Validate(); err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	base := s.now()
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed
		}
	}

	writeJSON(w, http.StatusOK, schedulePreviewResponse{
		Valid:        true,
		Timezone:     automation.ZoneName(),
		NextRunTimes: formatTimes(core.NextRunTimes(req.Times, req.DaysOfWeek, automation.Location(), base, previewCount(req.Count))),
	})
}

func previewCount(n int) int {
	if n <= 0 || n > 20 {
		return 5
	}
	return n
}

func formatTimes(times []time.Time) []string {
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	return formatted
}
