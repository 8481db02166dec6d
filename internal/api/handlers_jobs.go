package api

import (
	"net/http"
	"strings"
	"time"

	"shortsched/internal/core"
)

type jobResponse struct {
	ID           string  `json:"id"`
	ChannelID    string  `json:"channelId"`
	ChannelName  string  `json:"channelName"`
	IdeaText     string  `json:"ideaText"`
	Title        string  `json:"title"`
	Prompt       string  `json:"prompt"`
	Status       string  `json:"status"`
	IsAuto       bool    `json:"isAuto"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.URL.Query().Get("channel_id"))
	jobs, err := s.store.ListJobs(r.Context(), channelID)
	if err != nil {
		s.logger.Error("list jobs", "channel_id", channelID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func jobToResponse(job *core.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		ChannelID:    job.ChannelID,
		ChannelName:  job.ChannelName,
		IdeaText:     job.IdeaText,
		Title:        job.Title,
		Prompt:       job.Prompt,
		Status:       string(job.Status),
		IsAuto:       job.IsAuto,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
