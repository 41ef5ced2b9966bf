package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/repository"
)

// DownloadService is the part of the orchestrator the API needs.
type DownloadService interface {
	Submit(ctx context.Context, req domain.DownloadRequest) (*domain.Job, error)
	GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, *repository.QueueStats, error)
	History(ctx context.Context, limit, offset int) ([]*domain.Download, error)
}

// DownloadHandler handles download job requests.
type DownloadHandler struct {
	svc    DownloadService
	logger *slog.Logger
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(svc DownloadService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		svc:    svc,
		logger: logger,
	}
}

// SubmitRequest is the JSON request body for a download.
type SubmitRequest struct {
	Source    string `json:"source"`
	Output    string `json:"output"`
	AudioOnly bool   `json:"audio_only"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	Output     string    `json:"output"`
	AudioOnly  bool      `json:"audio_only"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`
	DownloadID string    `json:"download_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobListResponse contains all jobs and queue statistics.
type JobListResponse struct {
	Jobs  []JobResponse           `json:"jobs"`
	Stats *repository.QueueStats `json:"stats"`
}

// HistoryEntry represents one recorded run.
type HistoryEntry struct {
	DownloadID     string     `json:"download_id"`
	Source         string     `json:"source"`
	Output         string     `json:"output"`
	AudioOnly      bool       `json:"audio_only"`
	Status         string     `json:"status"`
	VideoRendition string     `json:"video_rendition,omitempty"`
	AudioRendition string     `json:"audio_rendition,omitempty"`
	BytesWritten   int64      `json:"bytes_written"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// HistoryResponse contains a page of history entries.
type HistoryResponse struct {
	Downloads []HistoryEntry `json:"downloads"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

// Submit handles POST /api/v1/downloads
func (h *DownloadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" || req.Output == "" {
		writeError(w, http.StatusBadRequest, "source and output are required")
		return
	}

	job, err := h.svc.Submit(r.Context(), domain.DownloadRequest{
		Source:     req.Source,
		OutputPath: req.Output,
		AudioOnly:  req.AudioOnly,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrDuplicateJob):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to queue download")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// List handles GET /api/v1/downloads
func (h *DownloadHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, stats, err := h.svc.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}

	resp := JobListResponse{
		Jobs:  make([]JobResponse, 0, len(jobs)),
		Stats: stats,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/downloads/{jobID}
func (h *DownloadHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job, err := h.svc.GetJob(r.Context(), domain.JobID(jobID))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// History handles GET /api/v1/history
func (h *DownloadHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	records, err := h.svc.History(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	resp := HistoryResponse{
		Downloads: make([]HistoryEntry, 0, len(records)),
		Limit:     limit,
		Offset:    offset,
	}
	for _, d := range records {
		resp.Downloads = append(resp.Downloads, HistoryEntry{
			DownloadID:     string(d.ID),
			Source:         d.Source,
			Output:         d.OutputPath,
			AudioOnly:      d.AudioOnly,
			Status:         string(d.Status),
			VideoRendition: d.VideoRendition,
			AudioRendition: d.AudioRendition,
			BytesWritten:   d.BytesWritten,
			Error:          d.Error,
			StartedAt:      d.StartedAt,
			FinishedAt:     d.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		JobID:      string(j.ID),
		Source:     j.Request.Source,
		Output:     j.Request.OutputPath,
		AudioOnly:  j.Request.AudioOnly,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		Error:      j.LastError,
		DownloadID: string(j.DownloadID),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}
