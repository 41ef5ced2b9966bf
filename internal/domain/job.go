package domain

import (
	"time"
)

// JobID is a unique identifier for a job.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// DownloadRequest describes one asset to download.
type DownloadRequest struct {
	Source     string `json:"source"`
	OutputPath string `json:"output"`
	AudioOnly  bool   `json:"audio_only"`
}

// Job represents a queued download in server mode.
type Job struct {
	ID         JobID
	Request    DownloadRequest
	Status     JobStatus
	Attempts   int
	MaxRetries int
	LastError  string
	DownloadID DownloadID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewJob creates a new queued job.
func NewJob(id JobID, req DownloadRequest, maxRetries int) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Request:    req,
		Status:     JobStatusQueued,
		Attempts:   0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsActive returns true while the job may still write its output.
func (j *Job) IsActive() bool {
	switch j.Status {
	case JobStatusQueued, JobStatusProcessing, JobStatusRetrying:
		return true
	}
	return false
}

// CanRetry returns true if the job can be retried.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxRetries
}

// MarkProcessing updates the job status to processing.
func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
}

// MarkCompleted updates the job status to completed.
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	j.LastError = ""
	j.UpdatedAt = time.Now()
}

// MarkFailed records a failed attempt. Retryable failures move the job to
// retrying until MaxRetries is reached.
func (j *Job) MarkFailed(err string, retryable bool) {
	j.Attempts++
	j.LastError = err
	j.UpdatedAt = time.Now()

	if retryable && j.CanRetry() {
		j.Status = JobStatusRetrying
	} else {
		j.Status = JobStatusFailed
	}
}

// MarkRetrying puts the job back in the queue without counting an attempt.
func (j *Job) MarkRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
