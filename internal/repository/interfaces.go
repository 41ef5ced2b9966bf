package repository

import (
	"context"

	"github.com/iconidentify/rangegrab/internal/domain"
)

// JobRepository manages the job queue.
type JobRepository interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue retrieves the next pending job (FIFO).
	Dequeue(ctx context.Context) (*domain.Job, error)

	// Update stores job state. Jobs returned by the repository are snapshots;
	// changes to them take effect only through Update.
	Update(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)

	// GetActiveByOutput finds the active job writing outputPath.
	GetActiveByOutput(ctx context.Context, outputPath string) (*domain.Job, error)

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*domain.Job, error)

	// ListPending returns all pending/retrying jobs.
	ListPending(ctx context.Context) ([]*domain.Job, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats contains job queue statistics.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}

// DownloadRepository stores the history of orchestrator runs.
type DownloadRepository interface {
	// Create records a new run.
	Create(ctx context.Context, d *domain.Download) error

	// Update overwrites a run record.
	Update(ctx context.Context, d *domain.Download) error

	// Get retrieves a run by ID.
	Get(ctx context.Context, id domain.DownloadID) (*domain.Download, error)

	// List returns runs, newest first.
	List(ctx context.Context, limit, offset int) ([]*domain.Download, error)

	// Close releases the underlying storage.
	Close() error
}
