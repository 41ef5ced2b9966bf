package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iconidentify/rangegrab/internal/domain"
)

// InMemoryJobRepository implements JobRepository using in-memory storage.
// It stores its own copies of jobs and hands out snapshots, so a job only
// changes through Update.
type InMemoryJobRepository struct {
	mu       sync.RWMutex
	jobs     map[domain.JobID]*domain.Job
	byOutput map[string]domain.JobID
	queue    []domain.JobID // FIFO queue of pending job IDs
}

// NewInMemoryJobRepository creates a new in-memory job repository.
func NewInMemoryJobRepository() *InMemoryJobRepository {
	return &InMemoryJobRepository{
		jobs:     make(map[domain.JobID]*domain.Job),
		byOutput: make(map[string]domain.JobID),
		queue:    make([]domain.JobID, 0),
	}
}

// Enqueue adds a job to the queue. Only one active job may write a given output.
func (r *InMemoryJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byOutput[job.Request.OutputPath]; ok {
		if existing, ok := r.jobs[id]; ok && existing.IsActive() && existing.ID != job.ID {
			return domain.ErrDuplicateJob
		}
	}

	r.jobs[job.ID] = snapshot(job)
	r.byOutput[job.Request.OutputPath] = job.ID
	r.queue = append(r.queue, job.ID)

	return nil
}

// Dequeue retrieves the next pending job (FIFO).
func (r *InMemoryJobRepository) Dequeue(ctx context.Context) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Find first job that is queued or retrying
	for i, jobID := range r.queue {
		job, ok := r.jobs[jobID]
		if !ok {
			continue
		}

		if job.Status == domain.JobStatusQueued || job.Status == domain.JobStatusRetrying {
			// Remove from queue
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return snapshot(job), nil
		}
	}

	return nil, domain.ErrNoJobs
}

// Update modifies job state.
func (r *InMemoryJobRepository) Update(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}

	r.jobs[job.ID] = snapshot(job)

	// If job is retrying, add back to queue
	if job.Status == domain.JobStatusRetrying {
		r.queue = append(r.queue, job.ID)
	}

	return nil
}

// Get retrieves a job by ID.
func (r *InMemoryJobRepository) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	return snapshot(job), nil
}

// GetActiveByOutput finds the active job writing outputPath.
func (r *InMemoryJobRepository) GetActiveByOutput(ctx context.Context, outputPath string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byOutput[outputPath]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job, ok := r.jobs[id]
	if !ok || !job.IsActive() {
		return nil, domain.ErrJobNotFound
	}
	return snapshot(job), nil
}

// List returns all jobs, newest first.
func (r *InMemoryJobRepository) List(ctx context.Context) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		result = append(result, snapshot(job))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListPending returns all pending/retrying jobs.
func (r *InMemoryJobRepository) ListPending(ctx context.Context) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusQueued || job.Status == domain.JobStatusRetrying {
			result = append(result, snapshot(job))
		}
	}

	return result, nil
}

// Stats returns queue statistics.
func (r *InMemoryJobRepository) Stats(ctx context.Context) (*QueueStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &QueueStats{}
	for _, job := range r.jobs {
		switch job.Status {
		case domain.JobStatusQueued:
			stats.Queued++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		case domain.JobStatusRetrying:
			stats.Retrying++
		}
	}

	return stats, nil
}

// Clear removes all jobs (useful for testing).
func (r *InMemoryJobRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = make(map[domain.JobID]*domain.Job)
	r.byOutput = make(map[string]domain.JobID)
	r.queue = make([]domain.JobID, 0)
}

func snapshot(job *domain.Job) *domain.Job {
	c := *job
	return &c
}
