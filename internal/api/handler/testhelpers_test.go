package handler

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/repository"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockJobRepository overrides Stats on top of the in-memory queue.
type mockJobRepository struct {
	*repository.InMemoryJobRepository
	stats    *repository.QueueStats
	statsErr error
}

func newMockJobRepository() *mockJobRepository {
	return &mockJobRepository{
		InMemoryJobRepository: repository.NewInMemoryJobRepository(),
		stats:                 &repository.QueueStats{},
	}
}

func (m *mockJobRepository) Stats(ctx context.Context) (*repository.QueueStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

// mockDownloadService is a test implementation of DownloadService.
type mockDownloadService struct {
	jobs      map[domain.JobID]*domain.Job
	history   []*domain.Download
	submitErr error
	listErr   error
	submitted []domain.DownloadRequest
	limit     int
	offset    int
}

func newMockDownloadService() *mockDownloadService {
	return &mockDownloadService{
		jobs: make(map[domain.JobID]*domain.Job),
	}
}

func (m *mockDownloadService) Submit(ctx context.Context, req domain.DownloadRequest) (*domain.Job, error) {
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	job := domain.NewJob("job_test", req, 3)
	m.jobs[job.ID] = job
	return job, nil
}

func (m *mockDownloadService) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	if job, ok := m.jobs[id]; ok {
		return job, nil
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockDownloadService) ListJobs(ctx context.Context) ([]*domain.Job, *repository.QueueStats, error) {
	if m.listErr != nil {
		return nil, nil, m.listErr
	}
	jobs := make([]*domain.Job, 0, len(m.jobs))
	stats := &repository.QueueStats{}
	for _, j := range m.jobs {
		jobs = append(jobs, j)
		if j.Status == domain.JobStatusQueued {
			stats.Queued++
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs, stats, nil
}

func (m *mockDownloadService) History(ctx context.Context, limit, offset int) ([]*domain.Download, error) {
	m.limit, m.offset = limit, offset
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.history, nil
}
