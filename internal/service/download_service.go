package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/downloader"
	"github.com/iconidentify/rangegrab/internal/manifest"
	"github.com/iconidentify/rangegrab/internal/metrics"
	"github.com/iconidentify/rangegrab/internal/muxer"
	"github.com/iconidentify/rangegrab/internal/repository"
	"github.com/iconidentify/rangegrab/internal/selector"
)

// ManifestLoader reads and parses a manifest.
type ManifestLoader interface {
	Load(ctx context.Context, src string) (*manifest.Manifest, error)
}

// TrackFetcher downloads one rendition into a file, resuming when possible.
type TrackFetcher interface {
	Fetch(ctx context.Context, r *manifest.Rendition, base, outputPath string) (*downloader.Result, error)
}

// Prober reads metadata from a finished file.
type Prober interface {
	Probe(ctx context.Context, path string) (*muxer.MediaInfo, error)
}

// DownloadService runs the download state machine for one asset at a time
// and manages the job queue in server mode.
type DownloadService struct {
	loader  ManifestLoader
	fetcher TrackFetcher
	muxer   muxer.Muxer
	prober  Prober
	history repository.DownloadRepository
	jobRepo repository.JobRepository
	cfg     config.StorageConfig
	workers config.WorkerConfig
	logger  *slog.Logger
}

// NewDownloadService creates a new download service. jobRepo may be nil
// when jobs are not used.
func NewDownloadService(
	loader ManifestLoader,
	fetcher TrackFetcher,
	mx muxer.Muxer,
	history repository.DownloadRepository,
	jobRepo repository.JobRepository,
	storageCfg config.StorageConfig,
	workerCfg config.WorkerConfig,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		loader:  loader,
		fetcher: fetcher,
		muxer:   mx,
		history: history,
		jobRepo: jobRepo,
		cfg:     storageCfg,
		workers: workerCfg,
		logger:  logger,
	}
}

// SetProber enables probing of finished files.
func (s *DownloadService) SetProber(p Prober) {
	s.prober = p
}

// RunResult describes a finished or failed run.
type RunResult struct {
	DownloadID     domain.DownloadID
	OutputPath     string
	VideoRendition *manifest.Rendition
	AudioRendition *manifest.Rendition
	Video          *downloader.Result
	Audio          *downloader.Result
	Media          *muxer.MediaInfo
}

// BytesWritten is the number of bytes this run appended to track files.
func (r *RunResult) BytesWritten() int64 {
	var n int64
	if r.Video != nil {
		n += r.Video.BytesWritten
	}
	if r.Audio != nil {
		n += r.Audio.BytesWritten
	}
	return n
}

// TempPaths returns the per-track files used for output. They depend only on
// the output path so a re-run finds and resumes them.
func TempPaths(output, tempDir string) (video, audio string) {
	if tempDir == "" {
		tempDir = filepath.Dir(output)
	}
	base := filepath.Base(output)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(tempDir, stem+".video.part.mp4"),
		filepath.Join(tempDir, stem+".audio.part.m4a")
}

// Run downloads one asset. The returned result is non-nil whenever the
// request was valid, even if the run failed.
func (s *DownloadService) Run(ctx context.Context, req domain.DownloadRequest) (*RunResult, error) {
	if req.Source == "" || req.OutputPath == "" {
		return nil, fmt.Errorf("%w: source and output are required", domain.ErrInvalidRequest)
	}
	if err := checkContainer(req); err != nil {
		return nil, err
	}

	record := &domain.Download{
		ID:         domain.DownloadID(uuid.New().String()),
		Source:     req.Source,
		OutputPath: req.OutputPath,
		AudioOnly:  req.AudioOnly,
		Status:     domain.DownloadRunning,
		StartedAt:  time.Now(),
	}
	s.saveHistory(ctx, record, true)

	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	logger := s.logger.With("download_id", record.ID, "output", req.OutputPath)
	result := &RunResult{DownloadID: record.ID, OutputPath: req.OutputPath}

	err := s.run(ctx, req, result, logger)

	if result.VideoRendition != nil {
		record.VideoRendition = result.VideoRendition.Label()
	}
	if result.AudioRendition != nil {
		record.AudioRendition = result.AudioRendition.Label()
	}
	record.BytesWritten = result.BytesWritten()

	status := domain.DownloadCompleted
	switch {
	case errors.Is(err, domain.ErrInterrupted):
		status = domain.DownloadInterrupted
	case err != nil:
		status = domain.DownloadFailed
	}
	record.Finish(status, err)
	s.saveHistory(context.WithoutCancel(ctx), record, false)
	metrics.DownloadsTotal.WithLabelValues(string(status)).Inc()

	if err != nil {
		logger.Warn("download did not complete", "status", status, "error", err)
		return result, err
	}

	logger.Info("download complete",
		"bytes_written", humanize.Bytes(uint64(record.BytesWritten)),
		"duration", time.Since(record.StartedAt).Round(time.Millisecond),
	)
	return result, nil
}

func (s *DownloadService) run(ctx context.Context, req domain.DownloadRequest, result *RunResult, logger *slog.Logger) error {
	m, err := s.loader.Load(ctx, req.Source)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", domain.ErrInterrupted, err)
		}
		return err
	}

	if req.AudioOnly {
		if len(m.Audio) == 0 {
			return fmt.Errorf("%w: manifest has no audio renditions", domain.ErrManifestUnsupported)
		}
	} else if len(m.Video) == 0 || len(m.Audio) == 0 {
		return fmt.Errorf("%w: manifest needs both video and audio renditions", domain.ErrManifestUnsupported)
	}

	audio, err := selector.SelectBest(m.Audio, domain.KindAudio)
	if err != nil {
		return err
	}
	result.AudioRendition = audio

	var video *manifest.Rendition
	if !req.AudioOnly {
		if video, err = selector.SelectBest(m.Video, domain.KindVideo); err != nil {
			return err
		}
		result.VideoRendition = video
		logger.Info("renditions selected", "video", video.Label(), "audio", audio.Label())
	} else {
		logger.Info("rendition selected", "audio", audio.Label())
	}

	videoPath, audioPath := TempPaths(req.OutputPath, s.cfg.TempPath)

	if video != nil {
		if result.Video, err = s.fetchTrack(ctx, m, video, videoPath); err != nil {
			return err
		}
	}
	if result.Audio, err = s.fetchTrack(ctx, m, audio, audioPath); err != nil {
		return err
	}

	if req.AudioOnly {
		return s.promote(audioPath, req.OutputPath)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: before mux", domain.ErrInterrupted)
	}
	if err := s.muxer.Mux(ctx, videoPath, audioPath, req.OutputPath); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrInterrupted, err)
		}
		return err
	}

	for _, p := range []string{videoPath, audioPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove temporary track", "path", p, "error", err)
		}
	}

	if s.prober != nil {
		info, err := s.prober.Probe(ctx, req.OutputPath)
		if err != nil {
			logger.Debug("probe skipped", "error", err)
		} else {
			result.Media = info
			logger.Info("output probed",
				"duration_sec", info.Duration,
				"video_codec", info.VideoCodec,
				"audio_codec", info.AudioCodec,
				"width", info.Width,
				"height", info.Height,
				"size", humanize.Bytes(uint64(info.FileSize)),
			)
		}
	}
	return nil
}

func (s *DownloadService) fetchTrack(ctx context.Context, m *manifest.Manifest, r *manifest.Rendition, path string) (*downloader.Result, error) {
	base, err := m.RenditionBase(r)
	if err != nil {
		return nil, domain.NewFetchError(r.Kind, domain.InitSegmentIndex, err)
	}
	return s.fetcher.Fetch(ctx, r, base, path)
}

// promote moves a finished audio-only track to the output path.
func (s *DownloadService) promote(trackPath, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(trackPath, output); err != nil {
		return fmt.Errorf("move audio track to output: %w", err)
	}
	return nil
}

func (s *DownloadService) saveHistory(ctx context.Context, d *domain.Download, create bool) {
	if s.history == nil {
		return
	}
	var err error
	if create {
		err = s.history.Create(ctx, d)
	} else {
		err = s.history.Update(ctx, d)
	}
	if err != nil {
		s.logger.Warn("failed to record download history", "download_id", d.ID, "error", err)
	}
}

// Submit validates a request and queues it as a job. Outputs resolve under
// the configured output root and may not escape it.
func (s *DownloadService) Submit(ctx context.Context, req domain.DownloadRequest) (*domain.Job, error) {
	if s.jobRepo == nil {
		return nil, errors.New("job queue not configured")
	}
	if !manifest.IsRemote(req.Source) {
		return nil, fmt.Errorf("%w: source must be an http(s) URL", domain.ErrInvalidRequest)
	}

	output, err := ResolveOutput(s.cfg.OutputPath, req.OutputPath)
	if err != nil {
		return nil, err
	}
	req.OutputPath = output
	if err := checkContainer(req); err != nil {
		return nil, err
	}

	jobID := domain.JobID("job_" + uuid.New().String()[:8])
	job := domain.NewJob(jobID, req, s.workers.MaxRetries)

	if err := s.jobRepo.Enqueue(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("download submitted",
		"job_id", jobID,
		"source", req.Source,
		"output", output,
		"audio_only", req.AudioOnly,
	)
	return job, nil
}

// checkContainer rejects combined outputs without an extension; ffmpeg picks
// the container from it.
func checkContainer(req domain.DownloadRequest) error {
	if !req.AudioOnly && filepath.Ext(req.OutputPath) == "" {
		return fmt.Errorf("%w: output %q needs a file extension such as .mp4", domain.ErrInvalidRequest, filepath.Base(req.OutputPath))
	}
	return nil
}

// ResolveOutput joins a requested output path to root, rejecting paths
// that would land outside it.
func ResolveOutput(root, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", fmt.Errorf("%w: output is required", domain.ErrInvalidRequest)
	}
	rel := filepath.Clean(filepath.FromSlash(requested))
	if filepath.IsAbs(rel) || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: output must be a relative path inside the output directory", domain.ErrInvalidRequest)
	}
	return filepath.Join(root, rel), nil
}

// Process runs a queued job. It implements worker.Processor.
func (s *DownloadService) Process(ctx context.Context, job *domain.Job) error {
	result, err := s.Run(ctx, job.Request)
	if result != nil {
		job.DownloadID = result.DownloadID
	}
	return err
}

// GetJob returns a job by ID.
func (s *DownloadService) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	if s.jobRepo == nil {
		return nil, domain.ErrJobNotFound
	}
	return s.jobRepo.Get(ctx, id)
}

// ListJobs returns all jobs, newest first, with queue statistics.
func (s *DownloadService) ListJobs(ctx context.Context) ([]*domain.Job, *repository.QueueStats, error) {
	if s.jobRepo == nil {
		return nil, &repository.QueueStats{}, nil
	}
	jobs, err := s.jobRepo.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	stats, err := s.jobRepo.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jobs, stats, nil
}

// History returns recorded runs, newest first.
func (s *DownloadService) History(ctx context.Context, limit, offset int) ([]*domain.Download, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, limit, offset)
}
