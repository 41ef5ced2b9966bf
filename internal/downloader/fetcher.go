// Package downloader moves rendition bytes from the CDN to disk. The output
// file is the only resume state: every write is followed by a sync, and a
// failed segment leaves the file exactly as it was after the previous one.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/manifest"
	"github.com/iconidentify/rangegrab/internal/metrics"
	"github.com/iconidentify/rangegrab/internal/progress"
	"github.com/iconidentify/rangegrab/internal/resume"
)

// Result describes one completed track fetch.
type Result struct {
	Kind            domain.MediaKind
	Path            string
	Resume          resume.Point
	SegmentsFetched int
	BytesWritten    int64
	Size            int64
}

// Fetcher writes renditions to disk one segment at a time.
type Fetcher struct {
	client   manifest.Fetcher
	progress progress.Factory
	logger   *slog.Logger
}

// NewFetcher creates a segment fetcher. A nil factory disables progress.
func NewFetcher(client manifest.Fetcher, pf progress.Factory, logger *slog.Logger) *Fetcher {
	if pf == nil {
		pf = progress.Nop()
	}
	return &Fetcher{
		client:   client,
		progress: pf,
		logger:   logger,
	}
}

// Fetch downloads r into outputPath, resuming from whatever a previous run
// left there. Segment URLs resolve against base.
//
// Cancelling ctx stops the loop before the next segment starts; the request
// in flight always runs to completion. A stopped or failed fetch returns a
// *domain.FetchError and can be resumed by calling Fetch again.
func (f *Fetcher) Fetch(ctx context.Context, r *manifest.Rendition, base, outputPath string) (*Result, error) {
	kind := r.Kind
	initSize := int64(len(r.InitSegment))
	total := r.TotalSize()

	existing, err := fileSize(outputPath)
	if err != nil {
		return nil, domain.NewFetchError(kind, domain.InitSegmentIndex, err)
	}

	point := resume.Locate(existing, initSize, r.SegmentSizes())
	metrics.ResumesTotal.WithLabelValues(point.Action.String()).Inc()

	logger := f.logger.With("track", kind, "rendition", r.ID, "path", outputPath)
	logger.Info("track fetch starting",
		"existing_bytes", existing,
		"segments", len(r.Segments),
		"resume", point.String(),
	)

	result := &Result{Kind: kind, Path: outputPath, Resume: point}

	if point.Action == resume.AlreadyComplete {
		if existing != total {
			logger.Warn("track file length differs from manifest", "existing_bytes", existing, "expected_bytes", total)
		}
		result.Size = existing
		return result, nil
	}

	need := total - point.Offset
	if free := freeDiskSpace(filepath.Dir(outputPath)); free > 0 && free < need {
		return nil, domain.NewFetchError(kind, domain.InitSegmentIndex,
			fmt.Errorf("%w: need %d bytes, %d available", domain.ErrStorageFull, need, free))
	}

	file, err := openTrack(outputPath, point, r.InitSegment)
	if err != nil {
		return nil, domain.NewFetchError(kind, domain.InitSegmentIndex, err)
	}
	defer file.Close()

	offset := point.Offset
	if point.Action == resume.StartFresh {
		offset = initSize
		result.BytesWritten = initSize
	}

	tracker := f.progress(string(kind), total, offset)
	defer tracker.Finish()

	for i := point.Index; i < len(r.Segments); i++ {
		if ctx.Err() != nil {
			logger.Info("track fetch interrupted", "next_segment", i)
			return nil, domain.NewFetchError(kind, i, domain.ErrInterrupted)
		}

		seg := r.Segments[i]
		segURL, err := manifest.JoinURL(base, seg.URL)
		if err != nil {
			return nil, domain.NewFetchError(kind, i, err)
		}

		start := time.Now()
		data, err := f.client.Fetch(context.WithoutCancel(ctx), segURL)
		metrics.SegmentFetchDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SegmentFailuresTotal.WithLabelValues(string(kind)).Inc()
			return nil, domain.NewFetchError(kind, i, err)
		}

		if int64(len(data)) != seg.Size {
			logger.Warn("segment size differs from manifest",
				"segment", i,
				"declared", seg.Size,
				"received", len(data),
			)
		}

		if err := appendSegment(file, offset, data); err != nil {
			metrics.SegmentFailuresTotal.WithLabelValues(string(kind)).Inc()
			return nil, domain.NewFetchError(kind, i, err)
		}

		n := int64(len(data))
		offset += n
		result.SegmentsFetched++
		result.BytesWritten += n
		tracker.Add(n)
		metrics.SegmentsFetchedTotal.WithLabelValues(string(kind)).Inc()
		metrics.BytesWrittenTotal.WithLabelValues(string(kind)).Add(float64(n))

		logger.Debug("segment written", "segment", i, "bytes", n, "offset", offset)
	}

	if err := file.Close(); err != nil {
		return nil, domain.NewFetchError(kind, len(r.Segments)-1, fmt.Errorf("close track: %w", err))
	}

	result.Size = offset
	logger.Info("track fetch complete",
		"segments_fetched", result.SegmentsFetched,
		"bytes_written", result.BytesWritten,
		"size", result.Size,
	)
	return result, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat track: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("track path %s is not a regular file", path)
	}
	return info.Size(), nil
}

// openTrack prepares the file for appending at point. A fresh file starts
// with the init block; a resumed one is cut back to the last whole segment.
func openTrack(path string, point resume.Point, init []byte) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create track directory: %w", err)
	}

	if point.Action == resume.StartFresh {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("create track: %w", err)
		}
		if err := appendSegment(file, 0, init); err != nil {
			file.Close()
			return nil, fmt.Errorf("write init block: %w", err)
		}
		return file, nil
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open track: %w", err)
	}
	if err := file.Truncate(point.Offset); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate track to %d: %w", point.Offset, err)
	}
	return file, nil
}

// appendSegment writes data and syncs. On failure the file is cut back to
// offset so no partial segment remains.
func appendSegment(file *os.File, offset int64, data []byte) error {
	_, err := file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		if terr := file.Truncate(offset); terr != nil {
			return fmt.Errorf("write segment: %w (rollback failed: %v)", err, terr)
		}
		return fmt.Errorf("write segment: %w", err)
	}
	return nil
}
