// Package muxer combines downloaded video and audio tracks with ffmpeg.
package muxer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/metrics"
)

// Muxer losslessly combines a video and an audio track into output.
type Muxer interface {
	Mux(ctx context.Context, videoPath, audioPath, output string) error
}

// FFmpegMuxer runs ffmpeg with stream copy.
type FFmpegMuxer struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpegMuxer resolves ffmpeg (and optionally ffprobe) in PATH.
// An empty ffprobe name disables Probe.
func NewFFmpegMuxer(ffmpeg, ffprobe string, logger *slog.Logger) (*FFmpegMuxer, error) {
	ffmpegPath, err := exec.LookPath(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	m := &FFmpegMuxer{
		ffmpegPath: ffmpegPath,
		logger:     logger,
	}

	if ffprobe != "" {
		if p, err := exec.LookPath(ffprobe); err == nil {
			m.ffprobePath = p
		} else {
			logger.Warn("ffprobe not found, output probing disabled", "error", err)
		}
	}

	return m, nil
}

// StagingPath is where ffmpeg writes before the result is renamed to output.
func StagingPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + ".muxing" + ext
}

// Mux writes the combined file to a staging path and renames it to output
// once ffmpeg succeeds, so output never holds a partial file.
func (m *FFmpegMuxer) Mux(ctx context.Context, videoPath, audioPath, output string) error {
	staging := StagingPath(output)
	muxErr := func(err error) error {
		return &domain.MuxError{VideoPath: videoPath, AudioPath: audioPath, Output: output, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return muxErr(fmt.Errorf("create output dir: %w", err))
	}

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-loglevel", "error",
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		staging,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	metrics.MuxDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		os.Remove(staging)
		if tail := stderrTail(stderr.String(), 5); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		return muxErr(err)
	}

	if err := os.Rename(staging, output); err != nil {
		os.Remove(staging)
		return muxErr(fmt.Errorf("rename staging file: %w", err))
	}

	m.logger.Info("mux complete", "output", output, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func stderrTail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "; "))
}

// MediaInfo contains metadata about a muxed file.
type MediaInfo struct {
	Duration   float64 // Duration in seconds
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	Bitrate    int64
	FileSize   int64
}

// ErrProbeUnavailable is returned by Probe when ffprobe was not found.
var ErrProbeUnavailable = errors.New("ffprobe unavailable")

// Probe reads stream metadata from path with ffprobe.
func (m *FFmpegMuxer) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	if m.ffprobePath == "" {
		return nil, ErrProbeUnavailable
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	info, err := parseProbe(output)
	if err != nil {
		return nil, err
	}
	info.FileSize = stat.Size()
	return info, nil
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*MediaInfo, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &MediaInfo{}
	if dur, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.Duration = dur
	}
	if br, err := strconv.ParseInt(parsed.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = br
	}

	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	return info, nil
}
