package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/downloader"
	"github.com/iconidentify/rangegrab/internal/manifest"
	"github.com/iconidentify/rangegrab/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type track struct {
	id       string
	width    int
	height   int
	bitrate  int
	init     []byte
	segments [][]byte
}

func (tr track) json(prefix string) map[string]any {
	segs := make([]map[string]any, len(tr.segments))
	for i, s := range tr.segments {
		segs[i] = map[string]any{
			"url":  prefix + tr.id + "/" + string(rune('0'+i)) + ".m4s",
			"size": len(s),
		}
	}
	return map[string]any{
		"id":           tr.id,
		"width":        tr.width,
		"height":       tr.height,
		"bitrate":      tr.bitrate,
		"init_segment": base64.StdEncoding.EncodeToString(tr.init),
		"segments":     segs,
	}
}

func (tr track) bytes() []byte {
	out := append([]byte{}, tr.init...)
	for _, s := range tr.segments {
		out = append(out, s...)
	}
	return out
}

// cdn serves a playlist and the segments of its tracks.
type cdn struct {
	*httptest.Server
	mu       sync.Mutex
	files    map[string][]byte
	hits     atomic.Int32
	failPath string
}

func newCDN(t *testing.T, video, audio []track) *cdn {
	t.Helper()
	c := &cdn{files: make(map[string][]byte)}

	doc := map[string]any{"clip_id": "clip", "base_url": "../media/"}
	if video != nil {
		var list []map[string]any
		for _, tr := range video {
			list = append(list, tr.json("v/"))
			for i, s := range tr.segments {
				c.files["/exp/media/v/"+tr.id+"/"+string(rune('0'+i))+".m4s"] = s
			}
		}
		doc["video"] = list
	}
	if audio != nil {
		var list []map[string]any
		for _, tr := range audio {
			list = append(list, tr.json("a/"))
			for i, s := range tr.segments {
				c.files["/exp/media/a/"+tr.id+"/"+string(rune('0'+i))+".m4s"] = s
			}
		}
		doc["audio"] = list
	}
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal playlist: %v", err)
	}
	c.files["/exp/sig/playlist.json"] = body

	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		data, ok := c.files[r.URL.Path]
		fail := c.failPath == r.URL.Path
		c.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".m4s") {
			c.hits.Add(1)
		}
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *cdn) playlist() string {
	return c.URL + "/exp/sig/playlist.json"
}

func (c *cdn) failOn(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPath = path
}

// concatMuxer writes video followed by audio, standing in for ffmpeg.
type concatMuxer struct {
	calls int
	err   error
}

func (m *concatMuxer) Mux(ctx context.Context, videoPath, audioPath, output string) error {
	m.calls++
	if m.err != nil {
		return &domain.MuxError{VideoPath: videoPath, AudioPath: audioPath, Output: output, Err: m.err}
	}
	v, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	a, err := os.ReadFile(audioPath)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append(v, a...), 0644)
}

type fixture struct {
	svc     *DownloadService
	muxer   *concatMuxer
	history *repository.InMemoryDownloadRepository
	jobs    *repository.InMemoryJobRepository
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DownloadConfig{
		ManifestTimeout: 5 * time.Second,
		SegmentTimeout:  5 * time.Second,
		HeaderTimeout:   5 * time.Second,
		UserAgent:       "test-agent",
	}
	session := downloader.NewSession(cfg, testLogger())
	retry := downloader.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	f := &fixture{
		muxer:   &concatMuxer{},
		history: repository.NewInMemoryDownloadRepository(),
		jobs:    repository.NewInMemoryJobRepository(),
		dir:     t.TempDir(),
	}
	f.svc = NewDownloadService(
		manifest.NewLoader(downloader.NewRetryingFetcher(session, retry, testLogger()), testLogger()),
		downloader.NewFetcher(session, nil, testLogger()),
		f.muxer,
		f.history,
		f.jobs,
		config.StorageConfig{OutputPath: f.dir},
		config.WorkerConfig{MaxRetries: 3},
		testLogger(),
	)
	return f
}

var (
	video720 = track{id: "v720", width: 1280, height: 720, bitrate: 8000,
		init: []byte("V7INIT"), segments: [][]byte{[]byte("v7-seg0"), []byte("v7-seg1")}}
	video1080 = track{id: "v1080", width: 1920, height: 1080, bitrate: 5000,
		init: []byte("V10INIT"), segments: [][]byte{[]byte("v10-seg0"), []byte("v10-seg1"), []byte("v10-seg2")}}
	audio64 = track{id: "a64", bitrate: 64000,
		init: []byte("A64INIT"), segments: [][]byte{[]byte("a64-seg0")}}
	audio128 = track{id: "a128", bitrate: 128000,
		init: []byte("A128INIT"), segments: [][]byte{[]byte("a128-seg0"), []byte("a128-seg1")}}
)

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestTempPaths(t *testing.T) {
	v, a := TempPaths("/out/My Clip.mp4", "")
	if v != filepath.Join("/out", "My Clip.video.part.mp4") || a != filepath.Join("/out", "My Clip.audio.part.m4a") {
		t.Errorf("TempPaths = %q, %q", v, a)
	}

	v, a = TempPaths("/out/clip.mkv", "/tmp/work")
	if v != filepath.Join("/tmp/work", "clip.video.part.mp4") || a != filepath.Join("/tmp/work", "clip.audio.part.m4a") {
		t.Errorf("TempPaths with temp dir = %q, %q", v, a)
	}
}

func TestDownloadService_Run_Combined(t *testing.T) {
	c := newCDN(t, []track{video720, video1080}, []track{audio64, audio128})
	f := newFixture(t)
	output := filepath.Join(f.dir, "clip.mp4")

	result, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: output})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := append(video1080.bytes(), audio128.bytes()...)
	if got := readFile(t, output); !bytes.Equal(got, want) {
		t.Errorf("output = %q, want %q", got, want)
	}
	if result.VideoRendition.ID != "v1080" || result.AudioRendition.ID != "a128" {
		t.Errorf("selected %s / %s", result.VideoRendition.ID, result.AudioRendition.ID)
	}

	videoTmp, audioTmp := TempPaths(output, "")
	if exists(videoTmp) || exists(audioTmp) {
		t.Error("temporary tracks should be removed after a successful mux")
	}

	rec, err := f.history.Get(context.Background(), result.DownloadID)
	if err != nil {
		t.Fatalf("history Get failed: %v", err)
	}
	if rec.Status != domain.DownloadCompleted || rec.FinishedAt == nil {
		t.Errorf("history record = %+v", rec)
	}
	if rec.BytesWritten != int64(len(want)) {
		t.Errorf("BytesWritten = %d, want %d", rec.BytesWritten, len(want))
	}
}

func TestDownloadService_Run_AudioOnly(t *testing.T) {
	c := newCDN(t, []track{video1080}, []track{audio64, audio128})
	f := newFixture(t)
	output := filepath.Join(f.dir, "clip.m4a")

	result, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: output, AudioOnly: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := readFile(t, output); !bytes.Equal(got, audio128.bytes()) {
		t.Errorf("output = %q, want %q", got, audio128.bytes())
	}
	if result.VideoRendition != nil || result.Video != nil {
		t.Error("audio-only run should not touch video")
	}
	if f.muxer.calls != 0 {
		t.Errorf("muxer called %d times in audio-only mode", f.muxer.calls)
	}
}

func TestDownloadService_Run_AudioOnlyWithoutAudio(t *testing.T) {
	c := newCDN(t, []track{video1080}, nil)
	f := newFixture(t)
	output := filepath.Join(f.dir, "clip.m4a")

	_, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: output, AudioOnly: true})
	if !errors.Is(err, domain.ErrManifestUnsupported) {
		t.Fatalf("expected ErrManifestUnsupported, got %v", err)
	}

	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 0 {
		t.Errorf("no file should be created, found %d entries", len(entries))
	}
	if c.hits.Load() != 0 {
		t.Errorf("no segment should be requested, got %d", c.hits.Load())
	}
}

func TestDownloadService_Run_CombinedNeedsBothTracks(t *testing.T) {
	c := newCDN(t, nil, []track{audio128})
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: filepath.Join(f.dir, "clip.mp4")})
	if !errors.Is(err, domain.ErrManifestUnsupported) {
		t.Fatalf("expected ErrManifestUnsupported, got %v", err)
	}
}

func TestDownloadService_Run_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Run(context.Background(), domain.DownloadRequest{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if result != nil {
		t.Error("invalid requests should not produce a result")
	}
}

func TestDownloadService_Run_OutputNeedsExtension(t *testing.T) {
	c := newCDN(t, []track{video1080}, []track{audio128})
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: filepath.Join(f.dir, "clip")})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if hits := c.hits.Load(); hits != 0 {
		t.Errorf("nothing should be fetched, got %d requests", hits)
	}

	// Audio-only output is renamed into place, so no container is inferred.
	output := filepath.Join(f.dir, "clip")
	if _, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: output, AudioOnly: true}); err != nil {
		t.Fatalf("audio-only run failed: %v", err)
	}
	if !bytes.Equal(readFile(t, output), audio128.bytes()) {
		t.Error("audio-only output mismatch")
	}
}

func TestDownloadService_Run_FailureThenResume(t *testing.T) {
	c := newCDN(t, []track{video1080}, []track{audio128})
	f := newFixture(t)
	output := filepath.Join(f.dir, "clip.mp4")
	req := domain.DownloadRequest{Source: c.playlist(), OutputPath: output}

	c.failOn("/exp/media/a/a128/1.m4s")
	result, err := f.svc.Run(context.Background(), req)

	var fe *domain.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != domain.KindAudio || fe.SegmentIndex != 1 {
		t.Errorf("FetchError = %v", fe)
	}
	if exists(output) {
		t.Error("output must not exist after a failed run")
	}
	if f.muxer.calls != 0 {
		t.Error("mux must not run after a fetch failure")
	}
	videoTmp, audioTmp := TempPaths(output, "")
	if !bytes.Equal(readFile(t, videoTmp), video1080.bytes()) {
		t.Error("completed video track should be left in place")
	}
	rec, _ := f.history.Get(context.Background(), result.DownloadID)
	if rec == nil || rec.Status != domain.DownloadFailed {
		t.Errorf("history record = %+v", rec)
	}

	c.failOn("")
	c.hits.Store(0)
	if _, err := f.svc.Run(context.Background(), req); err != nil {
		t.Fatalf("resume Run failed: %v", err)
	}
	// Video is complete and only audio segment 1 is missing.
	if c.hits.Load() != 1 {
		t.Errorf("resume requested %d segments, want 1", c.hits.Load())
	}
	want := append(video1080.bytes(), audio128.bytes()...)
	if !bytes.Equal(readFile(t, output), want) {
		t.Error("resumed output differs from an uninterrupted download")
	}
	if exists(videoTmp) || exists(audioTmp) {
		t.Error("temporary tracks should be removed after a successful mux")
	}
}

func TestDownloadService_Run_MuxFailureKeepsTracks(t *testing.T) {
	c := newCDN(t, []track{video720}, []track{audio64})
	f := newFixture(t)
	f.muxer.err = errors.New("exit status 1")
	output := filepath.Join(f.dir, "clip.mp4")

	_, err := f.svc.Run(context.Background(), domain.DownloadRequest{Source: c.playlist(), OutputPath: output})

	var me *domain.MuxError
	if !errors.As(err, &me) {
		t.Fatalf("expected MuxError, got %v", err)
	}
	videoTmp, audioTmp := TempPaths(output, "")
	if !exists(videoTmp) || !exists(audioTmp) {
		t.Error("track files must survive a failed mux")
	}
	if exists(output) {
		t.Error("output must not exist after a failed mux")
	}
}

func TestDownloadService_Run_Interrupted(t *testing.T) {
	c := newCDN(t, []track{video1080}, []track{audio128})
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.svc.Run(ctx, domain.DownloadRequest{Source: c.playlist(), OutputPath: filepath.Join(f.dir, "clip.mp4")})
	if err == nil {
		t.Fatal("expected an error for a cancelled run")
	}
	if result == nil {
		t.Fatal("result should be returned for a started run")
	}
	rec, _ := f.history.Get(context.Background(), result.DownloadID)
	if rec == nil || rec.Status == domain.DownloadCompleted || rec.Status == domain.DownloadRunning {
		t.Errorf("history record = %+v", rec)
	}
}

func TestDownloadService_Run_InterruptedDuringManifest(t *testing.T) {
	requested := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-requested
		cancel()
	}()

	output := filepath.Join(f.dir, "clip.mp4")
	result, err := f.svc.Run(ctx, domain.DownloadRequest{Source: srv.URL + "/playlist.json", OutputPath: output})
	if !errors.Is(err, domain.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	rec, _ := f.history.Get(context.Background(), result.DownloadID)
	if rec == nil || rec.Status != domain.DownloadInterrupted {
		t.Errorf("history record = %+v, want interrupted", rec)
	}
	if f.muxer.calls != 0 {
		t.Errorf("mux calls = %d", f.muxer.calls)
	}
}

func TestResolveOutput(t *testing.T) {
	root := filepath.FromSlash("/data/downloads")
	tests := []struct {
		requested string
		want      string
		wantErr   bool
	}{
		{"clip.mp4", filepath.Join(root, "clip.mp4"), false},
		{"shows/ep1.mp4", filepath.Join(root, "shows", "ep1.mp4"), false},
		{"shows/../clip.mp4", filepath.Join(root, "clip.mp4"), false},
		{"", "", true},
		{"../escape.mp4", "", true},
		{"a/../../escape.mp4", "", true},
		{"/etc/passwd", "", true},
		{".", "", true},
	}

	for _, tt := range tests {
		got, err := ResolveOutput(root, tt.requested)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Errorf("ResolveOutput(%q): expected ErrInvalidRequest, got %q, %v", tt.requested, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ResolveOutput(%q) = %q, %v; want %q", tt.requested, got, err, tt.want)
		}
	}
}

func TestDownloadService_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, domain.DownloadRequest{Source: "https://cdn.example.com/p.json", OutputPath: "clip.mp4"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !strings.HasPrefix(string(job.ID), "job_") {
		t.Errorf("job ID = %q", job.ID)
	}
	if job.Request.OutputPath != filepath.Join(f.dir, "clip.mp4") {
		t.Errorf("OutputPath = %q", job.Request.OutputPath)
	}
	if job.MaxRetries != 3 || job.Status != domain.JobStatusQueued {
		t.Errorf("job = %+v", job)
	}

	if _, err := f.svc.Submit(ctx, domain.DownloadRequest{Source: "https://cdn.example.com/p.json", OutputPath: "clip.mp4"}); !errors.Is(err, domain.ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, domain.DownloadRequest{Source: "/etc/playlist.json", OutputPath: "other.mp4"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("local sources should be rejected, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, domain.DownloadRequest{Source: "https://cdn.example.com/p.json", OutputPath: "noext"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("combined output without extension should be rejected, got %v", err)
	}

	got, err := f.svc.GetJob(ctx, job.ID)
	if err != nil || got.ID != job.ID {
		t.Errorf("GetJob = %v, %v", got, err)
	}
	jobs, stats, err := f.svc.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || stats.Queued != 1 {
		t.Errorf("ListJobs = %d jobs, stats %+v", len(jobs), stats)
	}
}

func TestDownloadService_Process(t *testing.T) {
	c := newCDN(t, []track{video720}, []track{audio64})
	f := newFixture(t)

	job := domain.NewJob("job-1", domain.DownloadRequest{Source: c.playlist(), OutputPath: filepath.Join(f.dir, "clip.mp4")}, 3)
	if err := f.svc.Process(context.Background(), job); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if job.DownloadID == "" {
		t.Error("job should reference its download record")
	}

	history, err := f.svc.History(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != job.DownloadID {
		t.Errorf("history = %+v", history)
	}
}
