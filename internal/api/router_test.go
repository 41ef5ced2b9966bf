package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iconidentify/rangegrab/internal/api/handler"
	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/downloader"
	"github.com/iconidentify/rangegrab/internal/metrics"
	"github.com/iconidentify/rangegrab/internal/repository"
	"github.com/iconidentify/rangegrab/internal/service"
)

const testAPIKey = "secret"

type noopMuxer struct{}

func (noopMuxer) Mux(ctx context.Context, videoPath, audioPath, output string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *repository.InMemoryJobRepository) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := downloader.NewSession(config.DownloadConfig{SegmentTimeout: time.Second}, logger)
	jobs := repository.NewInMemoryJobRepository()
	history := repository.NewInMemoryDownloadRepository()

	svc := service.NewDownloadService(
		nil,
		downloader.NewFetcher(session, nil, logger),
		noopMuxer{},
		history,
		jobs,
		config.StorageConfig{OutputPath: t.TempDir()},
		config.WorkerConfig{MaxRetries: 2},
		logger,
	)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	router := NewRouter(
		handler.NewDownloadHandler(svc, logger),
		handler.NewHealthHandler(jobs, t.TempDir()),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		testAPIKey,
		logger,
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, jobs
}

func do(t *testing.T, method, url, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_ProbesWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "//ready"} {
		if resp := do(t, http.MethodGet, srv.URL+path, "", false); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRouter_APIRequiresKey(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/v1/downloads", "/api/v1/history", "/api/v1/stats"} {
		if resp := do(t, http.MethodGet, srv.URL+path, "", false); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without key = %d, want 401", path, resp.StatusCode)
		}
		if resp := do(t, http.MethodGet, srv.URL+path, "", true); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s with key = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRouter_SubmitAndFetchJob(t *testing.T) {
	srv, jobs := newTestServer(t)

	body := `{"source": "https://cdn.example.com/p.json", "output": "shows/clip.mp4"}`
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/downloads", body, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d, want 202", resp.StatusCode)
	}

	list, err := jobs.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("queue holds %d jobs, err %v", len(list), err)
	}
	job := list[0]
	if filepath.Base(job.Request.OutputPath) != "clip.mp4" || job.Status != domain.JobStatusQueued {
		t.Errorf("queued job = %+v", job)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/v1/downloads/"+string(job.ID), "", true); resp.StatusCode != http.StatusOK {
		t.Errorf("get job = %d, want 200", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/downloads", body, true); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate submit = %d, want 409", resp.StatusCode)
	}

	escape := `{"source": "https://cdn.example.com/p.json", "output": "../etc/clip.mp4"}`
	if resp := do(t, http.MethodPost, srv.URL+"/api/v1/downloads", escape, true); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("escaping output = %d, want 400", resp.StatusCode)
	}
}

func TestRouter_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)

	do(t, http.MethodGet, srv.URL+"/health", "", false)

	resp := do(t, http.MethodGet, srv.URL+"/metrics", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), "rangegrab_http_requests_total") {
		t.Error("metrics output should include the request counter")
	}
}
