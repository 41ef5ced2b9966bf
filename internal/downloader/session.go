package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GET %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Session is the HTTP identity shared by every request of a run: headers,
// transport and pacing. It holds no per-request state and is safe for
// concurrent use.
type Session struct {
	client  *http.Client
	headers http.Header
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewSession creates a session from the download configuration.
func NewSession(cfg config.DownloadConfig, logger *slog.Logger) *Session {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.AllowFileURLs {
		transport.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	}

	headers := make(http.Header)
	headers.Set("User-Agent", cfg.UserAgent)
	headers.Set("Accept", "*/*")
	headers.Set("Accept-Language", "en-US,en;q=0.5")
	if cfg.Referer != "" {
		headers.Set("Referer", cfg.Referer)
	}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		// No client-level timeout; each request gets its own deadline.
		client:  &http.Client{Transport: transport},
		headers: headers,
		limiter: limiter,
		timeout: cfg.SegmentTimeout,
		logger:  logger,
	}
}

// WithTimeout returns a copy of the session that applies d to every request.
func (s *Session) WithTimeout(d time.Duration) *Session {
	c := *s
	c.timeout = d
	return &c
}

// Fetch GETs url and returns the full body.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.headers {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Err: domain.ErrURLExpired}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Err: domain.ErrRateLimited}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.ContentLength >= 0 && int64(buf.Len()) != resp.ContentLength {
		return nil, fmt.Errorf("short body: got %d of %d bytes", buf.Len(), resp.ContentLength)
	}

	s.logger.Debug("fetched", "url", url, "bytes", buf.Len())
	return buf.Bytes(), nil
}
