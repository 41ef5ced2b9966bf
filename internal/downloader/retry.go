package downloader

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/manifest"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryConfigFrom builds a RetryConfig from the download settings.
func RetryConfigFrom(cfg config.DownloadConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		rc.InitialDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		rc.MaxDelay = cfg.MaxRetryDelay
	}
	return rc
}

// Retry executes fn with exponential backoff while shouldRetry approves the error.
func Retry[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func() (T, error),
	shouldRetry func(error) bool,
) (T, error) {
	var lastErr error
	var zero T

	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !shouldRetry(err) {
			break
		}

		// Don't wait after the last attempt
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}

// IsRetryable reports whether a request failure may succeed on a new attempt.
// Expired URLs, client errors and cancellation are final.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	if errors.Is(err, domain.ErrURLExpired) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// RetryingFetcher retries a fetcher's requests. It is used for manifests;
// segments are never retried within a run.
type RetryingFetcher struct {
	fetcher manifest.Fetcher
	cfg     RetryConfig
	logger  *slog.Logger
}

// NewRetryingFetcher wraps session with retry logic.
func NewRetryingFetcher(fetcher manifest.Fetcher, cfg RetryConfig, logger *slog.Logger) *RetryingFetcher {
	return &RetryingFetcher{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Fetch GETs url, retrying transient failures.
func (r *RetryingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	attempt := 0
	return Retry(ctx, r.cfg, func() ([]byte, error) {
		attempt++
		data, err := r.fetcher.Fetch(ctx, url)
		if err != nil && attempt < r.cfg.MaxAttempts && IsRetryable(err) {
			r.logger.Warn("request failed, retrying", "url", url, "attempt", attempt, "error", err)
		}
		return data, err
	}, IsRetryable)
}
