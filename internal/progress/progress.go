// Package progress reports per-track transfer progress to a terminal bar,
// the structured log, or nowhere.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Tracker receives byte counts for one track transfer.
type Tracker interface {
	Add(n int64)
	Finish()
}

// Factory starts a tracker for a track of total bytes, done of which are
// already on disk.
type Factory func(label string, total, done int64) Tracker

type nopTracker struct{}

func (nopTracker) Add(int64) {}
func (nopTracker) Finish()   {}

// Nop returns a factory whose trackers discard everything.
func Nop() Factory {
	return func(string, int64, int64) Tracker { return nopTracker{} }
}

type barTracker struct {
	bar *progressbar.ProgressBar
}

func (b *barTracker) Add(n int64) { _ = b.bar.Add64(n) }
func (b *barTracker) Finish()     { _ = b.bar.Finish() }

// NewBar returns a factory that draws a byte progress bar on w.
func NewBar(w io.Writer) Factory {
	return func(label string, total, done int64) Tracker {
		bar := progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(label),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		if done > 0 {
			_ = bar.Set64(done)
		}
		return &barTracker{bar: bar}
	}
}

type logTracker struct {
	mu       sync.Mutex
	logger   *slog.Logger
	label    string
	total    int64
	done     int64
	interval time.Duration
	lastLog  time.Time
}

func (l *logTracker) Add(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.done += n
	if time.Since(l.lastLog) >= l.interval {
		l.log("download progress")
		l.lastLog = time.Now()
	}
}

func (l *logTracker) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log("track finished")
}

func (l *logTracker) log(msg string) {
	attrs := []any{
		"track", l.label,
		"downloaded", humanize.Bytes(uint64(l.done)),
		"total", humanize.Bytes(uint64(l.total)),
	}
	if l.total > 0 {
		attrs = append(attrs, "percent", fmt.Sprintf("%.1f%%", float64(l.done)/float64(l.total)*100))
	}
	l.logger.Info(msg, attrs...)
}

// NewLog returns a factory that logs progress at most once per interval.
func NewLog(logger *slog.Logger, interval time.Duration) Factory {
	return func(label string, total, done int64) Tracker {
		return &logTracker{
			logger:   logger,
			label:    label,
			total:    total,
			done:     done,
			interval: interval,
			lastLog:  time.Now(),
		}
	}
}

// Auto draws a bar when f is a terminal and logs otherwise.
func Auto(f *os.File, logger *slog.Logger) Factory {
	if term.IsTerminal(int(f.Fd())) {
		return NewBar(f)
	}
	return NewLog(logger, 10*time.Second)
}
