// Command rangegrab downloads the best video and audio renditions listed in a
// range playlist and muxes them into one file. Interrupted or failed runs
// resume when the same command is run again.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/domain"
	"github.com/iconidentify/rangegrab/internal/downloader"
	"github.com/iconidentify/rangegrab/internal/logging"
	"github.com/iconidentify/rangegrab/internal/manifest"
	"github.com/iconidentify/rangegrab/internal/muxer"
	"github.com/iconidentify/rangegrab/internal/progress"
	"github.com/iconidentify/rangegrab/internal/repository"
	"github.com/iconidentify/rangegrab/internal/service"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

const usage = `Usage: rangegrab [flags] <manifest> <output>

  <manifest>  playlist.json URL or local path
  <output>    output file (e.g. clip.mp4, or clip.m4a with --audio-only)

Flags:
`

type options struct {
	source      string
	output      string
	audioOnly   bool
	configPath  string
	tempDir     string
	verbose     bool
	showVersion bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "rangegrab %s (built %s)\n", Version, BuildTime)
		return exitOK
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; !ok {
			return
		}
		fmt.Fprintln(stderr, "\nStopping after the current segment. Press Ctrl+C again to abort now.")
		cancel()
		if _, ok := <-sigs; ok {
			os.Exit(exitInterrupted)
		}
	}()

	return exitCode(execute(ctx, opts, stdout, stderr), stderr)
}

// parseArgs accepts flags before, between or after the two positional
// arguments. Everything after "--" is positional.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("rangegrab", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.BoolVar(&opts.audioOnly, "audio-only", false, "download only the best audio rendition")
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.tempDir, "temp-dir", "", "directory for the per-track part files (default: next to output)")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&opts.showVersion, "version", false, "show version and exit")

	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		consumed := len(rest) - fs.NArg()
		remaining := fs.Args()
		if len(remaining) == 0 {
			break
		}
		if consumed > 0 && rest[consumed-1] == "--" {
			positional = append(positional, remaining...)
			break
		}
		positional = append(positional, remaining[0])
		rest = remaining[1:]
	}

	if opts.showVersion {
		return opts, nil
	}
	if len(positional) != 2 {
		fs.Usage()
		return nil, fmt.Errorf("expected <manifest> and <output>, got %d argument(s)", len(positional))
	}
	opts.source = positional[0]
	opts.output = positional[1]
	return opts, nil
}

func execute(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if opts.tempDir != "" {
		cfg.Storage.TempPath = opts.tempDir
	}
	if !manifest.IsRemote(opts.source) {
		// Segments of a local manifest may resolve to file:// URLs.
		cfg.Download.AllowFileURLs = true
	}

	logger := logging.New(cfg.Log, stderr)

	output, err := filepath.Abs(opts.output)
	if err != nil {
		return fmt.Errorf("%w: output path: %v", domain.ErrInvalidRequest, err)
	}

	history, err := openHistory(cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()

	var mx muxer.Muxer
	ffmpeg, err := muxer.NewFFmpegMuxer(cfg.Mux.FFmpegPath, cfg.Mux.FFprobePath, logger)
	switch {
	case err == nil:
		mx = ffmpeg
	case opts.audioOnly:
		logger.Debug("ffmpeg unavailable, continuing without probe", "error", err)
	default:
		return err
	}

	session := downloader.NewSession(cfg.Download, logger)
	manifestClient := downloader.NewRetryingFetcher(
		session.WithTimeout(cfg.Download.ManifestTimeout),
		downloader.RetryConfigFrom(cfg.Download),
		logger,
	)

	svc := service.NewDownloadService(
		manifest.NewLoader(manifestClient, logger),
		downloader.NewFetcher(session, trackerFor(stderr, logger), logger),
		mx,
		history,
		nil,
		cfg.Storage,
		cfg.Worker,
		logger,
	)
	if ffmpeg != nil && cfg.Mux.Probe {
		svc.SetProber(ffmpeg)
	}

	result, err := svc.Run(ctx, domain.DownloadRequest{
		Source:     opts.source,
		OutputPath: output,
		AudioOnly:  opts.audioOnly,
	})
	if err != nil {
		return err
	}

	logger.Debug("run summary",
		"download_id", result.DownloadID,
		"bytes_written", humanize.Bytes(uint64(result.BytesWritten())),
	)
	fmt.Fprintf(stdout, "Saved -> %s\n", output)
	return nil
}

// trackerFor draws progress bars on a terminal and logs progress otherwise.
func trackerFor(w io.Writer, logger *slog.Logger) progress.Factory {
	if f, ok := w.(*os.File); ok {
		return progress.Auto(f, logger)
	}
	return progress.Nop()
}

func openHistory(path string) (repository.DownloadRepository, error) {
	if path == "" {
		return repository.NewInMemoryDownloadRepository(), nil
	}
	repo, err := repository.NewSQLiteDownloadRepository(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return repo, nil
}

// exitCode prints a one-line cause for err and maps it to a process status.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}

	if errors.Is(err, domain.ErrInterrupted) {
		fmt.Fprintln(stderr, "Interrupted. Re-run the same command to resume.")
		return exitInterrupted
	}

	var fe *domain.FetchError
	if errors.As(err, &fe) {
		fmt.Fprintf(stderr, "error: %v (re-run the same command to resume)\n", err)
		return exitFailure
	}

	var me *domain.MuxError
	if errors.As(err, &me) {
		fmt.Fprintf(stderr, "error: %v (track files were kept)\n", err)
		return exitFailure
	}

	fmt.Fprintln(stderr, "error:", err)
	return exitFailure
}
