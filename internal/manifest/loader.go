package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Fetcher returns the body of a URL. The session implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Loader reads manifests from HTTP(S) URLs or local files.
type Loader struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(fetcher Fetcher, logger *slog.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Load fetches and parses the manifest at src. Relative URLs inside the
// manifest resolve against src's absolute URI.
func (l *Loader) Load(ctx context.Context, src string) (*Manifest, error) {
	var (
		data      []byte
		sourceURI string
		err       error
	)

	if IsRemote(src) {
		data, err = l.fetcher.Fetch(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest: %w", err)
		}
		sourceURI = src
	} else {
		path := LocalPath(src)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		sourceURI, err = FileURI(path)
		if err != nil {
			return nil, fmt.Errorf("resolve manifest path: %w", err)
		}
	}

	m, err := Parse(data, sourceURI)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("manifest loaded",
		"source", sourceURI,
		"clip_id", m.ClipID,
		"base_url", m.BaseURL,
		"video_renditions", len(m.Video),
		"audio_renditions", len(m.Audio),
	)
	return m, nil
}
