package domain

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	// ErrManifestUnsupported is returned when the manifest structure is not recognized
	// or lacks the rendition lists the requested mode needs.
	ErrManifestUnsupported = errors.New("manifest unsupported")

	// ErrNoRenditionsAvailable is returned when a selection is made over an empty list.
	ErrNoRenditionsAvailable = errors.New("no renditions available")

	// ErrInterrupted is returned when the user cancels a download between segments.
	ErrInterrupted = errors.New("interrupted by user")

	// ErrStorageFull is returned when there is insufficient storage space.
	ErrStorageFull = errors.New("insufficient storage space")

	// ErrURLExpired is returned when the CDN refuses a signed URL.
	ErrURLExpired = errors.New("media URL has expired")

	// ErrRateLimited is returned when rate limited by the CDN.
	ErrRateLimited = errors.New("rate limited")

	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobs is returned when there are no jobs to process.
	ErrNoJobs = errors.New("no jobs available")

	// ErrDuplicateJob is returned when an active job already writes the same output.
	ErrDuplicateJob = errors.New("a download for this output is already active")

	// ErrDownloadNotFound is returned when a history record cannot be found.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrInvalidRequest is returned when a download request is malformed.
	ErrInvalidRequest = errors.New("invalid download request")
)

// InitSegmentIndex is the FetchError index used for the init block and for
// failures preparing the output file.
const InitSegmentIndex = -1

// FetchError reports a network or storage failure while fetching one rendition.
type FetchError struct {
	Kind         MediaKind
	SegmentIndex int
	Err          error
}

func (e *FetchError) Error() string {
	if e.SegmentIndex == InitSegmentIndex {
		return fmt.Sprintf("fetch %s init block: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s segment %d: %v", e.Kind, e.SegmentIndex, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(kind MediaKind, index int, err error) *FetchError {
	return &FetchError{
		Kind:         kind,
		SegmentIndex: index,
		Err:          err,
	}
}

// MuxError reports a failed mux invocation. The input tracks are left in place.
type MuxError struct {
	VideoPath string
	AudioPath string
	Output    string
	Err       error
}

func (e *MuxError) Error() string {
	return "mux " + e.VideoPath + " + " + e.AudioPath + " -> " + e.Output + ": " + e.Err.Error()
}

func (e *MuxError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether re-running a download cannot fix err.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrManifestUnsupported) ||
		errors.Is(err, ErrNoRenditionsAvailable) ||
		errors.Is(err, ErrInvalidRequest)
}
