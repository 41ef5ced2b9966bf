package domain

import "time"

// DownloadID identifies one run of the orchestrator.
type DownloadID string

// String returns the string representation of the DownloadID.
func (id DownloadID) String() string {
	return string(id)
}

// DownloadStatus is the outcome of a run.
type DownloadStatus string

const (
	DownloadRunning     DownloadStatus = "running"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
	DownloadInterrupted DownloadStatus = "interrupted"
)

// Download is the history record of one run. It is informational only;
// resumption never reads it.
type Download struct {
	ID             DownloadID
	Source         string
	OutputPath     string
	AudioOnly      bool
	Status         DownloadStatus
	VideoRendition string
	AudioRendition string
	BytesWritten   int64
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Finish stamps the terminal status of the run.
func (d *Download) Finish(status DownloadStatus, err error) {
	now := time.Now()
	d.Status = status
	d.FinishedAt = &now
	if err != nil {
		d.Error = err.Error()
	}
}
