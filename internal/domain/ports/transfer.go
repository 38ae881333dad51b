package ports

import (
	"context"
	"io"
	"time"

	"torrentdeck/internal/domain"
)

// Transfer is one live, mutable transfer inside the engine.
type Transfer interface {
	ID() domain.TransferID
	// Observe reads the engine-side fields in one pass. Values may be
	// inconsistent while the engine is mutating the transfer; callers sanitize.
	Observe() Observation
	Pause() error
	Resume() error
	Destroy() error
	SetFileSelected(index int, selected bool) error
	// OpenFile returns a reader over a file's content and its display name.
	// Reads blocked on missing data return once ctx is done.
	OpenFile(ctx context.Context, index int) (io.ReadCloser, string, error)

	// Ready is closed once metadata is resolved.
	Ready() <-chan struct{}
	// Done is closed once every byte of the fetched files is downloaded.
	// Deselected and Skip files are not fetched.
	Done() <-chan struct{}
	// Failed delivers per-transfer runtime errors.
	Failed() <-chan error
}

// Observation is the raw engine view of a transfer. Negative counts mean the
// engine could not report the value.
type Observation struct {
	Name            string
	Ready           bool
	Paused          bool
	Done            bool
	Progress        float64
	Length          int64
	BytesDownloaded int64
	BytesUploaded   int64
	DownloadRate    int64
	UploadRate      int64
	Peers           int
	Seeds           int
	TimeRemaining   time.Duration
	SourceURI       string
	CreatedAt       time.Time
	Comment         string
	CreatedBy       string
	Files           []FileObservation
}

type FileObservation struct {
	Path           string
	Length         int64
	BytesCompleted int64
	Selected       bool
}

// FilePrioritizer is implemented by transfers with native file priorities.
type FilePrioritizer interface {
	SetFilePriority(index int, prio domain.FilePriority) error
}

// DownloadLimiter is implemented by transfers that accept a download
// throttle hint in bytes/sec. 0 removes the limit.
type DownloadLimiter interface {
	SetDownloadLimit(bytesPerSec int64) error
}

// UploadLimiter is the upload counterpart of DownloadLimiter.
type UploadLimiter interface {
	SetUploadLimit(bytesPerSec int64) error
}
