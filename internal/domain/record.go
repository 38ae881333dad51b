package domain

import (
	"errors"
	"time"
)

// TransferID is assigned by the engine and never changes for a transfer's lifetime.
type TransferID string

// UnnamedTransfer is shown until the engine resolves the transfer name.
const UnnamedTransfer = "Unnamed Torrent"

// TransferRecord is the immutable read-model of one transfer as of a
// reconciliation pass.
type TransferRecord struct {
	ID                     TransferID     `json:"id"`
	DisplayName            string         `json:"displayName"`
	Status                 TransferStatus `json:"status"`
	Progress               float64        `json:"progress"`
	DownloadRate           int64          `json:"downloadRate"`
	UploadRate             int64          `json:"uploadRate"`
	BytesUploaded          int64          `json:"bytesUploaded"`
	BytesDownloaded        int64          `json:"bytesDownloaded"`
	TotalLength            int64          `json:"totalLength"`
	PeerCount              int            `json:"peerCount"`
	SeedCount              int            `json:"seedCount"`
	EstimatedTimeRemaining string         `json:"estimatedTimeRemaining"`
	IsComplete             bool           `json:"isComplete"`
	IsPaused               bool           `json:"isPaused"`
	UploadDownloadRatio    float64        `json:"uploadDownloadRatio"`
	Files                  []FileRecord   `json:"files"`
	SourceURI              string         `json:"sourceURI,omitempty"`
	CreatedAt              *time.Time     `json:"createdAt,omitempty"`
	Comment                string         `json:"comment,omitempty"`
	CreatedBy              string         `json:"createdBy,omitempty"`
}

// Validate checks domain invariants for TransferRecord.
func (r TransferRecord) Validate() error {
	if r.ID == "" {
		return errors.New("transfer id is required")
	}
	if r.Progress < 0 || r.Progress > 1 {
		return errors.New("progress must be within [0, 1]")
	}
	if r.DownloadRate < 0 || r.UploadRate < 0 {
		return errors.New("rates must not be negative")
	}
	if r.BytesDownloaded < 0 || r.BytesUploaded < 0 {
		return errors.New("byte counters must not be negative")
	}
	if r.TotalLength < 0 {
		return errors.New("totalLength must not be negative")
	}
	if r.PeerCount < 0 || r.SeedCount < 0 {
		return errors.New("peer counts must not be negative")
	}
	if r.IsComplete && r.IsPaused {
		return errors.New("transfer cannot be both complete and paused")
	}
	if r.IsComplete && r.Status == TransferDownloading {
		return errors.New("transfer cannot be both complete and downloading")
	}
	for _, f := range r.Files {
		if f.Progress < 0 || f.Progress > 1 {
			return errors.New("file progress must be within [0, 1]")
		}
		if !f.Priority.Valid() {
			return errors.New("invalid file priority")
		}
	}
	switch r.Status {
	case TransferPending, TransferDownloading, TransferPaused, TransferCompleted:
		// valid
	case "":
		return errors.New("status is required")
	default:
		return errors.New("invalid status: " + string(r.Status))
	}
	return nil
}

// Ratio returns uploaded/downloaded, or 0 when nothing has been downloaded.
func Ratio(uploaded, downloaded int64) float64 {
	if uploaded <= 0 || downloaded <= 0 {
		return 0
	}
	return float64(uploaded) / float64(downloaded)
}
