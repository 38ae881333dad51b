package domain

import "time"

// EventKind identifies a notification emitted by the session.
type EventKind string

const (
	EventEngineUnavailable     EventKind = "engine-unavailable"
	EventTransferAdded         EventKind = "transfer-added"
	EventTransferError         EventKind = "transfer-error"
	EventTransferCompleted     EventKind = "transfer-completed"
	EventTransferRemoved       EventKind = "transfer-removed"
	EventInvalidSourceRejected EventKind = "invalid-source-rejected"
	EventFileDownloadFailed    EventKind = "file-download-failed"
)

// Event carries enough context for a notification collaborator to render a
// message. Its visual form is not specified.
type Event struct {
	Kind        EventKind  `json:"kind"`
	TransferID  TransferID `json:"transferId,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Message     string     `json:"message,omitempty"`
	At          time.Time  `json:"at"`
}

// Blob is a transient materialized copy of a completed file, available for
// saving until ExpiresAt.
type Blob struct {
	Token      string     `json:"token"`
	TransferID TransferID `json:"transferId"`
	FileIndex  int        `json:"fileIndex"`
	Name       string     `json:"name"`
	Size       int64      `json:"size"`
	Path       string     `json:"-"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}
