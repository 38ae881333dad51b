package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrUnsupported = errors.New("unsupported operation")

// Fatal to the session: surfaced once by initialization, never retried.
var (
	ErrEngineUnavailable = errors.New("transfer engine unavailable")
	ErrEngineInitFailed  = errors.New("transfer engine init failed")
)

// Rejected commands: reported synchronously, no state is mutated.
var (
	ErrEngineNotReady      = errors.New("transfer engine not ready")
	ErrInvalidSource       = errors.New("invalid transfer source")
	ErrFileIndexOutOfRange = errors.New("file index out of range")
	ErrTransferIncomplete  = errors.New("transfer is not complete")
	ErrInvalidLimit        = errors.New("invalid bandwidth limit")
	ErrInvalidPriority     = errors.New("invalid file priority")
)

var ErrFileMaterializationFailed = errors.New("file materialization failed")
