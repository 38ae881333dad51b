package domain

type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferDownloading TransferStatus = "downloading"
	TransferPaused      TransferStatus = "paused"
	TransferCompleted   TransferStatus = "completed"
)
