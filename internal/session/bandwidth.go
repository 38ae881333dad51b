package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

// Limits are global throttles in bytes/sec. 0 means unlimited.
type Limits struct {
	Download int64 `json:"downloadLimit"`
	Upload   int64 `json:"uploadLimit"`
}

// BandwidthPolicy holds the session-wide limits and pushes them to transfers.
// Transfers without limiter support are skipped silently.
type BandwidthPolicy struct {
	download atomic.Int64
	upload   atomic.Int64
	logger   *slog.Logger
}

func NewBandwidthPolicy(initial Limits, logger *slog.Logger) *BandwidthPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &BandwidthPolicy{logger: logger}
	p.download.Store(max(initial.Download, 0))
	p.upload.Store(max(initial.Upload, 0))
	return p
}

func (p *BandwidthPolicy) Limits() Limits {
	return Limits{Download: p.download.Load(), Upload: p.upload.Load()}
}

// SetDownload records the limit and applies it to every transfer, including
// a return to 0.
func (p *BandwidthPolicy) SetDownload(limit int64, transfers []ports.Transfer) error {
	if limit < 0 {
		return domain.ErrInvalidLimit
	}
	p.download.Store(limit)
	for _, t := range transfers {
		p.applyDownload(t, limit)
	}
	p.logger.Info("download limit changed",
		slog.String("limit", describeLimit(limit)),
		slog.Int("transfers", len(transfers)))
	return nil
}

func (p *BandwidthPolicy) SetUpload(limit int64, transfers []ports.Transfer) error {
	if limit < 0 {
		return domain.ErrInvalidLimit
	}
	p.upload.Store(limit)
	for _, t := range transfers {
		p.applyUpload(t, limit)
	}
	p.logger.Info("upload limit changed",
		slog.String("limit", describeLimit(limit)),
		slog.Int("transfers", len(transfers)))
	return nil
}

// Inherit applies the current non-zero limits to a newly added transfer.
func (p *BandwidthPolicy) Inherit(t ports.Transfer) {
	if limit := p.download.Load(); limit > 0 {
		p.applyDownload(t, limit)
	}
	if limit := p.upload.Load(); limit > 0 {
		p.applyUpload(t, limit)
	}
}

func (p *BandwidthPolicy) applyDownload(t ports.Transfer, limit int64) {
	limiter, ok := t.(ports.DownloadLimiter)
	if !ok {
		p.logger.Debug("transfer has no download limiter", slog.String("id", string(t.ID())))
		return
	}
	if err := limiter.SetDownloadLimit(limit); err != nil {
		p.logSkip(t, "download", err)
	}
}

func (p *BandwidthPolicy) applyUpload(t ports.Transfer, limit int64) {
	limiter, ok := t.(ports.UploadLimiter)
	if !ok {
		p.logger.Debug("transfer has no upload limiter", slog.String("id", string(t.ID())))
		return
	}
	if err := limiter.SetUploadLimit(limit); err != nil {
		p.logSkip(t, "upload", err)
	}
}

func (p *BandwidthPolicy) logSkip(t ports.Transfer, direction string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrUnsupported) {
		level = slog.LevelDebug
	}
	p.logger.Log(context.Background(), level, "bandwidth limit not applied",
		slog.String("id", string(t.ID())),
		slog.String("direction", direction),
		slog.String("error", err.Error()))
}

func describeLimit(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(limit)) + "/s"
}
