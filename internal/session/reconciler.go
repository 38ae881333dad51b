package session

import (
	"log/slog"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
	"torrentdeck/internal/metrics"
)

const (
	triggerTick    = "tick"
	triggerCommand = "command"
	triggerReady   = "ready"
	triggerDone    = "done"
	triggerRemove  = "remove"
)

// Cadence is the reconciliation period for each power mode.
type Cadence struct {
	Normal    time.Duration
	PowerSave time.Duration
}

func DefaultCadence() Cadence {
	return Cadence{Normal: time.Second, PowerSave: 2 * time.Second}
}

func (c Cadence) For(powerSave bool) time.Duration {
	if powerSave {
		return c.PowerSave
	}
	return c.Normal
}

// Reconciler rebuilds the registry from engine state. Every pass replaces
// the whole snapshot; records are never patched in place.
type Reconciler struct {
	registry *Registry
	overlay  *priorityOverlay
	logger   *slog.Logger
	now      func() time.Time

	generation uint64
}

func newReconciler(registry *Registry, overlay *priorityOverlay, logger *slog.Logger, now func() time.Time) *Reconciler {
	return &Reconciler{registry: registry, overlay: overlay, logger: logger, now: now}
}

// Reconcile observes every transfer at one instant and publishes the result.
// A nil engine publishes an empty snapshot.
func (r *Reconciler) Reconcile(engine ports.Engine, trigger string) domain.Snapshot {
	start := time.Now()
	observedAt := r.now().UTC()

	prev := r.registry.load()
	var transfers []ports.Transfer
	if engine != nil {
		transfers = engine.Transfers()
	}

	records := make([]domain.TransferRecord, 0, len(transfers))
	seen := make(map[domain.TransferID]struct{}, len(transfers))
	for _, t := range transfers {
		id := t.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		last, hasLast := prev.Find(id)
		records = append(records, r.observe(t, last, hasLast))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	r.generation++
	snap := domain.Snapshot{Generation: r.generation, ObservedAt: observedAt, Transfers: records}
	r.registry.publish(snap)

	metrics.ReconcileTotal.WithLabelValues(trigger).Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	updateTransferMetrics(records)
	return snap
}

// Remove publishes the current snapshot minus id.
func (r *Reconciler) Remove(id domain.TransferID) domain.Snapshot {
	snap := r.registry.load().Without(id)
	r.generation++
	snap.Generation = r.generation
	r.registry.publish(snap)
	metrics.ReconcileTotal.WithLabelValues(triggerRemove).Inc()
	updateTransferMetrics(snap.Transfers)
	return snap
}

func (r *Reconciler) observe(t ports.Transfer, last domain.TransferRecord, hasLast bool) (rec domain.TransferRecord) {
	id := t.ID()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("reconcile: observe transfer panicked",
				slog.String("id", string(id)),
				slog.Any("panic", p))
			rec = fallbackRecord(id, last, hasLast)
		}
	}()
	return buildRecord(id, t.Observe(), last, hasLast, r.overlay)
}

func buildRecord(id domain.TransferID, obs ports.Observation, last domain.TransferRecord, hasLast bool, overlay *priorityOverlay) domain.TransferRecord {
	complete := obs.Done
	paused := obs.Paused && !complete

	downloaded := nonNegative(obs.BytesDownloaded)
	uploaded := nonNegative(obs.BytesUploaded)
	// Engines may report 0 while paused; counters never go backwards.
	if hasLast {
		downloaded = max(downloaded, last.BytesDownloaded)
		uploaded = max(uploaded, last.BytesUploaded)
	}

	rec := domain.TransferRecord{
		ID:                     id,
		DisplayName:            displayName(obs.Name, last, hasLast),
		Status:                 deriveStatus(obs.Ready, paused, complete),
		Progress:               unitInterval(obs.Progress),
		DownloadRate:           nonNegative(obs.DownloadRate),
		UploadRate:             nonNegative(obs.UploadRate),
		BytesDownloaded:        downloaded,
		BytesUploaded:          uploaded,
		TotalLength:            nonNegative(obs.Length),
		PeerCount:              max(obs.Peers, 0),
		SeedCount:              max(obs.Seeds, 0),
		EstimatedTimeRemaining: domain.UnknownTimeRemaining,
		IsComplete:             complete,
		IsPaused:               paused,
		UploadDownloadRatio:    domain.Ratio(uploaded, downloaded),
		Files:                  buildFiles(id, obs.Files, complete, overlay),
		SourceURI:              obs.SourceURI,
		Comment:                obs.Comment,
		CreatedBy:              obs.CreatedBy,
	}
	if !complete && !paused {
		rec.EstimatedTimeRemaining = domain.FormatTimeRemaining(obs.TimeRemaining)
	}
	if !obs.CreatedAt.IsZero() {
		at := obs.CreatedAt.UTC()
		rec.CreatedAt = &at
	}
	return rec
}

func buildFiles(id domain.TransferID, files []ports.FileObservation, complete bool, overlay *priorityOverlay) []domain.FileRecord {
	out := make([]domain.FileRecord, 0, len(files))
	for i, f := range files {
		length := nonNegative(f.Length)
		progress := 0.0
		switch {
		case length > 0:
			progress = unitInterval(float64(f.BytesCompleted) / float64(length))
		case complete:
			progress = 1
		}
		out = append(out, domain.FileRecord{
			Name:         fileName(f.Path),
			Length:       length,
			RelativePath: f.Path,
			Progress:     progress,
			Selected:     f.Selected,
			Priority:     overlay.get(id, i),
		})
	}
	return out
}

// fallbackRecord keeps a transfer visible when its observation fails.
func fallbackRecord(id domain.TransferID, last domain.TransferRecord, hasLast bool) domain.TransferRecord {
	if hasLast {
		rec := cloneRecord(last)
		rec.DownloadRate = 0
		rec.UploadRate = 0
		rec.PeerCount = 0
		rec.SeedCount = 0
		rec.EstimatedTimeRemaining = domain.UnknownTimeRemaining
		return rec
	}
	return domain.TransferRecord{
		ID:                     id,
		DisplayName:            domain.UnnamedTransfer,
		Status:                 domain.TransferPending,
		EstimatedTimeRemaining: domain.UnknownTimeRemaining,
		Files:                  []domain.FileRecord{},
	}
}

func deriveStatus(ready, paused, complete bool) domain.TransferStatus {
	switch {
	case complete:
		return domain.TransferCompleted
	case paused:
		return domain.TransferPaused
	case !ready:
		return domain.TransferPending
	default:
		return domain.TransferDownloading
	}
}

func displayName(name string, last domain.TransferRecord, hasLast bool) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	if hasLast && last.DisplayName != "" {
		return last.DisplayName
	}
	return domain.UnnamedTransfer
}

func fileName(p string) string {
	p = strings.TrimSuffix(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func unitInterval(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func updateTransferMetrics(records []domain.TransferRecord) {
	var down, up int64
	var peers int
	for _, rec := range records {
		down += rec.DownloadRate
		up += rec.UploadRate
		peers += rec.PeerCount
	}
	metrics.ActiveTransfers.Set(float64(len(records)))
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
	metrics.PeersConnected.Set(float64(peers))
}
