package anacrolix

import (
	"context"
	"io"
	"log/slog"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

// Transfer wraps one anacrolix torrent. File selection and priority are
// kept as desired state and re-applied whenever the torrent resumes.
type Transfer struct {
	engine *Engine
	t      *torrent.Torrent
	id     domain.TransferID
	source string

	mu            sync.Mutex
	paused        bool
	deselected    map[int]bool
	prios         map[int]domain.FilePriority
	peakCompleted int64
	speed         speedSample
	createdAt     time.Time
	comment       string
	createdBy     string

	ready     chan struct{}
	done      chan struct{}
	failed    chan error
	readyOnce sync.Once
	doneOnce  sync.Once
}

var (
	_ ports.Transfer        = (*Transfer)(nil)
	_ ports.FilePrioritizer = (*Transfer)(nil)
	_ ports.DownloadLimiter = (*Transfer)(nil)
	_ ports.UploadLimiter   = (*Transfer)(nil)
)

func newTransfer(e *Engine, t *torrent.Torrent, id domain.TransferID, source string) *Transfer {
	return &Transfer{
		engine:     e,
		t:          t,
		id:         id,
		source:     source,
		deselected: make(map[int]bool),
		prios:      make(map[int]domain.FilePriority),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		failed:     make(chan error, 1),
	}
}

func (tr *Transfer) ID() domain.TransferID { return tr.id }

func (tr *Transfer) Ready() <-chan struct{} { return tr.ready }
func (tr *Transfer) Done() <-chan struct{}  { return tr.done }
func (tr *Transfer) Failed() <-chan error   { return tr.failed }

func (tr *Transfer) Observe() ports.Observation {
	tr.mu.Lock()
	obs := ports.Observation{
		SourceURI: tr.source,
		Paused:    tr.paused,
		CreatedAt: tr.createdAt,
		Comment:   tr.comment,
		CreatedBy: tr.createdBy,
	}
	tr.mu.Unlock()

	t := tr.t
	if t == nil {
		return obs
	}

	stats := t.Stats()
	obs.Name = torrentName(t)
	obs.Peers = stats.ActivePeers
	obs.Seeds = stats.ConnectedSeeders
	obs.BytesDownloaded = stats.BytesReadUsefulData.Int64()
	obs.BytesUploaded = stats.BytesWrittenData.Int64()
	obs.DownloadRate, obs.UploadRate = tr.sampleSpeed(stats, time.Now().UTC())

	if !tr.isReady() {
		return obs
	}
	obs.Ready = true

	length := t.Length()
	completed := tr.highWater(t.BytesCompleted())
	obs.Length = length
	if length > 0 {
		obs.Progress = float64(completed) / float64(length)
	}

	tr.mu.Lock()
	obs.Files = mapFiles(t, tr.deselected)
	fetch := tr.fetchPlanLocked(len(obs.Files))
	tr.mu.Unlock()

	wanted, have := selectedBytes(obs.Files, fetch)
	obs.Done = length > 0 && have >= wanted
	if !obs.Done && obs.DownloadRate > 0 {
		obs.TimeRemaining = time.Duration(float64(wanted-have) / float64(obs.DownloadRate) * float64(time.Second))
	}
	return obs
}

// highWater keeps BytesCompleted monotonic: after a restart anacrolix
// re-verifies pieces and the count can temporarily drop.
func (tr *Transfer) highWater(completed int64) int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if completed > tr.peakCompleted {
		tr.peakCompleted = completed
	}
	return tr.peakCompleted
}

func (tr *Transfer) isReady() bool {
	select {
	case <-tr.ready:
		return true
	default:
		return false
	}
}

func (tr *Transfer) closed() bool {
	if tr.t == nil {
		return false
	}
	select {
	case <-tr.t.Closed():
		return true
	default:
		return false
	}
}

// Pause hard-pauses the torrent: no data either way and no peers.
func (tr *Transfer) Pause() error {
	if tr.t == nil {
		return domain.ErrNotFound
	}
	tr.mu.Lock()
	tr.paused = true
	tr.mu.Unlock()
	hardPauseTorrent(tr.t)
	return nil
}

func (tr *Transfer) Resume() error {
	if tr.t == nil {
		return domain.ErrNotFound
	}
	tr.mu.Lock()
	tr.paused = false
	tr.mu.Unlock()
	tr.resume()
	return nil
}

// resume re-enables data transfer and peer connections, then applies the
// desired file plan in place of DownloadAll so deselected files stay skipped.
func (tr *Transfer) resume() {
	t := tr.t
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if torrentInfoReady(t) {
		tr.applyFilePlan()
	}
}

func hardPauseTorrent(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func (tr *Transfer) Destroy() error {
	if tr.t == nil {
		return nil
	}
	tr.t.Drop()
	if tr.engine != nil {
		tr.engine.forget(tr.id)
	}
	// Return memory promptly; dropped torrents can hold large piece buffers.
	go freeOSMemory()
	return nil
}

func (tr *Transfer) SetFileSelected(index int, selected bool) error {
	files, err := tr.files(index)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	if selected {
		delete(tr.deselected, index)
	} else {
		tr.deselected[index] = true
	}
	prio := tr.filePriorityLocked(index)
	tr.mu.Unlock()

	files[index].SetPriority(prio)
	return nil
}

func (tr *Transfer) SetFilePriority(index int, prio domain.FilePriority) error {
	files, err := tr.files(index)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.prios[index] = prio
	effective := tr.filePriorityLocked(index)
	tr.mu.Unlock()

	files[index].SetPriority(effective)
	return nil
}

func (tr *Transfer) files(index int) ([]*torrent.File, error) {
	if tr.t == nil || !torrentInfoReady(tr.t) {
		return nil, domain.ErrFileIndexOutOfRange
	}
	files := tr.t.Files()
	if index < 0 || index >= len(files) {
		return nil, domain.ErrFileIndexOutOfRange
	}
	return files, nil
}

// OpenFile returns a reader over a file and its base name. Reads stop
// waiting for missing pieces once ctx is done.
func (tr *Transfer) OpenFile(ctx context.Context, index int) (io.ReadCloser, string, error) {
	files, err := tr.files(index)
	if err != nil {
		return nil, "", err
	}
	f := files[index]
	r := f.NewReader()
	r.SetContext(ctx)
	return r, fileBase(f.Path()), nil
}

func (tr *Transfer) SetDownloadLimit(bytesPerSec int64) error {
	if tr.engine == nil {
		return domain.ErrUnsupported
	}
	tr.engine.setDownloadLimit(bytesPerSec)
	return nil
}

func (tr *Transfer) SetUploadLimit(bytesPerSec int64) error {
	if tr.engine == nil {
		return domain.ErrUnsupported
	}
	tr.engine.setUploadLimit(bytesPerSec)
	return nil
}

// onInfo records provenance, starts the download unless paused and
// announces readiness.
func (tr *Transfer) onInfo() {
	mi := tr.t.Metainfo()
	tr.mu.Lock()
	if mi.CreationDate > 0 {
		tr.createdAt = time.Unix(mi.CreationDate, 0).UTC()
	}
	tr.comment = mi.Comment
	tr.createdBy = mi.CreatedBy
	paused := tr.paused
	tr.mu.Unlock()

	if paused {
		hardPauseTorrent(tr.t)
	} else {
		tr.resume()
	}
	tr.readyOnce.Do(func() { close(tr.ready) })
}

func (tr *Transfer) selectedComplete() bool {
	if tr.t == nil || !torrentInfoReady(tr.t) {
		return false
	}
	tr.mu.Lock()
	files := mapFiles(tr.t, tr.deselected)
	fetch := tr.fetchPlanLocked(len(files))
	tr.mu.Unlock()
	wanted, have := selectedBytes(files, fetch)
	return tr.t.Length() > 0 && have >= wanted
}

func (tr *Transfer) markDone() {
	tr.doneOnce.Do(func() { close(tr.done) })
}

// fail delivers err without blocking; a pending undelivered error wins.
func (tr *Transfer) fail(err error) {
	select {
	case tr.failed <- err:
	default:
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (tr *Transfer) sampleSpeed(stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	tr.mu.Lock()
	defer tr.mu.Unlock()

	prev := tr.speed
	tr.speed = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := max(currentRead-prev.bytesRead, 0)
	deltaWritten := max(currentWritten-prev.bytesWritten, 0)

	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}

func mapFiles(t *torrent.Torrent, deselected map[int]bool) (mapped []ports.FileObservation) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]ports.FileObservation, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, ports.FileObservation{
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
			Selected:       !deselected[i],
		})
	}
	return mapped
}

// selectedBytes sums the files the client will actually fetch. fetch[i] is
// false for deselected and Skip files.
func selectedBytes(files []ports.FileObservation, fetch []bool) (wanted, have int64) {
	for i, f := range files {
		if i >= len(fetch) || !fetch[i] {
			continue
		}
		wanted += f.Length
		have += min(f.BytesCompleted, f.Length)
	}
	return wanted, have
}

// torrentName hides the placeholder anacrolix reports before metadata.
func torrentName(t *torrent.Torrent) string {
	name := t.Name()
	if strings.HasPrefix(name, "infohash:") {
		return ""
	}
	return name
}

func fileBase(p string) string {
	p = strings.TrimSuffix(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}
