package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

// defaultMaxConns is the value restored when resuming a hard-paused torrent.
const defaultMaxConns = 35

// addMagnetTimeout caps the time we wait for the anacrolix client to accept
// a magnet link. AddMagnet can block on an internal client mutex when the
// client is busy resolving metadata for another torrent.
const (
	addMagnetTimeout       = 10 * time.Second
	defaultMetadataTimeout = 10 * time.Minute
	completionPoll         = time.Second
)

type Config struct {
	DataDir         string
	ListenPort      int
	NoUpload        bool
	Seed            bool
	MetadataTimeout time.Duration
	Logger          *slog.Logger
}

// Engine adapts an anacrolix client to the session's engine port. Bandwidth
// limits are client-wide: anacrolix shares one limiter per direction across
// all torrents.
type Engine struct {
	client   *torrent.Client
	download *rate.Limiter
	upload   *rate.Limiter
	logger   *slog.Logger

	metadataTimeout time.Duration
	pollInterval    time.Duration

	mu        sync.RWMutex
	transfers map[domain.TransferID]*Transfer

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	clientConfig.NoUpload = cfg.NoUpload
	clientConfig.Seed = cfg.Seed

	e := newEngine(cfg)
	clientConfig.DownloadRateLimiter = e.download
	clientConfig.UploadRateLimiter = e.upload

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		e.cancel()
		return nil, err
	}
	e.client = client
	return e, nil
}

// Factory defers client construction to the session's engine handle.
func Factory(cfg Config) ports.EngineFactory {
	return func(ctx context.Context) (ports.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(cfg)
	}
}

func newEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.MetadataTimeout
	if timeout <= 0 {
		timeout = defaultMetadataTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		download:        rate.NewLimiter(rate.Inf, 0),
		upload:          rate.NewLimiter(rate.Inf, 0),
		logger:          logger,
		metadataTimeout: timeout,
		pollInterval:    completionPoll,
		transfers:       make(map[domain.TransferID]*Transfer),
		ctx:             ctx,
		cancel:          cancel,
	}
}

func (e *Engine) Add(ctx context.Context, source string) (ports.Transfer, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	magnet, dropped, err := sanitizeMagnet(source)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		e.logger.Info("dropped unsupported trackers", slog.Int("count", len(dropped)))
	}

	t, err := e.addMagnet(ctx, magnet)
	if err != nil {
		return nil, err
	}

	id := domain.TransferID(t.InfoHash().HexString())

	e.mu.Lock()
	if existing, ok := e.transfers[id]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	tr := newTransfer(e, t, id, magnet)
	e.transfers[id] = tr
	e.mu.Unlock()

	go e.track(tr)
	return tr, nil
}

// addMagnet runs AddMagnet with a timeout so we never block the caller
// indefinitely if the anacrolix client is busy.
func (e *Engine) addMagnet(ctx context.Context, magnet string) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := e.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()

	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	select {
	case res := <-ch:
		return res.t, res.err
	case <-time.After(addMagnetTimeout):
		dropLate()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}
}

// track waits for metadata, starts the download and watches for completion.
// A metadata timeout reports an error but keeps the transfer; metadata may
// still arrive later.
func (e *Engine) track(tr *Transfer) {
	t := tr.t
	timeout := time.NewTimer(e.metadataTimeout)
	defer timeout.Stop()

	select {
	case <-e.ctx.Done():
		return
	case <-t.Closed():
		return
	case <-t.GotInfo():
	case <-timeout.C:
		tr.fail(fmt.Errorf("metadata not received within %s", e.metadataTimeout))
		select {
		case <-e.ctx.Done():
			return
		case <-t.Closed():
			return
		case <-t.GotInfo():
		}
	}

	tr.onInfo()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		if tr.selectedComplete() {
			tr.markDone()
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case <-t.Closed():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) Get(id domain.TransferID) (ports.Transfer, bool) {
	tr := e.lookup(id)
	if tr == nil {
		return nil, false
	}
	return tr, true
}

func (e *Engine) lookup(id domain.TransferID) *Transfer {
	e.mu.RLock()
	tr := e.transfers[id]
	e.mu.RUnlock()
	if tr == nil {
		return nil
	}
	if tr.closed() {
		e.forget(id)
		return nil
	}
	return tr
}

func (e *Engine) Transfers() []ports.Transfer {
	e.mu.RLock()
	out := make([]ports.Transfer, 0, len(e.transfers))
	var gone []domain.TransferID
	for id, tr := range e.transfers {
		if tr.closed() {
			gone = append(gone, id)
			continue
		}
		out = append(out, tr)
	}
	e.mu.RUnlock()
	for _, id := range gone {
		e.forget(id)
	}
	return out
}

func (e *Engine) forget(id domain.TransferID) {
	e.mu.Lock()
	delete(e.transfers, id)
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func (e *Engine) setDownloadLimit(bytesPerSec int64) {
	if setLimit(e.download, bytesPerSec) {
		e.logger.Info("download rate limit changed", slog.Int64("bytesPerSec", bytesPerSec))
	}
}

func (e *Engine) setUploadLimit(bytesPerSec int64) {
	if setLimit(e.upload, bytesPerSec) {
		e.logger.Info("upload rate limit changed", slog.Int64("bytesPerSec", bytesPerSec))
	}
}

// minBurst keeps the bucket larger than any single anacrolix chunk read.
const minBurst = 256 << 10

// setLimit applies bytesPerSec to l and reports whether it changed.
// Non-positive values remove the limit.
func setLimit(l *rate.Limiter, bytesPerSec int64) bool {
	want := rate.Inf
	if bytesPerSec > 0 {
		want = rate.Limit(bytesPerSec)
	}
	if l.Limit() == want {
		return false
	}
	l.SetLimit(want)
	if bytesPerSec > 0 {
		l.SetBurst(int(max(bytesPerSec, minBurst)))
	}
	return true
}

// freeOSMemory returns freed memory to the OS after a torrent is dropped.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
