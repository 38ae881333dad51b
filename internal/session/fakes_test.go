package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
	"torrentdeck/internal/storage/blob"
)

// --- fake transfer ---

type fakeTransfer struct {
	id domain.TransferID

	mu        sync.Mutex
	obs       ports.Observation
	paused    bool
	destroyed bool
	pauseErr  error
	selection map[int]bool
	prios     map[int]domain.FilePriority
	content   string
	openErr   error
	openCtx   context.Context
	opens     int
	panics    bool

	ready  chan struct{}
	done   chan struct{}
	failed chan error
}

func newFakeTransfer(id domain.TransferID) *fakeTransfer {
	return &fakeTransfer{
		id:        id,
		selection: make(map[int]bool),
		prios:     make(map[int]domain.FilePriority),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

func (f *fakeTransfer) ID() domain.TransferID { return f.id }

func (f *fakeTransfer) Observe() ports.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("observe exploded")
	}
	obs := f.obs
	obs.Paused = f.paused
	obs.Files = append([]ports.FileObservation{}, f.obs.Files...)
	for i := range obs.Files {
		if sel, ok := f.selection[i]; ok {
			obs.Files[i].Selected = sel
		}
	}
	return obs
}

func (f *fakeTransfer) setObservation(obs ports.Observation) {
	f.mu.Lock()
	f.obs = obs
	f.mu.Unlock()
}

func (f *fakeTransfer) setPanics(v bool) {
	f.mu.Lock()
	f.panics = v
	f.mu.Unlock()
}

func (f *fakeTransfer) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = true
	return nil
}

func (f *fakeTransfer) Resume() error {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) Destroy() error {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *fakeTransfer) SetFileSelected(index int, selected bool) error {
	f.mu.Lock()
	f.selection[index] = selected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfer) OpenFile(ctx context.Context, index int) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.openCtx = ctx
	if f.openErr != nil {
		return nil, "", f.openErr
	}
	name := ""
	if index < len(f.obs.Files) {
		name = fileName(f.obs.Files[index].Path)
	}
	return io.NopCloser(strings.NewReader(f.content)), name, nil
}

func (f *fakeTransfer) Ready() <-chan struct{} { return f.ready }
func (f *fakeTransfer) Done() <-chan struct{}  { return f.done }
func (f *fakeTransfer) Failed() <-chan error   { return f.failed }

// limitedTransfer adds throttle support to fakeTransfer.
type limitedTransfer struct {
	*fakeTransfer

	limitMu  sync.Mutex
	down, up []int64
}

func newLimitedTransfer(id domain.TransferID) *limitedTransfer {
	return &limitedTransfer{fakeTransfer: newFakeTransfer(id)}
}

func (l *limitedTransfer) SetDownloadLimit(bps int64) error {
	l.limitMu.Lock()
	l.down = append(l.down, bps)
	l.limitMu.Unlock()
	return nil
}

func (l *limitedTransfer) SetUploadLimit(bps int64) error {
	l.limitMu.Lock()
	l.up = append(l.up, bps)
	l.limitMu.Unlock()
	return nil
}

func (l *limitedTransfer) downloadLimits() []int64 {
	l.limitMu.Lock()
	defer l.limitMu.Unlock()
	return append([]int64{}, l.down...)
}

// --- fake engine ---

type fakeEngine struct {
	mu        sync.Mutex
	transfers map[domain.TransferID]ports.Transfer
	order     []domain.TransferID
	pending   []ports.Transfer
	addCalls  []string
	addErr    error
	closed    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{transfers: make(map[domain.TransferID]ports.Transfer)}
}

// queue makes t the result of the next Add call.
func (f *fakeEngine) queue(t ports.Transfer) {
	f.mu.Lock()
	f.pending = append(f.pending, t)
	f.mu.Unlock()
}

func (f *fakeEngine) put(t ports.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transfers[t.ID()]; !ok {
		f.order = append(f.order, t.ID())
	}
	f.transfers[t.ID()] = t
}

func (f *fakeEngine) Add(ctx context.Context, source string) (ports.Transfer, error) {
	f.mu.Lock()
	f.addCalls = append(f.addCalls, source)
	if f.addErr != nil {
		f.mu.Unlock()
		return nil, f.addErr
	}
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no transfer queued")
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	f.put(t)
	return t, nil
}

func (f *fakeEngine) Get(id domain.TransferID) (ports.Transfer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok || destroyed(t) {
		return nil, false
	}
	return t, true
}

func (f *fakeEngine) Transfers() []ports.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.Transfer, 0, len(f.order))
	for _, id := range f.order {
		t := f.transfers[id]
		if destroyed(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func destroyed(t ports.Transfer) bool {
	switch v := t.(type) {
	case *fakeTransfer:
		return v.isDestroyed()
	case *limitedTransfer:
		return v.isDestroyed()
	}
	return false
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.addCalls)
}

// --- fake ticker ---

type manualTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	initial time.Duration
	resets  []time.Duration
	stopped bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Reset(d time.Duration) {
	m.mu.Lock()
	m.resets = append(m.resets, d)
	m.mu.Unlock()
}

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) resetCalls() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration{}, m.resets...)
}

// --- notification recorder ---

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Notify(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// --- harness ---

type harness struct {
	session  *Session
	engine   *fakeEngine
	ticker   *manualTicker
	events   *eventRecorder
	released *[]time.Duration
	saved    *[]domain.Blob
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		engine:   newFakeEngine(),
		ticker:   newManualTicker(),
		events:   &eventRecorder{},
		released: &[]time.Duration{},
		saved:    &[]domain.Blob{},
	}
	var mu sync.Mutex
	store := blob.NewStore(
		blob.WithDir(t.TempDir()),
		blob.WithLogger(discardLogger()),
		blob.WithClock(nil, func(d time.Duration, _ func()) {
			mu.Lock()
			*h.released = append(*h.released, d)
			mu.Unlock()
		}),
	)

	base := []Option{
		WithLogger(discardLogger()),
		WithNotifier(h.events),
		WithBlobStore(store),
		WithSaveAction(func(b domain.Blob) { *h.saved = append(*h.saved, b) }),
		withTicker(func(d time.Duration) ticker {
			h.ticker.initial = d
			return h.ticker
		}),
	}
	h.session = New(func(context.Context) (ports.Engine, error) { return h.engine, nil }, append(base, opts...)...)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

// tick delivers one timer tick and waits until the loop has handled it.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.ticker.ch <- time.Now()
	h.barrier(t)
}

func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.session.submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readyObservation(name string, files ...ports.FileObservation) ports.Observation {
	var length int64
	for _, f := range files {
		length += f.Length
	}
	return ports.Observation{Name: name, Ready: true, Length: length, Files: files}
}
