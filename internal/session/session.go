package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
	"torrentdeck/internal/metrics"
	"torrentdeck/internal/storage/blob"
)

// ticker is the reconciliation timer. Reset replaces the outstanding period
// without delivering a stale tick.
type ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time   { return r.t.C }
func (r realTicker) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTicker) Stop()                 { r.t.Stop() }

func newRealTicker(d time.Duration) ticker { return realTicker{t: time.NewTicker(d)} }

type command struct {
	ctx    context.Context
	name   string
	run    func(ctx context.Context) error
	result chan error
}

// Session ties the engine handle, registry, reconciler and command
// dispatcher together. All mutable session state is owned by one event-loop
// goroutine; commands, timer ticks and engine signals are serialized there.
type Session struct {
	handle     *EngineHandle
	registry   *Registry
	selection  *SelectionState
	bandwidth  *BandwidthPolicy
	reconciler *Reconciler
	overlay    *priorityOverlay
	subs       *subscriptions
	blobs      *blob.Store

	notifier   ports.Notifier
	save       func(domain.Blob)
	onSnapshot func(domain.Snapshot)
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newTicker  func(time.Duration) ticker

	cadence   Cadence
	powerSave atomic.Bool
	limits    Limits

	cmds    chan command
	signals chan signal
	tick    ticker

	lifeMu    sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	loopCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNotifier(n ports.Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithCadence(c Cadence) Option {
	return func(s *Session) {
		if c.Normal > 0 {
			s.cadence.Normal = c.Normal
		}
		if c.PowerSave > 0 {
			s.cadence.PowerSave = c.PowerSave
		}
	}
}

func WithPowerSave(enabled bool) Option {
	return func(s *Session) { s.powerSave.Store(enabled) }
}

func WithLimits(l Limits) Option {
	return func(s *Session) { s.limits = l }
}

func WithBlobStore(store *blob.Store) Option {
	return func(s *Session) {
		if store != nil {
			s.blobs = store
		}
	}
}

// WithSaveAction sets the hook invoked with each materialized blob. It must
// not block.
func WithSaveAction(fn func(domain.Blob)) Option {
	return func(s *Session) {
		if fn != nil {
			s.save = fn
		}
	}
}

// WithSnapshotListener is called on the loop goroutine after every publish.
// It must not block.
func WithSnapshotListener(fn func(domain.Snapshot)) Option {
	return func(s *Session) { s.onSnapshot = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func withTicker(fn func(time.Duration) ticker) Option {
	return func(s *Session) { s.newTicker = fn }
}

func New(factory ports.EngineFactory, opts ...Option) *Session {
	s := &Session{
		handle:    NewEngineHandle(factory),
		registry:  NewRegistry(),
		selection: &SelectionState{},
		overlay:   newPriorityOverlay(),
		subs:      newSubscriptions(),
		notifier:  ports.NotifierFunc(func(domain.Event) {}),
		save:      func(domain.Blob) {},
		logger:    slog.Default(),
		tracer:    otel.Tracer("torrentdeck/session"),
		now:       time.Now,
		newTicker: newRealTicker,
		cadence:   DefaultCadence(),
		cmds:      make(chan command),
		signals:   make(chan signal, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blobs == nil {
		s.blobs = blob.NewStore(blob.WithLogger(s.logger))
	}
	s.bandwidth = NewBandwidthPolicy(s.limits, s.logger)
	s.reconciler = newReconciler(s.registry, s.overlay, s.logger, s.now)
	return s
}

// Start initializes the engine and launches the event loop. The loop runs
// even when initialization fails so reads keep answering; the error is
// returned once and reported as engine-unavailable.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	s.started.Store(true)

	initErr := s.handle.Initialize(ctx)
	if initErr != nil {
		s.logger.Error("engine initialization failed", slog.String("error", initErr.Error()))
		s.notify(domain.Event{Kind: domain.EventEngineUnavailable, Message: initErr.Error()})
	}

	s.loopCtx, s.cancel = context.WithCancel(context.Background())
	s.tick = s.newTicker(s.Cadence())
	metrics.PowerSave.Set(boolGauge(s.powerSave.Load()))
	go s.loop()
	return initErr
}

// Close stops the loop, releases all subscriptions and tears the engine
// down. Pending blob releases still fire.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closed.Store(true)
		cancel := s.cancel
		s.lifeMu.Unlock()

		if cancel != nil {
			cancel()
			<-s.done
		} else {
			close(s.done)
		}
		err = s.handle.Teardown()
	})
	return err
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.tick.Stop()
	defer s.subs.releaseAll()

	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-s.tick.C():
			s.reconcile(triggerTick)
		case cmd := <-s.cmds:
			cmd.result <- cmd.run(cmd.ctx)
		case sig := <-s.signals:
			if !s.subs.fire(sig) {
				s.logger.Debug("signal without subscriber",
					slog.String("id", string(sig.id)),
					slog.String("signal", sig.kind.String()))
			}
		}
	}
}

// exec runs fn on the loop goroutine and waits for its result.
func (s *Session) exec(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "session."+name)
	defer span.End()

	err := s.submit(ctx, fn)
	observeCommand(span, name, err)
	return err
}

func (s *Session) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	cmd := command{ctx: ctx, run: fn, result: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func observeCommand(span trace.Span, name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("session.command.result", result))
	metrics.CommandsTotal.WithLabelValues(name, result).Inc()
}

// reconcile runs a pass against the live engine. Loop goroutine only.
func (s *Session) reconcile(trigger string) domain.Snapshot {
	engine, _ := s.handle.Engine()
	snap := s.reconciler.Reconcile(engine, trigger)
	s.publish(snap)
	return snap
}

func (s *Session) publish(snap domain.Snapshot) {
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

func (s *Session) notify(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	metrics.NotificationsTotal.WithLabelValues(string(ev.Kind)).Inc()
	s.notifier.Notify(ev)
}

// Snapshot returns the latest published registry contents.
func (s *Session) Snapshot() domain.Snapshot { return s.registry.Snapshot() }

func (s *Session) Transfer(id domain.TransferID) (domain.TransferRecord, bool) {
	return s.registry.Get(id)
}

func (s *Session) Selected() (domain.TransferID, bool) { return s.selection.Selected() }

func (s *Session) Limits() Limits { return s.bandwidth.Limits() }

func (s *Session) EngineReady() bool { return s.handle.Ready() }

func (s *Session) PowerSave() bool { return s.powerSave.Load() }

// Cadence is the current reconciliation period.
func (s *Session) Cadence() time.Duration { return s.cadence.For(s.powerSave.Load()) }

func (s *Session) Blobs() *blob.Store { return s.blobs }

// SetPowerSave switches the reconciliation cadence. The outstanding timer
// is replaced exactly once; re-asserting the current mode is a no-op.
func (s *Session) SetPowerSave(ctx context.Context, enabled bool) error {
	return s.exec(ctx, "set-power-save", func(context.Context) error {
		if s.powerSave.Load() == enabled {
			return nil
		}
		s.powerSave.Store(enabled)
		cadence := s.cadence.For(enabled)
		s.tick.Reset(cadence)
		metrics.PowerSave.Set(boolGauge(enabled))
		s.logger.Info("reconcile cadence changed",
			slog.Bool("powerSave", enabled),
			slog.Duration("interval", cadence))
		return nil
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
