package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Session is the command and read surface the API needs from the torrent
// session.
type Session interface {
	AddTransfer(ctx context.Context, source string) (domain.TransferID, error)
	PauseTransfer(ctx context.Context, id domain.TransferID) error
	ResumeTransfer(ctx context.Context, id domain.TransferID) error
	StopTransfer(ctx context.Context, id domain.TransferID) error
	SelectTransfer(ctx context.Context, id domain.TransferID) error
	SetFileSelection(ctx context.Context, id domain.TransferID, index int, selected bool) error
	SetFilePriority(ctx context.Context, id domain.TransferID, index int, prio domain.FilePriority) error
	RequestFileDownload(ctx context.Context, id domain.TransferID, index int) (domain.Blob, error)
	SetDownloadLimit(ctx context.Context, bytesPerSec int64) error
	SetUploadLimit(ctx context.Context, bytesPerSec int64) error
	SetPowerSave(ctx context.Context, enabled bool) error

	Snapshot() domain.Snapshot
	Transfer(id domain.TransferID) (domain.TransferRecord, bool)
	Selected() (domain.TransferID, bool)
	Limits() session.Limits
	PowerSave() bool
	Cadence() time.Duration
	EngineReady() bool
}

// BlobStore serves materialized file copies by token.
type BlobStore interface {
	Open(token string) (domain.Blob, *os.File, error)
}

type Server struct {
	session        Session
	blobs          BlobStore
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the global token bucket applied to API requests.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

func WithBlobStore(store BlobStore) ServerOption {
	return func(s *Server) {
		s.blobs = store
	}
}

func NewServer(sess Session, opts ...ServerOption) *Server {
	s := &Server{
		session:   sess,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/transfers", s.handleTransfers)
	mux.HandleFunc("/transfers/", s.handleTransferByID)
	mux.HandleFunc("/blobs/", s.handleBlob)
	mux.HandleFunc("/selection", s.handleSelection)
	mux.HandleFunc("/settings/bandwidth", s.handleBandwidthSettings)
	mux.HandleFunc("/settings/power-save", s.handlePowerSaveSettings)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger)(mux), "torrentdeck",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/ws" && !classify(r.URL.Path).quiet
		}),
	)
	s.handler = chain(traced,
		recoveryMiddleware(s.logger),
		rateLimitMiddleware(s.rateRPS, s.rateBurst),
		metricsMiddleware,
		corsMiddleware(s.allowedOrigins),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	// New clients get the current snapshot without waiting for the next tick.
	if s.session != nil {
		if payload, err := encodeMessage("snapshot", s.transfersBody(s.session.Snapshot())); err == nil {
			client.send <- payload
		}
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// Notify pushes a session notification to every websocket client.
func (s *Server) Notify(ev domain.Event) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("notification", ev)
	}
}

// BroadcastSnapshot pushes a freshly published snapshot.
func (s *Server) BroadcastSnapshot(snap domain.Snapshot) {
	if s.wsHub == nil || s.session == nil {
		return
	}
	s.wsHub.Broadcast("snapshot", s.transfersBody(snap))
}

// BroadcastSave asks clients to fetch a materialized blob before it expires.
func (s *Server) BroadcastSave(b domain.Blob) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("save", newDownloadResponse(b))
	}
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
