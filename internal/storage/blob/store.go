package blob

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/metrics"
)

const DefaultTTL = 30 * time.Second

// Store materializes completed files into temp files on disk and releases
// them after a fixed delay. Release timers are independent of session
// teardown.
type Store struct {
	mu    sync.Mutex
	blobs map[string]domain.Blob

	dir       string
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func())
}

type Option func(*Store)

func WithDir(dir string) Option {
	return func(s *Store) {
		trimmed := strings.TrimSpace(dir)
		if trimmed == "" {
			return
		}
		cleaned := filepath.Clean(trimmed)
		if abs, err := filepath.Abs(cleaned); err == nil {
			cleaned = abs
		}
		s.dir = cleaned
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time sources, mainly for tests.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func())) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
		if afterFunc != nil {
			s.afterFunc = afterFunc
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		blobs:  make(map[string]domain.Blob),
		dir:    filepath.Join(os.TempDir(), "torrentdeck-blobs"),
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// Materialize copies r into a new blob. On failure nothing is registered and
// no release is scheduled.
func (s *Store) Materialize(id domain.TransferID, index int, name string, r io.Reader) (domain.Blob, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return domain.Blob{}, fmt.Errorf("create blob dir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, "blob-*")
	if err != nil {
		return domain.Blob{}, fmt.Errorf("create blob file: %w", err)
	}
	size, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(f.Name())
		return domain.Blob{}, fmt.Errorf("write blob: %w", err)
	}

	b := domain.Blob{
		Token:      uuid.NewString(),
		TransferID: id,
		FileIndex:  index,
		Name:       name,
		Size:       size,
		Path:       f.Name(),
		ExpiresAt:  s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.blobs[b.Token] = b
	live := len(s.blobs)
	s.mu.Unlock()
	metrics.LiveBlobs.Set(float64(live))

	s.logger.Debug("blob materialized",
		slog.String("token", b.Token),
		slog.String("id", string(id)),
		slog.Int64("size", size))
	return b, nil
}

// ScheduleRelease releases the blob once its TTL elapses.
func (s *Store) ScheduleRelease(token string) {
	s.afterFunc(s.ttl, func() { s.Release(token) })
}

// Open returns the blob and an open handle to its content.
func (s *Store) Open(token string) (domain.Blob, *os.File, error) {
	s.mu.Lock()
	b, ok := s.blobs[token]
	s.mu.Unlock()
	if !ok {
		return domain.Blob{}, nil, domain.ErrNotFound
	}
	f, err := os.Open(b.Path)
	if err != nil {
		return domain.Blob{}, nil, err
	}
	return b, f, nil
}

func (s *Store) Release(token string) {
	s.mu.Lock()
	b, ok := s.blobs[token]
	delete(s.blobs, token)
	live := len(s.blobs)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.LiveBlobs.Set(float64(live))
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("blob release failed",
			slog.String("token", token),
			slog.String("error", err.Error()))
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
