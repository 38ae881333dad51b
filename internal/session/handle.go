package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

// EngineHandle is the single owner of the transfer engine instance. No other
// component constructs or closes the engine.
type EngineHandle struct {
	factory ports.EngineFactory
	mu      sync.RWMutex
	engine  ports.Engine
}

func NewEngineHandle(factory ports.EngineFactory) *EngineHandle {
	return &EngineHandle{factory: factory}
}

// Initialize creates the engine. Calling it again while an engine is live is
// a no-op.
func (h *EngineHandle) Initialize(ctx context.Context) (err error) {
	if h == nil || h.factory == nil {
		return domain.ErrEngineUnavailable
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrEngineInitFailed, r)
		}
	}()

	engine, err := h.factory(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrEngineUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrEngineInitFailed, err)
	}
	if engine == nil {
		return fmt.Errorf("%w: factory returned no engine", domain.ErrEngineInitFailed)
	}
	h.engine = engine
	return nil
}

// Teardown releases the engine. Safe to call when never initialized.
func (h *EngineHandle) Teardown() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	engine := h.engine
	h.engine = nil
	h.mu.Unlock()

	if engine == nil {
		return nil
	}
	return engine.Close()
}

// Engine returns the live engine or ErrEngineNotReady.
func (h *EngineHandle) Engine() (ports.Engine, error) {
	if h == nil {
		return nil, domain.ErrEngineNotReady
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine == nil {
		return nil, domain.ErrEngineNotReady
	}
	return h.engine, nil
}

func (h *EngineHandle) Ready() bool {
	_, err := h.Engine()
	return err == nil
}
