package session

import (
	"context"

	"torrentdeck/internal/domain"
)

type signalKind int

const (
	signalReady signalKind = iota
	signalFailed
	signalDone
)

func (k signalKind) String() string {
	switch k {
	case signalReady:
		return "ready"
	case signalFailed:
		return "failed"
	case signalDone:
		return "done"
	default:
		return "unknown"
	}
}

type signal struct {
	id   domain.TransferID
	kind signalKind
	err  error
}

type subscription struct {
	handlers map[signalKind]func(signal)
	cancel   context.CancelFunc
}

// subscriptions is the per-transfer handler table. Each handler runs at most
// once; stop releases the whole entry. Loop-owned.
type subscriptions struct {
	byID map[domain.TransferID]*subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byID: make(map[domain.TransferID]*subscription)}
}

func (s *subscriptions) has(id domain.TransferID) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *subscriptions) add(id domain.TransferID, cancel context.CancelFunc, handlers map[signalKind]func(signal)) {
	s.byID[id] = &subscription{handlers: handlers, cancel: cancel}
}

// fire runs the handler for sig and reports whether one was registered.
func (s *subscriptions) fire(sig signal) bool {
	sub, ok := s.byID[sig.id]
	if !ok {
		return false
	}
	handler, ok := sub.handlers[sig.kind]
	if !ok {
		return false
	}
	delete(sub.handlers, sig.kind)
	handler(sig)
	return true
}

func (s *subscriptions) release(id domain.TransferID) {
	sub, ok := s.byID[id]
	if !ok {
		return
	}
	sub.cancel()
	delete(s.byID, id)
}

func (s *subscriptions) releaseAll() {
	for id := range s.byID {
		s.release(id)
	}
}
