package session

import (
	"sync"

	"torrentdeck/internal/domain"
)

// SelectionState tracks the transfer focused for detail display. It is only
// cleared by an explicit stop, never by reconciliation.
type SelectionState struct {
	mu sync.RWMutex
	id domain.TransferID
}

func (s *SelectionState) Select(id domain.TransferID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *SelectionState) Selected() (domain.TransferID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != ""
}

// ClearIf clears the selection when it points at id and reports whether it did.
func (s *SelectionState) ClearIf(id domain.TransferID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" || s.id != id {
		return false
	}
	s.id = ""
	return true
}
