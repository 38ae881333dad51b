package session

import "torrentdeck/internal/domain"

type overlayKey struct {
	id    domain.TransferID
	index int
}

// priorityOverlay holds file priorities set by commands. The engine view
// carries no priority, so reconciliation merges these in. Loop-owned.
type priorityOverlay struct {
	prios map[overlayKey]domain.FilePriority
}

func newPriorityOverlay() *priorityOverlay {
	return &priorityOverlay{prios: make(map[overlayKey]domain.FilePriority)}
}

func (o *priorityOverlay) set(id domain.TransferID, index int, prio domain.FilePriority) {
	o.prios[overlayKey{id: id, index: index}] = prio
}

func (o *priorityOverlay) get(id domain.TransferID, index int) domain.FilePriority {
	if prio, ok := o.prios[overlayKey{id: id, index: index}]; ok {
		return prio
	}
	return domain.PriorityNormal
}

func (o *priorityOverlay) forget(id domain.TransferID) {
	for key := range o.prios {
		if key.id == id {
			delete(o.prios, key)
		}
	}
}
