package session

import (
	"sync/atomic"

	"torrentdeck/internal/domain"
)

// Registry holds the latest published snapshot. Only the Reconciler writes
// it; every other reader gets a deep copy.
type Registry struct {
	current atomic.Pointer[domain.Snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&domain.Snapshot{Transfers: []domain.TransferRecord{}})
	return r
}

func (r *Registry) Snapshot() domain.Snapshot {
	snap := r.load()
	out := snap
	out.Transfers = make([]domain.TransferRecord, len(snap.Transfers))
	for i, rec := range snap.Transfers {
		out.Transfers[i] = cloneRecord(rec)
	}
	return out
}

func (r *Registry) Get(id domain.TransferID) (domain.TransferRecord, bool) {
	rec, ok := r.load().Find(id)
	if !ok {
		return domain.TransferRecord{}, false
	}
	return cloneRecord(rec), true
}

func (r *Registry) load() domain.Snapshot {
	return *r.current.Load()
}

func (r *Registry) publish(snap domain.Snapshot) {
	r.current.Store(&snap)
}

func cloneRecord(rec domain.TransferRecord) domain.TransferRecord {
	rec.Files = append([]domain.FileRecord{}, rec.Files...)
	if rec.CreatedAt != nil {
		at := *rec.CreatedAt
		rec.CreatedAt = &at
	}
	return rec
}
