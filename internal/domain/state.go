package domain

import "time"

// Snapshot is one full-replacement view of the registry produced by a single
// reconciliation pass.
type Snapshot struct {
	Generation uint64           `json:"generation"`
	ObservedAt time.Time        `json:"observedAt"`
	Transfers  []TransferRecord `json:"transfers"`
}

// Find returns the record with the given id.
func (s Snapshot) Find(id TransferID) (TransferRecord, bool) {
	for _, r := range s.Transfers {
		if r.ID == id {
			return r, true
		}
	}
	return TransferRecord{}, false
}

// Without returns a copy of the snapshot with the given transfer removed.
func (s Snapshot) Without(id TransferID) Snapshot {
	out := Snapshot{Generation: s.Generation, ObservedAt: s.ObservedAt}
	out.Transfers = make([]TransferRecord, 0, len(s.Transfers))
	for _, r := range s.Transfers {
		if r.ID != id {
			out.Transfers = append(out.Transfers, r)
		}
	}
	return out
}
