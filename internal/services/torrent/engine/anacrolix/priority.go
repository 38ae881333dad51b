package anacrolix

import (
	"github.com/anacrolix/torrent"

	"torrentdeck/internal/domain"
)

func mapPriority(prio domain.FilePriority) torrent.PiecePriority {
	switch prio {
	case domain.PrioritySkip:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityHigh
	case domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	default:
		return torrent.PiecePriorityNormal
	}
}

// filePriorityLocked is the piece priority a file should carry given its
// desired selection and priority. Caller must hold tr.mu.
func (tr *Transfer) filePriorityLocked(index int) torrent.PiecePriority {
	if tr.deselected[index] {
		return torrent.PiecePriorityNone
	}
	prio, ok := tr.prios[index]
	if !ok {
		return torrent.PiecePriorityNormal
	}
	return mapPriority(prio)
}

// fetchPlanLocked reports, per file, whether the client will download it.
// Caller must hold tr.mu.
func (tr *Transfer) fetchPlanLocked(n int) []bool {
	plan := make([]bool, n)
	for i := range plan {
		plan[i] = tr.filePriorityLocked(i) != torrent.PiecePriorityNone
	}
	return plan
}

// applyFilePlan sets every file's priority from the desired state. It stands
// in for DownloadAll so deselected files are not fetched.
func (tr *Transfer) applyFilePlan() {
	files := tr.t.Files()
	tr.mu.Lock()
	plan := make([]torrent.PiecePriority, len(files))
	for i := range files {
		plan[i] = tr.filePriorityLocked(i)
	}
	tr.mu.Unlock()
	for i, f := range files {
		f.SetPriority(plan[i])
	}
}
