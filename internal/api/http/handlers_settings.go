package apihttp

import (
	"net/http"
	"time"

	"torrentdeck/internal/domain"
)

const kib = 1024

// Preset throttles offered to clients, in bytes per second. Zero is unlimited.
var (
	downloadPresets = []int64{0, 512 * kib, 1024 * kib, 2048 * kib, 5120 * kib, 10240 * kib}
	uploadPresets   = []int64{0, 128 * kib, 256 * kib, 512 * kib, 1024 * kib, 2048 * kib}
)

type bandwidthResponse struct {
	DownloadLimit   int64   `json:"downloadLimit"`
	UploadLimit     int64   `json:"uploadLimit"`
	DownloadPresets []int64 `json:"downloadPresets"`
	UploadPresets   []int64 `json:"uploadPresets"`
}

type updateBandwidthRequest struct {
	DownloadLimit *int64 `json:"downloadLimit"`
	UploadLimit   *int64 `json:"uploadLimit"`
}

type powerSaveResponse struct {
	Enabled    bool  `json:"enabled"`
	IntervalMs int64 `json:"intervalMs"`
}

type updatePowerSaveRequest struct {
	Enabled *bool `json:"enabled"`
}

type selectionResponse struct {
	SelectedID *domain.TransferID `json:"selectedId"`
}

type healthResponse struct {
	Status      string    `json:"status"`
	CheckedAt   time.Time `json:"checkedAt"`
	EngineReady bool      `json:"engineReady"`
	PowerSave   bool      `json:"powerSave"`
	IntervalMs  int64     `json:"intervalMs"`
	Transfers   int       `json:"transfers"`
	Generation  uint64    `json:"generation"`
}

func (s *Server) handleBandwidthSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.bandwidthBody())
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateBandwidth(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) bandwidthBody() bandwidthResponse {
	limits := s.session.Limits()
	return bandwidthResponse{
		DownloadLimit:   limits.Download,
		UploadLimit:     limits.Upload,
		DownloadPresets: downloadPresets,
		UploadPresets:   uploadPresets,
	}
}

func (s *Server) handleUpdateBandwidth(w http.ResponseWriter, r *http.Request) {
	var body updateBandwidthRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.DownloadLimit == nil && body.UploadLimit == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "downloadLimit or uploadLimit is required")
		return
	}
	if (body.DownloadLimit != nil && *body.DownloadLimit < 0) || (body.UploadLimit != nil && *body.UploadLimit < 0) {
		writeSessionError(w, domain.ErrInvalidLimit)
		return
	}

	if body.DownloadLimit != nil {
		if err := s.session.SetDownloadLimit(r.Context(), *body.DownloadLimit); err != nil {
			writeSessionError(w, err)
			return
		}
	}
	if body.UploadLimit != nil {
		if err := s.session.SetUploadLimit(r.Context(), *body.UploadLimit); err != nil {
			writeSessionError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.bandwidthBody())
}

func (s *Server) handlePowerSaveSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.powerSaveBody())
	case http.MethodPatch, http.MethodPut:
		var body updatePowerSaveRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
			return
		}
		if err := s.session.SetPowerSave(r.Context(), *body.Enabled); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.powerSaveBody())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) powerSaveBody() powerSaveResponse {
	return powerSaveResponse{
		Enabled:    s.session.PowerSave(),
		IntervalMs: s.session.Cadence().Milliseconds(),
	}
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var resp selectionResponse
	if id, ok := s.session.Selected(); ok {
		resp.SelectedID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.session.Snapshot()
	resp := healthResponse{
		Status:      "ok",
		CheckedAt:   time.Now().UTC(),
		EngineReady: s.session.EngineReady(),
		PowerSave:   s.session.PowerSave(),
		IntervalMs:  s.session.Cadence().Milliseconds(),
		Transfers:   len(snap.Transfers),
		Generation:  snap.Generation,
	}
	status := http.StatusOK
	if !resp.EngineReady {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
