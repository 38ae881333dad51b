package apihttp

import (
	"mime"
	"net/http"
	"strings"
	"time"

	"torrentdeck/internal/domain"
)

type transfersResponse struct {
	Items      []domain.TransferRecord `json:"items"`
	Count      int                     `json:"count"`
	Generation uint64                  `json:"generation"`
	ObservedAt time.Time               `json:"observedAt"`
	SelectedID domain.TransferID       `json:"selectedId,omitempty"`
}

type addTransferRequest struct {
	Source string `json:"source"`
}

type addTransferResponse struct {
	ID domain.TransferID `json:"id"`
}

type fileSelectionRequest struct {
	Selected *bool `json:"selected"`
}

type filePriorityRequest struct {
	Priority *int `json:"priority"`
}

type downloadResponse struct {
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newDownloadResponse(b domain.Blob) downloadResponse {
	return downloadResponse{
		URL:       "/blobs/" + b.Token,
		Name:      b.Name,
		Size:      b.Size,
		ExpiresAt: b.ExpiresAt,
	}
}

func (s *Server) transfersBody(snap domain.Snapshot) transfersResponse {
	items := snap.Transfers
	if items == nil {
		items = []domain.TransferRecord{}
	}
	resp := transfersResponse{
		Items:      items,
		Count:      len(items),
		Generation: snap.Generation,
		ObservedAt: snap.ObservedAt,
	}
	if id, ok := s.session.Selected(); ok {
		resp.SelectedID = id
	}
	return resp
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		writeJSON(w, http.StatusOK, s.transfersBody(s.session.Snapshot()))
	case http.MethodPost:
		s.handleAddTransfer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAddTransfer(w http.ResponseWriter, r *http.Request) {
	var body addTransferRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	id, err := s.session.AddTransfer(r.Context(), body.Source)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, addTransferResponse{ID: id})
}

func (s *Server) handleTransferByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transfers/"), "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(path, "/")
	id := domain.TransferID(parts[0])
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			s.handleGetTransfer(w, id)
		case http.MethodDelete:
			s.runCommand(w, http.StatusNoContent, func() error {
				return s.session.StopTransfer(r.Context(), id)
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case 2:
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		switch parts[1] {
		case "pause":
			s.runCommand(w, http.StatusNoContent, func() error {
				return s.session.PauseTransfer(r.Context(), id)
			})
		case "resume":
			s.runCommand(w, http.StatusNoContent, func() error {
				return s.session.ResumeTransfer(r.Context(), id)
			})
		case "select":
			s.runCommand(w, http.StatusNoContent, func() error {
				return s.session.SelectTransfer(r.Context(), id)
			})
		default:
			http.NotFound(w, r)
		}
	case 4:
		if parts[1] != "files" {
			http.NotFound(w, r)
			return
		}
		index, err := parseFileIndex(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
			return
		}
		switch parts[3] {
		case "selection":
			if requireMethod(w, r, http.MethodPut) {
				s.handleFileSelection(w, r, id, index)
			}
		case "priority":
			if requireMethod(w, r, http.MethodPut) {
				s.handleFilePriority(w, r, id, index)
			}
		case "download":
			if requireMethod(w, r, http.MethodPost) {
				s.handleFileDownload(w, r, id, index)
			}
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, id domain.TransferID) {
	rec, ok := s.session.Transfer(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "transfer not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) runCommand(w http.ResponseWriter, status int, fn func() error) {
	if err := fn(); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(status)
}

func (s *Server) handleFileSelection(w http.ResponseWriter, r *http.Request, id domain.TransferID, index int) {
	var body fileSelectionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Selected == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "selected is required")
		return
	}
	s.runCommand(w, http.StatusNoContent, func() error {
		return s.session.SetFileSelection(r.Context(), id, index, *body.Selected)
	})
}

func (s *Server) handleFilePriority(w http.ResponseWriter, r *http.Request, id domain.TransferID, index int) {
	var body filePriorityRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.Priority == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority is required")
		return
	}
	s.runCommand(w, http.StatusNoContent, func() error {
		return s.session.SetFilePriority(r.Context(), id, index, domain.FilePriority(*body.Priority))
	})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request, id domain.TransferID, index int) {
	b, err := s.session.RequestFileDownload(r.Context(), id, index)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDownloadResponse(b))
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.blobs == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "file downloads are not configured")
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}

	b, f, err := s.blobs.Open(token)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "file expired or unknown")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": b.Name}))
	http.ServeContent(w, r, b.Name, time.Time{}, f)
}
