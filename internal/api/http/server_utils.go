package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/session"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeSessionError maps session and domain errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid magnet link")
	case errors.Is(err, domain.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be >= 0")
	case errors.Is(err, domain.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be 0, 1 or 2")
	case errors.Is(err, domain.ErrFileIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
	case errors.Is(err, domain.ErrTransferIncomplete):
		writeError(w, http.StatusConflict, "transfer_incomplete", "transfer has not finished downloading")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "transfer not found")
	case errors.Is(err, domain.ErrEngineNotReady), errors.Is(err, domain.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, "engine_not_ready", "torrent engine is not ready")
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "session is not running")
	case errors.Is(err, domain.ErrFileMaterializationFailed):
		writeError(w, http.StatusInternalServerError, "download_failed", err.Error())
	case errors.Is(err, session.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func parseFileIndex(value string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, errors.New("must be >= 0")
	}
	return index, nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}
