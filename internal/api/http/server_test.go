package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/session"
)

type call struct {
	name  string
	id    domain.TransferID
	index int
	value interface{}
}

type fakeSession struct {
	mu        sync.Mutex
	calls     []call
	err       error
	addID     domain.TransferID
	snap      domain.Snapshot
	selected  domain.TransferID
	limits    session.Limits
	powerSave bool
	ready     bool
	blob      domain.Blob
}

func (f *fakeSession) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeSession) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeSession) AddTransfer(_ context.Context, source string) (domain.TransferID, error) {
	if err := f.record(call{name: "add", value: source}); err != nil {
		return "", err
	}
	return f.addID, nil
}

func (f *fakeSession) PauseTransfer(_ context.Context, id domain.TransferID) error {
	return f.record(call{name: "pause", id: id})
}

func (f *fakeSession) ResumeTransfer(_ context.Context, id domain.TransferID) error {
	return f.record(call{name: "resume", id: id})
}

func (f *fakeSession) StopTransfer(_ context.Context, id domain.TransferID) error {
	return f.record(call{name: "stop", id: id})
}

func (f *fakeSession) SelectTransfer(_ context.Context, id domain.TransferID) error {
	return f.record(call{name: "select", id: id})
}

func (f *fakeSession) SetFileSelection(_ context.Context, id domain.TransferID, index int, selected bool) error {
	return f.record(call{name: "file-selection", id: id, index: index, value: selected})
}

func (f *fakeSession) SetFilePriority(_ context.Context, id domain.TransferID, index int, prio domain.FilePriority) error {
	if !prio.Valid() {
		return domain.ErrInvalidPriority
	}
	return f.record(call{name: "file-priority", id: id, index: index, value: prio})
}

func (f *fakeSession) RequestFileDownload(_ context.Context, id domain.TransferID, index int) (domain.Blob, error) {
	if err := f.record(call{name: "download", id: id, index: index}); err != nil {
		return domain.Blob{}, err
	}
	return f.blob, nil
}

func (f *fakeSession) SetDownloadLimit(_ context.Context, v int64) error {
	if err := f.record(call{name: "download-limit", value: v}); err != nil {
		return err
	}
	f.mu.Lock()
	f.limits.Download = v
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetUploadLimit(_ context.Context, v int64) error {
	if err := f.record(call{name: "upload-limit", value: v}); err != nil {
		return err
	}
	f.mu.Lock()
	f.limits.Upload = v
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetPowerSave(_ context.Context, enabled bool) error {
	if err := f.record(call{name: "power-save", value: enabled}); err != nil {
		return err
	}
	f.mu.Lock()
	f.powerSave = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Snapshot() domain.Snapshot { return f.snap }

func (f *fakeSession) Transfer(id domain.TransferID) (domain.TransferRecord, bool) {
	return f.snap.Find(id)
}

func (f *fakeSession) Selected() (domain.TransferID, bool) { return f.selected, f.selected != "" }

func (f *fakeSession) Limits() session.Limits {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits
}

func (f *fakeSession) PowerSave() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerSave
}

func (f *fakeSession) Cadence() time.Duration {
	return session.DefaultCadence().For(f.PowerSave())
}

func (f *fakeSession) EngineReady() bool { return f.ready }

type fakeBlobs struct {
	blob domain.Blob
}

func (f fakeBlobs) Open(token string) (domain.Blob, *os.File, error) {
	if token != f.blob.Token {
		return domain.Blob{}, nil, domain.ErrNotFound
	}
	file, err := os.Open(f.blob.Path)
	if err != nil {
		return domain.Blob{}, nil, err
	}
	return f.blob, file, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Generation: 7,
		Transfers: []domain.TransferRecord{
			{ID: "aaa", DisplayName: "Alpha", Status: domain.TransferDownloading, Progress: 0.5, EstimatedTimeRemaining: "1m 0s"},
			{ID: "bbb", DisplayName: "Beta", Status: domain.TransferCompleted, Progress: 1, IsComplete: true, EstimatedTimeRemaining: domain.UnknownTimeRemaining},
		},
	}
}

func newTestServer(t *testing.T, sess *fakeSession, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(discardLogger())}, opts...)
	s := NewServer(sess, opts...)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error
}

func TestListTransfers(t *testing.T) {
	sess := &fakeSession{snap: sampleSnapshot(), selected: "bbb"}
	s := newTestServer(t, sess)

	rec := do(t, s, http.MethodGet, "/transfers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp transfersResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Items) != 2 || resp.Generation != 7 || resp.SelectedID != "bbb" {
		t.Fatalf("unexpected body %+v", resp)
	}
	if resp.Items[1].EstimatedTimeRemaining != "unknown" {
		t.Fatalf("eta = %q", resp.Items[1].EstimatedTimeRemaining)
	}
}

func TestListTransfers_EmptyIsArray(t *testing.T) {
	s := newTestServer(t, &fakeSession{})

	rec := do(t, s, http.MethodGet, "/transfers", "")
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "selectedId") {
		t.Fatalf("no selection should omit selectedId: %s", rec.Body.String())
	}
}

func TestGetTransfer(t *testing.T) {
	s := newTestServer(t, &fakeSession{snap: sampleSnapshot()})

	rec := do(t, s, http.MethodGet, "/transfers/aaa", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got domain.TransferRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "aaa" || got.DisplayName != "Alpha" {
		t.Fatalf("unexpected record %+v", got)
	}

	rec = do(t, s, http.MethodGet, "/transfers/zzz", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != "not_found" {
		t.Fatalf("missing record: status = %d", rec.Code)
	}
}

func TestAddTransfer(t *testing.T) {
	sess := &fakeSession{addID: "abc"}
	s := newTestServer(t, sess)

	rec := do(t, s, http.MethodPost, "/transfers", `{"source":"magnet:?xt=urn:btih:abc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"abc"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if c := sess.last(); c.name != "add" || c.value != "magnet:?xt=urn:btih:abc" {
		t.Fatalf("unexpected call %+v", c)
	}
}

func TestAddTransfer_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code string
	}{
		{"invalid json", `{`, nil, "invalid_request"},
		{"unknown field", `{"url":"magnet:?"}`, nil, "invalid_request"},
		{"rejected source", `{"source":"http://x"}`, domain.ErrInvalidSource, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &fakeSession{err: tc.err})
			rec := do(t, s, http.MethodPost, "/transfers", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("code = %q", got)
			}
		})
	}
}

func TestTransferCommands(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		want   call
	}{
		{http.MethodDelete, "/transfers/aaa", "", call{name: "stop", id: "aaa"}},
		{http.MethodPost, "/transfers/aaa/pause", "", call{name: "pause", id: "aaa"}},
		{http.MethodPost, "/transfers/aaa/resume", "", call{name: "resume", id: "aaa"}},
		{http.MethodPost, "/transfers/aaa/select", "", call{name: "select", id: "aaa"}},
		{http.MethodPut, "/transfers/aaa/files/2/selection", `{"selected":false}`, call{name: "file-selection", id: "aaa", index: 2, value: false}},
		{http.MethodPut, "/transfers/aaa/files/1/priority", `{"priority":2}`, call{name: "file-priority", id: "aaa", index: 1, value: domain.PriorityHigh}},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			sess := &fakeSession{}
			s := newTestServer(t, sess)
			rec := do(t, s, tc.method, tc.path, tc.body)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if got := sess.last(); got != tc.want {
				t.Fatalf("call = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTransferRoutes_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"pause wrong method", http.MethodGet, "/transfers/aaa/pause", "", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodPost, "/transfers/aaa/explode", "", http.StatusNotFound},
		{"bad file index", http.MethodPut, "/transfers/aaa/files/x/selection", `{"selected":true}`, http.StatusBadRequest},
		{"negative file index", http.MethodPut, "/transfers/aaa/files/-1/selection", `{"selected":true}`, http.StatusBadRequest},
		{"missing selected", http.MethodPut, "/transfers/aaa/files/0/selection", `{}`, http.StatusBadRequest},
		{"invalid priority", http.MethodPut, "/transfers/aaa/files/0/priority", `{"priority":7}`, http.StatusBadRequest},
		{"missing priority", http.MethodPut, "/transfers/aaa/files/0/priority", `{}`, http.StatusBadRequest},
		{"priority wrong method", http.MethodPost, "/transfers/aaa/files/0/priority", `{"priority":1}`, http.StatusMethodNotAllowed},
		{"unknown file action", http.MethodPut, "/transfers/aaa/files/0/rename", "", http.StatusNotFound},
		{"bare prefix", http.MethodGet, "/transfers/", "", http.StatusNotFound},
		{"list wrong method", http.MethodPatch, "/transfers", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &fakeSession{})
			rec := do(t, s, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestWriteSessionError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidSource, http.StatusBadRequest, "invalid_request"},
		{domain.ErrInvalidLimit, http.StatusBadRequest, "invalid_request"},
		{domain.ErrInvalidPriority, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("wrapped: %w", domain.ErrFileIndexOutOfRange), http.StatusBadRequest, "invalid_request"},
		{domain.ErrTransferIncomplete, http.StatusConflict, "transfer_incomplete"},
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrEngineNotReady, http.StatusServiceUnavailable, "engine_not_ready"},
		{domain.ErrEngineUnavailable, http.StatusServiceUnavailable, "engine_not_ready"},
		{session.ErrSessionClosed, http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("%w: disk full", domain.ErrFileMaterializationFailed), http.StatusInternalServerError, "download_failed"},
		{fmt.Errorf("%w: tracker", session.ErrEngine), http.StatusInternalServerError, "engine_error"},
		{errors.New("other"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeSessionError(rec, tc.err)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestFileDownloadAndBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("episode bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := domain.Blob{Token: "tok", TransferID: "aaa", FileIndex: 0, Name: "Episode 1.mkv", Size: 13, Path: path, ExpiresAt: expires}
	sess := &fakeSession{blob: b}
	s := newTestServer(t, sess, WithBlobStore(fakeBlobs{blob: b}))

	rec := do(t, s, http.MethodPost, "/transfers/aaa/files/0/download", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp downloadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.URL != "/blobs/tok" || resp.Name != "Episode 1.mkv" || resp.Size != 13 || !resp.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(t, s, http.MethodGet, resp.URL, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("blob status = %d", rec.Code)
	}
	if rec.Body.String() != "episode bytes" {
		t.Fatalf("blob body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "Episode 1.mkv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	rec = do(t, s, http.MethodGet, "/blobs/expired", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d", rec.Code)
	}
}

func TestFileDownload_Errors(t *testing.T) {
	s := newTestServer(t, &fakeSession{err: domain.ErrTransferIncomplete})
	rec := do(t, s, http.MethodPost, "/transfers/aaa/files/0/download", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/blobs/tok", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("blob without store: status = %d", rec.Code)
	}
}

func TestSelection(t *testing.T) {
	s := newTestServer(t, &fakeSession{})
	rec := do(t, s, http.MethodGet, "/selection", "")
	if strings.TrimSpace(rec.Body.String()) != `{"selectedId":null}` {
		t.Fatalf("body = %s", rec.Body.String())
	}

	s = newTestServer(t, &fakeSession{selected: "aaa"})
	rec = do(t, s, http.MethodGet, "/selection", "")
	if strings.TrimSpace(rec.Body.String()) != `{"selectedId":"aaa"}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestBandwidthSettings(t *testing.T) {
	sess := &fakeSession{limits: session.Limits{Download: 1024}}
	s := newTestServer(t, sess)

	rec := do(t, s, http.MethodGet, "/settings/bandwidth", "")
	var got bandwidthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.DownloadLimit != 1024 || got.UploadLimit != 0 {
		t.Fatalf("limits = %+v", got)
	}
	if len(got.DownloadPresets) != 6 || got.DownloadPresets[1] != 524288 || got.UploadPresets[1] != 131072 {
		t.Fatalf("presets = %v %v", got.DownloadPresets, got.UploadPresets)
	}

	rec = do(t, s, http.MethodPut, "/settings/bandwidth", `{"uploadLimit":262144}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if c := sess.last(); c.name != "upload-limit" || c.value != int64(262144) {
		t.Fatalf("call = %+v", c)
	}
	if sess.Limits().Download != 1024 {
		t.Fatal("download limit must be untouched when omitted")
	}
}

func TestBandwidthSettings_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative", `{"downloadLimit":-1}`},
		{"empty", `{}`},
		{"bad json", `nope`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{}
			s := newTestServer(t, sess)
			rec := do(t, s, http.MethodPut, "/settings/bandwidth", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if len(sess.calls) != 0 {
				t.Fatalf("session must not be called, got %+v", sess.calls)
			}
		})
	}
}

func TestPowerSaveSettings(t *testing.T) {
	sess := &fakeSession{}
	s := newTestServer(t, sess)

	rec := do(t, s, http.MethodGet, "/settings/power-save", "")
	if strings.TrimSpace(rec.Body.String()) != `{"enabled":false,"intervalMs":1000}` {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodPut, "/settings/power-save", `{"enabled":true}`)
	if strings.TrimSpace(rec.Body.String()) != `{"enabled":true,"intervalMs":2000}` {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodPut, "/settings/power-save", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled: status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeSession{snap: sampleSnapshot(), ready: true})
	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || !got.EngineReady || got.Transfers != 2 || got.Generation != 7 || got.IntervalMs != 1000 {
		t.Fatalf("health = %+v", got)
	}

	s = newTestServer(t, &fakeSession{})
	rec = do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("engine down: status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSession{})
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
