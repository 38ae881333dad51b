package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

const magnetPrefix = "magnet:"

// AddTransfer submits a magnet link to the engine. The transfer-added
// notification, selection and first populated record follow once the
// engine signals ready.
func (s *Session) AddTransfer(ctx context.Context, source string) (domain.TransferID, error) {
	source = strings.TrimSpace(source)
	if !isMagnet(source) {
		s.notify(domain.Event{
			Kind:    domain.EventInvalidSourceRejected,
			Message: "Invalid magnet link. Please check and try again.",
		})
		_, span := s.tracer.Start(ctx, "session.add")
		observeCommand(span, "add", domain.ErrInvalidSource)
		span.End()
		return "", domain.ErrInvalidSource
	}

	var id domain.TransferID
	err := s.exec(ctx, "add", func(ctx context.Context) error {
		engine, err := s.handle.Engine()
		if err != nil {
			return err
		}
		t, err := engine.Add(ctx, source)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidSource) {
				s.notify(domain.Event{Kind: domain.EventInvalidSourceRejected, Message: err.Error()})
				return err
			}
			s.notify(domain.Event{Kind: domain.EventTransferError, Message: err.Error()})
			return wrapEngine(err)
		}
		id = t.ID()
		s.bandwidth.Inherit(t)
		s.subscribe(t)
		s.logger.Info("transfer added", slog.String("id", string(id)))
		return nil
	})
	return id, err
}

func isMagnet(source string) bool {
	return len(source) >= len(magnetPrefix) && strings.EqualFold(source[:len(magnetPrefix)], magnetPrefix)
}

func (s *Session) PauseTransfer(ctx context.Context, id domain.TransferID) error {
	return s.withTransfer(ctx, "pause", id, func(t ports.Transfer) error {
		if err := t.Pause(); err != nil {
			return wrapEngine(err)
		}
		s.reconcile(triggerCommand)
		return nil
	})
}

func (s *Session) ResumeTransfer(ctx context.Context, id domain.TransferID) error {
	return s.withTransfer(ctx, "resume", id, func(t ports.Transfer) error {
		if err := t.Resume(); err != nil {
			return wrapEngine(err)
		}
		s.reconcile(triggerCommand)
		return nil
	})
}

// StopTransfer destroys the transfer, drops its record and signal handlers,
// and clears the selection when it pointed at id.
func (s *Session) StopTransfer(ctx context.Context, id domain.TransferID) error {
	return s.withTransfer(ctx, "stop", id, func(t ports.Transfer) error {
		name := s.nameOf(id)
		if err := t.Destroy(); err != nil {
			return wrapEngine(err)
		}
		s.subs.release(id)
		s.overlay.forget(id)
		s.publish(s.reconciler.Remove(id))
		s.selection.ClearIf(id)
		s.notify(domain.Event{
			Kind:        domain.EventTransferRemoved,
			TransferID:  id,
			DisplayName: name,
			Message:     "The torrent has been removed successfully.",
		})
		s.logger.Info("transfer removed", slog.String("id", string(id)))
		return nil
	})
}

func (s *Session) SelectTransfer(ctx context.Context, id domain.TransferID) error {
	return s.withTransfer(ctx, "select", id, func(ports.Transfer) error {
		s.selection.Select(id)
		return nil
	})
}

func (s *Session) SetFileSelection(ctx context.Context, id domain.TransferID, index int, selected bool) error {
	return s.withTransfer(ctx, "select-file", id, func(t ports.Transfer) error {
		if err := checkFileIndex(t.Observe(), index); err != nil {
			return err
		}
		if err := t.SetFileSelected(index, selected); err != nil {
			return wrapEngine(err)
		}
		s.reconcile(triggerCommand)
		return nil
	})
}

// SetFilePriority records the priority for the next reconciliation and
// forwards it to engines that support native priorities.
func (s *Session) SetFilePriority(ctx context.Context, id domain.TransferID, index int, prio domain.FilePriority) error {
	if !prio.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidPriority, prio)
	}
	return s.withTransfer(ctx, "set-priority", id, func(t ports.Transfer) error {
		if err := checkFileIndex(t.Observe(), index); err != nil {
			return err
		}
		s.overlay.set(id, index, prio)
		if p, ok := t.(ports.FilePrioritizer); ok {
			if err := p.SetFilePriority(index, prio); err != nil && !errors.Is(err, domain.ErrUnsupported) {
				s.logger.Warn("engine rejected file priority",
					slog.String("id", string(id)),
					slog.Int("index", index),
					slog.String("error", err.Error()))
			}
		}
		s.reconcile(triggerCommand)
		return nil
	})
}

// RequestFileDownload materializes a completed file, hands it to the save
// action and schedules its release. Validation runs on the loop; the copy
// runs on the caller's goroutine so reconciliation keeps its cadence.
func (s *Session) RequestFileDownload(ctx context.Context, id domain.TransferID, index int) (domain.Blob, error) {
	ctx, span := s.tracer.Start(ctx, "session.download")
	defer span.End()

	var (
		name     string
		content  io.ReadCloser
		fileName string
	)
	err := s.submit(ctx, func(context.Context) error {
		engine, err := s.handle.Engine()
		if err != nil {
			return err
		}
		t, ok := engine.Get(id)
		if !ok {
			return domain.ErrNotFound
		}
		obs := t.Observe()
		if err := checkFileIndex(obs, index); err != nil {
			return err
		}
		if !obs.Done || !fileComplete(obs.Files[index]) {
			return domain.ErrTransferIncomplete
		}
		name = s.nameOf(id)
		rc, fname, err := t.OpenFile(ctx, index)
		if err != nil {
			return s.downloadFailed(id, name, err)
		}
		content, fileName = rc, fname
		return nil
	})
	if err != nil {
		observeCommand(span, "download", err)
		return domain.Blob{}, err
	}

	b, err := s.blobs.Materialize(id, index, fileName, content)
	_ = content.Close()
	if err != nil {
		err = s.downloadFailed(id, name, err)
		observeCommand(span, "download", err)
		return domain.Blob{}, err
	}

	s.save(b)
	s.blobs.ScheduleRelease(b.Token)
	observeCommand(span, "download", nil)
	s.logger.Info("file ready for saving",
		slog.String("id", string(id)),
		slog.Int("index", index),
		slog.String("token", b.Token))
	return b, nil
}

// fileComplete is false for files the transfer finished without, such as
// deselected or skipped ones.
func fileComplete(f ports.FileObservation) bool {
	return f.BytesCompleted >= f.Length
}

func (s *Session) downloadFailed(id domain.TransferID, name string, cause error) error {
	s.notify(domain.Event{
		Kind:        domain.EventFileDownloadFailed,
		TransferID:  id,
		DisplayName: name,
		Message:     "Failed to prepare file for download: " + cause.Error(),
	})
	return fmt.Errorf("%w: %v", domain.ErrFileMaterializationFailed, cause)
}

// SetDownloadLimit changes the global download throttle and applies it to
// every live transfer.
func (s *Session) SetDownloadLimit(ctx context.Context, bytesPerSec int64) error {
	if bytesPerSec < 0 {
		return domain.ErrInvalidLimit
	}
	return s.exec(ctx, "set-download-limit", func(context.Context) error {
		return s.bandwidth.SetDownload(bytesPerSec, s.liveTransfers())
	})
}

func (s *Session) SetUploadLimit(ctx context.Context, bytesPerSec int64) error {
	if bytesPerSec < 0 {
		return domain.ErrInvalidLimit
	}
	return s.exec(ctx, "set-upload-limit", func(context.Context) error {
		return s.bandwidth.SetUpload(bytesPerSec, s.liveTransfers())
	})
}

// withTransfer resolves id on the loop. Commands against an id the engine
// does not know are no-ops.
func (s *Session) withTransfer(ctx context.Context, name string, id domain.TransferID, fn func(ports.Transfer) error) error {
	return s.exec(ctx, name, func(context.Context) error {
		engine, err := s.handle.Engine()
		if err != nil {
			return err
		}
		t, ok := engine.Get(id)
		if !ok {
			s.logger.Debug("command for unknown transfer ignored",
				slog.String("command", name),
				slog.String("id", string(id)))
			return nil
		}
		return fn(t)
	})
}

func (s *Session) liveTransfers() []ports.Transfer {
	engine, err := s.handle.Engine()
	if err != nil {
		return nil
	}
	return engine.Transfers()
}

func (s *Session) nameOf(id domain.TransferID) string {
	if rec, ok := s.registry.load().Find(id); ok {
		return rec.DisplayName
	}
	return domain.UnnamedTransfer
}

// sizeSuffix is " (1.5 GiB)" for a transfer of known length, else empty.
func (s *Session) sizeSuffix(id domain.TransferID) string {
	rec, ok := s.registry.load().Find(id)
	if !ok || rec.TotalLength <= 0 {
		return ""
	}
	return " (" + humanize.IBytes(uint64(rec.TotalLength)) + ")"
}

func checkFileIndex(obs ports.Observation, index int) error {
	if index < 0 || index >= len(obs.Files) {
		return fmt.Errorf("%w: %d of %d", domain.ErrFileIndexOutOfRange, index, len(obs.Files))
	}
	return nil
}

// subscribe wires one-shot ready/failed/done handlers for t. A transfer that
// is already subscribed keeps its existing handlers.
func (s *Session) subscribe(t ports.Transfer) {
	id := t.ID()
	if s.subs.has(id) {
		return
	}
	ctx, cancel := context.WithCancel(s.loopCtx)
	s.subs.add(id, cancel, map[signalKind]func(signal){
		signalReady: func(signal) {
			s.reconcile(triggerReady)
			s.selection.Select(id)
			name := s.nameOf(id)
			s.notify(domain.Event{
				Kind:        domain.EventTransferAdded,
				TransferID:  id,
				DisplayName: name,
				Message:     fmt.Sprintf("%q%s has been added successfully.", name, s.sizeSuffix(id)),
			})
		},
		signalFailed: func(sig signal) {
			msg := "unknown error"
			if sig.err != nil {
				msg = sig.err.Error()
			}
			s.logger.Warn("transfer error", slog.String("id", string(id)), slog.String("error", msg))
			s.notify(domain.Event{
				Kind:        domain.EventTransferError,
				TransferID:  id,
				DisplayName: s.nameOf(id),
				Message:     msg,
			})
		},
		signalDone: func(signal) {
			s.reconcile(triggerDone)
			name := s.nameOf(id)
			s.notify(domain.Event{
				Kind:        domain.EventTransferCompleted,
				TransferID:  id,
				DisplayName: name,
				Message:     fmt.Sprintf("%q%s has finished downloading.", name, s.sizeSuffix(id)),
			})
		},
	})
	go s.watch(ctx, t)
}

// watch forwards engine signals for one transfer into the loop until they
// have all fired or the subscription is released. Ready is always forwarded
// before done.
func (s *Session) watch(ctx context.Context, t ports.Transfer) {
	id := t.ID()
	ready, done, failed := t.Ready(), t.Done(), t.Failed()

	forward := func(sig signal) bool {
		select {
		case s.signals <- sig:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ready != nil || done != nil || failed != nil {
		// done is not armed until ready has fired.
		doneCh := done
		if ready != nil {
			doneCh = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ready = nil
			if !forward(signal{id: id, kind: signalReady}) {
				return
			}
		case <-doneCh:
			done = nil
			if !forward(signal{id: id, kind: signalDone}) {
				return
			}
		case err, ok := <-failed:
			failed = nil
			if !ok {
				continue
			}
			if !forward(signal{id: id, kind: signalFailed, err: err}) {
				return
			}
		}
	}
}
