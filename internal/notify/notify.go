package notify

import (
	"log/slog"

	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
)

// Log writes every event to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ev domain.Event) {
	attrs := []any{slog.String("kind", string(ev.Kind))}
	if ev.TransferID != "" {
		attrs = append(attrs, slog.String("id", string(ev.TransferID)))
	}
	if ev.DisplayName != "" {
		attrs = append(attrs, slog.String("name", ev.DisplayName))
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("message", ev.Message))
	}

	switch ev.Kind {
	case domain.EventEngineUnavailable, domain.EventTransferError, domain.EventFileDownloadFailed:
		l.logger.Error("notification", attrs...)
	case domain.EventInvalidSourceRejected:
		l.logger.Warn("notification", attrs...)
	default:
		l.logger.Info("notification", attrs...)
	}
}

// Fanout delivers each event to every non-nil notifier in order.
type Fanout []ports.Notifier

func (f Fanout) Notify(ev domain.Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ev)
		}
	}
}
