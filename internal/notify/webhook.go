package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"torrentdeck/internal/domain"
)

const webhookQueueSize = 64

// Webhook POSTs events as JSON to an external URL. Notify only enqueues;
// delivery happens on Run's goroutine, and a full queue drops events.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
	queue  chan domain.Event
}

func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		queue:  make(chan domain.Event, webhookQueueSize),
	}
}

// Enabled reports whether a target URL is configured.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

func (w *Webhook) Notify(ev domain.Event) {
	if !w.Enabled() {
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.logger.Warn("webhook queue full, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

// Run delivers queued events until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.queue:
			if err := w.post(ctx, ev); err != nil {
				// Log but do not fail; notifications are best effort.
				w.logger.Warn("webhook delivery failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
