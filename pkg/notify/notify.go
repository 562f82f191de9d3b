// Package notify delivers informational pipeline events to an external
// notification collaborator. Delivery is fire-and-forget: failures are logged
// and never affect the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"lfingest/pkg/httpclient"
	"lfingest/pkg/log"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventUploadCompleted = "upload.completed"
	EventUploadAborted   = "upload.aborted"
	EventUploadRejected  = "upload.rejected"
	EventFileOffloaded   = "file.offloaded"
	EventOwnerBanned     = "owner.banned"
)

// Event is a notification payload.
type Event struct {
	Type      string            `json:"type"`
	OwnerID   string            `json:"owner_id"`
	SessionID string            `json:"session_id,omitempty"`
	FileID    string            `json:"file_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Time      time.Time         `json:"time"`
}

// Notifier sends events. Send must not block on delivery.
type Notifier interface {
	Send(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Event) {}

// LogNotifier writes events to a logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier writing to the "notify" component logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.Component("notify")}
}

// Send implements Notifier.
func (n *LogNotifier) Send(_ context.Context, event Event) {
	n.logger.Info().
		Str("type", event.Type).
		Str("owner_id", event.OwnerID).
		Str("session_id", event.SessionID).
		Str("file_id", event.FileID).
		Str("message", event.Message).
		Msg("Notification")
}

// WebhookNotifier posts events as JSON to a webhook in the background.
type WebhookNotifier struct {
	url     string
	client  *retryablehttp.Client
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier with a short retry budget.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	const retryMax = 2
	return &WebhookNotifier{
		url:     url,
		client:  httpclient.New(retryMax, 200*time.Millisecond, 2*time.Second, timeout),
		timeout: timeout,
	}
}

// Send implements Notifier. The event is delivered on its own goroutine,
// detached from ctx cancellation.
func (n *WebhookNotifier) Send(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.deliver(deliverCtx, event); err != nil {
			log.Warn().Err(err).Str("type", event.Type).Msg("Failed to deliver notification")
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close webhook response body")
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// BanRelay forwards bans to the identity collaborator through a Notifier.
type BanRelay struct {
	Notifier Notifier
}

// OwnerBanned reports a new ban.
func (r BanRelay) OwnerBanned(ctx context.Context, ownerID string, until *time.Time, permanent bool) error {
	data := map[string]string{"permanent": fmt.Sprintf("%t", permanent)}
	if until != nil {
		data["banned_until"] = until.UTC().Format(time.RFC3339)
	}

	r.Notifier.Send(ctx, Event{
		Type:    EventOwnerBanned,
		OwnerID: ownerID,
		Message: "owner banned after repeated malware uploads",
		Data:    data,
		Time:    time.Now().UTC(),
	})
	return nil
}
