// Package webhook delivers signed batch-completion notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/foragehq/forage/config"
)

// Event types delivered to the configured endpoint.
const (
	EventBatchCompleted = "batch.completed"
	EventBatchPartial   = "batch.partial"
)

// Event is the JSON payload POSTed to the endpoint.
type Event struct {
	Type      string `json:"type"`
	BatchID   string `json:"batchId"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// retrySchedule spaces redelivery attempts after a failed delivery.
var retrySchedule = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Notifier posts events to one configured endpoint. Payloads are
// signed with HMAC-SHA256 in X-Forage-Signature when a secret is set.
type Notifier struct {
	url        string
	secret     string
	maxRetries int
	client     *http.Client

	wg sync.WaitGroup
}

// NewNotifier builds a Notifier from config. Returns nil when no URL
// is configured, and a nil Notifier's methods are safe no-ops, so
// callers never branch on whether webhooks are on.
func NewNotifier(cfg config.WebhookConfig) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:        cfg.URL,
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: timeout},
	}
}

// Deliver sends one event synchronously.
func (n *Notifier) Deliver(ctx context.Context, event *Event) error {
	if n == nil {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Forage-Webhook/1.0")
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		req.Header.Set("X-Forage-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverAsync sends an event in the background, retrying on a 1s, 5s,
// 30s ladder up to the configured budget. Delivery is best effort; a
// batch is complete whether or not its notification lands.
func (n *Notifier) DeliverAsync(event *Event) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		attempts := n.maxRetries + 1
		if attempts > len(retrySchedule)+1 {
			attempts = len(retrySchedule) + 1
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 {
				time.Sleep(retrySchedule[attempt-2])
			}
			err := n.Deliver(context.Background(), event)
			if err == nil {
				slog.Info("webhook delivered",
					"event", event.Type,
					"batch_id", event.BatchID,
					"attempt", attempt,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"event", event.Type,
				"batch_id", event.BatchID,
				"attempt", attempt,
				"error", err,
			)
		}
		slog.Error("webhook delivery gave up",
			"event", event.Type,
			"batch_id", event.BatchID,
		)
	}()
}

// Flush waits for in-flight async deliveries, for shutdown and tests.
func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
