package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	uuid "github.com/google/uuid"
	otel "github.com/synapse-agents/synapse/server/otel"
	zap "go.uber.org/zap"
)

const (
	defaultWebhookTimeout    = 10 * time.Second
	defaultWebhookMaxRetries = 3
	maxRecordedResponseBytes = 500
)

// WebhookEvent is the envelope POSTed to every matching subscription.
type WebhookEvent struct {
	Event     string         `json:"event"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookDispatcher delivers events to subscribed URLs concurrently, with
// HMAC signatures and bounded exponential retries.
type WebhookDispatcher struct {
	logger     *zap.Logger
	registry   *WebhookRegistry
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    []time.Duration
	telemetry  otel.OpenTelemetry
}

// NewWebhookDispatcher creates a dispatcher bound to a registry.
func NewWebhookDispatcher(logger *zap.Logger, registry *WebhookRegistry, timeout time.Duration, maxRetries int) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultWebhookMaxRetries
	}

	return &WebhookDispatcher{
		logger:     logger,
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// WithTelemetry attaches a telemetry recorder for delivery outcomes.
func (d *WebhookDispatcher) WithTelemetry(t otel.OpenTelemetry) *WebhookDispatcher {
	d.telemetry = t
	return d
}

// Dispatch delivers an event to every matching subscription and blocks until
// all deliveries finish. It returns the URLs delivered successfully. A
// failure in one delivery never affects the others.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event string, data map[string]any) []string {
	subs := d.registry.GetWebhooksForEvent(event)
	if len(subs) == 0 {
		return nil
	}

	envelope := WebhookEvent{
		Event:     event,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("failed to marshal webhook payload",
			zap.String("event", event),
			zap.Error(err))
		return nil
	}

	var (
		mu        sync.Mutex
		delivered []string
		wg        sync.WaitGroup
	)

	for _, sub := range subs {
		wg.Add(1)
		go func(sub WebhookSubscription) {
			defer wg.Done()
			if d.deliver(ctx, sub, envelope, payload) {
				mu.Lock()
				delivered = append(delivered, sub.URL)
				mu.Unlock()
			}
		}(sub)
	}

	wg.Wait()
	return delivered
}

// DispatchAsync fires Dispatch on a new goroutine.
func (d *WebhookDispatcher) DispatchAsync(event string, data map[string]any) {
	go d.Dispatch(context.Background(), event, data)
}

// deliver attempts one subscription with retries. Returns true on a 2xx.
func (d *WebhookDispatcher) deliver(ctx context.Context, sub WebhookSubscription, envelope WebhookEvent, payload []byte) bool {
	record := WebhookDelivery{
		WebhookURL: sub.URL,
		Event:      envelope.Event,
	}

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.backoff[min(attempt-1, len(d.backoff)-1)]
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff):
			}
			if ctx.Err() != nil {
				break
			}
		}
		record.Attempts = attempt + 1

		statusCode, body, err := d.attempt(ctx, sub, envelope, payload)
		if err != nil {
			lastErr = err
			d.logger.Warn("webhook delivery attempt failed",
				zap.String("url", sub.URL),
				zap.String("event", envelope.Event),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		record.StatusCode = statusCode
		record.ResponseBody = body
		if statusCode >= 200 && statusCode < 300 {
			record.Success = true
			record.DeliveredAt = time.Now().UTC()
			d.registry.RecordDelivery(record)
			if d.telemetry != nil {
				d.telemetry.RecordWebhookDelivery(ctx, envelope.Event, true)
			}
			d.logger.Info("webhook delivered",
				zap.String("url", sub.URL),
				zap.String("event", envelope.Event),
				zap.Int("status_code", statusCode),
				zap.Int("attempts", record.Attempts))
			return true
		}

		lastErr = fmt.Errorf("webhook returned status %d", statusCode)
	}

	if lastErr != nil {
		record.Error = lastErr.Error()
	}
	record.DeliveredAt = time.Now().UTC()
	d.registry.RecordDelivery(record)
	if d.telemetry != nil {
		d.telemetry.RecordWebhookDelivery(ctx, envelope.Event, false)
	}

	d.logger.Error("webhook delivery failed",
		zap.String("url", sub.URL),
		zap.String("event", envelope.Event),
		zap.Int("attempts", record.Attempts),
		zap.Error(lastErr))

	return false
}

// attempt performs a single POST with the per-attempt timeout.
func (d *WebhookDispatcher) attempt(ctx context.Context, sub WebhookSubscription, envelope WebhookEvent, payload []byte) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Synapse-Event", envelope.Event)
	req.Header.Set("X-Synapse-Event-Id", envelope.EventID)
	req.Header.Set("X-Synapse-Timestamp", envelope.Timestamp)
	if sub.Secret != "" {
		req.Header.Set("X-Synapse-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Warn("failed to close webhook response body", zap.Error(closeErr))
		}
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRecordedResponseBytes))
	return resp.StatusCode, string(body), nil
}

// SignPayload computes the hex HMAC-SHA256 of the payload with the secret.
// Receivers recompute it to verify the X-Synapse-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
