package server

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	zap "go.uber.org/zap"
)

// Webhook event names dispatched by the wrapper.
const (
	EventTaskCreated        = "task.created"
	EventTaskCompleted      = "task.completed"
	EventTaskFailed         = "task.failed"
	EventTaskCanceled       = "task.canceled"
	EventAgentStatusChanged = "agent.status_changed"
)

// maxDeliveryRecords bounds the in-memory delivery audit ring.
const maxDeliveryRecords = 100

// WebhookSubscription registers a URL for a set of events. An event set
// containing "*" matches every event.
type WebhookSubscription struct {
	URL       string         `json:"url"`
	Events    []string       `json:"events"`
	Secret    string         `json:"-"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WebhookDelivery records one delivery attempt outcome for the audit ring.
type WebhookDelivery struct {
	WebhookURL   string    `json:"webhook_url"`
	Event        string    `json:"event"`
	StatusCode   int       `json:"status_code,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	DeliveredAt  time.Time `json:"delivered_at"`
	Success      bool      `json:"success"`
}

// WebhookRegistry stores webhook subscriptions keyed by URL and the ring of
// recent deliveries.
type WebhookRegistry struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	subs       map[string]*WebhookSubscription
	deliveries []WebhookDelivery
}

// NewWebhookRegistry creates an empty webhook registry.
func NewWebhookRegistry(logger *zap.Logger) *WebhookRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookRegistry{
		logger: logger,
		subs:   make(map[string]*WebhookSubscription),
	}
}

// Register adds or replaces a subscription. The URL must parse with a scheme
// and host.
func (r *WebhookRegistry) Register(sub WebhookSubscription) error {
	parsed, err := url.Parse(sub.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", sub.URL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid webhook url %q: scheme and host are required", sub.URL)
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("webhook %q must subscribe to at least one event", sub.URL)
	}

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.URL] = &sub

	r.logger.Info("webhook registered",
		zap.String("url", sub.URL),
		zap.Strings("events", sub.Events),
		zap.Bool("signed", sub.Secret != ""))

	return nil
}

// Unregister removes a subscription by URL.
func (r *WebhookRegistry) Unregister(webhookURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[webhookURL]; !ok {
		return false
	}
	delete(r.subs, webhookURL)
	r.logger.Info("webhook unregistered", zap.String("url", webhookURL))
	return true
}

// List returns all subscriptions, enabled or not.
func (r *WebhookRegistry) List() []WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WebhookSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		result = append(result, *sub)
	}
	return result
}

// GetWebhooksForEvent returns the enabled subscriptions matching an event.
func (r *WebhookRegistry) GetWebhooksForEvent(event string) []WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []WebhookSubscription
	for _, sub := range r.subs {
		if !sub.Enabled {
			continue
		}
		for _, e := range sub.Events {
			if e == event || e == "*" {
				matched = append(matched, *sub)
				break
			}
		}
	}
	return matched
}

// RecordDelivery appends a delivery outcome to the audit ring.
func (r *WebhookRegistry) RecordDelivery(delivery WebhookDelivery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries = append(r.deliveries, delivery)
	if len(r.deliveries) > maxDeliveryRecords {
		r.deliveries = r.deliveries[len(r.deliveries)-maxDeliveryRecords:]
	}
}

// Deliveries returns a snapshot of the delivery audit ring, oldest first.
func (r *WebhookRegistry) Deliveries() []WebhookDelivery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WebhookDelivery, len(r.deliveries))
	copy(result, r.deliveries)
	return result
}
