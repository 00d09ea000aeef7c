package notify

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

	"github.com/tomascrow/peervault/internal/circuitbreaker"
	"github.com/tomascrow/peervault/internal/idgen"
	"github.com/tomascrow/peervault/internal/metrics"
	"github.com/tomascrow/peervault/internal/retry"
)

// Subscription is a user-registered webhook endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key
	Events      []string   `json:"events"` // empty = all events
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// WebhookNotifier delivers notifications to user-registered HTTP
// endpoints, HMAC-signed when the subscription carries a secret.
type WebhookNotifier struct {
	store   SubscriptionStore
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewWebhookNotifier(store SubscriptionStore, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, time.Minute),
		logger:  logger.With("component", "webhooks"),
	}
}

// Subscribe registers an endpoint for a user.
func (w *WebhookNotifier) Subscribe(ctx context.Context, userID, url, secret string, events []string) (*Subscription, error) {
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("storing subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes an endpoint and its circuit state.
func (w *WebhookNotifier) Unsubscribe(ctx context.Context, id string) error {
	if err := w.store.Delete(ctx, id); err != nil {
		return err
	}
	w.breaker.Forget(id)
	return nil
}

// Notify implements Notifier. Delivery happens in the background; the
// caller never waits on the subscriber's endpoint.
func (w *WebhookNotifier) Notify(ctx context.Context, userID string, n Notification) {
	subs, err := w.store.GetByUser(ctx, userID)
	if err != nil {
		w.logger.Warn("loading webhook subscriptions failed", "user", userID, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Active || !sub.wants(n.Event) {
			continue
		}
		if !w.breaker.Allow(sub.ID) {
			w.logger.Warn("webhook circuit open, skipping delivery", "sub", sub.ID, "event", n.Event)
			continue
		}
		go w.send(sub, userID, n)
	}
}

func (s *Subscription) wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (w *WebhookNotifier) send(sub *Subscription, userID string, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(struct {
		Notification
		UserID    string    `json:"userId"`
		Timestamp time.Time `json:"timestamp"`
	}{n, userID, time.Now().UTC()})
	if err != nil {
		w.fail(ctx, sub, "marshal failed")
		return
	}

	// Network errors and 5xx responses get retried with backoff.
	// A 4xx means the endpoint rejected the payload; retrying won't help.
	err = retry.Policy{Attempts: 3, Base: 500 * time.Millisecond}.Run(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Peervault-Event", n.Event)
		req.Header.Set("X-Peervault-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
		if sub.Secret != "" {
			req.Header.Set("X-Peervault-Signature", Sign(payload, sub.Secret))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	})
	if err != nil {
		w.breaker.Failure(sub.ID)
		w.fail(ctx, sub, err.Error())
		return
	}

	w.breaker.Success(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := w.store.Update(ctx, sub); err != nil {
		w.logger.Warn("updating subscription failed", "sub", sub.ID, "error", err)
	}
}

func (w *WebhookNotifier) fail(ctx context.Context, sub *Subscription, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	w.logger.Warn("webhook delivery failed", "sub", sub.ID, "url", sub.URL, "error", msg)
	sub.LastError = msg
	if err := w.store.Update(ctx, sub); err != nil {
		w.logger.Warn("updating subscription failed", "sub", sub.ID, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 signature subscribers verify
// payloads with.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemorySubscriptionStore is an in-memory SubscriptionStore.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *MemorySubscriptionStore) GetByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			c := *sub
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemorySubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
