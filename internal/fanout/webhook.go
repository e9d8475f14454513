// Package fanout implements the engine's external fan-out surfaces: the
// SSE audit/debug streams (§4.11) and the webhook delivery subsystem
// (§4.12). Both only observe the dispatcher; neither ever calls back into
// it with new stimuli.
package fanout

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

	"github.com/google/uuid"
	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/infrastructure/ratelimit"
	"github.com/kestrelflow/reactor/pkg/metrics"
)

// Webhook is a registered delivery endpoint (§4.12). Empty Patterns
// defaults to ["*"] at registration time.
type Webhook struct {
	ID        string
	URL       string
	Patterns  []string
	Secret    string
	Headers   map[string]string
	Timeout   time.Duration
	Enabled   bool
	CreatedAt time.Time
}

// DeliveryResult is the outcome of one delivery attempt sequence.
type DeliveryResult struct {
	WebhookID  string
	Success    bool
	StatusCode int
	Attempts   int
	Duration   time.Duration
	Err        error
}

type registeredWebhook struct {
	webhook Webhook
	limiter *ratelimit.RateLimiter
}

// WebhookFanoutOptions configures retry/limiting behavior; zero values take
// the §4.12 defaults.
type WebhookFanoutOptions struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	DefaultTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	Metrics        *metrics.Metrics
	HTTPClient     *http.Client
	UserAgent      string
}

// WebhookFanout delivers matching events to registered webhooks
// concurrently, signing payloads and retrying with exponential backoff.
type WebhookFanout struct {
	mu        sync.RWMutex
	endpoints map[string]*registeredWebhook
	topics    *topicMatcher

	maxRetries     int
	retryBaseDelay time.Duration
	defaultTimeout time.Duration
	ratePerSecond  float64
	rateBurst      int
	userAgent      string

	client  *http.Client
	metrics *metrics.Metrics
}

// NewWebhookFanout constructs a WebhookFanout with no endpoints registered.
func NewWebhookFanout(opts WebhookFanoutOptions) *WebhookFanout {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "reactor/1.0"
	}

	return &WebhookFanout{
		endpoints:      make(map[string]*registeredWebhook),
		topics:         newTopicMatcher(),
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		defaultTimeout: opts.DefaultTimeout,
		ratePerSecond:  opts.RatePerSecond,
		rateBurst:      opts.RateBurst,
		userAgent:      opts.UserAgent,
		client:         opts.HTTPClient,
		metrics:        opts.Metrics,
	}
}

// Register adds or replaces a webhook endpoint, assigning an id if empty.
func (f *WebhookFanout) Register(w Webhook) Webhook {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if len(w.Patterns) == 0 {
		w.Patterns = []string{"*"}
	}
	if w.Timeout <= 0 {
		w.Timeout = f.defaultTimeout
	}
	w.CreatedAt = time.Now().UTC()
	w.Enabled = true

	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[w.ID] = &registeredWebhook{
		webhook: w,
		limiter: ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: f.ratePerSecond, Burst: f.rateBurst}),
	}
	return w
}

// Unregister removes a webhook endpoint. Idempotent.
func (f *WebhookFanout) Unregister(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.endpoints, id)
}

// SetEnabled toggles whether an endpoint receives deliveries.
func (f *WebhookFanout) SetEnabled(id string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rw, ok := f.endpoints[id]
	if !ok {
		return false
	}
	rw.webhook.Enabled = enabled
	return true
}

// Deliver selects every enabled webhook whose patterns match topic and
// delivers ev to all of them concurrently, returning once every delivery
// (including its retries) has completed.
func (f *WebhookFanout) Deliver(ev event.Event, topic string) []DeliveryResult {
	f.mu.RLock()
	var targets []*registeredWebhook
	for _, rw := range f.endpoints {
		if !rw.webhook.Enabled {
			continue
		}
		if f.topics.matchAny(rw.webhook.Patterns, topic) {
			targets = append(targets, rw)
		}
	}
	f.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	results := make([]DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i, rw := range targets {
		wg.Add(1)
		go func(i int, rw *registeredWebhook) {
			defer wg.Done()
			results[i] = f.deliverOne(rw, ev)
		}(i, rw)
	}
	wg.Wait()
	return results
}

type webhookPayload struct {
	ID         string      `json:"id"`
	WebhookID  string      `json:"webhookId"`
	Event      event.Event `json:"event"`
	DeliveredAt time.Time  `json:"deliveredAt"`
}

func (f *WebhookFanout) deliverOne(rw *registeredWebhook, ev event.Event) DeliveryResult {
	start := time.Now()
	w := rw.webhook

	body, err := json.Marshal(webhookPayload{ID: uuid.NewString(), WebhookID: w.ID, Event: ev, DeliveredAt: time.Now().UTC()})
	if err != nil {
		return DeliveryResult{WebhookID: w.ID, Err: err, Duration: time.Since(start)}
	}

	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
		if err := rw.limiter.Wait(ctx); err != nil {
			cancel()
			lastErr = err
			break
		}

		status, err := f.attempt(ctx, w, body)
		cancel()
		lastStatus = status
		lastErr = err

		if err == nil && status >= 200 && status < 300 {
			f.recordOutcome("success", time.Since(start))
			return DeliveryResult{WebhookID: w.ID, Success: true, StatusCode: status, Attempts: attempt, Duration: time.Since(start)}
		}

		if attempt < f.maxRetries {
			time.Sleep(f.retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}
	}

	f.recordOutcome("failure", time.Since(start))
	if lastErr == nil {
		lastErr = fmt.Errorf("webhook delivery failed with status %d after %d attempts", lastStatus, f.maxRetries)
	}
	return DeliveryResult{WebhookID: w.ID, Success: false, StatusCode: lastStatus, Attempts: f.maxRetries, Duration: time.Since(start), Err: lastErr}
}

func (f *WebhookFanout) attempt(ctx context.Context, w Webhook, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signBody(w.Secret, body))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (f *WebhookFanout) recordOutcome(outcome string, d time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	f.metrics.WebhookDuration.Observe(d.Seconds())
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
