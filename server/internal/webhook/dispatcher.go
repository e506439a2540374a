// Package webhook fans aggregator events out to registered HTTP subscribers.
// Deliveries are signed with HMAC-SHA256 when the webhook has a secret and
// retried with exponential backoff; every attempt leaves an audit row.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
)

const queueSize = 256

// Config tunes delivery behavior.
type Config struct {
	// Timeout bounds each outbound POST.
	Timeout time.Duration
	// RetryBaseDelay is doubled per attempt: base, 2*base, 4*base.
	RetryBaseDelay time.Duration
	// MaxAttempts caps delivery attempts per event and webhook.
	MaxAttempts int
}

// payload is the JSON body POSTed to subscribers.
type payload struct {
	Event       string    `json:"event"`
	Data        any       `json:"data"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type job struct {
	event string
	data  any
}

// Dispatcher implements aggregator.EventSink. Emit is non-blocking; events
// are delivered by a background worker so a slow subscriber cannot stall
// the node session that produced the event.
type Dispatcher struct {
	cfg     Config
	repo    repositories.WebhookRepository
	client  *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	queue chan job
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a Dispatcher. Call Start before wiring it into the aggregator.
func New(cfg Config, repo repositories.WebhookRepository, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		cfg:     cfg,
		repo:    repo,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  logger.Named("webhook"),
		queue:   make(chan job, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop drains nothing; queued events not yet delivered are dropped. Delivery
// in flight finishes up to the HTTP timeout.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

// Emit enqueues an event for delivery. Never blocks; when the queue is full
// the event is dropped and counted as a failed delivery.
func (d *Dispatcher) Emit(event string, data any) {
	select {
	case d.queue <- job{event: event, data: data}:
	default:
		d.metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("event queue full, dropping event", zap.String("event", event))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case j := <-d.queue:
			d.fanOut(j)
		}
	}
}

func (d *Dispatcher) fanOut(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	hooks, err := d.repo.List(ctx)
	if err != nil {
		d.logger.Error("listing webhooks", zap.Error(err))
		return
	}

	body, err := json.Marshal(payload{Event: j.event, Data: j.data, DeliveredAt: time.Now().UTC()})
	if err != nil {
		d.logger.Error("marshaling event payload", zap.String("event", j.event), zap.Error(err))
		return
	}

	for i := range hooks {
		hook := hooks[i]
		if !subscribed(hook.Events, j.event) {
			continue
		}
		d.deliver(ctx, &hook, j.event, body)
	}
}

// deliver POSTs body to the webhook, retrying with exponential backoff on
// network errors and non-2xx responses. Each attempt is recorded.
func (d *Dispatcher) deliver(ctx context.Context, hook *db.Webhook, event string, body []byte) {
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		status, err := d.post(ctx, hook, event, body)

		row := &db.WebhookDelivery{
			WebhookID:      hook.ID,
			EventType:      event,
			Attempt:        attempt,
			ResponseStatus: status,
			Payload:        string(body),
		}
		if err == nil {
			row.Status = "success"
		} else {
			row.Status = "failed"
			row.Error = err.Error()
		}
		if dbErr := d.repo.AppendDelivery(ctx, row); dbErr != nil {
			d.logger.Error("recording delivery attempt", zap.Error(dbErr))
		}

		if err == nil {
			d.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			return
		}

		d.logger.Warn("webhook delivery failed",
			zap.String("url", hook.URL),
			zap.String("event", event),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		delay := d.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			return
		case <-d.stop:
			d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			return
		case <-time.After(delay):
		}
	}
	d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
}

func (d *Dispatcher) post(ctx context.Context, hook *db.Webhook, event string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Woly-Webhook/1.0")
	req.Header.Set("X-Woly-Event", event)
	if hook.Secret != "" {
		req.Header.Set("X-Woly-Signature", "sha256="+Sign(body, string(hook.Secret)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// subscribed reports whether a webhook's event filter matches event. The
// filter is a JSON array of names; "*" matches everything, and an empty or
// unparseable filter matches nothing.
func subscribed(filter, event string) bool {
	var events []string
	if err := json.Unmarshal([]byte(filter), &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// Sign computes the HMAC-SHA256 signature of body keyed by secret, hex
// encoded. Receivers recompute it over the raw request body to verify
// authenticity.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
