// Package webhook delivers lifecycle events to project-registered endpoints
// with at-least-once semantics. Every emission is persisted as a delivery row
// before the first HTTP attempt, so queued work survives a restart; a poller
// feeds due rows to a small worker pool, and failures retry on a widening
// schedule until the schedule is exhausted.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/store"
)

// DisableAfter is how many consecutive failed deliveries disable a
// subscription.
const DisableAfter = 5

// defaultSchedule spaces the retry attempts. Attempt n failing schedules
// attempt n+1 after defaultSchedule[n]; a failure past the end is terminal.
var defaultSchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

// Envelope is the wire shape of every delivery body.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher fans events out to subscriptions. It satisfies the emitter
// contract of the token and oauth packages; Emit never blocks the caller.
type Dispatcher struct {
	store        *store.Store
	keyring      krypto.Encryptor
	client       *http.Client
	schedule     []time.Duration
	workers      int
	pollInterval time.Duration
	disableAfter int
	now          func() time.Time

	queue chan store.WebhookDelivery

	mu       sync.Mutex
	inflight map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSchedule overrides the retry schedule.
func WithSchedule(schedule []time.Duration) Option {
	return func(d *Dispatcher) { d.schedule = schedule }
}

// WithWorkers sets the delivery worker count.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithPollInterval sets how often due deliveries are picked up.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithDisableAfter overrides the consecutive-failure disable threshold.
func WithDisableAfter(n int) Option {
	return func(d *Dispatcher) { d.disableAfter = n }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher builds a dispatcher. Call Start before emitting.
func NewDispatcher(s *store.Store, keyring krypto.Encryptor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        s,
		keyring:      keyring,
		client:       &http.Client{Timeout: 10 * time.Second},
		schedule:     defaultSchedule,
		workers:      4,
		pollInterval: 5 * time.Second,
		disableAfter: DisableAfter,
		now:          time.Now,
		queue:        make(chan store.WebhookDelivery, 256),
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool and the due-delivery poller. The first poll
// runs immediately, which also requeues work left over from a previous
// process.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(1)
	go d.poll(ctx)
}

// Close stops the dispatcher and waits for in-flight deliveries to settle.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Emit persists one delivery row per matching subscription and lets the
// poller pick them up. The work happens on a background goroutine so token
// refreshes and callbacks never wait on webhook bookkeeping.
func (d *Dispatcher) Emit(projectID, eventType string, data map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		subs, err := d.store.SubscriptionsForEvent(ctx, projectID, eventType)
		if err != nil {
			logger.Errorw("failed to resolve webhook subscriptions",
				"project_id", projectID, "event", eventType, "error", err)
			return
		}

		now := d.now().UTC()
		for _, sub := range subs {
			id := store.NewID()
			payload, err := json.Marshal(Envelope{
				ID:        id,
				Type:      eventType,
				Timestamp: now,
				Data:      data,
			})
			if err != nil {
				logger.Errorw("failed to marshal webhook envelope", "event", eventType, "error", err)
				continue
			}
			err = d.store.CreateDelivery(ctx, &store.WebhookDelivery{
				ID:             id,
				SubscriptionID: sub.ID,
				EventType:      eventType,
				Payload:        payload,
				Status:         store.DeliveryPending,
				NextAttemptAt:  &now,
			})
			if err != nil {
				logger.Errorw("failed to persist webhook delivery",
					"subscription_id", sub.ID, "event", eventType, "error", err)
			}
		}
	}()
}

func (d *Dispatcher) poll(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		d.enqueueDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) enqueueDue(ctx context.Context) {
	due, err := d.store.DueDeliveries(ctx, d.now().UTC(), 100)
	if err != nil {
		if ctx.Err() == nil {
			logger.Errorw("failed to load due webhook deliveries", "error", err)
		}
		return
	}
	for _, delivery := range due {
		if !d.claim(delivery.ID) {
			continue
		}
		select {
		case d.queue <- delivery:
		case <-ctx.Done():
			d.release(delivery.ID)
			return
		default:
			// Queue full; the next poll retries.
			d.release(delivery.ID)
			return
		}
	}
}

// claim marks a delivery as in flight in this process so overlapping polls
// do not attempt it twice. Cross-process duplicates remain possible; the
// contract is at-least-once.
func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.attempt(ctx, delivery)
			d.release(delivery.ID)
		}
	}
}

// attempt performs one HTTP delivery and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, delivery store.WebhookDelivery) {
	sub, err := d.store.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil || !sub.Enabled {
		// Subscription gone or disabled since the row was queued.
		if err := d.store.RecordDeliveryAttempt(ctx, delivery.ID, 0, nil); err != nil && ctx.Err() == nil {
			logger.Errorw("failed to finalize orphaned delivery", "delivery_id", delivery.ID, "error", err)
		}
		return
	}

	secret, err := d.keyring.DecryptString(sub.SecretEncrypted)
	if err != nil {
		logger.Errorw("failed to decrypt webhook secret", "subscription_id", sub.ID, "error", err)
		d.recordFailure(ctx, delivery, sub, 0)
		return
	}

	statusCode := d.post(ctx, sub.URL, secret, delivery)
	now := d.now().UTC()

	if statusCode >= 200 && statusCode < 300 {
		if err := d.store.MarkDeliveryDelivered(ctx, delivery.ID, statusCode, now); err != nil {
			logger.Errorw("failed to mark delivery delivered", "delivery_id", delivery.ID, "error", err)
		}
		if err := d.store.RecordSubscriptionSuccess(ctx, sub.ID, statusCode, now); err != nil {
			logger.Errorw("failed to record subscription success", "subscription_id", sub.ID, "error", err)
		}
		return
	}

	d.recordFailure(ctx, delivery, sub, statusCode)
}

func (d *Dispatcher) post(ctx context.Context, rawURL, secret string, delivery store.WebhookDelivery) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, delivery.EventType)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set(HeaderSignature, SignatureHeader(secret, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func (d *Dispatcher) recordFailure(ctx context.Context, delivery store.WebhookDelivery, sub *store.WebhookSubscription, statusCode int) {
	now := d.now().UTC()

	var nextAttempt *time.Time
	if delivery.Attempts < len(d.schedule) {
		next := now.Add(d.schedule[delivery.Attempts])
		nextAttempt = &next
	}
	if err := d.store.RecordDeliveryAttempt(ctx, delivery.ID, statusCode, nextAttempt); err != nil && ctx.Err() == nil {
		logger.Errorw("failed to record delivery attempt", "delivery_id", delivery.ID, "error", err)
	}
	if err := d.store.RecordSubscriptionFailure(ctx, sub.ID, statusCode, now, d.disableAfter); err != nil && ctx.Err() == nil {
		logger.Errorw("failed to record subscription failure", "subscription_id", sub.ID, "error", err)
	}

	if nextAttempt == nil {
		logger.Warnw("webhook delivery exhausted its retries",
			"delivery_id", delivery.ID, "subscription_id", sub.ID,
			"event", delivery.EventType, "last_status", statusCode)
	}
}
