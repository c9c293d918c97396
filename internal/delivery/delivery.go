// Package delivery moves notification events from the subscription
// engine to their channels: rest-hook POSTs with retry and backoff,
// websocket broadcasts through the hub, plus handshake and heartbeat
// notifications.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/subscription"
)

const defaultHeartbeatTick = 5 * time.Second

// defaultBackoff is the wait schedule between rest-hook retries. A
// delivery that fails the initial attempt and every retry flips the
// subscription to error status.
var defaultBackoff = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the rest-hook HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithBackoff overrides the retry wait schedule.
func WithBackoff(waits []time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = waits }
}

// WithHeartbeatTick overrides how often heartbeat periods are scanned.
func WithHeartbeatTick(tick time.Duration) Option {
	return func(d *Dispatcher) { d.tick = tick }
}

// Dispatcher consumes the engine's event stream and drives the
// per-channel delivery mechanics.
type Dispatcher struct {
	engine   *subscription.Engine
	hub      *Hub
	received *ReceivedLog
	base     string
	log      zerolog.Logger

	client  *http.Client
	backoff []time.Duration
	tick    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewDispatcher wires a dispatcher to the engine. It installs itself as
// the engine's OnSubscribe hook so activation handshakes start as soon
// as a subscription is registered.
func NewDispatcher(engine *subscription.Engine, hub *Hub, received *ReceivedLog, base string, log zerolog.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		engine:   engine,
		hub:      hub,
		received: received,
		base:     base,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		backoff:  defaultBackoff,
		tick:     defaultHeartbeatTick,
		ctx:      ctx,
		cancel:   cancel,
		sent:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(d)
	}
	engine.OnSubscribe = d.handleSubscribe
	return d
}

// Run starts the event and heartbeat pumps.
func (d *Dispatcher) Run() {
	d.wg.Add(1)
	go d.loop()
}

// Close stops the pumps and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.once.Do(d.cancel)
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.engine.Events():
			d.dispatch(ev)
		case <-ticker.C:
			d.heartbeats()
		}
	}
}

// dispatch routes one event to its subscription's channel.
func (d *Dispatcher) dispatch(ev subscription.Event) {
	view, ok := d.engine.Subscription(ev.SubscriptionID)
	if !ok || view.Status != subscription.StatusActive {
		return
	}
	rec := subscription.EventRecord{
		Number:     ev.Number,
		Timestamp:  ev.Timestamp,
		Focus:      ev.Focus,
		Additional: ev.Additional,
	}
	bundle := d.engine.NotificationBundle(view, subscription.NotificationEvent, []subscription.EventRecord{rec}, d.base)

	switch view.Channel.Type {
	case "rest-hook":
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliverRestHook(view, subscription.NotificationEvent, ev.Number, bundle)
		}()
	case "websocket":
		d.broadcast(view, subscription.NotificationEvent, ev.Number, bundle)
	default:
		d.engine.RecordError(view.ID, fmt.Sprintf("unsupported channel type %q", view.Channel.Type))
	}
}

// deliverRestHook POSTs the bundle, retrying on the backoff schedule.
// Exhausting the schedule flips the subscription to error status.
func (d *Dispatcher) deliverRestHook(view subscription.View, notifType string, number int64, bundle map[string]interface{}) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		d.engine.RecordError(view.ID, fmt.Sprintf("marshal notification: %v", err))
		return
	}

	for attempt := 0; ; attempt++ {
		status, err := d.post(view.Channel, payload)
		if err == nil && status >= 200 && status < 300 {
			d.markSent(view.ID)
			d.received.Record(ReceivedNotification{
				SubscriptionID: view.ID,
				Type:           notifType,
				EventNumber:    number,
				StatusCode:     status,
				When:           time.Now().UTC(),
			})
			if attempt > 0 {
				d.log.Info().Str("subscription", view.ID).Int("attempt", attempt+1).Msg("notification delivered after retry")
			}
			return
		}

		msg := describeFailure(status, err)
		d.engine.RecordError(view.ID, fmt.Sprintf("%s delivery: %s", notifType, msg))
		d.log.Warn().Str("subscription", view.ID).Str("endpoint", view.Channel.Endpoint).
			Int("attempt", attempt+1).Str("reason", msg).Msg("notification delivery failed")

		if attempt >= len(d.backoff) {
			d.engine.SetStatus(view.ID, subscription.StatusError)
			d.log.Warn().Str("subscription", view.ID).Msg("retries exhausted, subscription errored")
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.backoff[attempt]):
		}
	}
}

func (d *Dispatcher) broadcast(view subscription.View, notifType string, number int64, bundle map[string]interface{}) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		d.engine.RecordError(view.ID, fmt.Sprintf("marshal notification: %v", err))
		return
	}
	d.hub.Broadcast(view.ID, payload)
	d.markSent(view.ID)
	d.received.Record(ReceivedNotification{
		SubscriptionID: view.ID,
		Type:           notifType,
		EventNumber:    number,
		When:           time.Now().UTC(),
	})
}

// handleSubscribe is the engine's OnSubscribe hook. Requested rest-hook
// subscriptions get a handshake notification and activate on success;
// websocket subscriptions activate immediately since the client binds
// over the socket instead.
func (d *Dispatcher) handleSubscribe(view subscription.View) {
	if view.Status != subscription.StatusRequested {
		return
	}
	switch view.Channel.Type {
	case "websocket":
		d.engine.SetStatus(view.ID, subscription.StatusActive)
		d.markSent(view.ID)
	case "rest-hook":
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handshake(view)
		}()
	default:
		d.engine.RecordError(view.ID, fmt.Sprintf("unsupported channel type %q", view.Channel.Type))
		d.engine.SetStatus(view.ID, subscription.StatusError)
	}
}

// handshake is a single attempt: a failed activation goes straight to
// error status for the client to repair.
func (d *Dispatcher) handshake(view subscription.View) {
	bundle := d.engine.NotificationBundle(view, subscription.NotificationHandshake, nil, d.base)
	payload, err := json.Marshal(bundle)
	if err != nil {
		d.engine.RecordError(view.ID, fmt.Sprintf("marshal handshake: %v", err))
		d.engine.SetStatus(view.ID, subscription.StatusError)
		return
	}

	status, err := d.post(view.Channel, payload)
	if err == nil && status >= 200 && status < 300 {
		d.engine.SetStatus(view.ID, subscription.StatusActive)
		d.markSent(view.ID)
		d.received.Record(ReceivedNotification{
			SubscriptionID: view.ID,
			Type:           subscription.NotificationHandshake,
			StatusCode:     status,
			When:           time.Now().UTC(),
		})
		d.log.Info().Str("subscription", view.ID).Msg("handshake accepted, subscription active")
		return
	}
	msg := describeFailure(status, err)
	d.engine.RecordError(view.ID, "handshake: "+msg)
	d.engine.SetStatus(view.ID, subscription.StatusError)
	d.log.Warn().Str("subscription", view.ID).Str("reason", msg).Msg("handshake failed")
}

// heartbeats sends a heartbeat notification to every active
// subscription whose heartbeat period has elapsed since it last heard
// from us.
func (d *Dispatcher) heartbeats() {
	now := time.Now()
	for _, view := range d.engine.Subscriptions() {
		view := view
		if view.Status != subscription.StatusActive || view.Channel.Heartbeat <= 0 {
			continue
		}
		period := time.Duration(view.Channel.Heartbeat) * time.Second
		if now.Sub(d.lastSent(view.ID, now)) < period {
			continue
		}
		d.markSent(view.ID)

		bundle := d.engine.NotificationBundle(view, subscription.NotificationHeartbeat, nil, d.base)
		switch view.Channel.Type {
		case "rest-hook":
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				payload, err := json.Marshal(bundle)
				if err != nil {
					return
				}
				// Heartbeats are not retried; the next period tries again.
				if status, err := d.post(view.Channel, payload); err != nil || status < 200 || status >= 300 {
					d.engine.RecordError(view.ID, "heartbeat: "+describeFailure(status, err))
				}
			}()
		case "websocket":
			d.broadcast(view, subscription.NotificationHeartbeat, 0, bundle)
		}
	}
}

func (d *Dispatcher) post(ch subscription.Channel, payload []byte) (int, error) {
	if ch.Endpoint == "" {
		return 0, fmt.Errorf("channel has no endpoint")
	}
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	contentType := ch.ContentType
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	req.Header.Set("Content-Type", contentType)
	for _, header := range ch.Headers {
		if name, value, ok := strings.Cut(header, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, nil
}

// lastSent returns the last delivery instant, seeding the baseline on
// first sight so fresh subscriptions wait a full period.
func (d *Dispatcher) lastSent(id string, now time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.sent[id]; ok {
		return t
	}
	d.sent[id] = now
	return now
}

func (d *Dispatcher) markSent(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[id] = time.Now()
}

func describeFailure(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("endpoint returned %d", status)
}
