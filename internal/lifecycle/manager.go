// Package lifecycle runs the periodic housekeeping pass: capacity
// eviction over the per-tenant resource budget, garbage collection of
// the received-notification log, and the expired-subscription sweep.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/delivery"
	"github.com/ehr/fhirserver/internal/store"
	"github.com/ehr/fhirserver/internal/subscription"
)

const (
	defaultSweepTick  = 30 * time.Second
	receivedRetention = 10 * time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithTick overrides the sweep interval.
func WithTick(tick time.Duration) Option {
	return func(m *Manager) { m.tick = tick }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOnExpired registers a callback invoked with the id of every
// subscription the expiry sweep flips to off. The façade uses it to
// update the stored Subscription resource.
func WithOnExpired(fn func(id string)) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// entry is one creation-order queue element. Entries are never removed
// mid-queue; deletion and protection are checked at eviction time.
type entry struct {
	kind string
	id   string
}

// Manager owns the housekeeping ticker for one tenant.
type Manager struct {
	stores    *store.Registry
	subs      *subscription.Engine
	received  *delivery.ReceivedLog
	protected store.Protected
	maxCount  int
	log       zerolog.Logger

	tick      time.Duration
	now       func() time.Time
	onExpired func(id string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	queue []entry
}

// NewManager wires a manager. maxCount caps the tenant's live resource
// total; zero disables eviction.
func NewManager(stores *store.Registry, subs *subscription.Engine, received *delivery.ReceivedLog,
	protected store.Protected, maxCount int, log zerolog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		stores:    stores,
		subs:      subs,
		received:  received,
		protected: protected,
		maxCount:  maxCount,
		log:       log.With().Str("component", "lifecycle").Logger(),
		tick:      defaultSweepTick,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// HandleMutation feeds the creation-order queue. Only creates matter;
// deletes are discovered lazily when the sweeper reaches the entry.
func (m *Manager) HandleMutation(mut store.Mutation) {
	if mut.Op != store.InteractionCreate {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, entry{kind: mut.Kind, id: mut.ID})
	m.mu.Unlock()
}

// Track seeds the queue with an already-stored instance, used for
// content loaded before the manager starts receiving mutations.
func (m *Manager) Track(kind, id string) {
	m.mu.Lock()
	m.queue = append(m.queue, entry{kind: kind, id: id})
	m.mu.Unlock()
}

// Run starts the sweep loop.
func (m *Manager) Run() {
	m.wg.Add(1)
	go m.loop()
}

// Close stops the loop and waits for an in-flight sweep.
func (m *Manager) Close() {
	m.once.Do(m.cancel)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one housekeeping pass.
func (m *Manager) Sweep() {
	now := m.now()
	m.evict()
	if pruned := m.received.Prune(now.Add(-receivedRetention)); pruned > 0 {
		m.log.Debug().Int("pruned", pruned).Msg("removed stale received notifications")
	}
	for _, id := range m.subs.SweepExpired(now) {
		m.log.Info().Str("subscription", id).Msg("subscription expired")
		if m.onExpired != nil {
			m.onExpired(id)
		}
	}
}

// evict deletes the oldest evictable resources until the live total is
// back under the cap. Protected and already-deleted entries are
// dequeued without a delete.
func (m *Manager) evict() {
	if m.maxCount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.stores.TotalCount()
	for live > m.maxCount && len(m.queue) > 0 {
		head := m.queue[0]
		m.queue = m.queue[1:]

		if m.protected.Contains(head.kind, head.id) {
			continue
		}
		st, ok := m.stores.Get(head.kind)
		if !ok {
			continue
		}
		if res := st.Delete(head.id, m.protected); res.OK() {
			live--
			m.log.Info().Str("kind", head.kind).Str("id", head.id).
				Msg("evicted resource over capacity")
		}
	}
}

// QueueLen reports how many creation-order entries are retained.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
