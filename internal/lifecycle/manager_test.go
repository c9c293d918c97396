package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/delivery"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/resolver"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
	"github.com/ehr/fhirserver/internal/subscription"
)

type fixture struct {
	t        *testing.T
	stores   *store.Registry
	muts     chan store.Mutation
	subs     *subscription.Engine
	received *delivery.ReceivedLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := store.NewRegistry()
	muts := make(chan store.Mutation, 32)
	stores.Add(store.NewKindStore("Patient", store.DefaultTraits(), muts))
	src := resolver.New(stores)
	eval := search.NewEvaluator(src, resolver.NewTerminology(stores), search.NewRegistry(), fhir.NewEngine(), zerolog.Nop())
	return &fixture{
		t:        t,
		stores:   stores,
		muts:     muts,
		subs:     subscription.NewEngine("R4B", eval, zerolog.Nop()),
		received: delivery.NewReceivedLog(),
	}
}

func (f *fixture) manager(maxCount int, protected store.Protected, opts ...Option) *Manager {
	return NewManager(f.stores, f.subs, f.received, protected, maxCount, zerolog.Nop(), opts...)
}

func (f *fixture) create(id string) {
	f.t.Helper()
	st, _ := f.stores.Get("Patient")
	res := st.Create(map[string]interface{}{"resourceType": "Patient", "id": id}, true)
	if !res.OK() {
		f.t.Fatalf("create %s failed", id)
	}
}

// pump feeds pending store mutations to the manager's queue.
func (f *fixture) pump(m *Manager) {
	for {
		select {
		case mut := <-f.muts:
			m.HandleMutation(mut)
		default:
			return
		}
	}
}

func (f *fixture) exists(id string) bool {
	st, _ := f.stores.Get("Patient")
	return st.Read(id).OK()
}

func TestEvictsOldestOverCapacity(t *testing.T) {
	f := newFixture(t)
	m := f.manager(2, nil)

	f.create("a")
	f.create("b")
	f.create("c")
	f.pump(m)

	m.Sweep()
	if f.exists("a") {
		t.Error("oldest resource survived eviction")
	}
	if !f.exists("b") || !f.exists("c") {
		t.Error("newer resources were evicted")
	}
}

func TestEvictionDisabledAtZero(t *testing.T) {
	f := newFixture(t)
	m := f.manager(0, nil)

	f.create("a")
	f.create("b")
	f.pump(m)

	m.Sweep()
	if !f.exists("a") || !f.exists("b") {
		t.Error("eviction ran with a zero cap")
	}
}

func TestEvictionSkipsProtected(t *testing.T) {
	f := newFixture(t)
	protected := store.Protected{}
	protected.Add("Patient", "seed")
	m := f.manager(1, protected)

	f.create("seed")
	f.create("extra")
	f.pump(m)

	m.Sweep()
	if !f.exists("seed") {
		t.Error("protected resource was evicted")
	}
	if f.exists("extra") {
		t.Error("unprotected resource survived past the cap")
	}
}

func TestEvictionSkipsAlreadyDeleted(t *testing.T) {
	f := newFixture(t)
	m := f.manager(1, nil)

	f.create("a")
	f.create("b")
	f.create("c")
	f.pump(m)

	st, _ := f.stores.Get("Patient")
	st.Delete("a", nil)

	m.Sweep()
	if f.exists("b") {
		t.Error("stale queue entry blocked eviction of the next oldest")
	}
	if !f.exists("c") {
		t.Error("newest resource was evicted")
	}
}

func TestReceivedLogGC(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m := f.manager(0, nil, WithClock(func() time.Time { return now }))

	var removed []string
	f.received.OnRemoved(func(id string) { removed = append(removed, id) })

	f.received.Record(delivery.ReceivedNotification{
		SubscriptionID: "old", When: now.Add(-11 * time.Minute),
	})
	f.received.Record(delivery.ReceivedNotification{
		SubscriptionID: "fresh", When: now.Add(-time.Minute),
	})

	m.Sweep()
	if got := f.received.Count(); got != 1 {
		t.Fatalf("retained %d notifications, want 1", got)
	}
	if len(f.received.For("old")) != 0 {
		t.Error("stale notification survived the window")
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("removed keys = %v, want [old]", removed)
	}
}

func TestExpirySweepNotifies(t *testing.T) {
	f := newFixture(t)
	topicURL := "http://example.org/topics/any-patient"
	if err := f.subs.RegisterTopic(map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "any-patient",
		"url":          topicURL,
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{"resource": "Patient"},
		},
	}); err != nil {
		t.Fatalf("register topic: %v", err)
	}
	if err := f.subs.RegisterSubscription(map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "short-lived",
		"status":       "active",
		"criteria":     topicURL,
		"end":          "2026-08-25T00:00:00Z",
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "https://client.example.org/notify",
		},
	}); err != nil {
		t.Fatalf("register subscription: %v", err)
	}

	var expired []string
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	m := f.manager(0, nil,
		WithClock(func() time.Time { return now }),
		WithOnExpired(func(id string) { expired = append(expired, id) }))

	m.Sweep()
	if len(expired) != 1 || expired[0] != "short-lived" {
		t.Fatalf("expired = %v, want [short-lived]", expired)
	}
	if view, ok := f.subs.Subscription("short-lived"); !ok || view.Status != subscription.StatusOff {
		t.Errorf("subscription status = %q, want off", view.Status)
	}
}

func TestRunSweepsOnTick(t *testing.T) {
	f := newFixture(t)
	m := f.manager(1, nil, WithTick(5*time.Millisecond))

	f.create("a")
	f.create("b")
	f.pump(m)

	m.Run()
	defer m.Close()

	deadline := time.After(2 * time.Second)
	for f.exists("a") {
		select {
		case <-deadline:
			t.Fatal("ticker sweep never evicted the oldest resource")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !f.exists("b") {
		t.Error("newest resource was evicted")
	}
}
