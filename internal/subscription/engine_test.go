package subscription

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/resolver"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

type fixture struct {
	t      *testing.T
	stores *store.Registry
	muts   chan store.Mutation
	engine *Engine
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()
	stores := store.NewRegistry()
	muts := make(chan store.Mutation, 32)
	for _, kind := range []string{"Patient", "Encounter", "Observation"} {
		stores.Add(store.NewKindStore(kind, store.DefaultTraits(), muts))
	}
	src := resolver.New(stores)
	eval := search.NewEvaluator(src, resolver.NewTerminology(stores), search.NewRegistry(), fhir.NewEngine(), zerolog.Nop())
	return &fixture{
		t:      t,
		stores: stores,
		muts:   muts,
		engine: NewEngine(version, eval, zerolog.Nop()),
	}
}

// pump feeds pending store mutations to the engine and returns the
// events they generated.
func (f *fixture) pump() []Event {
	for {
		select {
		case mut := <-f.muts:
			f.engine.HandleMutation(mut)
		default:
			var out []Event
			for {
				select {
				case ev := <-f.engine.Events():
					out = append(out, ev)
				default:
					return out
				}
			}
		}
	}
}

func (f *fixture) create(kind string, payload map[string]interface{}) (*store.Instance, []Event) {
	f.t.Helper()
	ks, _ := f.stores.Get(kind)
	res := ks.Create(payload, true)
	if !res.OK() {
		f.t.Fatalf("create %s failed: %+v", kind, res.Outcome)
	}
	return res.Instance, f.pump()
}

func (f *fixture) update(kind string, payload map[string]interface{}) (*store.Instance, []Event) {
	f.t.Helper()
	ks, _ := f.stores.Get(kind)
	res := ks.Update(payload, store.UpdateOptions{})
	if !res.OK() {
		f.t.Fatalf("update %s failed: %+v", kind, res.Outcome)
	}
	return res.Instance, f.pump()
}

func (f *fixture) remove(kind, id string) []Event {
	f.t.Helper()
	ks, _ := f.stores.Get(kind)
	if res := ks.Delete(id, nil); !res.OK() {
		f.t.Fatalf("delete %s/%s failed: %+v", kind, id, res.Outcome)
	}
	return f.pump()
}

func (f *fixture) mustTopic(res map[string]interface{}) {
	f.t.Helper()
	if err := f.engine.RegisterTopic(res); err != nil {
		f.t.Fatalf("RegisterTopic: %v", err)
	}
}

func (f *fixture) mustSubscribe(res map[string]interface{}) {
	f.t.Helper()
	if err := f.engine.RegisterSubscription(res); err != nil {
		f.t.Fatalf("RegisterSubscription: %v", err)
	}
}

const completedTopicURL = "http://example.org/topics/encounter-completed"

// completedTopic fires when an encounter transitions into completed.
func completedTopic(extra map[string]interface{}) map[string]interface{} {
	topic := map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "enc-completed",
		"url":          completedTopicURL,
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":         "Encounter",
				"fhirPathCriteria": "(%previous.empty() or %previous.status != 'completed') and %current.status = 'completed'",
			},
		},
	}
	for k, v := range extra {
		topic[k] = v
	}
	return topic
}

func restSubscription(id, topic string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Subscription",
		"id":           id,
		"status":       "active",
		"criteria":     topic,
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "https://client.example.org/fhir/notify",
			"payload":  "application/fhir+json",
			"_payload": map[string]interface{}{
				"extension": []interface{}{
					map[string]interface{}{"url": backportContentExt, "valueCode": "full-resource"},
				},
			},
		},
	}
}

func encounter(id, status string) map[string]interface{} {
	return map[string]interface{}{"resourceType": "Encounter", "id": id, "status": status}
}

func TestPathTriggerLifecycle(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))
	f.mustSubscribe(restSubscription("completions", completedTopicURL))

	in, events := f.create("Encounter", encounter("visit", "planned"))
	if len(events) != 0 {
		t.Fatalf("create planned generated %d events, want 0", len(events))
	}

	in, events = f.update("Encounter", encounter(in.ID, "completed"))
	if len(events) != 1 {
		t.Fatalf("update to completed generated %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.SubscriptionID != "completions" || ev.TopicURL != completedTopicURL || ev.Number != 1 {
		t.Errorf("event = %s on %s #%d, want completions on %s #1",
			ev.SubscriptionID, ev.TopicURL, ev.Number, completedTopicURL)
	}
	if ev.Focus == nil || ev.Focus.Version != in.Version {
		t.Fatalf("event focus = %+v, want version %d", ev.Focus, in.Version)
	}
	if got := fhir.GetString(ev.Focus.Resource, "status"); got != "completed" {
		t.Errorf("focus status = %q, want completed", got)
	}
	if ev.Channel.Endpoint != "https://client.example.org/fhir/notify" || ev.Channel.Content != ContentFullResource {
		t.Errorf("event channel = %+v", ev.Channel)
	}

	// A repeat update stays quiet: the previous state is already completed.
	if _, events = f.update("Encounter", encounter(in.ID, "completed")); len(events) != 0 {
		t.Fatalf("repeat update generated %d events, want 0", len(events))
	}
	if events = f.remove("Encounter", in.ID); len(events) != 0 {
		t.Fatalf("delete generated %d events, want 0", len(events))
	}

	view, ok := f.engine.Subscription("completions")
	if !ok || view.EventCount != 1 {
		t.Fatalf("subscription view = %+v, %v; want 1 event", view, ok)
	}
	recs := f.engine.EventsFor("completions")
	if len(recs) != 1 || recs[0].Number != 1 || recs[0].Focus == nil {
		t.Errorf("EventsFor = %+v, want one record numbered 1", recs)
	}
}

func startTopic(requireBoth bool) map[string]interface{} {
	qc := map[string]interface{}{
		"previous":        "status:not=in-progress",
		"resultForCreate": "test-passes",
		"current":         "status=in-progress",
	}
	if requireBoth {
		qc["requireBoth"] = true
	}
	return map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "enc-start",
		"url":          "http://example.org/topics/encounter-start",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Encounter",
				"supportedInteraction": []interface{}{"create", "update"},
				"queryCriteria":        qc,
			},
		},
	}
}

func TestQueryTriggerRequireBoth(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(startTopic(true))
	f.mustSubscribe(restSubscription("starts", "http://example.org/topics/encounter-start"))

	steps := []struct {
		name string
		run  func() []Event
		want int
	}{
		{"create planned", func() []Event { _, ev := f.create("Encounter", encounter("a", "planned")); return ev }, 0},
		{"create in-progress", func() []Event { _, ev := f.create("Encounter", encounter("b", "in-progress")); return ev }, 1},
		{"update planned to in-progress", func() []Event { _, ev := f.update("Encounter", encounter("a", "in-progress")); return ev }, 1},
		{"update in-progress to in-progress", func() []Event { _, ev := f.update("Encounter", encounter("b", "in-progress")); return ev }, 0},
		{"delete not covered", func() []Event { return f.remove("Encounter", "b") }, 0},
	}
	for _, step := range steps {
		if got := step.run(); len(got) != step.want {
			t.Fatalf("%s generated %d events, want %d", step.name, len(got), step.want)
		}
	}

	view, _ := f.engine.Subscription("starts")
	if view.EventCount != 2 {
		t.Errorf("event count = %d, want 2", view.EventCount)
	}
	recs := f.engine.EventsFor("starts")
	if len(recs) != 2 || recs[0].Number != 1 || recs[1].Number != 2 {
		t.Errorf("event numbers = %+v, want 1 then 2", recs)
	}
}

func TestQueryTriggerEitherSide(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(startTopic(false))
	f.mustSubscribe(restSubscription("starts", "http://example.org/topics/encounter-start"))

	// Without requireBoth one passing side is enough, so the create-side
	// auto pass fires on every create.
	if _, events := f.create("Encounter", encounter("a", "planned")); len(events) != 1 {
		t.Fatalf("create generated %d events, want 1", len(events))
	}
	if _, events := f.update("Encounter", encounter("a", "finished")); len(events) != 1 {
		t.Fatalf("update generated %d events, want 1", len(events))
	}
}

func TestInteractionTrigger(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "enc-deleted",
		"url":          "http://example.org/topics/encounter-deleted",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "Encounter",
				"supportedInteraction": []interface{}{"delete"},
			},
		},
	})
	f.mustSubscribe(restSubscription("deletions", "http://example.org/topics/encounter-deleted"))

	if _, events := f.create("Encounter", encounter("gone", "planned")); len(events) != 0 {
		t.Fatalf("create generated %d events, want 0", len(events))
	}
	if _, events := f.update("Encounter", encounter("gone", "cancelled")); len(events) != 0 {
		t.Fatalf("update generated %d events, want 0", len(events))
	}
	events := f.remove("Encounter", "gone")
	if len(events) != 1 {
		t.Fatalf("delete generated %d events, want 1", len(events))
	}
	focus := events[0].Focus
	if focus == nil || focus.ID != "gone" || fhir.GetString(focus.Resource, "status") != "cancelled" {
		t.Errorf("delete focus = %+v, want the removed payload", focus)
	}
}

func TestSubscriptionFilters(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(map[string]interface{}{
		"canFilterBy": []interface{}{
			map[string]interface{}{"resource": "Encounter", "filterParameter": "patient"},
		},
	}))

	scoped := restSubscription("example-only", completedTopicURL)
	scoped["filterBy"] = []interface{}{
		map[string]interface{}{
			"resourceType":    "Encounter",
			"filterParameter": "patient",
			"value":           "Patient/example",
		},
	}
	f.mustSubscribe(scoped)

	// The same filter without a resource type applies to every kind the
	// topic triggers on.
	starred := restSubscription("example-starred", completedTopicURL)
	starred["filterBy"] = []interface{}{
		map[string]interface{}{"filterParameter": "patient", "value": "Patient/example"},
	}
	f.mustSubscribe(starred)

	enc := encounter("visit-1", "completed")
	enc["subject"] = map[string]interface{}{"reference": "Patient/example"}
	_, events := f.create("Encounter", enc)
	if len(events) != 2 {
		t.Fatalf("matching encounter generated %d events, want 2", len(events))
	}
	if events[0].SubscriptionID != "example-only" || events[1].SubscriptionID != "example-starred" {
		t.Errorf("event order = %s, %s; want example-only then example-starred",
			events[0].SubscriptionID, events[1].SubscriptionID)
	}

	other := encounter("visit-2", "completed")
	other["subject"] = map[string]interface{}{"reference": "Patient/other"}
	if _, events = f.create("Encounter", other); len(events) != 0 {
		t.Fatalf("non-matching encounter generated %d events, want 0", len(events))
	}
}

func TestRegisterSubscriptionErrors(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(map[string]interface{}{
		"canFilterBy": []interface{}{
			map[string]interface{}{"resource": "Encounter", "filterParameter": "patient"},
		},
	}))

	disallowed := restSubscription("bad-filter", completedTopicURL)
	disallowed["filterBy"] = []interface{}{
		map[string]interface{}{"resourceType": "Encounter", "filterParameter": "status", "value": "completed"},
	}
	if err := f.engine.RegisterSubscription(disallowed); err == nil || !strings.Contains(err.Error(), "status") {
		t.Errorf("disallowed filter error = %v", err)
	}

	if err := f.engine.RegisterSubscription(restSubscription("orphan", "http://example.org/topics/missing")); err == nil {
		t.Error("expected an error for a subscription on an unknown topic")
	}

	// A topic without declared filters accepts any parameter the kind
	// can search on, and rejects the rest.
	f.mustTopic(startTopic(false))
	open := restSubscription("open-filter", "http://example.org/topics/encounter-start")
	open["filterBy"] = []interface{}{
		map[string]interface{}{"resourceType": "Encounter", "filterParameter": "status", "value": "planned"},
	}
	f.mustSubscribe(open)

	bogus := restSubscription("bogus-filter", "http://example.org/topics/encounter-start")
	bogus["filterBy"] = []interface{}{
		map[string]interface{}{"resourceType": "Encounter", "filterParameter": "favourite-colour", "value": "blue"},
	}
	if err := f.engine.RegisterSubscription(bogus); err == nil {
		t.Error("expected an error for an unresolvable filter parameter")
	}
}

func TestOnlyActiveSubscriptionsNotify(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))

	requested := restSubscription("pending", completedTopicURL)
	requested["status"] = "requested"
	f.mustSubscribe(requested)

	if _, events := f.create("Encounter", encounter("one", "completed")); len(events) != 0 {
		t.Fatalf("requested subscription received %d events, want 0", len(events))
	}
	if !f.engine.SetStatus("pending", StatusActive) {
		t.Fatal("SetStatus returned false for a known subscription")
	}
	if f.engine.SetStatus("missing", StatusActive) {
		t.Error("SetStatus returned true for an unknown subscription")
	}
	if _, events := f.create("Encounter", encounter("two", "completed")); len(events) != 1 {
		t.Fatalf("active subscription received %d events, want 1", len(events))
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))

	expiring := restSubscription("expiring", completedTopicURL)
	expiring["end"] = "2020-01-01T00:00:00Z"
	f.mustSubscribe(expiring)
	f.mustSubscribe(restSubscription("evergreen", completedTopicURL))

	flipped := f.engine.SweepExpired(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
	if len(flipped) != 1 || flipped[0] != "expiring" {
		t.Fatalf("SweepExpired = %v, want [expiring]", flipped)
	}
	if view, _ := f.engine.Subscription("expiring"); view.Status != StatusOff {
		t.Errorf("expired subscription status = %q, want off", view.Status)
	}

	_, events := f.create("Encounter", encounter("late", "completed"))
	if len(events) != 1 || events[0].SubscriptionID != "evergreen" {
		t.Fatalf("events after sweep = %+v, want one for evergreen", events)
	}
}

func TestErrorRingBounded(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))
	f.mustSubscribe(restSubscription("flaky", completedTopicURL))

	for i := 0; i < ErrorRingSize+5; i++ {
		f.engine.RecordError("flaky", fmt.Sprintf("delivery failed %d", i))
	}
	view, _ := f.engine.Subscription("flaky")
	if len(view.Errors) != ErrorRingSize {
		t.Fatalf("error ring holds %d entries, want %d", len(view.Errors), ErrorRingSize)
	}
	if view.Errors[0] != "delivery failed 5" || view.Errors[ErrorRingSize-1] != fmt.Sprintf("delivery failed %d", ErrorRingSize+4) {
		t.Errorf("error ring = [%s .. %s], want oldest trimmed",
			view.Errors[0], view.Errors[ErrorRingSize-1])
	}
}

func TestNotificationShapeContext(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(map[string]interface{}{
		"notificationShape": []interface{}{
			map[string]interface{}{"resource": "Encounter", "include": []interface{}{"Encounter:patient"}},
		},
	}))
	f.mustSubscribe(restSubscription("with-context", completedTopicURL))

	if _, events := f.create("Patient", map[string]interface{}{
		"resourceType": "Patient",
		"id":           "example",
	}); len(events) != 0 {
		t.Fatalf("patient create generated %d events, want 0", len(events))
	}

	enc := encounter("ctx-visit", "completed")
	enc["subject"] = map[string]interface{}{"reference": "Patient/example"}
	_, events := f.create("Encounter", enc)
	if len(events) != 1 {
		t.Fatalf("encounter create generated %d events, want 1", len(events))
	}
	add := events[0].Additional
	if len(add) != 1 || add[0].Kind != "Patient" || add[0].ID != "example" {
		t.Errorf("additional context = %+v, want Patient/example", add)
	}
}

func TestTopicRegistryLifecycle(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))

	if _, ok := f.engine.TopicByURL(completedTopicURL); !ok {
		t.Fatal("TopicByURL missed a registered topic")
	}
	if topics := f.engine.Topics(); len(topics) != 1 || topics[0].URL != completedTopicURL {
		t.Errorf("Topics = %+v, want the one registered topic", topics)
	}

	f.engine.RemoveTopicByID("enc-completed")
	if _, ok := f.engine.TopicByURL(completedTopicURL); ok {
		t.Error("TopicByURL still resolves a removed topic")
	}
}

func TestOnSubscribeHook(t *testing.T) {
	f := newFixture(t, "R4B")
	f.mustTopic(completedTopic(nil))

	var seen []string
	f.engine.OnSubscribe = func(view View) {
		seen = append(seen, view.ID+"="+view.Status)
	}
	requested := restSubscription("hooked", completedTopicURL)
	requested["status"] = "requested"
	f.mustSubscribe(requested)

	if len(seen) != 1 || seen[0] != "hooked=requested" {
		t.Fatalf("OnSubscribe saw %v, want [hooked=requested]", seen)
	}

	// Event state survives a definition replacement.
	f.engine.SetStatus("hooked", StatusActive)
	if _, events := f.create("Encounter", encounter("h1", "completed")); len(events) != 1 {
		t.Fatal("expected one event before replacement")
	}
	f.mustSubscribe(restSubscription("hooked", completedTopicURL))
	view, _ := f.engine.Subscription("hooked")
	if view.EventCount != 1 {
		t.Errorf("event count after replacement = %d, want 1", view.EventCount)
	}
	if _, events := f.create("Encounter", encounter("h2", "completed")); len(events) != 1 || events[0].Number != 2 {
		t.Errorf("post-replacement event = %+v, want number 2", events)
	}

	f.engine.RemoveSubscription("hooked")
	if _, ok := f.engine.Subscription("hooked"); ok {
		t.Error("removed subscription still visible")
	}
}
