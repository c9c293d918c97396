package subscription

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

const (
	// DeliveryQueueCapacity bounds the outbound event channel. A full
	// queue records a subscription error instead of blocking mutations.
	DeliveryQueueCapacity = 256

	// ErrorRingSize and EventRingSize bound the per-subscription logs.
	ErrorRingSize = 50
	EventRingSize = 100
)

// Event is one generated notification handed to the delivery collaborator.
type Event struct {
	SubscriptionID string
	TopicURL       string
	Number         int64
	Timestamp      time.Time
	Focus          *store.Instance
	Additional     []*store.Instance
	Channel        Channel
}

// EventRecord is the ring entry kept for status and replay operations.
type EventRecord struct {
	Number     int64
	Timestamp  time.Time
	Focus      *store.Instance
	Additional []*store.Instance
}

// View is a read snapshot of one subscription and its runtime state.
type View struct {
	Subscription
	EventCount int64
	Errors     []string
}

type subState struct {
	def        *Subscription
	queries    map[string]*search.Query
	eventCount int64
	errors     []string
	events     []EventRecord
}

// Engine holds the topic and subscription registries and turns store
// mutations into notification events.
type Engine struct {
	version  string
	eval     *search.Evaluator
	fhirpath *fhir.Engine
	log      zerolog.Logger
	events   chan Event

	// OnSubscribe fires after a subscription is registered or its
	// definition replaced, outside the engine lock. The delivery
	// collaborator uses it to start handshakes.
	OnSubscribe func(View)

	mu        sync.RWMutex
	topics    map[string]*Topic
	byTopicID map[string]string
	subs      map[string]*subState
}

func NewEngine(version string, eval *search.Evaluator, log zerolog.Logger) *Engine {
	return &Engine{
		version:   version,
		eval:      eval,
		fhirpath:  eval.Engine,
		log:       log,
		events:    make(chan Event, DeliveryQueueCapacity),
		topics:    make(map[string]*Topic),
		byTopicID: make(map[string]string),
		subs:      make(map[string]*subState),
	}
}

// Events is the outbound notification stream for the delivery collaborator.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// RegisterTopic compiles and installs a topic, replacing any previous
// compilation of the same URL.
func (e *Engine) RegisterTopic(res map[string]interface{}) error {
	topic, err := e.CompileTopic(res)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.topics[topic.URL] = topic
	if topic.ID != "" {
		e.byTopicID[topic.ID] = topic.URL
	}
	e.mu.Unlock()
	e.log.Info().Str("topic", topic.URL).Int("kinds", len(topic.Triggers)).Msg("topic registered")
	return nil
}

// RemoveTopicByID drops the topic registered from resource id.
func (e *Engine) RemoveTopicByID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	url, ok := e.byTopicID[id]
	if !ok {
		return
	}
	delete(e.byTopicID, id)
	delete(e.topics, url)
}

// TopicByURL returns a registered topic.
func (e *Engine) TopicByURL(url string) (*Topic, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.topics[url]
	return t, ok
}

// Topics lists registered topics sorted by URL.
func (e *Engine) Topics() []*Topic {
	e.mu.RLock()
	out := make([]*Topic, 0, len(e.topics))
	for _, t := range e.topics {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// RegisterSubscription parses and installs a subscription. The topic
// must already be registered and the filters must pass its canFilterBy
// constraints. Runtime state survives definition updates.
func (e *Engine) RegisterSubscription(res map[string]interface{}) error {
	sub, err := ParseSubscription(res)
	if err != nil {
		return err
	}

	e.mu.Lock()
	topic, ok := e.topics[sub.TopicURL]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("subscription %s names unknown topic %s", sub.ID, sub.TopicURL)
	}
	queries, err := e.compileFilters(topic, sub)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	st := e.subs[sub.ID]
	if st == nil {
		st = &subState{}
		e.subs[sub.ID] = st
	}
	st.def = sub
	st.queries = queries
	view := e.viewLocked(st)
	e.mu.Unlock()

	if e.OnSubscribe != nil {
		e.OnSubscribe(view)
	}
	e.log.Info().Str("subscription", sub.ID).Str("topic", sub.TopicURL).
		Str("status", sub.Status).Str("channel", sub.Channel.Type).Msg("subscription registered")
	return nil
}

// compileFilters resolves the subscription's filters against every kind
// the topic triggers on. Caller holds the lock.
func (e *Engine) compileFilters(topic *Topic, sub *Subscription) (map[string]*search.Query, error) {
	queries := make(map[string]*search.Query)
	for kind := range topic.Triggers {
		merged := url.Values{}
		for param, list := range sub.Filters[kind] {
			merged[param] = list
		}
		for param, list := range sub.Filters["*"] {
			merged[param] = append(merged[param], list...)
		}
		if len(merged) == 0 {
			continue
		}
		if err := checkAllowedFilters(topic, kind, merged); err != nil {
			return nil, err
		}
		q := search.ParseQuery(kind, merged, e.eval.Registry)
		for _, f := range q.Filters {
			if f.Ignored {
				return nil, fmt.Errorf("subscription %s: unresolvable filter %q for %s", sub.ID, f.Raw, kind)
			}
		}
		queries[kind] = q
	}
	return queries, nil
}

// checkAllowedFilters enforces the topic's canFilterBy list. A topic
// that declares no filters accepts any resolvable parameter.
func checkAllowedFilters(topic *Topic, kind string, values url.Values) error {
	if len(topic.CanFilterBy) == 0 {
		return nil
	}
	allowed := make(map[string]bool)
	for _, p := range topic.CanFilterBy[kind] {
		allowed[p] = true
	}
	for _, p := range topic.CanFilterBy["*"] {
		allowed[p] = true
	}
	for param := range values {
		code := param
		if colon := strings.IndexByte(code, ':'); colon >= 0 {
			code = code[:colon]
		}
		if !allowed[code] {
			return fmt.Errorf("topic %s does not allow filtering %s by %q", topic.URL, kind, code)
		}
	}
	return nil
}

// RemoveSubscription drops a subscription and its runtime state.
func (e *Engine) RemoveSubscription(id string) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// Subscription returns a read snapshot.
func (e *Engine) Subscription(id string) (View, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.subs[id]
	if !ok {
		return View{}, false
	}
	return e.viewLocked(st), true
}

// Subscriptions lists snapshots sorted by id.
func (e *Engine) Subscriptions() []View {
	e.mu.RLock()
	out := make([]View, 0, len(e.subs))
	for _, st := range e.subs {
		out = append(out, e.viewLocked(st))
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) viewLocked(st *subState) View {
	errs := make([]string, len(st.errors))
	copy(errs, st.errors)
	return View{Subscription: *st.def, EventCount: st.eventCount, Errors: errs}
}

// EventsFor returns a copy of the subscription's event ring.
func (e *Engine) EventsFor(id string) []EventRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.subs[id]
	if !ok {
		return nil
	}
	out := make([]EventRecord, len(st.events))
	copy(out, st.events)
	return out
}

// SetStatus updates a subscription's status, such as the handshake flip
// from requested to active.
func (e *Engine) SetStatus(id, status string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.subs[id]
	if !ok {
		return false
	}
	st.def.Status = status
	return true
}

// RecordError appends to the subscription's bounded error ring.
func (e *Engine) RecordError(id, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.subs[id]
	if !ok {
		return
	}
	st.errors = appendBoundedString(st.errors, msg, ErrorRingSize)
}

// SweepExpired flips subscriptions whose end has passed to off and
// returns the affected ids.
func (e *Engine) SweepExpired(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var flipped []string
	for id, st := range e.subs {
		if st.def.Status == StatusOff || st.def.End.IsZero() {
			continue
		}
		if st.def.End.Before(now) {
			st.def.Status = StatusOff
			flipped = append(flipped, id)
		}
	}
	sort.Strings(flipped)
	return flipped
}

// HandleMutation evaluates every topic against one mutation record and
// generates events for the selected subscriptions. Events are built
// under the lock and sent after release; a full delivery queue records
// an error instead of blocking.
func (e *Engine) HandleMutation(mut store.Mutation) {
	focus := focusInstance(mut)
	if focus == nil {
		return
	}

	e.mu.Lock()
	var outbound []Event
	for _, topic := range e.topics {
		if topic.Status != "" && topic.Status != "active" {
			continue
		}
		kt := topic.Triggers[mut.Kind]
		if kt == nil || !e.topicMatches(kt, mut) {
			continue
		}
		for id, st := range e.subs {
			if st.def.TopicURL != topic.URL || st.def.Status != StatusActive {
				continue
			}
			if q, ok := st.queries[mut.Kind]; ok {
				if !e.eval.TestForMatch(focus, q.Filters, search.NewChainCache()) {
					continue
				}
			}
			st.eventCount++
			rec := EventRecord{
				Number:     st.eventCount,
				Timestamp:  mut.When,
				Focus:      focus,
				Additional: e.additionalContext(topic, mut.Kind, focus),
			}
			st.events = appendBoundedEvent(st.events, rec, EventRingSize)
			outbound = append(outbound, Event{
				SubscriptionID: id,
				TopicURL:       topic.URL,
				Number:         rec.Number,
				Timestamp:      rec.Timestamp,
				Focus:          rec.Focus,
				Additional:     rec.Additional,
				Channel:        st.def.Channel,
			})
		}
	}
	e.mu.Unlock()

	sort.Slice(outbound, func(i, j int) bool { return outbound[i].SubscriptionID < outbound[j].SubscriptionID })
	for _, ev := range outbound {
		select {
		case e.events <- ev:
		default:
			e.RecordError(ev.SubscriptionID, fmt.Sprintf("delivery queue full, dropped event %d", ev.Number))
			e.log.Warn().Str("subscription", ev.SubscriptionID).Int64("event", ev.Number).
				Msg("delivery queue full, event dropped")
		}
	}
}

// topicMatches runs the trigger sets in order; the first passing set
// wins.
func (e *Engine) topicMatches(kt *KindTriggers, mut store.Mutation) bool {
	for _, t := range kt.Interaction {
		if t.active(mut.Op) {
			return true
		}
	}
	for _, t := range kt.Path {
		if !t.On.active(mut.Op) {
			continue
		}
		primary := mut.After
		if primary == nil {
			primary = mut.Before
		}
		// Bind absent sides as untyped nil so %previous.empty() holds on
		// create and %current.empty() holds on delete.
		vars := map[string]interface{}{"previous": nil, "current": nil}
		if mut.Before != nil {
			vars["previous"] = mut.Before
		}
		if mut.After != nil {
			vars["current"] = mut.After
		}
		ok, err := t.Expr.BoolWith(primary, vars)
		if err != nil {
			e.log.Debug().Err(err).Str("expr", t.Expr.Text()).Msg("path trigger failed")
			continue
		}
		if ok {
			return true
		}
	}
	for _, t := range kt.Query {
		if !t.On.active(mut.Op) {
			continue
		}
		if e.queryTriggerMatches(t, mut) {
			return true
		}
	}
	return false
}

func (e *Engine) queryTriggerMatches(t QueryTrigger, mut store.Mutation) bool {
	var prev bool
	switch {
	case mut.Op == store.InteractionCreate && t.CreateAutoPass:
		prev = true
	case mut.Op == store.InteractionCreate && t.CreateAutoFail:
		prev = false
	default:
		prev = e.criteriaMatch(t.Previous, mut.Kind, mut.ID, mut.Before)
	}

	var cur bool
	switch {
	case mut.Op == store.InteractionDelete && t.DeleteAutoPass:
		cur = true
	case mut.Op == store.InteractionDelete && t.DeleteAutoFail:
		cur = false
	default:
		cur = e.criteriaMatch(t.Current, mut.Kind, mut.ID, mut.After)
	}

	if t.RequireBoth {
		return prev && cur
	}
	return prev || cur
}

// criteriaMatch evaluates a compiled criteria query against a payload
// snapshot. A nil query passes; a nil payload fails any filtered query.
func (e *Engine) criteriaMatch(q *search.Query, kind, id string, payload map[string]interface{}) bool {
	if q == nil || len(q.Filters) == 0 {
		return true
	}
	if payload == nil {
		return false
	}
	in := &store.Instance{Kind: kind, ID: id, Resource: payload}
	return e.eval.TestForMatch(in, q.Filters, search.NewChainCache())
}

// additionalContext expands the topic's notification shape around the
// focus instance.
func (e *Engine) additionalContext(topic *Topic, kind string, focus *store.Instance) []*store.Instance {
	shape := topic.Shapes[kind]
	if shape == nil {
		return nil
	}
	return e.eval.Expand([]*store.Instance{focus}, search.ResultParams{
		Count:       -1,
		Includes:    shape.Includes,
		RevIncludes: shape.RevIncludes,
	})
}

// focusInstance rebuilds the instance view of the mutation: the stored
// payload for create/update, the removed payload for delete.
func focusInstance(mut store.Mutation) *store.Instance {
	payload := mut.After
	if mut.Op == store.InteractionDelete {
		payload = mut.Before
	}
	if payload == nil {
		return nil
	}
	return &store.Instance{
		Kind:        mut.Kind,
		ID:          mut.ID,
		Version:     mut.Version,
		LastUpdated: mut.When,
		Resource:    payload,
	}
}

func appendBoundedString(list []string, item string, max int) []string {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func appendBoundedEvent(list []EventRecord, item EventRecord, max int) []EventRecord {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
