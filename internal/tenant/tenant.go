// Package tenant aggregates the stores, registries, and engines serving
// one tenant behind a single façade. The HTTP adapter only ever talks
// to a Tenant; every cross-component lookup routes through here.
package tenant

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/bundle"
	"github.com/ehr/fhirserver/internal/capability"
	"github.com/ehr/fhirserver/internal/compartment"
	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/delivery"
	"github.com/ehr/fhirserver/internal/dispatch"
	"github.com/ehr/fhirserver/internal/lifecycle"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/resolver"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
	"github.com/ehr/fhirserver/internal/subscription"
)

// Tenant owns every component serving one tenant name. Construction
// builds the object graph; Init wires the registries, loads startup
// content, and starts the background pumps.
type Tenant struct {
	Name string

	cfg config.Config
	log zerolog.Logger

	stores    *store.Registry
	params    *search.Registry
	comps     *compartment.Registry
	protected store.Protected

	resolve *resolver.Resolver
	terms   *resolver.Terminology
	eval    *search.Evaluator

	compEngine *compartment.Engine
	capEngine  *capability.Engine
	subs       *subscription.Engine

	hub      *delivery.Hub
	received *delivery.ReceivedLog
	deliver  *delivery.Dispatcher
	sweeper  *lifecycle.Manager

	dispatcher *dispatch.Dispatcher
	bundles    *bundle.Processor

	events chan store.Mutation
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds the tenant object graph. Nothing runs until Init.
func New(name string, cfg config.Config, log zerolog.Logger) *Tenant {
	t := &Tenant{
		Name:      name,
		cfg:       cfg,
		log:       log.With().Str("tenant", name).Logger(),
		protected: store.Protected{},
		events:    make(chan store.Mutation, store.EventCapacity),
		quit:      make(chan struct{}),
	}

	t.stores = store.NewRegistry()
	for _, kind := range DefaultKinds {
		t.stores.Add(store.NewKindStore(kind, t.traitsFor(kind), t.events))
	}

	t.params = search.NewRegistry()
	t.comps = compartment.NewRegistry()
	t.resolve = resolver.New(t.stores)
	t.terms = resolver.NewTerminology(t.stores)
	t.eval = search.NewEvaluator(t.resolve, t.terms, t.params, fhir.NewEngine(), t.log)
	t.compEngine = compartment.NewEngine(t.comps, t.eval)

	t.capEngine = capability.NewEngine(capability.Config{
		ControllerName:    cfg.ControllerName,
		BaseURL:           t.Base(),
		FHIRVersion:       cfg.FHIRVersion,
		SoftwareVersion:   "0.1.0",
		Formats:           cfg.SupportedFormats,
		SupportNotChanged: cfg.SupportNotChanged,
		SMARTEnabled:      cfg.SMARTAllowed,
		AuthorizeEndpoint: strings.TrimRight(cfg.BaseURL, "/") + "/oauth2/authorize",
		TokenEndpoint:     strings.TrimRight(cfg.BaseURL, "/") + "/oauth2/token",
	}, t.stores, t.params)

	t.subs = subscription.NewEngine(cfg.FHIRVersion, t.eval, t.log)
	t.hub = delivery.NewHub()
	t.received = delivery.NewReceivedLog()
	t.received.OnRemoved(func(id string) {
		t.log.Debug().Str("subscription", id).Msg("received notification record removed")
	})
	t.deliver = delivery.NewDispatcher(t.subs, t.hub, t.received, t.Base(), t.log)
	t.sweeper = lifecycle.NewManager(t.stores, t.subs, t.received, t.protected,
		cfg.MaxResourceCount, t.log, lifecycle.WithOnExpired(t.markExpired))

	hooks := dispatch.NewHookRegistry()
	ops := dispatch.NewOperationRegistry()
	ops.OnRegister = func(op *dispatch.Operation) {
		t.capEngine.RegisterOperation(capability.OperationInfo{
			Name:       op.Name,
			Definition: op.Definition,
			System:     op.System,
			Kinds:      op.Kinds,
		})
	}

	t.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		BaseURL:             cfg.BaseURL,
		FHIRVersion:         cfg.FHIRVersion,
		AllowCreateAsUpdate: cfg.AllowCreateAsUpdate,
		AllowExistingID:     cfg.AllowExistingID,
		SupportNotChanged:   cfg.SupportNotChanged,
	}, t.stores, t.eval, t.compEngine, t.capEngine, hooks, ops, t.protected, t.log)

	t.bundles = bundle.NewProcessor(t.dispatcher, t.log)
	t.dispatcher.ProcessBundle = t.bundles.Process
	return t
}

// Init wires the registry maintenance callbacks, registers the built-in
// hooks and operations, loads startup content, and starts the mutation
// pump, the delivery dispatcher, and the lifecycle sweeper.
func (t *Tenant) Init() error {
	t.wireRegistries()
	if err := t.registerHooks(); err != nil {
		return fmt.Errorf("registering built-in hooks: %w", err)
	}
	if err := t.registerOperations(); err != nil {
		return fmt.Errorf("registering built-in operations: %w", err)
	}
	if t.cfg.LoadDirectory != "" {
		if err := t.LoadPackage(t.cfg.LoadDirectory); err != nil {
			return fmt.Errorf("loading %s: %w", t.cfg.LoadDirectory, err)
		}
	}

	t.wg.Add(1)
	go t.pump()
	t.deliver.Run()
	t.sweeper.Run()
	return nil
}

// Close stops the pumps. The stores stay readable for draining tests.
func (t *Tenant) Close() {
	t.once.Do(func() { close(t.quit) })
	t.wg.Wait()
	t.deliver.Close()
	t.sweeper.Close()
}

// Handle runs one interaction through the dispatcher.
func (t *Tenant) Handle(ctx *dispatch.Context) *dispatch.Response {
	ctx.Tenant = t.Name
	return t.dispatcher.Handle(ctx)
}

// Base is the tenant-scoped base URL.
func (t *Tenant) Base() string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + "/" + t.Name
}

// Stores exposes the kind registry for loaders and tests.
func (t *Tenant) Stores() *store.Registry { return t.stores }

// Hub exposes the websocket hub for the transport's upgrade endpoint.
func (t *Tenant) Hub() *delivery.Hub { return t.hub }

// Subscriptions exposes the subscription engine.
func (t *Tenant) Subscriptions() *subscription.Engine { return t.subs }

// Dispatcher exposes the interaction dispatcher for hook and operation
// registration by embedders.
func (t *Tenant) Dispatcher() *dispatch.Dispatcher { return t.dispatcher }

// pump moves store mutation records to their consumers. The channel is
// bounded; a store's publish blocks its request goroutine when the pump
// backs up, keeping mutation order intact. Only the delivery channel
// drops on overflow.
func (t *Tenant) pump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case mut := <-t.events:
			t.subs.HandleMutation(mut)
			t.sweeper.HandleMutation(mut)
		}
	}
}

// traitsFor builds the per-kind capability table. Conformance kinds
// carrying definitions the registries consume get a PreValidate that
// rejects payloads the registries could not accept afterwards.
func (t *Tenant) traitsFor(kind string) store.Traits {
	tr := store.DefaultTraits()
	switch kind {
	case "SubscriptionTopic":
		tr.PreValidate = func(res map[string]interface{}) *fhir.OperationOutcome {
			if _, err := t.subs.CompileTopic(res); err != nil {
				return fhir.InvalidOutcome(fmt.Sprintf("topic does not compile: %v", err))
			}
			return nil
		}
	case "Basic":
		tr.PreValidate = func(res map[string]interface{}) *fhir.OperationOutcome {
			if !subscription.BasicIsTopic(res) {
				return nil
			}
			if _, err := t.subs.CompileTopic(res); err != nil {
				return fhir.InvalidOutcome(fmt.Sprintf("topic does not compile: %v", err))
			}
			return nil
		}
	case "Subscription":
		tr.PreValidate = func(res map[string]interface{}) *fhir.OperationOutcome {
			sub, err := subscription.ParseSubscription(res)
			if err != nil {
				return fhir.InvalidOutcome(err.Error())
			}
			if _, ok := t.subs.TopicByURL(sub.TopicURL); !ok {
				return fhir.InvalidOutcome(
					fmt.Sprintf("criteria %q does not name a registered topic", sub.TopicURL))
			}
			return nil
		}
	}
	return tr
}

// wireRegistries installs the store change callbacks that keep the
// search, compartment, and subscription registries in step with stored
// conformance resources.
func (t *Tenant) wireRegistries() {
	t.onChange("SearchParameter", func(mut store.Mutation) {
		if mut.Op == store.InteractionDelete {
			// The parameter table has no removal; deleted definitions
			// stop matching once their expression finds no resources.
			return
		}
		if err := t.params.RegisterFromResource(mut.After); err != nil {
			t.log.Warn().Err(err).Str("id", mut.ID).Msg("search parameter not registered")
		}
	})
	t.onChange("CompartmentDefinition", func(mut store.Mutation) {
		if mut.Op == store.InteractionDelete {
			t.comps.RemoveByID(mut.ID)
			return
		}
		if err := t.comps.RegisterFromResource(mut.After); err != nil {
			t.log.Warn().Err(err).Str("id", mut.ID).Msg("compartment not registered")
		}
	})
	t.onChange("SubscriptionTopic", t.topicChanged)
	t.onChange("Basic", func(mut store.Mutation) {
		if mut.Op != store.InteractionDelete && !subscription.BasicIsTopic(mut.After) {
			return
		}
		t.topicChanged(mut)
	})
	t.onChange("Subscription", func(mut store.Mutation) {
		if mut.Op == store.InteractionDelete {
			t.subs.RemoveSubscription(mut.ID)
			return
		}
		if err := t.subs.RegisterSubscription(mut.After); err != nil {
			t.log.Warn().Err(err).Str("id", mut.ID).Msg("subscription not registered")
		}
	})
}

func (t *Tenant) topicChanged(mut store.Mutation) {
	if mut.Op == store.InteractionDelete {
		t.subs.RemoveTopicByID(mut.ID)
		return
	}
	if err := t.subs.RegisterTopic(mut.After); err != nil {
		t.log.Warn().Err(err).Str("id", mut.ID).Msg("topic not registered")
	}
}

func (t *Tenant) onChange(kind string, fn func(store.Mutation)) {
	if st, ok := t.stores.Get(kind); ok {
		st.OnChange(fn)
	}
}

// registerHooks installs the built-in pre hooks. The expiration clamp
// caps requested subscription end instants at the configured maximum.
func (t *Tenant) registerHooks() error {
	if t.cfg.MaxSubscriptionExpirationMinutes <= 0 {
		return nil
	}
	limit := time.Duration(t.cfg.MaxSubscriptionExpirationMinutes) * time.Minute
	return t.dispatcher.Hooks().Register(&dispatch.Hook{
		ID:   "subscription-expiration-clamp",
		Name: "clamp subscription expiration",
		Activates: map[string][]dispatch.Interaction{
			"Subscription": {
				dispatch.TypeCreate, dispatch.TypeCreateConditional,
				dispatch.InstanceUpdate, dispatch.InstanceUpdateConditional,
			},
		},
		Stages: []dispatch.Stage{dispatch.StagePre},
		Fn: func(ctx *dispatch.Context, res map[string]interface{}) dispatch.HookResult {
			raw := fhir.GetString(res, "end")
			if raw == "" {
				return dispatch.HookResult{}
			}
			end, err := time.Parse(time.RFC3339, raw)
			max := time.Now().UTC().Add(limit)
			if err != nil || !end.After(max) {
				return dispatch.HookResult{}
			}
			clamped := fhir.CopyResource(res)
			clamped["end"] = max.Format(time.RFC3339)
			return dispatch.HookResult{Resource: clamped}
		},
	})
}

// markExpired flips the stored Subscription resource to off after the
// sweeper expires it. The engine state is already off; this keeps the
// stored payload in agreement.
func (t *Tenant) markExpired(id string) {
	st, ok := t.stores.Get("Subscription")
	if !ok {
		return
	}
	res := st.Read(id)
	if !res.OK() {
		return
	}
	payload := fhir.CopyResource(res.Instance.Resource)
	payload["status"] = subscription.StatusOff
	if up := st.Update(payload, store.UpdateOptions{}); !up.OK() {
		t.log.Warn().Str("id", id).Msg("expired subscription resource not updated")
	}
}
