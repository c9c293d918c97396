package tenant

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ehr/fhirserver/internal/dispatch"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
	"github.com/ehr/fhirserver/internal/subscription"
)

// supportedVersions is what $versions advertises. The tenant serves one
// of these, picked by configuration.
var supportedVersions = []string{"R4", "R4B", "R5"}

// registerOperations installs the built-in operation set: $versions at
// the system level, $status and $events on Subscription.
func (t *Tenant) registerOperations() error {
	ops := t.dispatcher.Operations()

	if err := ops.Register(&dispatch.Operation{
		Name:       "versions",
		Definition: "http://hl7.org/fhir/OperationDefinition/CapabilityStatement-versions",
		System:     true,
		Fn:         t.opVersions,
	}); err != nil {
		return err
	}
	if err := ops.Register(&dispatch.Operation{
		Name:       "status",
		Definition: "http://hl7.org/fhir/uv/subscriptions-backport/OperationDefinition/backport-subscription-status",
		Type:       true,
		Instance:   true,
		Kinds:      []string{"Subscription"},
		Fn:         t.opStatus,
	}); err != nil {
		return err
	}
	return ops.Register(&dispatch.Operation{
		Name:       "events",
		Definition: "http://hl7.org/fhir/uv/subscriptions-backport/OperationDefinition/backport-subscription-events",
		Instance:   true,
		Kinds:      []string{"Subscription"},
		Fn:         t.opEvents,
	})
}

func (t *Tenant) opVersions(ctx *dispatch.Context, _ *store.Instance) *dispatch.Response {
	params := []interface{}{}
	for _, v := range supportedVersions {
		params = append(params, map[string]interface{}{"name": "version", "valueCode": v})
	}
	params = append(params, map[string]interface{}{"name": "default", "valueCode": t.cfg.FHIRVersion})
	return &dispatch.Response{
		Status: http.StatusOK,
		Resource: map[string]interface{}{
			"resourceType": "Parameters",
			"parameter":    params,
		},
	}
}

// opStatus answers the status snapshot: one entry for the addressed
// subscription at the instance level, every known subscription at the
// type level.
func (t *Tenant) opStatus(ctx *dispatch.Context, focus *store.Instance) *dispatch.Response {
	var views []subscription.View
	if focus != nil {
		view, ok := t.subs.Subscription(focus.ID)
		if !ok {
			return &dispatch.Response{
				Status:  http.StatusNotFound,
				Outcome: fhir.NotFoundOutcome("Subscription", focus.ID),
			}
		}
		views = append(views, view)
	} else {
		views = t.subs.Subscriptions()
	}

	entries := make([]interface{}, 0, len(views))
	for _, view := range views {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  "urn:uuid:" + uuid.NewString(),
			"resource": t.subs.StatusResource(view, "query-status", nil),
		})
	}
	return &dispatch.Response{
		Status: http.StatusOK,
		Resource: map[string]interface{}{
			"resourceType": "Bundle",
			"id":           uuid.NewString(),
			"type":         "searchset",
			"total":        float64(len(entries)),
			"entry":        entries,
		},
	}
}

// opEvents replays retained events for one subscription as a
// notification bundle, optionally bounded by eventsSinceNumber and
// eventsUntilNumber.
func (t *Tenant) opEvents(ctx *dispatch.Context, focus *store.Instance) *dispatch.Response {
	view, ok := t.subs.Subscription(focus.ID)
	if !ok {
		return &dispatch.Response{
			Status:  http.StatusNotFound,
			Outcome: fhir.NotFoundOutcome("Subscription", focus.ID),
		}
	}

	since, until := int64(-1), int64(-1)
	if raw := ctx.Query.Get("eventsSinceNumber"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &dispatch.Response{
				Status:  http.StatusBadRequest,
				Outcome: fhir.InvalidOutcome("eventsSinceNumber must be an integer"),
			}
		}
		since = n
	}
	if raw := ctx.Query.Get("eventsUntilNumber"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &dispatch.Response{
				Status:  http.StatusBadRequest,
				Outcome: fhir.InvalidOutcome("eventsUntilNumber must be an integer"),
			}
		}
		until = n
	}

	var records []subscription.EventRecord
	for _, rec := range t.subs.EventsFor(focus.ID) {
		if since >= 0 && rec.Number < since {
			continue
		}
		if until >= 0 && rec.Number > until {
			continue
		}
		records = append(records, rec)
	}

	base := t.Base()
	if ctx.BaseURL != "" {
		base = ctx.BaseURL + "/" + t.Name
	}
	return &dispatch.Response{
		Status:   http.StatusOK,
		Resource: t.subs.NotificationBundle(view, "query-event", records, base),
	}
}
