package dispatch

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/capability"
	"github.com/ehr/fhirserver/internal/compartment"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/resolver"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Registry) {
	t.Helper()
	stores := store.NewRegistry()
	for _, kind := range []string{"Patient", "Observation", "Encounter"} {
		stores.Add(store.NewKindStore(kind, store.DefaultTraits(), nil))
	}
	params := search.NewRegistry()
	res := resolver.New(stores)
	term := resolver.NewTerminology(stores)
	eval := search.NewEvaluator(res, term, params, fhir.NewEngine(), zerolog.Nop())
	comp := compartment.NewEngine(compartment.NewRegistry(), eval)
	cap := capability.NewEngine(capability.Config{
		ControllerName: "test",
		BaseURL:        "http://example.org/fhir",
		FHIRVersion:    "R4B",
	}, stores, params)

	d := NewDispatcher(Options{
		BaseURL:             "http://example.org/fhir",
		FHIRVersion:         "R4B",
		AllowCreateAsUpdate: true,
		SupportNotChanged:   true,
	}, stores, eval, comp, cap, NewHookRegistry(), NewOperationRegistry(), nil, zerolog.Nop())
	return d, stores
}

func patient(id string, given string) map[string]interface{} {
	res := map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"given": []interface{}{given}},
		},
	}
	if id != "" {
		res["id"] = id
	}
	return res
}

func TestUnknownKindIs404(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(&Context{Tenant: "main", Interaction: InstanceRead, Kind: "Starship", ID: "x"})
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Status)
	}
}

func TestCreateReadDelete(t *testing.T) {
	d, _ := newTestDispatcher(t)

	created := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Peter"),
	})
	if created.Status != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", created.Status)
	}
	if created.ETag != `W/"1"` {
		t.Errorf("create etag = %q, want W/\"1\"", created.ETag)
	}
	if created.Location == "" {
		t.Error("create should set Location")
	}
	id := fhir.ResourceID(created.Resource)

	read := d.Handle(&Context{Tenant: "main", Interaction: InstanceRead, Kind: "Patient", ID: id})
	if read.Status != http.StatusOK {
		t.Fatalf("read status = %d, want 200", read.Status)
	}

	del := d.Handle(&Context{Tenant: "main", Interaction: InstanceDelete, Kind: "Patient", ID: id})
	if del.Status != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", del.Status)
	}

	gone := d.Handle(&Context{Tenant: "main", Interaction: InstanceRead, Kind: "Patient", ID: id})
	if gone.Status != http.StatusNotFound {
		t.Fatalf("read after delete = %d, want 404", gone.Status)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	d, _ := newTestDispatcher(t)

	created := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Peter"),
	})
	id := fhir.ResourceID(created.Resource)

	first := d.Handle(&Context{
		Tenant: "main", Interaction: InstanceUpdate, Kind: "Patient", ID: id,
		Body: patient(id, "Pete"), IfMatch: `W/"1"`,
	})
	if first.Status != http.StatusOK {
		t.Fatalf("update status = %d, want 200", first.Status)
	}
	if first.ETag != `W/"2"` {
		t.Errorf("updated etag = %q, want W/\"2\"", first.ETag)
	}

	stale := d.Handle(&Context{
		Tenant: "main", Interaction: InstanceUpdate, Kind: "Patient", ID: id,
		Body: patient(id, "Petey"), IfMatch: `W/"1"`,
	})
	if stale.Status != http.StatusPreconditionFailed {
		t.Fatalf("stale update status = %d, want 412", stale.Status)
	}
}

func TestReadNotModified(t *testing.T) {
	d, _ := newTestDispatcher(t)
	created := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Peter"),
	})
	id := fhir.ResourceID(created.Resource)

	resp := d.Handle(&Context{
		Tenant: "main", Interaction: InstanceRead, Kind: "Patient", ID: id,
		IfNoneMatch: `W/"1"`,
	})
	if resp.Status != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", resp.Status)
	}
}

func TestConditionalCreate(t *testing.T) {
	d, _ := newTestDispatcher(t)
	body := patient("", "Peter")
	body["identifier"] = []interface{}{
		map[string]interface{}{"system": "urn:x", "value": "42"},
	}

	first := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreateConditional, Kind: "Patient",
		Body: fhir.CopyResource(body), IfNoneExist: "identifier=urn:x|42",
	})
	if first.Status != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Status)
	}
	id := fhir.ResourceID(first.Resource)

	second := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreateConditional, Kind: "Patient",
		Body: fhir.CopyResource(body), IfNoneExist: "identifier=urn:x|42",
	})
	if second.Status != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Status)
	}
	if got := fhir.ResourceID(second.Resource); got != id {
		t.Errorf("second create returned id %q, want existing %q", got, id)
	}

	// A second distinct match makes the conditional ambiguous.
	other := patient("", "Petra")
	other["identifier"] = body["identifier"]
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: other})

	third := d.Handle(&Context{
		Tenant: "main", Interaction: TypeCreateConditional, Kind: "Patient",
		Body: fhir.CopyResource(body), IfNoneExist: "identifier=urn:x|42",
	})
	if third.Status != http.StatusPreconditionFailed {
		t.Fatalf("third status = %d, want 412", third.Status)
	}
}

func TestConditionalUpdate(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{"zero matches creates when allowed", func(t *testing.T) {
			resp := d.Handle(&Context{
				Tenant: "main", Interaction: InstanceUpdateConditional, Kind: "Patient",
				Query: url.Values{"given": {"Nobody"}},
				Body:  patient("", "Nobody"),
			})
			if resp.Status != http.StatusCreated {
				t.Fatalf("status = %d, want 201", resp.Status)
			}
		}},
		{"one match updates in place", func(t *testing.T) {
			created := d.Handle(&Context{
				Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Solo"),
			})
			id := fhir.ResourceID(created.Resource)
			resp := d.Handle(&Context{
				Tenant: "main", Interaction: InstanceUpdateConditional, Kind: "Patient",
				Query: url.Values{"given": {"Solo"}},
				Body:  patient("", "Solo"),
			})
			if resp.Status != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.Status)
			}
			if got := fhir.ResourceID(resp.Resource); got != id {
				t.Errorf("updated id %q, want %q", got, id)
			}
			if resp.ETag != `W/"2"` {
				t.Errorf("etag = %q, want W/\"2\"", resp.ETag)
			}
		}},
		{"id mismatch is 412", func(t *testing.T) {
			d.Handle(&Context{
				Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Twin"),
			})
			resp := d.Handle(&Context{
				Tenant: "main", Interaction: InstanceUpdateConditional, Kind: "Patient",
				Query: url.Values{"given": {"Twin"}},
				Body:  patient("not-the-match", "Twin"),
			})
			if resp.Status != http.StatusPreconditionFailed {
				t.Fatalf("status = %d, want 412", resp.Status)
			}
		}},
		{"many matches is 412", func(t *testing.T) {
			for i := 0; i < 2; i++ {
				d.Handle(&Context{
					Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Crowd"),
				})
			}
			resp := d.Handle(&Context{
				Tenant: "main", Interaction: InstanceUpdateConditional, Kind: "Patient",
				Query: url.Values{"given": {"Crowd"}},
				Body:  patient("", "Crowd"),
			})
			if resp.Status != http.StatusPreconditionFailed {
				t.Fatalf("status = %d, want 412", resp.Status)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.run)
	}
}

func TestConditionalDelete(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "One")})
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Many")})
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Many")})

	tests := []struct {
		name  string
		query url.Values
		want  int
	}{
		{"single match deletes", url.Values{"given": {"One"}}, http.StatusNoContent},
		{"zero matches", url.Values{"given": {"One"}}, http.StatusNotFound},
		{"many matches", url.Values{"given": {"Many"}}, http.StatusPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Handle(&Context{
				Tenant: "main", Interaction: TypeDeleteConditionalSingle, Kind: "Patient",
				Query: tt.query,
			})
			if resp.Status != tt.want {
				t.Fatalf("status = %d, want %d", resp.Status, tt.want)
			}
		})
	}
}

func TestTypeSearchBundle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Peter")})

	resp := d.Handle(&Context{
		Tenant: "main", Interaction: TypeSearch, Kind: "Patient",
		Query: url.Values{"name": {"peter"}, "bogus-param": {"x"}},
	})
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if got := fhir.GetString(resp.Resource, "type"); got != "searchset" {
		t.Errorf("bundle type = %q", got)
	}
	if total, _ := resp.Resource["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1", resp.Resource["total"])
	}

	// The self link echoes the filter but never the ignored parameter.
	links := fhir.GetSlice(resp.Resource, "link")
	self := fhir.GetString(links[0].(map[string]interface{}), "url")
	if want := "http://example.org/fhir/main/Patient?name=peter"; self != want {
		t.Errorf("self link = %q, want %q", self, want)
	}
}

func TestSystemSearch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "Peter")})

	denied := d.Handle(&Context{Tenant: "main", Interaction: SystemSearch, Query: url.Values{}})
	if denied.Status != http.StatusForbidden {
		t.Fatalf("unscoped system search = %d, want 403", denied.Status)
	}

	resp := d.Handle(&Context{
		Tenant: "main", Interaction: SystemSearch,
		Query: url.Values{"_type": {"Patient"}},
	})
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if total, _ := resp.Resource["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1", resp.Resource["total"])
	}
}

func TestCapabilities(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(&Context{Tenant: "main", Interaction: SystemCapabilities})
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if got := fhir.ResourceType(resp.Resource); got != "CapabilityStatement" {
		t.Errorf("resourceType = %q", got)
	}
}
