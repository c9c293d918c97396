package dispatch

import (
	"net/http"
	"testing"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

func registerEcho(t *testing.T, d *Dispatcher, op *Operation) {
	t.Helper()
	if op.Fn == nil {
		op.Fn = func(ctx *Context, focus *store.Instance) *Response {
			out := map[string]interface{}{"resourceType": "Parameters"}
			if focus != nil {
				out["id"] = focus.ID
			}
			return &Response{Status: http.StatusOK, Resource: out}
		}
	}
	if err := d.Operations().Register(op); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestOperationRegistryRejectsDuplicate(t *testing.T) {
	r := NewOperationRegistry()
	op := &Operation{Name: "ping", System: true, Fn: func(*Context, *store.Instance) *Response {
		return &Response{Status: http.StatusOK}
	}}
	if err := r.Register(op); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(op); err == nil {
		t.Fatal("second register should fail")
	}
}

func TestOperationDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	registerEcho(t, d, &Operation{Name: "everything", Instance: true, Kinds: []string{"Patient"}})
	registerEcho(t, d, &Operation{Name: "versions", System: true})

	created := d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "P")})
	id := fhir.ResourceID(created.Resource)

	tests := []struct {
		name string
		ctx  *Context
		want int
	}{
		{"unknown operation", &Context{Tenant: "main", Interaction: SystemOperation, OperationName: "nope"}, http.StatusNotFound},
		{"level mismatch", &Context{Tenant: "main", Interaction: SystemOperation, OperationName: "everything"}, http.StatusNotImplemented},
		{"kind mismatch", &Context{Tenant: "main", Interaction: InstanceOperation, Kind: "Observation", ID: "x", OperationName: "everything"}, http.StatusNotImplemented},
		{"absent focus", &Context{Tenant: "main", Interaction: InstanceOperation, Kind: "Patient", ID: "missing", OperationName: "everything"}, http.StatusNotFound},
		{"instance level", &Context{Tenant: "main", Interaction: InstanceOperation, Kind: "Patient", ID: id, OperationName: "everything"}, http.StatusOK},
		{"system level", &Context{Tenant: "main", Interaction: SystemOperation, OperationName: "versions"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Handle(tt.ctx)
			if resp.Status != tt.want {
				t.Fatalf("status = %d, want %d", resp.Status, tt.want)
			}
		})
	}
}

func TestOperationFocusIsAddressedInstance(t *testing.T) {
	d, _ := newTestDispatcher(t)
	registerEcho(t, d, &Operation{Name: "echo", Instance: true})

	created := d.Handle(&Context{Tenant: "main", Interaction: TypeCreate, Kind: "Patient", Body: patient("", "P")})
	id := fhir.ResourceID(created.Resource)

	resp := d.Handle(&Context{Tenant: "main", Interaction: InstanceOperation, Kind: "Patient", ID: id, OperationName: "echo"})
	if got := fhir.ResourceID(resp.Resource); got != id {
		t.Errorf("focus id = %q, want %q", got, id)
	}
}
