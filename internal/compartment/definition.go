// Package compartment answers membership questions and scopes searches
// to a compartment root, such as everything belonging to one patient.
package compartment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Definition is one compiled compartment: for each member kind, the
// search parameter codes whose value pointing at the compartment root
// establishes membership.
type Definition struct {
	Kind   string
	URL    string
	Params map[string][]string
}

// MemberKinds lists the kinds the definition covers, sorted.
func (d *Definition) MemberKinds() []string {
	kinds := make([]string, 0, len(d.Params))
	for k := range d.Params {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ParamsFor returns the membership parameter codes for kind.
func (d *Definition) ParamsFor(kind string) []string {
	return d.Params[kind]
}

// Registry holds the known compartments. Built-in definitions sit under
// custom ones, so uploading a CompartmentDefinition shadows the default
// and deleting it restores the default.
type Registry struct {
	mu      sync.RWMutex
	builtin map[string]*Definition
	custom  map[string]*Definition
	byID    map[string]string // resource id -> compartment code
}

func NewRegistry() *Registry {
	return &Registry{
		builtin: map[string]*Definition{"Patient": patientCompartment()},
		custom:  make(map[string]*Definition),
		byID:    make(map[string]string),
	}
}

// Get returns the definition for a compartment kind.
func (r *Registry) Get(kind string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.custom[kind]; ok {
		return def, true
	}
	def, ok := r.builtin[kind]
	return def, ok
}

// Kinds lists every registered compartment kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{}, len(r.builtin)+len(r.custom))
	for k := range r.builtin {
		set[k] = struct{}{}
	}
	for k := range r.custom {
		set[k] = struct{}{}
	}
	kinds := make([]string, 0, len(set))
	for k := range set {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RegisterFromResource compiles a CompartmentDefinition payload and
// installs it, shadowing any built-in of the same code.
func (r *Registry) RegisterFromResource(res map[string]interface{}) error {
	if fhir.ResourceType(res) != "CompartmentDefinition" {
		return fmt.Errorf("expected CompartmentDefinition, got %q", fhir.ResourceType(res))
	}
	code := fhir.GetString(res, "code")
	if code == "" {
		return fmt.Errorf("CompartmentDefinition has no code")
	}

	def := &Definition{
		Kind:   code,
		URL:    fhir.GetString(res, "url"),
		Params: make(map[string][]string),
	}
	for _, elem := range fhir.GetSlice(res, "resource") {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		kind := fhir.GetString(entry, "code")
		if kind == "" {
			continue
		}
		var params []string
		for _, p := range fhir.GetSlice(entry, "param") {
			if s, ok := p.(string); ok && s != "" {
				params = append(params, s)
			}
		}
		// Entries without params name kinds that belong to the
		// compartment but are not reachable by a membership filter.
		if len(params) > 0 {
			def.Params[kind] = params
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[code] = def
	if id := fhir.ResourceID(res); id != "" {
		r.byID[id] = code
	}
	return nil
}

// RemoveByID drops the custom definition registered from resource id,
// falling back to any built-in of the same code.
func (r *Registry) RemoveByID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.custom, code)
}

// patientCompartment is the built-in Patient compartment, trimmed to
// the parameters the search registry defines.
func patientCompartment() *Definition {
	return &Definition{
		Kind: "Patient",
		URL:  "http://hl7.org/fhir/CompartmentDefinition/patient",
		Params: map[string][]string{
			"AllergyIntolerance": {"patient"},
			"Condition":          {"patient"},
			"Device":             {"patient"},
			"DiagnosticReport":   {"subject"},
			"Encounter":          {"patient"},
			"Group":              {"member"},
			"Immunization":       {"patient"},
			"MedicationRequest":  {"patient"},
			"Observation":        {"subject", "performer"},
			"Patient":            {"link"},
		},
	}
}
