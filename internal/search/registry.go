package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// ParamType enumerates the search parameter value spaces.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeQuantity  ParamType = "quantity"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
	TypeURI       ParamType = "uri"
	TypeComposite ParamType = "composite"
)

// Component is one leg of a composite parameter, evaluated relative to the
// group element the composite expression selects.
type Component struct {
	Type       ParamType
	Expression string
}

// ParamDef describes one search parameter of a kind. For composites the
// Expression selects the repeating group (empty means the resource root)
// and Components carry the aligned legs.
type ParamDef struct {
	Code       string
	Type       ParamType
	Expression string
	Targets    []string
	Components []Component
}

// Universal parameters every kind answers to. _id and _lastUpdated are
// matched against the container, not the payload, so they carry no
// expression.
var universal = map[string]ParamDef{
	"_id":          {Code: "_id", Type: TypeToken},
	"_lastUpdated": {Code: "_lastUpdated", Type: TypeDate},
	"_profile":     {Code: "_profile", Type: TypeURI, Expression: "meta.profile"},
	"_tag":         {Code: "_tag", Type: TypeToken, Expression: "meta.tag"},
	"_security":    {Code: "_security", Type: TypeToken, Expression: "meta.security"},
}

// Registry holds the search parameter definitions per kind: the built-in
// defaults plus anything registered from loaded SearchParameter resources.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]map[string]ParamDef

	// OnRegister fires after every successful registration so the
	// capability engine can mark itself dirty.
	OnRegister func()
}

// NewRegistry seeds the registry with the built-in parameter set.
func NewRegistry() *Registry {
	r := &Registry{byKind: make(map[string]map[string]ParamDef)}
	for kind, defs := range builtinParams {
		m := make(map[string]ParamDef, len(defs))
		for _, def := range defs {
			m[def.Code] = def
		}
		r.byKind[kind] = m
	}
	return r
}

// Register adds or replaces one parameter definition for a kind.
func (r *Registry) Register(kind string, def ParamDef) {
	r.mu.Lock()
	m, ok := r.byKind[kind]
	if !ok {
		m = make(map[string]ParamDef)
		r.byKind[kind] = m
	}
	m[def.Code] = def
	fire := r.OnRegister
	r.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// RegisterFromResource ingests a SearchParameter payload: its code, type,
// expression and targets are registered for every base kind it names. The
// per-kind expression strips the leading "Kind." qualifier when present.
func (r *Registry) RegisterFromResource(res map[string]interface{}) error {
	if fhir.ResourceType(res) != "SearchParameter" {
		return fmt.Errorf("not a SearchParameter: %s", fhir.ResourceType(res))
	}
	code := fhir.GetString(res, "code")
	if code == "" {
		return fmt.Errorf("SearchParameter without code")
	}
	ptype := ParamType(fhir.GetString(res, "type"))
	switch ptype {
	case TypeString, TypeToken, TypeReference, TypeQuantity, TypeDate, TypeNumber, TypeURI, TypeComposite:
	default:
		return fmt.Errorf("SearchParameter %s has unsupported type %q", code, ptype)
	}
	expression := fhir.GetString(res, "expression")

	var targets []string
	for _, t := range fhir.GetSlice(res, "target") {
		if s, ok := t.(string); ok {
			targets = append(targets, s)
		}
	}

	bases := fhir.GetSlice(res, "base")
	if len(bases) == 0 {
		return fmt.Errorf("SearchParameter %s has no base", code)
	}
	for _, b := range bases {
		kind, ok := b.(string)
		if !ok || kind == "" {
			continue
		}
		r.Register(kind, ParamDef{
			Code:       code,
			Type:       ptype,
			Expression: scopedExpression(expression, kind),
			Targets:    targets,
		})
	}
	return nil
}

// scopedExpression picks the union branch belonging to kind and strips the
// leading type qualifier: "Patient.name | Person.name" scoped to Patient
// becomes "name".
func scopedExpression(expr, kind string) string {
	if expr == "" {
		return ""
	}
	for _, branch := range strings.Split(expr, "|") {
		branch = strings.TrimSpace(branch)
		if branch == kind {
			return ""
		}
		if strings.HasPrefix(branch, kind+".") {
			return strings.TrimPrefix(branch, kind+".")
		}
	}
	return expr
}

// Lookup resolves a parameter code for a kind, falling back to the
// universal set.
func (r *Registry) Lookup(kind, code string) (ParamDef, bool) {
	if def, ok := universal[code]; ok {
		return def, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byKind[kind]; ok {
		if def, ok := m[code]; ok {
			return def, true
		}
	}
	return ParamDef{}, false
}

// All returns the kind's registered parameters sorted by code, universals
// included.
func (r *Registry) All(kind string) []ParamDef {
	r.mu.RLock()
	out := make([]ParamDef, 0, len(r.byKind[kind])+len(universal))
	for _, def := range r.byKind[kind] {
		out = append(out, def)
	}
	r.mu.RUnlock()
	for _, def := range universal {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ReferenceParams returns the kind's reference-typed parameters sorted by
// code. The capability engine derives include and reverse-include names
// from these.
func (r *Registry) ReferenceParams(kind string) []ParamDef {
	r.mu.RLock()
	var out []ParamDef
	for _, def := range r.byKind[kind] {
		if def.Type == TypeReference {
			out = append(out, def)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// builtinParams is the default search surface, modeled on the core R4
// definitions for the kinds the server exercises most.
var builtinParams = map[string][]ParamDef{
	"Patient": {
		{Code: "active", Type: TypeToken, Expression: "active"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "family", Type: TypeString, Expression: "name.family"},
		{Code: "given", Type: TypeString, Expression: "name.given"},
		{Code: "birthdate", Type: TypeDate, Expression: "birthDate"},
		{Code: "death-date", Type: TypeDate, Expression: "deceasedDateTime"},
		{Code: "gender", Type: TypeToken, Expression: "gender"},
		{Code: "email", Type: TypeToken, Expression: "telecom.where(system = 'email')"},
		{Code: "phone", Type: TypeToken, Expression: "telecom.where(system = 'phone')"},
		{Code: "address-city", Type: TypeString, Expression: "address.city"},
		{Code: "organization", Type: TypeReference, Expression: "managingOrganization", Targets: []string{"Organization"}},
		{Code: "general-practitioner", Type: TypeReference, Expression: "generalPractitioner",
			Targets: []string{"Organization", "Practitioner", "PractitionerRole"}},
		{Code: "link", Type: TypeReference, Expression: "link.other", Targets: []string{"Patient", "RelatedPerson"}},
	},
	"Observation": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "category", Type: TypeToken, Expression: "category"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "value-quantity", Type: TypeQuantity, Expression: "valueQuantity"},
		{Code: "value-concept", Type: TypeToken, Expression: "valueCodeableConcept"},
		{Code: "value-string", Type: TypeString, Expression: "valueString"},
		{Code: "date", Type: TypeDate, Expression: "effectiveDateTime | effectivePeriod"},
		{Code: "subject", Type: TypeReference, Expression: "subject",
			Targets: []string{"Device", "Group", "Location", "Patient"}},
		{Code: "patient", Type: TypeReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "performer", Type: TypeReference, Expression: "performer",
			Targets: []string{"CareTeam", "Organization", "Patient", "Practitioner", "PractitionerRole", "RelatedPerson"}},
		{Code: "encounter", Type: TypeReference, Expression: "encounter", Targets: []string{"Encounter"}},
		{Code: "code-value-quantity", Type: TypeComposite, Expression: "",
			Components: []Component{
				{Type: TypeToken, Expression: "code"},
				{Type: TypeQuantity, Expression: "valueQuantity"},
			}},
		{Code: "component-code-value-quantity", Type: TypeComposite, Expression: "component",
			Components: []Component{
				{Type: TypeToken, Expression: "code"},
				{Type: TypeQuantity, Expression: "valueQuantity"},
			}},
	},
	"Encounter": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "class", Type: TypeToken, Expression: "class"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "date", Type: TypeDate, Expression: "period"},
		{Code: "subject", Type: TypeReference, Expression: "subject", Targets: []string{"Group", "Patient"}},
		{Code: "patient", Type: TypeReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "participant", Type: TypeReference, Expression: "participant.individual",
			Targets: []string{"Practitioner", "PractitionerRole", "RelatedPerson"}},
		{Code: "service-provider", Type: TypeReference, Expression: "serviceProvider", Targets: []string{"Organization"}},
	},
	"Condition": {
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "clinical-status", Type: TypeToken, Expression: "clinicalStatus"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "onset-date", Type: TypeDate, Expression: "onsetDateTime"},
		{Code: "recorded-date", Type: TypeDate, Expression: "recordedDate"},
		{Code: "subject", Type: TypeReference, Expression: "subject", Targets: []string{"Group", "Patient"}},
		{Code: "patient", Type: TypeReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Type: TypeReference, Expression: "encounter", Targets: []string{"Encounter"}},
	},
	"MedicationRequest": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "intent", Type: TypeToken, Expression: "intent"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "authoredon", Type: TypeDate, Expression: "authoredOn"},
		{Code: "subject", Type: TypeReference, Expression: "subject", Targets: []string{"Group", "Patient"}},
		{Code: "patient", Type: TypeReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "medication", Type: TypeReference, Expression: "medicationReference", Targets: []string{"Medication"}},
		{Code: "requester", Type: TypeReference, Expression: "requester",
			Targets: []string{"Device", "Organization", "Patient", "Practitioner", "PractitionerRole", "RelatedPerson"}},
	},
	"Practitioner": {
		{Code: "active", Type: TypeToken, Expression: "active"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "family", Type: TypeString, Expression: "name.family"},
		{Code: "given", Type: TypeString, Expression: "name.given"},
	},
	"Organization": {
		{Code: "active", Type: TypeToken, Expression: "active"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "partof", Type: TypeReference, Expression: "partOf", Targets: []string{"Organization"}},
	},
	"Device": {
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "patient", Type: TypeReference, Expression: "patient", Targets: []string{"Patient"}},
	},
	"DiagnosticReport": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "date", Type: TypeDate, Expression: "effectiveDateTime | effectivePeriod"},
		{Code: "subject", Type: TypeReference, Expression: "subject", Targets: []string{"Device", "Group", "Location", "Patient"}},
		{Code: "patient", Type: TypeReference, Expression: "subject", Targets: []string{"Patient"}},
		{Code: "result", Type: TypeReference, Expression: "result", Targets: []string{"Observation"}},
	},
	"AllergyIntolerance": {
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "clinical-status", Type: TypeToken, Expression: "clinicalStatus"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "patient", Type: TypeReference, Expression: "patient", Targets: []string{"Patient"}},
	},
	"Immunization": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "date", Type: TypeDate, Expression: "occurrenceDateTime"},
		{Code: "vaccine-code", Type: TypeToken, Expression: "vaccineCode"},
		{Code: "patient", Type: TypeReference, Expression: "patient", Targets: []string{"Patient"}},
	},
	"Group": {
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "type", Type: TypeToken, Expression: "type"},
		{Code: "member", Type: TypeReference, Expression: "member.entity",
			Targets: []string{"Device", "Medication", "Patient", "Practitioner", "PractitionerRole", "Substance"}},
	},
	"Location": {
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "organization", Type: TypeReference, Expression: "managingOrganization", Targets: []string{"Organization"}},
	},
	"Subscription": {
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "url", Type: TypeURI, Expression: "channel.endpoint"},
		{Code: "criteria", Type: TypeURI, Expression: "criteria"},
		{Code: "topic", Type: TypeURI, Expression: "criteria"},
	},
	"SubscriptionTopic": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "title", Type: TypeString, Expression: "title"},
	},
	"Basic": {
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "identifier", Type: TypeToken, Expression: "identifier"},
	},
	"ValueSet": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "status", Type: TypeToken, Expression: "status"},
		{Code: "version", Type: TypeToken, Expression: "version"},
	},
	"CodeSystem": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "status", Type: TypeToken, Expression: "status"},
	},
	"CompartmentDefinition": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "status", Type: TypeToken, Expression: "status"},
	},
	"SearchParameter": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "base", Type: TypeToken, Expression: "base"},
		{Code: "status", Type: TypeToken, Expression: "status"},
	},
	"StructureDefinition": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "name", Type: TypeString, Expression: "name"},
		{Code: "status", Type: TypeToken, Expression: "status"},
	},
	"OperationDefinition": {
		{Code: "url", Type: TypeURI, Expression: "url"},
		{Code: "code", Type: TypeToken, Expression: "code"},
		{Code: "status", Type: TypeToken, Expression: "status"},
	},
}
