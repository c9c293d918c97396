package compartment

import (
	"net/url"
	"strings"

	"github.com/ehr/fhirserver/internal/platform/auth"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

// Engine evaluates compartment membership and runs compartment-scoped
// searches through the shared evaluator.
type Engine struct {
	registry  *Registry
	evaluator *search.Evaluator
}

func NewEngine(registry *Registry, evaluator *search.Evaluator) *Engine {
	return &Engine{registry: registry, evaluator: evaluator}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Contains reports whether candidate belongs to the compartment rooted
// at compKind/compID: either it is the root itself, or one of the
// definition's membership filters matches it.
func (e *Engine) Contains(compKind, compID string, candidate *store.Instance) bool {
	if candidate == nil {
		return false
	}
	if candidate.Kind == compKind && candidate.ID == compID {
		return true
	}
	def, ok := e.registry.Get(compKind)
	if !ok {
		return false
	}
	filters := e.membershipFilters(def, candidate.Kind, compKind+"/"+compID)
	cache := search.NewChainCache()
	for _, f := range filters {
		if e.evaluator.TestForMatch(candidate, []*search.Filter{f}, cache) {
			return true
		}
	}
	return false
}

// Search runs a compartment type-search over one member kind. A single
// membership filter is appended to the user query; multiple filters are
// applied as an OR during the match pass.
func (e *Engine) Search(compKind, compID, memberKind string, values url.Values) (*search.Outcome, *fhir.OperationOutcome) {
	if !e.evaluator.Source.SupportsKind(memberKind) {
		return nil, fhir.UnknownKindOutcome(memberKind)
	}
	def, ok := e.registry.Get(compKind)
	if !ok {
		return nil, fhir.NotSupportedOutcome("compartment " + compKind)
	}

	root := compKind + "/" + compID
	identity := memberKind == compKind
	filters := e.membershipFilters(def, memberKind, root)

	if len(filters) == 0 && !identity {
		q := search.ParseQuery(memberKind, values, e.evaluator.Registry)
		return &search.Outcome{Query: q}, nil
	}

	if len(filters) == 1 && !identity {
		scoped := url.Values{}
		for name, vals := range values {
			scoped[name] = vals
		}
		scoped.Add(filters[0].Code, root)
		return e.evaluator.Execute(memberKind, scoped)
	}

	q := search.ParseQuery(memberKind, values, e.evaluator.Registry)
	keep := func(in *store.Instance, cache *search.ChainCache) bool {
		if identity && in.ID == compID {
			return true
		}
		for _, f := range filters {
			if e.evaluator.TestForMatch(in, []*search.Filter{f}, cache) {
				return true
			}
		}
		return false
	}
	return e.evaluator.RunScoped(q, keep), nil
}

// SearchAll runs the compartment search across every member kind the
// definition lists, honoring a _type narrowing when present.
func (e *Engine) SearchAll(compKind, compID string, values url.Values) ([]*search.Outcome, *fhir.OperationOutcome) {
	def, ok := e.registry.Get(compKind)
	if !ok {
		return nil, fhir.NotSupportedOutcome("compartment " + compKind)
	}

	kinds := def.MemberKinds()
	if !contains(kinds, compKind) {
		kinds = append(kinds, compKind)
	}
	if narrowed := typeNarrowing(values); len(narrowed) > 0 {
		var filtered []string
		for _, k := range kinds {
			if narrowed[k] {
				filtered = append(filtered, k)
			}
		}
		kinds = filtered
	}

	var outcomes []*search.Outcome
	for _, kind := range kinds {
		if !e.evaluator.Source.SupportsKind(kind) {
			continue
		}
		out, outcome := e.Search(compKind, compID, kind, values)
		if outcome != nil {
			return nil, outcome
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Permits applies the authorization descriptor to one instance. Patient
// scopes constrain access to the launch patient's compartment; system
// scopes bypass the per-resource check.
func (e *Engine) Permits(desc *auth.Descriptor, in *store.Instance, operation string) bool {
	if desc == nil {
		return true
	}
	if desc.SystemAccess(in.Kind, operation) {
		return true
	}
	if !desc.Allows(in.Kind, operation) {
		return false
	}
	if desc.PatientContextOnly(in.Kind, operation) {
		return desc.Patient != "" && e.Contains("Patient", desc.Patient, in)
	}
	return true
}

// FilterAuthorized drops instances the descriptor does not permit.
func (e *Engine) FilterAuthorized(list []*store.Instance, desc *auth.Descriptor, operation string) []*store.Instance {
	if desc == nil {
		return list
	}
	out := make([]*store.Instance, 0, len(list))
	for _, in := range list {
		if e.Permits(desc, in, operation) {
			out = append(out, in)
		}
	}
	return out
}

// membershipFilters builds one reference filter per definition param,
// dropping params the member kind's registry does not resolve.
func (e *Engine) membershipFilters(def *Definition, kind, root string) []*search.Filter {
	var filters []*search.Filter
	for _, code := range def.ParamsFor(kind) {
		q := search.ParseQuery(kind, url.Values{code: {root}}, e.evaluator.Registry)
		for _, f := range q.Filters {
			if !f.Ignored {
				filters = append(filters, f)
			}
		}
	}
	return filters
}

func typeNarrowing(values url.Values) map[string]bool {
	raw := values.Get("_type")
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	return set
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
