package store

import "github.com/ehr/fhirserver/internal/platform/fhir"

// Traits is the per-kind capability table injected at store construction.
// All fields are optional; a zero Traits stores payloads without secondary
// indexing or pre-validation.
type Traits struct {
	// Canonical extracts the conformance URL indexed for ResolveCanonical.
	Canonical func(resource map[string]interface{}) string

	// Identifiers extracts the (system, value) pairs for the identifier
	// index.
	Identifiers func(resource map[string]interface{}) []fhir.IdentifierKey

	// PreValidate rejects payloads that cannot serve this kind before they
	// are stored, such as subscription topics that do not compile.
	PreValidate func(resource map[string]interface{}) *fhir.OperationOutcome
}

// DefaultTraits indexes canonical URLs and identifier tuples the way every
// conformance-bearing kind declares them.
func DefaultTraits() Traits {
	return Traits{
		Canonical:   fhir.CanonicalURL,
		Identifiers: fhir.ResourceIdentifiers,
	}
}

// Protected is the set of kind/id pairs mutations may not touch. Populated
// during startup load when protected content is configured.
type Protected map[string]struct{}

func (p Protected) Add(kind, id string) {
	p[kind+"/"+id] = struct{}{}
}

func (p Protected) Contains(kind, id string) bool {
	if p == nil {
		return false
	}
	_, ok := p[kind+"/"+id]
	return ok
}
