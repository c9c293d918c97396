package resolver

import (
	"strings"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// maxValueSetDepth caps recursion through value sets that include
// other value sets.
const maxValueSetDepth = 4

// Concept is the metadata returned by a terminology lookup.
type Concept struct {
	System     string
	Code       string
	Display    string
	Definition string
}

// Terminology answers code lookups and value-set membership questions
// from the tenant's stored CodeSystem and ValueSet resources.
type Terminology struct {
	stores *store.Registry
}

func NewTerminology(stores *store.Registry) *Terminology {
	return &Terminology{stores: stores}
}

// Lookup finds code in the code system whose canonical URL is system.
func (t *Terminology) Lookup(system, code string) (Concept, bool) {
	cs, ok := t.canonical("CodeSystem", system)
	if !ok {
		return Concept{}, false
	}
	return findConcept(fhir.GetSlice(cs.Resource, "concept"), system, code)
}

func findConcept(concepts []interface{}, system, code string) (Concept, bool) {
	for _, elem := range concepts {
		m, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if strings.EqualFold(fhir.GetString(m, "code"), code) {
			return Concept{
				System:     system,
				Code:       fhir.GetString(m, "code"),
				Display:    fhir.GetString(m, "display"),
				Definition: fhir.GetString(m, "definition"),
			}, true
		}
		if found, ok := findConcept(fhir.GetSlice(m, "concept"), system, code); ok {
			return found, true
		}
	}
	return Concept{}, false
}

// ValueSetContains reports whether (system, code) is a member of the
// value set with canonical URL vsURL. Expansion entries are consulted
// first, then the compose rules; excludes override includes.
func (t *Terminology) ValueSetContains(vsURL, system, code string) bool {
	return t.valueSetContains(vsURL, system, code, 0)
}

func (t *Terminology) valueSetContains(vsURL, system, code string, depth int) bool {
	if depth > maxValueSetDepth {
		return false
	}
	vs, ok := t.canonical("ValueSet", vsURL)
	if !ok {
		return false
	}
	if exp := fhir.GetMap(vs.Resource, "expansion"); exp != nil {
		if expansionContains(fhir.GetSlice(exp, "contains"), system, code) {
			return true
		}
	}
	compose := fhir.GetMap(vs.Resource, "compose")
	if compose == nil {
		return false
	}
	for _, elem := range fhir.GetSlice(compose, "exclude") {
		rule, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if ruleMatches(rule, system, code) {
			return false
		}
	}
	for _, elem := range fhir.GetSlice(compose, "include") {
		rule, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if ruleMatches(rule, system, code) {
			return true
		}
		for _, nested := range fhir.GetSlice(rule, "valueSet") {
			if url, ok := nested.(string); ok && t.valueSetContains(url, system, code, depth+1) {
				return true
			}
		}
	}
	return false
}

// ruleMatches evaluates one compose include/exclude entry. A rule with
// no concept list covers the whole system and needs an exact system
// match; otherwise the candidate system must be compatible and the
// code listed.
func ruleMatches(rule map[string]interface{}, system, code string) bool {
	ruleSystem := fhir.GetString(rule, "system")
	concepts := fhir.GetSlice(rule, "concept")
	if len(concepts) == 0 {
		return ruleSystem != "" && ruleSystem == system
	}
	if ruleSystem != "" && system != "" && ruleSystem != system {
		return false
	}
	for _, elem := range concepts {
		m, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if strings.EqualFold(fhir.GetString(m, "code"), code) {
			return true
		}
	}
	return false
}

func expansionContains(entries []interface{}, system, code string) bool {
	for _, elem := range entries {
		m, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		entrySystem := fhir.GetString(m, "system")
		if strings.EqualFold(fhir.GetString(m, "code"), code) &&
			(entrySystem == "" || system == "" || entrySystem == system) {
			return true
		}
		if expansionContains(fhir.GetSlice(m, "contains"), system, code) {
			return true
		}
	}
	return false
}

func (t *Terminology) canonical(kind, url string) (*store.Instance, bool) {
	ks, ok := t.stores.Get(kind)
	if !ok {
		return nil, false
	}
	return ks.ResolveCanonical(stripCanonicalVersion(url))
}
