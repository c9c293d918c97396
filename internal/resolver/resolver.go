// Package resolver adapts the per-kind stores to the uniform lookup
// surface the search evaluator and topic engine consume: reference
// resolution, snapshot iteration, and terminology queries answered
// from stored CodeSystem and ValueSet resources.
package resolver

import (
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// Resolver answers resource lookups across every kind store in a tenant.
type Resolver struct {
	stores *store.Registry
}

func New(stores *store.Registry) *Resolver {
	return &Resolver{stores: stores}
}

// SupportsKind reports whether a store exists for kind.
func (r *Resolver) SupportsKind(kind string) bool {
	_, ok := r.stores.Get(kind)
	return ok
}

// Snapshot returns the current instances of kind, id-ordered. Unknown
// kinds yield an empty slice.
func (r *Resolver) Snapshot(kind string) []*store.Instance {
	ks, ok := r.stores.Get(kind)
	if !ok {
		return nil
	}
	return ks.Snapshot()
}

// Read fetches a single instance by kind and id.
func (r *Resolver) Read(kind, id string) (*store.Instance, bool) {
	ks, ok := r.stores.Get(kind)
	if !ok {
		return nil, false
	}
	res := ks.Read(id)
	if !res.OK() {
		return nil, false
	}
	return res.Instance, true
}

// ResolveAsInstance parses the last two path segments of ref as
// Kind/id and reads from the matching store.
func (r *Resolver) ResolveAsInstance(ref string) (*store.Instance, bool) {
	kind, id, ok := fhir.ParseReference(ref)
	if !ok {
		return nil, false
	}
	return r.Read(kind, id)
}

// Resolve returns the payload tree the reference points at.
func (r *Resolver) Resolve(ref string) (map[string]interface{}, bool) {
	in, ok := r.ResolveAsInstance(ref)
	if !ok {
		return nil, false
	}
	return in.Resource, true
}

// ResolveCanonical looks up an instance of kind by its canonical URL.
// A |version suffix on the URL is ignored.
func (r *Resolver) ResolveCanonical(kind, url string) (*store.Instance, bool) {
	ks, ok := r.stores.Get(kind)
	if !ok {
		return nil, false
	}
	return ks.ResolveCanonical(stripCanonicalVersion(url))
}

func stripCanonicalVersion(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == '|' {
			return url[:i]
		}
	}
	return url
}
