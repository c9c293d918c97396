package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// KindStore owns every instance of one resource kind. The id map and both
// secondary indices mutate as one group under a single mutex; read paths
// take the shared side.
type KindStore struct {
	kind   string
	traits Traits

	mu        sync.RWMutex
	instances map[string]*Instance
	byURL     map[string]string
	byIdent   map[string]string

	events      chan<- Mutation
	afterChange func(Mutation)
}

// NewKindStore builds an empty store for kind. Mutation records are sent on
// events after the lock is released; a nil channel disables publication.
func NewKindStore(kind string, traits Traits, events chan<- Mutation) *KindStore {
	return &KindStore{
		kind:      kind,
		traits:    traits,
		instances: make(map[string]*Instance),
		byURL:     make(map[string]string),
		byIdent:   make(map[string]string),
		events:    events,
	}
}

// OnChange installs a synchronous callback invoked after every accepted
// mutation, once the lock is released and before the primitive returns. The
// façade uses it to keep its registries in step with the stores.
func (s *KindStore) OnChange(fn func(Mutation)) {
	s.afterChange = fn
}

func (s *KindStore) Kind() string {
	return s.kind
}

// Read returns the current instance, with no hooks and no side effects.
func (s *KindStore) Read(id string) Result {
	s.mu.RLock()
	in, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return failed(StatusNotFound, fhir.NotFoundOutcome(s.kind, id))
	}
	return succeeded(StatusOK, in)
}

// Create stores a new instance at version 1. The payload id is honored only
// when allowExistingID is set; otherwise a fresh unique id is assigned.
func (s *KindStore) Create(payload map[string]interface{}, allowExistingID bool) Result {
	if payload == nil {
		return failed(StatusInvalid, fhir.StructureOutcome("create requires a body"))
	}
	if rt := fhir.ResourceType(payload); rt != s.kind {
		return failed(StatusInvalid, fhir.InvalidOutcome(
			fmt.Sprintf("body declares resourceType %q, store holds %q", rt, s.kind)))
	}
	if s.traits.PreValidate != nil {
		if o := s.traits.PreValidate(payload); o != nil {
			return failed(StatusInvalid, o)
		}
	}

	id := fhir.ResourceID(payload)
	if !allowExistingID || id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	stored := fhir.CopyResource(payload)
	fhir.SetResourceID(stored, id)
	fhir.StampMeta(stored, 1, now)
	in := &Instance{Kind: s.kind, ID: id, Version: 1, LastUpdated: now, Resource: stored}

	s.mu.Lock()
	if _, exists := s.instances[id]; exists {
		s.mu.Unlock()
		return failed(StatusConflict, fhir.ConflictOutcome(
			fmt.Sprintf("%s/%s already exists", s.kind, id)))
	}
	s.instances[id] = in
	s.indexLocked(in)
	mut := Mutation{
		Op: InteractionCreate, Kind: s.kind, ID: id, Version: 1,
		After: fhir.CopyResource(stored), When: now,
	}
	s.mu.Unlock()

	s.emit(mut)
	return succeeded(StatusCreated, in)
}

// UpdateOptions carries the conditional headers and policy a replace runs
// under.
type UpdateOptions struct {
	AllowCreate bool
	IfMatch     string
	IfNoneMatch string
	Protected   Protected
}

// Update replaces the instance named by the payload id, enforcing the If-*
// preconditions against the current version. An absent instance becomes a
// create when AllowCreate is set.
func (s *KindStore) Update(payload map[string]interface{}, opts UpdateOptions) Result {
	if payload == nil {
		return failed(StatusInvalid, fhir.StructureOutcome("update requires a body"))
	}
	if rt := fhir.ResourceType(payload); rt != s.kind {
		return failed(StatusInvalid, fhir.InvalidOutcome(
			fmt.Sprintf("body declares resourceType %q, store holds %q", rt, s.kind)))
	}
	id := fhir.ResourceID(payload)
	if id == "" {
		return failed(StatusInvalid, fhir.RequiredFieldOutcome("id"))
	}
	if opts.Protected.Contains(s.kind, id) {
		return failed(StatusUnauthorized, fhir.UnauthorizedOutcome(
			fmt.Sprintf("%s/%s is protected content", s.kind, id)))
	}
	if s.traits.PreValidate != nil {
		if o := s.traits.PreValidate(payload); o != nil {
			return failed(StatusInvalid, o)
		}
	}

	now := time.Now().UTC()
	stored := fhir.CopyResource(payload)

	s.mu.Lock()
	cur, exists := s.instances[id]
	if !exists {
		s.mu.Unlock()
		if opts.IfMatch != "" {
			return failed(StatusPrecondition, fhir.PreconditionOutcome(
				fmt.Sprintf("If-Match given but %s/%s does not exist", s.kind, id)))
		}
		if !opts.AllowCreate {
			return failed(StatusNotFound, fhir.NotFoundOutcome(s.kind, id))
		}
		return s.createAt(id, stored, now)
	}

	if opts.IfNoneMatch == "*" ||
		(opts.IfNoneMatch != "" && fhir.ETagMatches(opts.IfNoneMatch, cur.Version)) {
		s.mu.Unlock()
		return failed(StatusPrecondition, fhir.PreconditionOutcome(
			fmt.Sprintf("If-None-Match %s matches current %s", opts.IfNoneMatch, cur.ETag())))
	}
	if opts.IfMatch != "" && !fhir.ETagMatches(opts.IfMatch, cur.Version) {
		s.mu.Unlock()
		return failed(StatusPrecondition, fhir.PreconditionOutcome(
			fmt.Sprintf("If-Match %s does not match current %s", opts.IfMatch, cur.ETag())))
	}

	next := cur.Version + 1
	fhir.StampMeta(stored, next, now)
	in := &Instance{Kind: s.kind, ID: id, Version: next, LastUpdated: now, Resource: stored}
	s.unindexLocked(cur)
	s.instances[id] = in
	s.indexLocked(in)
	mut := Mutation{
		Op: InteractionUpdate, Kind: s.kind, ID: id, Version: next,
		Before: fhir.CopyResource(cur.Resource), After: fhir.CopyResource(stored), When: now,
	}
	s.mu.Unlock()

	s.emit(mut)
	return succeeded(StatusOK, in)
}

// createAt finishes an update-as-create, re-checking the id slot under the
// lock in case another writer claimed it in between.
func (s *KindStore) createAt(id string, stored map[string]interface{}, now time.Time) Result {
	fhir.SetResourceID(stored, id)
	fhir.StampMeta(stored, 1, now)
	in := &Instance{Kind: s.kind, ID: id, Version: 1, LastUpdated: now, Resource: stored}

	s.mu.Lock()
	if _, exists := s.instances[id]; exists {
		s.mu.Unlock()
		return failed(StatusConflict, fhir.ConflictOutcome(
			fmt.Sprintf("%s/%s already exists", s.kind, id)))
	}
	s.instances[id] = in
	s.indexLocked(in)
	mut := Mutation{
		Op: InteractionCreate, Kind: s.kind, ID: id, Version: 1,
		After: fhir.CopyResource(stored), When: now,
	}
	s.mu.Unlock()

	s.emit(mut)
	return succeeded(StatusCreated, in)
}

// Delete removes the instance and its index entries atomically. The removed
// instance rides back on the result so the caller can report what was
// deleted.
func (s *KindStore) Delete(id string, protected Protected) Result {
	if protected.Contains(s.kind, id) {
		return failed(StatusUnauthorized, fhir.UnauthorizedOutcome(
			fmt.Sprintf("%s/%s is protected content", s.kind, id)))
	}

	s.mu.Lock()
	cur, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return failed(StatusNotFound, fhir.NotFoundOutcome(s.kind, id))
	}
	delete(s.instances, id)
	s.unindexLocked(cur)
	mut := Mutation{
		Op: InteractionDelete, Kind: s.kind, ID: id, Version: cur.Version,
		Before: fhir.CopyResource(cur.Resource), When: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.emit(mut)
	return succeeded(StatusOK, cur)
}

// Snapshot returns the current instances ordered by id. The slice is taken
// under the read lock and evaluated after release, so match functions may
// call back into other stores freely.
func (s *KindStore) Snapshot() []*Instance {
	s.mu.RLock()
	out := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, in)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search filters a snapshot through match. A nil match selects everything.
func (s *KindStore) Search(match func(*Instance) bool) []*Instance {
	snapshot := s.Snapshot()
	if match == nil {
		return snapshot
	}
	out := make([]*Instance, 0, len(snapshot))
	for _, in := range snapshot {
		if match(in) {
			out = append(out, in)
		}
	}
	return out
}

// ResolveIdentifier looks up an instance by its system|value identifier key.
func (s *KindStore) ResolveIdentifier(system, value string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdent[fhir.IdentifierKey{System: system, Value: value}.String()]
	if !ok {
		return nil, false
	}
	in, ok := s.instances[id]
	return in, ok
}

// ResolveCanonical looks up an instance by its declared canonical URL.
func (s *KindStore) ResolveCanonical(url string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return nil, false
	}
	in, ok := s.instances[id]
	return in, ok
}

// Count returns the number of stored instances.
func (s *KindStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *KindStore) indexLocked(in *Instance) {
	if s.traits.Canonical != nil {
		if url := s.traits.Canonical(in.Resource); url != "" {
			s.byURL[url] = in.ID
		}
	}
	if s.traits.Identifiers != nil {
		for _, key := range s.traits.Identifiers(in.Resource) {
			s.byIdent[key.String()] = in.ID
		}
	}
}

func (s *KindStore) unindexLocked(in *Instance) {
	if s.traits.Canonical != nil {
		if url := s.traits.Canonical(in.Resource); url != "" && s.byURL[url] == in.ID {
			delete(s.byURL, url)
		}
	}
	if s.traits.Identifiers != nil {
		for _, key := range s.traits.Identifiers(in.Resource) {
			if s.byIdent[key.String()] == in.ID {
				delete(s.byIdent, key.String())
			}
		}
	}
}

func (s *KindStore) emit(mut Mutation) {
	if s.afterChange != nil {
		s.afterChange(mut)
	}
	if s.events != nil {
		s.events <- mut
	}
}
