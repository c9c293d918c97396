// Package capability builds the server self-description document from
// the live tenant: supported kinds, interactions, search surface, and
// registered operations.
package capability

import (
	"sort"
	"sync"
	"time"

	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

// Config is the static portion of the statement.
type Config struct {
	ControllerName    string
	BaseURL           string
	FHIRVersion       string
	SoftwareVersion   string
	Formats           []string
	SupportNotChanged bool

	// SMART advertising. Endpoints are announced in the security block
	// when SMARTEnabled is set.
	SMARTEnabled      bool
	AuthorizeEndpoint string
	TokenEndpoint     string
}

// OperationInfo describes one registered operation for advertisement.
type OperationInfo struct {
	Name       string
	Definition string
	System     bool
	Kinds      []string
}

// Engine caches the generated statement and regenerates it when the
// dirty flag is set or the base URL changes.
type Engine struct {
	cfg      Config
	stores   *store.Registry
	registry *search.Registry

	mu         sync.Mutex
	ops        []OperationInfo
	dirty      bool
	cached     map[string]interface{}
	cachedBase string
}

func NewEngine(cfg Config, stores *store.Registry, registry *search.Registry) *Engine {
	e := &Engine{cfg: cfg, stores: stores, registry: registry, dirty: true}
	prev := registry.OnRegister
	registry.OnRegister = func() {
		if prev != nil {
			prev()
		}
		e.MarkDirty()
	}
	return e
}

// MarkDirty forces regeneration on the next Statement call.
func (e *Engine) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// RegisterOperation adds an operation to the advertisement and marks
// the statement dirty.
func (e *Engine) RegisterOperation(op OperationInfo) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.dirty = true
	e.mu.Unlock()
}

// Operations returns the registered operation descriptors.
func (e *Engine) Operations() []OperationInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OperationInfo, len(e.ops))
	copy(out, e.ops)
	return out
}

// Statement returns the capability document for the given base URL. An
// empty override uses the configured base. Regeneration against a
// differing base does not clear the dirty flag, so the next request on
// the configured base rebuilds too. Callers must not mutate the result.
func (e *Engine) Statement(baseOverride string) map[string]interface{} {
	base := e.cfg.BaseURL
	if baseOverride != "" {
		base = baseOverride
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil && !e.dirty && base == e.cachedBase {
		return e.cached
	}
	doc := e.build(base)
	e.cached = doc
	e.cachedBase = base
	if base == e.cfg.BaseURL {
		e.dirty = false
	}
	return doc
}

func (e *Engine) build(base string) map[string]interface{} {
	kinds := e.stores.Kinds()
	resources := make([]interface{}, 0, len(kinds))
	for _, kind := range kinds {
		resources = append(resources, e.buildResource(kind))
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
		"interaction": []interface{}{
			map[string]interface{}{"code": "transaction"},
			map[string]interface{}{"code": "batch"},
			map[string]interface{}{"code": "search-system"},
		},
	}
	if ops := e.systemOperations(); len(ops) > 0 {
		rest["operation"] = ops
	}
	if e.cfg.SMARTEnabled {
		rest["security"] = e.securityBlock()
	}

	formats := make([]interface{}, 0, len(e.cfg.Formats))
	for _, f := range e.cfg.Formats {
		formats = append(formats, f)
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"id":           "metadata",
		"name":         e.cfg.ControllerName,
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"software": map[string]interface{}{
			"name":    e.cfg.ControllerName,
			"version": e.cfg.SoftwareVersion,
		},
		"implementation": map[string]interface{}{
			"description": e.cfg.ControllerName + " tenant",
			"url":         base,
		},
		"fhirVersion": e.cfg.FHIRVersion,
		"format":      formats,
		"rest":        []interface{}{rest},
	}
}

func (e *Engine) buildResource(kind string) map[string]interface{} {
	conditionalRead := "not-supported"
	if e.cfg.SupportNotChanged {
		conditionalRead = "modified-since"
	}
	res := map[string]interface{}{
		"type": kind,
		"interaction": []interface{}{
			map[string]interface{}{"code": "create"},
			map[string]interface{}{"code": "read"},
			map[string]interface{}{"code": "update"},
			map[string]interface{}{"code": "delete"},
			map[string]interface{}{"code": "search-type"},
		},
		"versioning":        "versioned",
		"conditionalCreate": true,
		"conditionalRead":   conditionalRead,
		"conditionalUpdate": true,
		"conditionalDelete": "single",
		"referencePolicy":   []interface{}{"literal", "logical", "local"},
	}

	var params []interface{}
	for _, def := range e.registry.All(kind) {
		params = append(params, map[string]interface{}{
			"name": def.Code,
			"type": string(def.Type),
		})
	}
	if len(params) > 0 {
		res["searchParam"] = params
	}

	var includes []interface{}
	for _, def := range e.registry.ReferenceParams(kind) {
		includes = append(includes, kind+":"+def.Code)
	}
	if len(includes) > 0 {
		res["searchInclude"] = includes
	}
	if revs := e.revIncludes(kind); len(revs) > 0 {
		res["searchRevInclude"] = revs
	}

	if ops := e.kindOperations(kind); len(ops) > 0 {
		res["operation"] = ops
	}
	return res
}

// revIncludes lists Kind:param pairs on other kinds whose reference
// parameters can target this kind.
func (e *Engine) revIncludes(kind string) []interface{} {
	var out []string
	for _, other := range e.stores.Kinds() {
		for _, def := range e.registry.ReferenceParams(other) {
			if len(def.Targets) == 0 || containsString(def.Targets, kind) {
				out = append(out, other+":"+def.Code)
			}
		}
	}
	sort.Strings(out)
	list := make([]interface{}, len(out))
	for i, s := range out {
		list[i] = s
	}
	return list
}

func (e *Engine) systemOperations() []interface{} {
	var out []interface{}
	for _, op := range e.ops {
		if op.System {
			out = append(out, map[string]interface{}{
				"name":       op.Name,
				"definition": op.Definition,
			})
		}
	}
	return out
}

func (e *Engine) kindOperations(kind string) []interface{} {
	var out []interface{}
	for _, op := range e.ops {
		if op.System {
			continue
		}
		if len(op.Kinds) == 0 || containsString(op.Kinds, kind) {
			out = append(out, map[string]interface{}{
				"name":       op.Name,
				"definition": op.Definition,
			})
		}
	}
	return out
}

func (e *Engine) securityBlock() map[string]interface{} {
	return map[string]interface{}{
		"service": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system": "http://terminology.hl7.org/CodeSystem/restful-security-service",
						"code":   "SMART-on-FHIR",
					},
				},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": []interface{}{
					map[string]interface{}{"url": "authorize", "valueUri": e.cfg.AuthorizeEndpoint},
					map[string]interface{}{"url": "token", "valueUri": e.cfg.TokenEndpoint},
				},
			},
		},
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
