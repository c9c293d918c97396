package search

import "github.com/ehr/fhirserver/internal/store"

// Expand resolves _include and _revinclude directives against the matched
// page. Instances already in the page are never duplicated, and each
// included instance appears once.
func (e *Evaluator) Expand(matches []*store.Instance, result ResultParams) []*store.Instance {
	if len(result.Includes) == 0 && len(result.RevIncludes) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	matchKeys := make(map[string]bool, len(matches))
	for _, in := range matches {
		key := in.Kind + "/" + in.ID
		seen[key] = true
		matchKeys[key] = true
	}

	var out []*store.Instance
	add := func(in *store.Instance) {
		key := in.Kind + "/" + in.ID
		if !seen[key] {
			seen[key] = true
			out = append(out, in)
		}
	}

	for _, spec := range result.Includes {
		def, ok := e.Registry.Lookup(spec.Kind, spec.Param)
		if !ok || def.Type != TypeReference {
			continue
		}
		for _, in := range matches {
			if in.Kind != spec.Kind {
				continue
			}
			for _, ref := range referenceCandidates(e.collect(in.Resource, def.Expression)) {
				if ref.kind == "" || ref.id == "" {
					continue
				}
				if spec.Target != "" && ref.kind != spec.Target {
					continue
				}
				if len(def.Targets) > 0 && !containsString(def.Targets, ref.kind) {
					continue
				}
				if !e.Source.SupportsKind(ref.kind) {
					continue
				}
				if target, ok := e.Source.Read(ref.kind, ref.id); ok {
					add(target)
				}
			}
		}
	}

	for _, spec := range result.RevIncludes {
		def, ok := e.Registry.Lookup(spec.Kind, spec.Param)
		if !ok || def.Type != TypeReference || !e.Source.SupportsKind(spec.Kind) {
			continue
		}
		for _, candidate := range e.Source.Snapshot(spec.Kind) {
			for _, ref := range referenceCandidates(e.collect(candidate.Resource, def.Expression)) {
				if matchKeys[ref.kind+"/"+ref.id] {
					add(candidate)
					break
				}
			}
		}
	}
	return out
}
