package search

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// Source resolves instances across kinds during chained and reverse-chained
// evaluation.
type Source interface {
	Snapshot(kind string) []*store.Instance
	Read(kind, id string) (*store.Instance, bool)
	SupportsKind(kind string) bool
}

// Terminology answers code membership for the :in and :not-in modifiers and
// unit lookups for quantities.
type Terminology interface {
	ValueSetContains(valueSetURL, system, code string) bool
}

// Evaluator decides match/no-match for one instance against parsed filters.
type Evaluator struct {
	Source      Source
	Terminology Terminology
	Registry    *Registry
	Engine      *fhir.Engine
	Log         zerolog.Logger
}

func NewEvaluator(src Source, term Terminology, reg *Registry, engine *fhir.Engine, log zerolog.Logger) *Evaluator {
	return &Evaluator{Source: src, Terminology: term, Registry: reg, Engine: engine, Log: log}
}

// ChainCache memoizes reverse-chain sub-searches within one evaluation
// pass, keyed by (kind, param, value). Pass one cache through a whole
// search so repeated _has filters scan each reverse kind once.
type ChainCache struct {
	referenced map[string]map[string]bool
}

func NewChainCache() *ChainCache {
	return &ChainCache{referenced: make(map[string]map[string]bool)}
}

// TestForMatch applies every non-ignored filter to the instance; all must
// pass. A nil cache gets a fresh one.
func (e *Evaluator) TestForMatch(in *store.Instance, filters []*Filter, cache *ChainCache) bool {
	if cache == nil {
		cache = NewChainCache()
	}
	for _, f := range filters {
		if f.Ignored {
			continue
		}
		if !e.matchFilter(in, f, cache) {
			return false
		}
	}
	return true
}

func (e *Evaluator) matchFilter(in *store.Instance, f *Filter, cache *ChainCache) bool {
	if f.Has != nil {
		return e.matchHas(in, f, cache)
	}
	if f.Chain != "" {
		return e.matchChain(in, f, cache)
	}
	switch f.Code {
	case "_id":
		return e.matchID(in, f)
	case "_lastUpdated":
		return e.matchLastUpdated(in, f)
	}

	collection := e.collect(in.Resource, f.Def.Expression)
	if f.Modifier == fhir.ModifierMissing {
		return (len(collection) == 0) == (f.RawValue == "true")
	}
	switch f.Def.Type {
	case TypeString:
		return matchString(collection, f)
	case TypeToken:
		return e.matchToken(collection, f)
	case TypeReference:
		return matchReference(collection, f)
	case TypeQuantity:
		return matchQuantity(collection, f)
	case TypeDate:
		return matchDate(collection, f)
	case TypeNumber:
		return matchNumber(collection, f)
	case TypeURI:
		return matchURI(collection, f)
	case TypeComposite:
		return e.matchComposite(in, f)
	}
	return false
}

func (e *Evaluator) collect(resource map[string]interface{}, expression string) []interface{} {
	if expression == "" {
		return nil
	}
	out, err := e.Engine.Evaluate(resource, expression)
	if err != nil {
		e.Log.Debug().Err(err).Str("expression", expression).Msg("search expression failed")
		return nil
	}
	return out
}

func (e *Evaluator) matchID(in *store.Instance, f *Filter) bool {
	for _, v := range f.Values {
		if v == in.ID {
			return true
		}
	}
	return false
}

func (e *Evaluator) matchLastUpdated(in *store.Instance, f *Filter) bool {
	stored := fhir.DateRange{Start: in.LastUpdated, End: in.LastUpdated.Add(time.Millisecond)}
	for _, v := range f.Values {
		prefix, rest := fhir.SplitPrefix(v)
		r, err := fhir.ParseDateRange(rest)
		if err != nil {
			continue
		}
		if prefix.CompareDateRanges(stored, r) {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// String
// ----------------------------------------------------------------------------

func matchString(collection []interface{}, f *Filter) bool {
	candidates := stringCandidates(collection)
	for _, v := range f.Values {
		folded := fhir.FoldString(v)
		for _, c := range candidates {
			switch f.Modifier {
			case fhir.ModifierExact:
				if c == v {
					return true
				}
			case fhir.ModifierContains:
				if strings.Contains(fhir.FoldString(c), folded) {
					return true
				}
			default:
				if strings.HasPrefix(fhir.FoldString(c), folded) {
					return true
				}
			}
		}
	}
	return false
}

// stringCandidates flattens the collection to searchable strings. Complex
// elements like HumanName and Address contribute every nested string leaf.
func stringCandidates(collection []interface{}) []string {
	var out []string
	for _, item := range collection {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			out = append(out, stringLeaves(v)...)
		}
	}
	return out
}

func stringLeaves(m map[string]interface{}) []string {
	var out []string
	for key, val := range m {
		if key == "id" || key == "extension" {
			continue
		}
		switch v := val.(type) {
		case string:
			out = append(out, v)
		case []interface{}:
			for _, item := range v {
				switch iv := item.(type) {
				case string:
					out = append(out, iv)
				case map[string]interface{}:
					out = append(out, stringLeaves(iv)...)
				}
			}
		case map[string]interface{}:
			out = append(out, stringLeaves(v)...)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Token
// ----------------------------------------------------------------------------

type tokenCandidate struct {
	system string
	code   string
	text   string
}

func (e *Evaluator) matchToken(collection []interface{}, f *Filter) bool {
	candidates := tokenCandidates(collection)
	switch f.Modifier {
	case fhir.ModifierNot:
		return !anyTokenMatch(candidates, f.Values)
	case fhir.ModifierText:
		for _, v := range f.Values {
			folded := fhir.FoldString(v)
			for _, c := range candidates {
				if c.text != "" && strings.HasPrefix(fhir.FoldString(c.text), folded) {
					return true
				}
			}
		}
		return false
	case fhir.ModifierIn, fhir.ModifierNotIn:
		if e.Terminology == nil {
			return false
		}
		member := false
		for _, v := range f.Values {
			for _, c := range candidates {
				if e.Terminology.ValueSetContains(v, c.system, c.code) {
					member = true
				}
			}
		}
		if f.Modifier == fhir.ModifierIn {
			return member
		}
		return !member
	case fhir.ModifierOfType:
		return matchOfType(collection, f.Values)
	default:
		return anyTokenMatch(candidates, f.Values)
	}
}

func anyTokenMatch(candidates []tokenCandidate, values []string) bool {
	for _, v := range values {
		tv := fhir.ParseTokenValue(v)
		for _, c := range candidates {
			if tv.Matches(c.system, c.code) {
				return true
			}
		}
	}
	return false
}

func tokenCandidates(collection []interface{}) []tokenCandidate {
	var out []tokenCandidate
	for _, item := range collection {
		switch v := item.(type) {
		case string:
			out = append(out, tokenCandidate{code: v})
		case bool:
			out = append(out, tokenCandidate{code: strconv.FormatBool(v)})
		case float64:
			out = append(out, tokenCandidate{code: strconv.FormatFloat(v, 'f', -1, 64)})
		case map[string]interface{}:
			out = append(out, tokenCandidatesFromMap(v)...)
		}
	}
	return out
}

func tokenCandidatesFromMap(m map[string]interface{}) []tokenCandidate {
	// CodeableConcept: every coding plus the concept text.
	if codings := fhir.GetSlice(m, "coding"); len(codings) > 0 || fhir.GetString(m, "text") != "" {
		text := fhir.GetString(m, "text")
		var out []tokenCandidate
		for _, c := range codings {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			cand := tokenCandidate{
				system: fhir.GetString(cm, "system"),
				code:   fhir.GetString(cm, "code"),
				text:   fhir.GetString(cm, "display"),
			}
			if cand.text == "" {
				cand.text = text
			}
			out = append(out, cand)
		}
		if len(out) == 0 {
			out = append(out, tokenCandidate{text: text})
		}
		return out
	}
	// Coding.
	if fhir.GetString(m, "code") != "" {
		return []tokenCandidate{{
			system: fhir.GetString(m, "system"),
			code:   fhir.GetString(m, "code"),
			text:   fhir.GetString(m, "display"),
		}}
	}
	// Identifier and ContactPoint both carry system+value.
	if value := fhir.GetString(m, "value"); value != "" {
		return []tokenCandidate{{
			system: fhir.GetString(m, "system"),
			code:   value,
		}}
	}
	return nil
}

// matchOfType applies identifier:of-type. The value form is
// system|code|value: the identifier's type coding must carry (system, code)
// and the identifier value must equal value.
func matchOfType(collection []interface{}, values []string) bool {
	for _, v := range values {
		parts := strings.SplitN(v, "|", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		for _, item := range collection {
			m, ok := item.(map[string]interface{})
			if !ok || fhir.GetString(m, "value") != parts[2] {
				continue
			}
			for _, coding := range fhir.ExtractCodings(m["type"]) {
				if strings.EqualFold(coding.System, parts[0]) && strings.EqualFold(coding.Code, parts[1]) {
					return true
				}
			}
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Reference
// ----------------------------------------------------------------------------

type refCandidate struct {
	raw  string
	kind string
	id   string
}

func matchReference(collection []interface{}, f *Filter) bool {
	if f.Modifier == fhir.ModifierIdentifier {
		for _, v := range f.Values {
			tv := fhir.ParseTokenValue(v)
			for _, item := range collection {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				ident := fhir.GetMap(m, "identifier")
				if ident == nil {
					continue
				}
				if tv.Matches(fhir.GetString(ident, "system"), fhir.GetString(ident, "value")) {
					return true
				}
			}
		}
		return false
	}

	refs := referenceCandidates(collection)
	allowed := f.Def.Targets
	if f.ModArg != "" {
		allowed = []string{f.ModArg}
	}
	for _, v := range f.Values {
		for _, ref := range refs {
			if referenceValueMatches(ref, v, allowed) {
				return true
			}
		}
	}
	return false
}

func referenceCandidates(collection []interface{}) []refCandidate {
	var out []refCandidate
	for _, item := range collection {
		var raw string
		switch v := item.(type) {
		case string:
			raw = v
		case map[string]interface{}:
			raw = fhir.GetString(v, "reference")
		}
		if raw == "" {
			continue
		}
		c := refCandidate{raw: raw}
		if kind, id, ok := fhir.ParseReference(raw); ok {
			c.kind, c.id = kind, id
		}
		out = append(out, c)
	}
	return out
}

func referenceValueMatches(ref refCandidate, value string, allowed []string) bool {
	kindAllowed := func(kind string) bool {
		if len(allowed) == 0 || kind == "" {
			return true
		}
		for _, k := range allowed {
			if k == kind {
				return true
			}
		}
		return false
	}
	if ref.raw == value {
		return kindAllowed(ref.kind)
	}
	if strings.Contains(value, "/") {
		kind, id, ok := fhir.ParseReference(value)
		if !ok {
			return false
		}
		return ref.kind == kind && ref.id == id && kindAllowed(kind)
	}
	// Bare id: any allowed kind with that id.
	return ref.id != "" && ref.id == value && kindAllowed(ref.kind)
}

// ----------------------------------------------------------------------------
// Quantity, date, number, uri
// ----------------------------------------------------------------------------

func matchQuantity(collection []interface{}, f *Filter) bool {
	for _, v := range f.Values {
		q, err := fhir.ParseQuantityValue(v)
		if err != nil {
			continue
		}
		for _, item := range collection {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			num, ok := toFloat(m["value"])
			if !ok {
				continue
			}
			if q.Matches(num) &&
				q.MatchesUnit(fhir.GetString(m, "system"), fhir.GetString(m, "code"), fhir.GetString(m, "unit")) {
				return true
			}
		}
	}
	return false
}

func matchDate(collection []interface{}, f *Filter) bool {
	ranges := dateCandidates(collection)
	for _, v := range f.Values {
		prefix, rest := fhir.SplitPrefix(v)
		search, err := fhir.ParseDateRange(rest)
		if err != nil {
			continue
		}
		for _, stored := range ranges {
			if prefix.CompareDateRanges(stored, search) {
				return true
			}
		}
	}
	return false
}

// dateCandidates expands stored date elements to ranges: plain dates via
// their precision, Periods via start/end with open ends widened to the
// distant past/future.
func dateCandidates(collection []interface{}) []fhir.DateRange {
	var out []fhir.DateRange
	for _, item := range collection {
		switch v := item.(type) {
		case string:
			if r, err := fhir.ParseDateRange(v); err == nil {
				out = append(out, r)
			}
		case map[string]interface{}:
			start, startErr := fhir.ParseDateRange(fhir.GetString(v, "start"))
			end, endErr := fhir.ParseDateRange(fhir.GetString(v, "end"))
			r := fhir.DateRange{
				Start: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
			}
			if startErr == nil {
				r.Start = start.Start
			}
			if endErr == nil {
				r.End = end.End
			}
			if startErr == nil || endErr == nil {
				out = append(out, r)
			}
		}
	}
	return out
}

func matchNumber(collection []interface{}, f *Filter) bool {
	for _, v := range f.Values {
		n, err := fhir.ParseNumberValue(v)
		if err != nil {
			continue
		}
		for _, item := range collection {
			if num, ok := toFloat(item); ok && n.Matches(num) {
				return true
			}
		}
	}
	return false
}

func matchURI(collection []interface{}, f *Filter) bool {
	for _, v := range f.Values {
		for _, item := range collection {
			s, ok := item.(string)
			if !ok {
				continue
			}
			switch f.Modifier {
			case fhir.ModifierBelow:
				if strings.HasPrefix(s, v) {
					return true
				}
			case fhir.ModifierAbove:
				if strings.HasPrefix(v, s) {
					return true
				}
			default:
				if s == v {
					return true
				}
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ----------------------------------------------------------------------------
// Composite
// ----------------------------------------------------------------------------

// matchComposite splits the value on $ into aligned legs; every leg must
// match against the same repetition of the group element.
func (e *Evaluator) matchComposite(in *store.Instance, f *Filter) bool {
	for _, v := range f.Values {
		legs := strings.Split(v, "$")
		if len(legs) != len(f.Def.Components) {
			continue
		}
		groups := []interface{}{in.Resource}
		if f.Def.Expression != "" {
			groups = e.collect(in.Resource, f.Def.Expression)
		}
		for _, group := range groups {
			gm, ok := group.(map[string]interface{})
			if !ok {
				continue
			}
			if e.compositeGroupMatches(gm, f.Def.Components, legs) {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) compositeGroupMatches(group map[string]interface{}, comps []Component, legs []string) bool {
	for i, comp := range comps {
		leg := &Filter{
			Def:      ParamDef{Type: comp.Type},
			RawValue: legs[i],
			Values:   []string{legs[i]},
		}
		collection := e.collect(group, comp.Expression)
		var ok bool
		switch comp.Type {
		case TypeToken:
			ok = e.matchToken(collection, leg)
		case TypeQuantity:
			ok = matchQuantity(collection, leg)
		case TypeString:
			ok = matchString(collection, leg)
		case TypeDate:
			ok = matchDate(collection, leg)
		case TypeNumber:
			ok = matchNumber(collection, leg)
		case TypeURI:
			ok = matchURI(collection, leg)
		}
		if !ok {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// Chains
// ----------------------------------------------------------------------------

// matchChain resolves the reference element(s) to instances of the target
// kinds, then evaluates the remaining chain there. Missing targets do not
// match.
func (e *Evaluator) matchChain(in *store.Instance, f *Filter, cache *ChainCache) bool {
	targets := f.Def.Targets
	if f.ModArg != "" {
		targets = []string{f.ModArg}
	}
	refs := referenceCandidates(e.collect(in.Resource, f.Def.Expression))
	for _, ref := range refs {
		if ref.kind == "" || ref.id == "" {
			continue
		}
		if len(targets) > 0 && !containsString(targets, ref.kind) {
			continue
		}
		if !e.Source.SupportsKind(ref.kind) {
			continue
		}
		target, ok := e.Source.Read(ref.kind, ref.id)
		if !ok {
			continue
		}
		sub := ParseQuery(ref.kind, url.Values{f.Chain: {f.RawValue}}, e.Registry)
		if e.TestForMatch(target, sub.Filters, cache) {
			return true
		}
	}
	return false
}

// matchHas tests a reverse chain: some instance of Has.Kind whose
// Has.RefParam points at the candidate must satisfy the rest of the filter.
// The scan result is memoized in the cache as a set of referenced ids.
func (e *Evaluator) matchHas(in *store.Instance, f *Filter, cache *ChainCache) bool {
	has := f.Has
	key := has.Kind + ":" + has.RefParam + ":" + has.Rest + "=" + f.RawValue

	set, ok := cache.referenced[key]
	if !ok {
		set = make(map[string]bool)
		refDef, defOK := e.Registry.Lookup(has.Kind, has.RefParam)
		if defOK && refDef.Type == TypeReference && e.Source.SupportsKind(has.Kind) {
			sub := ParseQuery(has.Kind, url.Values{has.Rest: {f.RawValue}}, e.Registry)
			for _, candidate := range e.Source.Snapshot(has.Kind) {
				if !e.TestForMatch(candidate, sub.Filters, cache) {
					continue
				}
				for _, ref := range referenceCandidates(e.collect(candidate.Resource, refDef.Expression)) {
					if ref.kind != "" && ref.id != "" {
						set[ref.kind+"/"+ref.id] = true
					}
				}
			}
		}
		cache.referenced[key] = set
	}
	return set[in.Kind+"/"+in.ID]
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
