package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Filter is one compiled search filter. OR within the parameter lives in
// Values; AND across parameters is the default.
type Filter struct {
	Raw      string // parameter name as received, for the self-link
	Code     string
	Def      ParamDef
	Modifier fhir.Modifier
	ModArg   string
	Chain    string // remainder after the first dot on a reference param
	Has      *HasFilter
	RawValue string
	Values   []string
	Ignored  bool
}

// HasFilter is a parsed reverse chain: _has:Kind:refParam:rest=value. Rest
// may itself start with _has for nested reverse chains.
type HasFilter struct {
	Kind     string
	RefParam string
	Rest     string
}

// SortKey orders results by one parameter.
type SortKey struct {
	Code       string
	Descending bool
}

// IncludeSpec is one _include or _revinclude directive: Kind:param(:target).
type IncludeSpec struct {
	Kind   string
	Param  string
	Target string
	Raw    string
}

// ResultParams shape the result set without filtering it.
type ResultParams struct {
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Sorts       []SortKey
	Count       int // -1 when _count absent
	Types       []string
}

// Query is one parsed search against a kind.
type Query struct {
	Kind    string
	Filters []*Filter
	Result  ResultParams
}

// resultParamNames are consumed by result shaping, never by matching.
var resultParamNames = map[string]bool{
	"_include": true, "_revinclude": true, "_sort": true, "_count": true,
	"_type": true, "_format": true, "_pretty": true, "_summary": true,
	"_total": true, "_elements": true,
}

// ParseQuery compiles raw query values for a kind. Parameters that cannot
// be resolved against the registry, and values that do not parse, are
// flagged ignored: they do not filter and stay out of the self-link.
func ParseQuery(kind string, values url.Values, reg *Registry) *Query {
	q := &Query{Kind: kind, Result: ResultParams{Count: -1}}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, rawValue := range values[name] {
			if resultParamNames[name] {
				parseResultParam(q, name, rawValue)
				continue
			}
			q.Filters = append(q.Filters, parseFilter(kind, name, rawValue, reg))
		}
	}
	return q
}

func parseFilter(kind, name, rawValue string, reg *Registry) *Filter {
	f := &Filter{Raw: name, RawValue: rawValue, Values: splitValues(rawValue)}

	if strings.HasPrefix(name, "_has:") {
		parts := strings.SplitN(name[len("_has:"):], ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			f.Ignored = true
			return f
		}
		f.Code = "_has"
		f.Has = &HasFilter{Kind: parts[0], RefParam: parts[1], Rest: parts[2]}
		return f
	}

	head := name
	if dot := strings.Index(name, "."); dot >= 0 {
		head = name[:dot]
		f.Chain = name[dot+1:]
	}
	code, mod, arg := fhir.SplitModifier(head)
	f.Code, f.Modifier, f.ModArg = code, mod, arg

	def, ok := reg.Lookup(kind, code)
	if !ok || !fhir.KnownModifier(mod) {
		f.Ignored = true
		return f
	}
	f.Def = def

	if f.Chain != "" && def.Type != TypeReference {
		f.Ignored = true
		return f
	}
	if mod == fhir.ModifierType && def.Type != TypeReference {
		f.Ignored = true
		return f
	}
	if mod == fhir.ModifierMissing {
		if rawValue != "true" && rawValue != "false" {
			f.Ignored = true
		}
		return f
	}

	// Modifier applicability per value space.
	switch def.Type {
	case TypeString:
		if mod != fhir.ModifierNone && mod != fhir.ModifierExact && mod != fhir.ModifierContains {
			f.Ignored = true
		}
	case TypeToken:
		switch mod {
		case fhir.ModifierNone, fhir.ModifierNot, fhir.ModifierText,
			fhir.ModifierIn, fhir.ModifierNotIn, fhir.ModifierOfType:
		default:
			f.Ignored = true
		}
	case TypeReference:
		switch mod {
		case fhir.ModifierNone, fhir.ModifierType, fhir.ModifierIdentifier:
		default:
			f.Ignored = true
		}
	case TypeURI:
		switch mod {
		case fhir.ModifierNone, fhir.ModifierAbove, fhir.ModifierBelow:
		default:
			f.Ignored = true
		}
	case TypeDate, TypeNumber, TypeQuantity, TypeComposite:
		if mod != fhir.ModifierNone {
			f.Ignored = true
		}
	}
	if f.Ignored {
		return f
	}

	// Values must parse for ordered types, otherwise the filter is ignored
	// rather than silently matching nothing.
	switch def.Type {
	case TypeDate:
		for _, v := range f.Values {
			_, rest := fhir.SplitPrefix(v)
			if _, err := fhir.ParseDateRange(rest); err != nil {
				f.Ignored = true
				return f
			}
		}
	case TypeNumber:
		for _, v := range f.Values {
			if _, err := fhir.ParseNumberValue(v); err != nil {
				f.Ignored = true
				return f
			}
		}
	case TypeQuantity:
		for _, v := range f.Values {
			if _, err := fhir.ParseQuantityValue(v); err != nil {
				f.Ignored = true
				return f
			}
		}
	}
	return f
}

// splitValues splits comma-separated OR values, honoring backslash escapes.
func splitValues(raw string) []string {
	if !strings.Contains(raw, ",") {
		return []string{raw}
	}
	var out []string
	var cur strings.Builder
	escaped := false
	for _, r := range raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	out = append(out, cur.String())
	return out
}

func parseResultParam(q *Query, name, value string) {
	switch name {
	case "_include":
		if spec, ok := parseIncludeSpec(value); ok {
			q.Result.Includes = append(q.Result.Includes, spec)
		}
	case "_revinclude":
		if spec, ok := parseIncludeSpec(value); ok {
			q.Result.RevIncludes = append(q.Result.RevIncludes, spec)
		}
	case "_sort":
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := SortKey{Code: part}
			if strings.HasPrefix(part, "-") {
				key = SortKey{Code: part[1:], Descending: true}
			}
			q.Result.Sorts = append(q.Result.Sorts, key)
		}
	case "_count":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			q.Result.Count = n
		}
	case "_type":
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				q.Result.Types = append(q.Result.Types, part)
			}
		}
	}
}

func parseIncludeSpec(value string) (IncludeSpec, bool) {
	parts := strings.Split(value, ":")
	switch len(parts) {
	case 2:
		return IncludeSpec{Kind: parts[0], Param: parts[1], Raw: value}, true
	case 3:
		if parts[2] == "iterate" {
			// _include:iterate is not supported; the directive is ignored.
			return IncludeSpec{}, false
		}
		return IncludeSpec{Kind: parts[0], Param: parts[1], Target: parts[2], Raw: value}, true
	}
	return IncludeSpec{}, false
}

// SelfLink rebuilds the request URL from the parsed query: every
// non-ignored filter and every non-empty result parameter, once each.
func (q *Query) SelfLink(base string) string {
	vals := url.Values{}
	for _, f := range q.Filters {
		if f.Ignored {
			continue
		}
		vals.Add(f.Raw, f.RawValue)
	}
	for _, inc := range q.Result.Includes {
		vals.Add("_include", inc.Raw)
	}
	for _, inc := range q.Result.RevIncludes {
		vals.Add("_revinclude", inc.Raw)
	}
	if len(q.Result.Sorts) > 0 {
		parts := make([]string, len(q.Result.Sorts))
		for i, s := range q.Result.Sorts {
			if s.Descending {
				parts[i] = "-" + s.Code
			} else {
				parts[i] = s.Code
			}
		}
		vals.Set("_sort", strings.Join(parts, ","))
	}
	if q.Result.Count >= 0 {
		vals.Set("_count", strconv.Itoa(q.Result.Count))
	}
	if len(q.Result.Types) > 0 {
		vals.Set("_type", strings.Join(q.Result.Types, ","))
	}
	if enc := vals.Encode(); enc != "" {
		return base + "?" + enc
	}
	return base
}

// IgnoredParams lists the raw names of the filters that were dropped.
func (q *Query) IgnoredParams() []string {
	var out []string
	for _, f := range q.Filters {
		if f.Ignored {
			out = append(out, f.Raw)
		}
	}
	return out
}
