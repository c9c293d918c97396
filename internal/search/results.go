package search

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// DefaultMaxCount caps the page size a client can request with _count.
const DefaultMaxCount = 1000

// Outcome is one executed search: the matched page, the include expansion,
// and the bookkeeping the bundle assembler needs.
type Outcome struct {
	Query    *Query
	Matches  []*store.Instance
	Includes []*store.Instance
	Total    int
}

// Execute runs a full type-level search: parse, filter, sort, page, expand.
func (e *Evaluator) Execute(kind string, values url.Values) (*Outcome, *fhir.OperationOutcome) {
	if !e.Source.SupportsKind(kind) {
		return nil, fhir.UnknownKindOutcome(kind)
	}
	q := ParseQuery(kind, values, e.Registry)
	return e.Run(q), nil
}

// Run executes an already-parsed query against the source.
func (e *Evaluator) Run(q *Query) *Outcome {
	return e.RunScoped(q, nil)
}

// RunScoped executes a parsed query with an extra membership predicate
// applied before sorting and paging. Compartment searches use this to
// fold their filters into the pipeline.
func (e *Evaluator) RunScoped(q *Query, keep func(*store.Instance, *ChainCache) bool) *Outcome {
	cache := NewChainCache()
	var matches []*store.Instance
	for _, in := range e.Source.Snapshot(q.Kind) {
		if !e.TestForMatch(in, q.Filters, cache) {
			continue
		}
		if keep != nil && !keep(in, cache) {
			continue
		}
		matches = append(matches, in)
	}
	e.sortMatches(matches, q.Result.Sorts)

	total := len(matches)
	limit := DefaultMaxCount
	if q.Result.Count >= 0 && q.Result.Count < limit {
		limit = q.Result.Count
	}
	page := matches
	if len(page) > limit {
		page = page[:limit]
	}

	return &Outcome{
		Query:    q,
		Matches:  page,
		Includes: e.Expand(page, q.Result),
		Total:    total,
	}
}

// sortMatches orders the result set by the requested keys. The input is
// already id-ordered and the sort is stable, so id remains the tiebreak.
func (e *Evaluator) sortMatches(matches []*store.Instance, sorts []SortKey) {
	if len(sorts) == 0 {
		return
	}
	cache := make(map[*store.Instance][]interface{}, len(matches))
	for _, in := range matches {
		vals := make([]interface{}, len(sorts))
		for i, key := range sorts {
			vals[i] = e.sortValue(in, key)
		}
		cache[in] = vals
	}
	sort.SliceStable(matches, func(i, j int) bool {
		vi, vj := cache[matches[i]], cache[matches[j]]
		for k, key := range sorts {
			cmp := compareSortValues(vi[k], vj[k])
			if key.Descending {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return matches[i].ID < matches[j].ID
	})
}

// sortValue extracts one comparable key: a float64, a time.Time, or a
// folded string. nil means the instance has no value for the parameter.
func (e *Evaluator) sortValue(in *store.Instance, key SortKey) interface{} {
	switch key.Code {
	case "_id":
		return in.ID
	case "_lastUpdated":
		return in.LastUpdated
	}
	def, ok := e.Registry.Lookup(in.Kind, key.Code)
	if !ok {
		return nil
	}
	for _, item := range e.collect(in.Resource, def.Expression) {
		switch v := item.(type) {
		case string:
			if def.Type == TypeDate {
				if r, err := fhir.ParseDateRange(v); err == nil {
					return r.Start
				}
			}
			return fhir.FoldString(v)
		case float64:
			return v
		case bool:
			return strconv.FormatBool(v)
		case map[string]interface{}:
			if num, ok := toFloat(v["value"]); ok {
				return num
			}
			leaves := stringLeaves(v)
			if len(leaves) > 0 {
				sort.Strings(leaves)
				return fhir.FoldString(leaves[0])
			}
		}
	}
	return nil
}

// compareSortValues orders two keys; missing values sort last.
func compareSortValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
