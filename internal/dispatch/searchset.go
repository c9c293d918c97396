package dispatch

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

// searchResponse folds one or more search outcomes into a searchset
// bundle, applying the authorization filter to the matched page.
func (d *Dispatcher) searchResponse(ctx *Context, outs []*search.Outcome) *Response {
	base := d.base(ctx)

	total := 0
	var entries []interface{}
	for _, out := range outs {
		matches := d.comp.FilterAuthorized(out.Matches, ctx.Auth, "read")
		total += len(matches)
		for _, in := range matches {
			entries = append(entries, searchEntry(base, in, "match"))
		}
		for _, in := range d.comp.FilterAuthorized(out.Includes, ctx.Auth, "read") {
			entries = append(entries, searchEntry(base, in, "include"))
		}
	}

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         "searchset",
		"total":        float64(total),
		"link": []interface{}{
			map[string]interface{}{
				"relation": "self",
				"url":      selfLink(base, outs),
			},
		},
	}
	if len(entries) > 0 {
		bundle["entry"] = entries
	}
	return &Response{Status: http.StatusOK, Resource: bundle}
}

// selfLink echoes the first query's non-ignored parameters; fan-out
// searches share one parameter set, so the first query is canonical.
func selfLink(base string, outs []*search.Outcome) string {
	for _, out := range outs {
		if out.Query != nil {
			return out.Query.SelfLink(base + "/" + out.Query.Kind)
		}
	}
	return base
}

func searchEntry(base string, in *store.Instance, mode string) map[string]interface{} {
	return map[string]interface{}{
		"fullUrl":  base + "/" + in.Kind + "/" + in.ID,
		"resource": fhir.CopyResource(in.Resource),
		"search":   map[string]interface{}{"mode": mode},
	}
}
