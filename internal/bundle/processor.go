// Package bundle executes batch and transaction bundles by re-dispatching
// each entry through the interaction dispatcher, after rewriting
// cross-entry references for transactions.
package bundle

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/dispatch"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Processor turns a system-bundle request into a response bundle.
type Processor struct {
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

func NewProcessor(d *dispatch.Dispatcher, log zerolog.Logger) *Processor {
	return &Processor{dispatcher: d, log: log.With().Str("component", "bundle").Logger()}
}

// Process executes one batch or transaction. Transactions run with
// best-effort semantics: reference integrity is preserved by the
// rewrite pass, but a failing entry does not roll back earlier ones.
func (p *Processor) Process(ctx *dispatch.Context) *dispatch.Response {
	body := ctx.Body
	if fhir.ResourceType(body) != "Bundle" {
		return &dispatch.Response{
			Status:  http.StatusUnprocessableEntity,
			Outcome: fhir.InvalidOutcome("system-level POST requires a Bundle body"),
		}
	}
	btype := fhir.GetString(body, "type")
	if btype != "batch" && btype != "transaction" {
		return &dispatch.Response{
			Status:  http.StatusUnprocessableEntity,
			Outcome: fhir.NotSupportedOutcome(fmt.Sprintf("bundle type %q is not supported", btype)),
		}
	}

	entries := entryMaps(body)
	if btype == "transaction" {
		records := collectRecords(entries)
		rewriteEntries(entries, records)
	}

	ordered := make([]int, len(entries))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return methodRank(entries[ordered[a]]) < methodRank(entries[ordered[b]])
	})

	responses := make([]interface{}, len(entries))
	for _, idx := range ordered {
		responses[idx] = p.execute(ctx, entries[idx], btype == "transaction")
	}

	result := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           uuid.NewString(),
		"type":         btype + "-response",
		"entry":        responses,
	}
	return &dispatch.Response{Status: http.StatusOK, Resource: result}
}

func entryMaps(body map[string]interface{}) []map[string]interface{} {
	raw := fhir.GetSlice(body, "entry")
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// methodRank orders execution: deletes, then creates, then updates,
// then reads. Entry order is preserved within a group.
func methodRank(entry map[string]interface{}) int {
	switch entryMethod(entry) {
	case "DELETE":
		return 0
	case "POST":
		return 1
	case "PUT", "PATCH":
		return 2
	case "GET", "HEAD":
		return 3
	}
	return 4
}

func entryMethod(entry map[string]interface{}) string {
	req := fhir.GetMap(entry, "request")
	if req == nil {
		return ""
	}
	return strings.ToUpper(fhir.GetString(req, "method"))
}

// execute runs one entry and shapes its response-bundle entry.
func (p *Processor) execute(ctx *dispatch.Context, entry map[string]interface{}, transaction bool) map[string]interface{} {
	if entry == nil || fhir.GetMap(entry, "request") == nil {
		return outcomeEntry(http.StatusBadRequest,
			fhir.StructureOutcome("bundle entry has no request"))
	}
	req := fhir.GetMap(entry, "request")
	method := entryMethod(entry)
	rawURL := fhir.GetString(req, "url")

	sub, oerr := p.entryContext(ctx, method, rawURL, transaction)
	if oerr != nil {
		return outcomeEntry(http.StatusNotImplemented, oerr)
	}
	if res := fhir.GetMap(entry, "resource"); res != nil {
		sub.Body = res
	}
	sub.IfMatch = fhir.GetString(req, "ifMatch")
	sub.IfNoneMatch = fhir.GetString(req, "ifNoneMatch")
	sub.IfModifiedSince = fhir.GetString(req, "ifModifiedSince")
	if ine := fhir.GetString(req, "ifNoneExist"); ine != "" {
		sub.IfNoneExist = ine
		if sub.Interaction == dispatch.TypeCreate {
			sub.Interaction = dispatch.TypeCreateConditional
		}
	}

	if verb := scopeVerb(method); verb != "" && !ctx.Auth.Allows(sub.Kind, verb) {
		return outcomeEntry(http.StatusUnauthorized, fhir.UnauthorizedOutcome(
			fmt.Sprintf("scope does not permit %s on %s", verb, sub.Kind)))
	}

	resp := p.dispatcher.Handle(sub)
	return responseEntry(resp)
}

func scopeVerb(method string) string {
	switch method {
	case "GET", "HEAD":
		return "read"
	case "POST", "PUT", "PATCH", "DELETE":
		return "write"
	}
	return ""
}

// entryContext parses one request.url into a child dispatch context.
func (p *Processor) entryContext(ctx *dispatch.Context, method, rawURL string, transaction bool) (*dispatch.Context, *fhir.OperationOutcome) {
	path := rawURL
	query := url.Values{}
	if q := strings.Index(rawURL, "?"); q >= 0 {
		path = rawURL[:q]
		parsed, err := url.ParseQuery(rawURL[q+1:])
		if err != nil {
			return nil, fhir.StructureOutcome("entry request url query does not parse")
		}
		query = parsed
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}

	var kind, id string
	switch len(segments) {
	case 1:
		kind = segments[0]
	case 2:
		kind, id = segments[0], segments[1]
	}

	var interaction dispatch.Interaction
	switch method {
	case "POST":
		if kind == "" || id != "" {
			return nil, fhir.NotSupportedOutcome("POST entries must address a resource type")
		}
		interaction = dispatch.TypeCreate
	case "PUT":
		switch {
		case id != "":
			interaction = dispatch.InstanceUpdate
		case kind != "" && len(query) > 0:
			interaction = dispatch.InstanceUpdateConditional
		default:
			return nil, fhir.NotSupportedOutcome("PUT entries must address an instance or a conditional query")
		}
	case "DELETE":
		switch {
		case id != "":
			interaction = dispatch.InstanceDelete
		case kind != "" && len(query) > 0:
			interaction = dispatch.TypeDeleteConditionalSingle
		default:
			return nil, fhir.NotSupportedOutcome("DELETE entries must address an instance or a conditional query")
		}
	case "GET", "HEAD":
		switch {
		case id != "":
			interaction = dispatch.InstanceRead
		case kind != "":
			interaction = dispatch.TypeSearch
		default:
			return nil, fhir.NotSupportedOutcome("GET entries must address a type or an instance")
		}
	default:
		return nil, fhir.NotSupportedOutcome(fmt.Sprintf("method %q is not supported in bundles", method))
	}

	sub := childContext(ctx, interaction)
	sub.Kind = kind
	sub.ID = id
	sub.Query = query
	// Transaction POSTs carry ids assigned during preprocessing.
	sub.AllowExistingID = transaction && method == "POST"
	return sub, nil
}

func childContext(ctx *dispatch.Context, interaction dispatch.Interaction) *dispatch.Context {
	return &dispatch.Context{
		Tenant:      ctx.Tenant,
		Interaction: interaction,
		Auth:        ctx.Auth,
		BaseURL:     ctx.BaseURL,
		Format:      ctx.Format,
	}
}

// responseEntry shapes a dispatch response as a response-bundle entry.
func responseEntry(resp *dispatch.Response) map[string]interface{} {
	response := map[string]interface{}{
		"status": statusLine(resp.Status),
	}
	if resp.ETag != "" {
		response["etag"] = resp.ETag
	}
	if resp.LastModified != "" {
		response["lastModified"] = resp.LastModified
	}
	if resp.Location != "" {
		response["location"] = resp.Location
	}
	entry := map[string]interface{}{"response": response}
	if resp.Resource != nil {
		entry["resource"] = resp.Resource
	} else if resp.Outcome != nil {
		entry["resource"] = resp.Outcome.AsMap()
	}
	return entry
}

func outcomeEntry(status int, outcome *fhir.OperationOutcome) map[string]interface{} {
	return map[string]interface{}{
		"response": map[string]interface{}{"status": statusLine(status)},
		"resource": outcome.AsMap(),
	}
}

func statusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
