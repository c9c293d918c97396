package dispatch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/capability"
	"github.com/ehr/fhirserver/internal/compartment"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

// Options is the dispatcher's slice of the server configuration.
type Options struct {
	BaseURL             string
	FHIRVersion         string
	AllowCreateAsUpdate bool
	AllowExistingID     bool
	SupportNotChanged   bool
}

// Dispatcher routes request contexts through the hook pipeline to the
// stores, the search evaluator, and the compartment and capability
// engines, then assembles the response.
type Dispatcher struct {
	opts      Options
	stores    *store.Registry
	eval      *search.Evaluator
	comp      *compartment.Engine
	cap       *capability.Engine
	hooks     *HookRegistry
	ops       *OperationRegistry
	protected store.Protected
	log       zerolog.Logger

	// ProcessBundle serves system-bundle requests. The tenant façade
	// installs the bundle processor here, which re-enters Handle per
	// entry.
	ProcessBundle func(*Context) *Response
}

func NewDispatcher(opts Options, stores *store.Registry, eval *search.Evaluator,
	comp *compartment.Engine, cap *capability.Engine, hooks *HookRegistry,
	ops *OperationRegistry, protected store.Protected, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		opts:      opts,
		stores:    stores,
		eval:      eval,
		comp:      comp,
		cap:       cap,
		hooks:     hooks,
		ops:       ops,
		protected: protected,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// Hooks exposes the registry for startup registration.
func (d *Dispatcher) Hooks() *HookRegistry { return d.hooks }

// Operations exposes the registry for startup registration.
func (d *Dispatcher) Operations() *OperationRegistry { return d.ops }

// base resolves the effective base URL for links and locations.
func (d *Dispatcher) base(ctx *Context) string {
	base := d.opts.BaseURL
	if ctx.BaseURL != "" {
		base = ctx.BaseURL
	}
	return strings.TrimRight(base, "/") + "/" + ctx.Tenant
}

// Handle runs one interaction end to end: kind check, pre hooks, the
// interaction itself, post hooks.
func (d *Dispatcher) Handle(ctx *Context) *Response {
	if ctx.Interaction.needsKind() {
		if _, ok := d.stores.Get(ctx.Kind); !ok {
			return failure(http.StatusNotFound, fhir.UnknownKindOutcome(ctx.Kind))
		}
	}
	if verb := ctx.Interaction.verb(); verb != "" && !ctx.Auth.Allows(ctx.Kind, verb) {
		return failure(http.StatusUnauthorized, fhir.UnauthorizedOutcome(
			fmt.Sprintf("scope does not permit %s on %s", verb, ctx.Kind)))
	}

	for _, h := range d.hooks.Chain(ctx.Kind, ctx.Interaction, StagePre, d.opts.FHIRVersion) {
		res := h.Fn(ctx, ctx.Body)
		if res.Status != 0 {
			return &Response{Status: res.Status, Outcome: res.Outcome, Resource: res.Resource}
		}
		if res.Resource != nil {
			ctx.Body = res.Resource
		}
	}

	resp := d.dispatch(ctx)

	for _, h := range d.hooks.Chain(ctx.Kind, ctx.Interaction, StagePost, d.opts.FHIRVersion) {
		res := h.Fn(ctx, fhir.CopyResource(resp.Resource))
		if res.Status != 0 {
			return &Response{Status: res.Status, Outcome: res.Outcome, Resource: res.Resource}
		}
		if res.Resource != nil {
			resp.Resource = res.Resource
		}
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx *Context) *Response {
	switch ctx.Interaction {
	case InstanceRead:
		return d.read(ctx)
	case InstanceUpdate:
		return d.update(ctx)
	case InstanceUpdateConditional:
		return d.conditionalUpdate(ctx)
	case InstanceDelete:
		return d.delete(ctx)
	case TypeCreate, TypeCreateConditional:
		return d.create(ctx)
	case TypeDeleteConditionalSingle, TypeDeleteConditionalMulti:
		return d.conditionalDelete(ctx, ctx.Kind)
	case TypeSearch:
		return d.typeSearch(ctx)
	case SystemSearch:
		return d.systemSearch(ctx)
	case SystemCapabilities:
		return &Response{Status: http.StatusOK, Resource: d.cap.Statement(ctx.BaseURL)}
	case SystemBundle:
		if d.ProcessBundle == nil {
			return failure(http.StatusNotImplemented,
				fhir.NotSupportedOutcome("bundle processing is not enabled"))
		}
		return d.ProcessBundle(ctx)
	case SystemDeleteConditional:
		return d.systemConditionalDelete(ctx)
	case InstanceOperation, TypeOperation, SystemOperation:
		return d.operation(ctx)
	case CompartmentSearch, CompartmentTypeSearch:
		return d.compartmentSearch(ctx)
	}
	return failure(http.StatusNotImplemented,
		fhir.NotSupportedOutcome(fmt.Sprintf("interaction %q is not implemented", ctx.Interaction)))
}

// read serves instance-read with the not-modified conditionals.
func (d *Dispatcher) read(ctx *Context) *Response {
	st, _ := d.stores.Get(ctx.Kind)
	res := st.Read(ctx.ID)
	if !res.OK() {
		return d.fromResult(res, "")
	}
	in := res.Instance
	if !d.comp.Permits(ctx.Auth, in, "read") {
		return failure(http.StatusUnauthorized, fhir.UnauthorizedOutcome(
			fmt.Sprintf("access to %s/%s is not permitted by scope", in.Kind, in.ID)))
	}
	if ctx.IfModifiedSince != "" {
		if since, ok := fhir.ParseHTTPDate(ctx.IfModifiedSince); ok && !in.LastUpdated.Truncate(time.Second).After(since) {
			return &Response{Status: http.StatusNotModified, ETag: in.ETag()}
		}
	}
	if d.opts.SupportNotChanged && ctx.IfNoneMatch != "" && fhir.ETagMatches(ctx.IfNoneMatch, in.Version) {
		return &Response{Status: http.StatusNotModified, ETag: in.ETag()}
	}
	return instanceResponse(http.StatusOK, in, "")
}

// create serves type-create, taking the conditional path when
// If-None-Exist is present.
func (d *Dispatcher) create(ctx *Context) *Response {
	if ctx.Body == nil {
		return failure(http.StatusBadRequest, fhir.StructureOutcome("create requires a body"))
	}
	st, _ := d.stores.Get(ctx.Kind)

	if ctx.IfNoneExist != "" {
		values, err := url.ParseQuery(ctx.IfNoneExist)
		if err != nil {
			return failure(http.StatusBadRequest,
				fhir.StructureOutcome("If-None-Exist does not parse as a query"))
		}
		out, oerr := d.eval.Execute(ctx.Kind, values)
		if oerr != nil {
			return failure(http.StatusBadRequest, oerr)
		}
		switch out.Total {
		case 0:
			// fall through to the create
		case 1:
			return instanceResponse(http.StatusOK, out.Matches[0], "")
		default:
			return failure(http.StatusPreconditionFailed, fhir.PreconditionOutcome(
				fmt.Sprintf("If-None-Exist matched %d instances", out.Total)))
		}
	}

	res := st.Create(ctx.Body, ctx.AllowExistingID || d.opts.AllowExistingID)
	return d.fromResult(res, d.location(ctx, res))
}

// update serves instance-update against the id in the URL.
func (d *Dispatcher) update(ctx *Context) *Response {
	if ctx.Body == nil {
		return failure(http.StatusBadRequest, fhir.StructureOutcome("update requires a body"))
	}
	if bodyID := fhir.ResourceID(ctx.Body); bodyID == "" {
		fhir.SetResourceID(ctx.Body, ctx.ID)
	} else if bodyID != ctx.ID {
		return failure(http.StatusBadRequest, fhir.InvalidOutcome(
			fmt.Sprintf("body id %q does not match request id %q", bodyID, ctx.ID)))
	}
	st, _ := d.stores.Get(ctx.Kind)
	res := st.Update(ctx.Body, store.UpdateOptions{
		AllowCreate: d.opts.AllowCreateAsUpdate,
		IfMatch:     ctx.IfMatch,
		IfNoneMatch: ctx.IfNoneMatch,
		Protected:   d.protected,
	})
	return d.fromResult(res, d.location(ctx, res))
}

// conditionalUpdate resolves the query to at most one instance first.
func (d *Dispatcher) conditionalUpdate(ctx *Context) *Response {
	if ctx.Body == nil {
		return failure(http.StatusBadRequest, fhir.StructureOutcome("update requires a body"))
	}
	out, oerr := d.eval.Execute(ctx.Kind, ctx.Query)
	if oerr != nil {
		return failure(http.StatusBadRequest, oerr)
	}
	st, _ := d.stores.Get(ctx.Kind)

	switch out.Total {
	case 0:
		if !d.opts.AllowCreateAsUpdate {
			return failure(http.StatusNotFound, fhir.NotFoundOutcome(ctx.Kind, "?"+ctx.Query.Encode()))
		}
		if fhir.ResourceID(ctx.Body) == "" {
			res := st.Create(ctx.Body, false)
			return d.fromResult(res, d.location(ctx, res))
		}
		res := st.Update(ctx.Body, store.UpdateOptions{AllowCreate: true, Protected: d.protected})
		return d.fromResult(res, d.location(ctx, res))
	case 1:
		existing := out.Matches[0]
		if bodyID := fhir.ResourceID(ctx.Body); bodyID != "" && bodyID != existing.ID {
			return failure(http.StatusPreconditionFailed, fhir.PreconditionOutcome(
				fmt.Sprintf("conditional update matched %s but body declares id %q", existing.ID, bodyID)))
		}
		fhir.SetResourceID(ctx.Body, existing.ID)
		res := st.Update(ctx.Body, store.UpdateOptions{
			AllowCreate: false,
			IfMatch:     ctx.IfMatch,
			Protected:   d.protected,
		})
		return d.fromResult(res, d.location(ctx, res))
	default:
		return failure(http.StatusPreconditionFailed, fhir.PreconditionOutcome(
			fmt.Sprintf("conditional update matched %d instances", out.Total)))
	}
}

func (d *Dispatcher) delete(ctx *Context) *Response {
	st, _ := d.stores.Get(ctx.Kind)
	res := st.Delete(ctx.ID, d.protected)
	if !res.OK() {
		return d.fromResult(res, "")
	}
	return &Response{Status: http.StatusNoContent}
}

// conditionalDelete requires the query to resolve to exactly one
// instance. The multiple variant is not enabled; more than one match is
// rejected the same way.
func (d *Dispatcher) conditionalDelete(ctx *Context, kind string) *Response {
	out, oerr := d.eval.Execute(kind, ctx.Query)
	if oerr != nil {
		return failure(http.StatusBadRequest, oerr)
	}
	switch out.Total {
	case 0:
		return failure(http.StatusNotFound, fhir.NotFoundOutcome(kind, "?"+ctx.Query.Encode()))
	case 1:
		st, _ := d.stores.Get(kind)
		res := st.Delete(out.Matches[0].ID, d.protected)
		if !res.OK() {
			return d.fromResult(res, "")
		}
		return &Response{Status: http.StatusNoContent}
	default:
		return failure(http.StatusPreconditionFailed, fhir.PreconditionOutcome(
			fmt.Sprintf("conditional delete matched %d instances", out.Total)))
	}
}

// systemConditionalDelete needs a _type narrowing to a single supported
// kind; an unscoped system delete is rejected as too costly.
func (d *Dispatcher) systemConditionalDelete(ctx *Context) *Response {
	kinds := splitList(ctx.Query.Get("_type"))
	if len(kinds) != 1 {
		return failure(http.StatusForbidden,
			fhir.TooCostlyOutcome("system conditional delete requires _type naming one kind"))
	}
	if _, ok := d.stores.Get(kinds[0]); !ok {
		return failure(http.StatusNotFound, fhir.UnknownKindOutcome(kinds[0]))
	}
	return d.conditionalDelete(ctx, kinds[0])
}

func (d *Dispatcher) typeSearch(ctx *Context) *Response {
	out, oerr := d.eval.Execute(ctx.Kind, ctx.Query)
	if oerr != nil {
		return failure(http.StatusBadRequest, oerr)
	}
	return d.searchResponse(ctx, []*search.Outcome{out})
}

// systemSearch fans out over the kinds _type names. Without _type the
// request would scan every store and is rejected as too costly.
func (d *Dispatcher) systemSearch(ctx *Context) *Response {
	kinds := splitList(ctx.Query.Get("_type"))
	if len(kinds) == 0 {
		return failure(http.StatusForbidden,
			fhir.TooCostlyOutcome("system search requires a _type filter"))
	}
	var outs []*search.Outcome
	for _, kind := range kinds {
		out, oerr := d.eval.Execute(kind, ctx.Query)
		if oerr != nil {
			return failure(http.StatusNotFound, oerr)
		}
		outs = append(outs, out)
	}
	return d.searchResponse(ctx, outs)
}

func (d *Dispatcher) compartmentSearch(ctx *Context) *Response {
	if ctx.Interaction == CompartmentTypeSearch {
		out, oerr := d.comp.Search(ctx.CompartmentKind, ctx.ID, ctx.Kind, ctx.Query)
		if oerr != nil {
			return failure(http.StatusNotFound, oerr)
		}
		return d.searchResponse(ctx, []*search.Outcome{out})
	}
	outs, oerr := d.comp.SearchAll(ctx.CompartmentKind, ctx.ID, ctx.Query)
	if oerr != nil {
		return failure(http.StatusNotFound, oerr)
	}
	return d.searchResponse(ctx, outs)
}

// operation resolves and invokes a registered $operation.
func (d *Dispatcher) operation(ctx *Context) *Response {
	op, ok := d.ops.Get(ctx.OperationName)
	if !ok {
		return failure(http.StatusNotFound, fhir.NotSupportedOutcome(
			fmt.Sprintf("operation $%s is not known", ctx.OperationName)))
	}
	if !op.supportsLevel(ctx.Interaction) {
		return failure(http.StatusNotImplemented, fhir.NotSupportedOutcome(
			fmt.Sprintf("operation $%s is not defined at this level", ctx.OperationName)))
	}
	if ctx.Interaction != SystemOperation && !op.appliesTo(ctx.Kind) {
		return failure(http.StatusNotImplemented, fhir.NotSupportedOutcome(
			fmt.Sprintf("operation $%s does not apply to %s", ctx.OperationName, ctx.Kind)))
	}

	var focus *store.Instance
	if ctx.Interaction == InstanceOperation {
		st, _ := d.stores.Get(ctx.Kind)
		res := st.Read(ctx.ID)
		if !res.OK() {
			return d.fromResult(res, "")
		}
		focus = res.Instance
		if !d.comp.Permits(ctx.Auth, focus, "read") {
			return failure(http.StatusUnauthorized, fhir.UnauthorizedOutcome(
				fmt.Sprintf("access to %s/%s is not permitted by scope", focus.Kind, focus.ID)))
		}
	}
	return op.Fn(ctx, focus)
}

// location builds the Location header for a freshly created instance.
func (d *Dispatcher) location(ctx *Context, res store.Result) string {
	if res.Status != store.StatusCreated {
		return ""
	}
	return d.base(ctx) + "/" + res.Instance.Kind + "/" + res.Instance.ID
}

// fromResult maps a store result onto the response taxonomy. The
// invalid class splits into structural 400 and semantic 422 by issue
// code.
func (d *Dispatcher) fromResult(res store.Result, location string) *Response {
	switch res.Status {
	case store.StatusOK:
		return instanceResponse(http.StatusOK, res.Instance, location)
	case store.StatusCreated:
		return instanceResponse(http.StatusCreated, res.Instance, location)
	case store.StatusInvalid:
		status := http.StatusUnprocessableEntity
		if len(res.Outcome.Issue) > 0 {
			switch res.Outcome.Issue[0].Code {
			case fhir.IssueTypeStructure, fhir.IssueTypeRequired, fhir.IssueTypeValue:
				status = http.StatusBadRequest
			}
		}
		return failure(status, res.Outcome)
	case store.StatusNotFound:
		return failure(http.StatusNotFound, res.Outcome)
	case store.StatusConflict:
		return failure(http.StatusConflict, res.Outcome)
	case store.StatusPrecondition:
		return failure(http.StatusPreconditionFailed, res.Outcome)
	case store.StatusUnauthorized:
		return failure(http.StatusUnauthorized, res.Outcome)
	}
	return failure(http.StatusInternalServerError, fhir.InternalErrorOutcome("unmapped store result"))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
