package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/dispatch"
	"github.com/ehr/fhirserver/internal/platform/auth"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

func unknownTenant(c echo.Context) error {
	return c.JSON(http.StatusNotFound,
		fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
			"unknown tenant "+c.Param("tenant")).AsMap())
}

// context assembles the dispatch context shared by every handler:
// query, conditional headers, authorization descriptor, forwarded base.
func (s *Server) context(c echo.Context, interaction dispatch.Interaction) *dispatch.Context {
	req := c.Request()
	ctx := &dispatch.Context{
		Interaction:     interaction,
		Query:           c.QueryParams(),
		IfMatch:         req.Header.Get("If-Match"),
		IfNoneMatch:     req.Header.Get("If-None-Match"),
		IfModifiedSince: req.Header.Get("If-Modified-Since"),
		IfNoneExist:     req.Header.Get("If-None-Exist"),
		Auth:            auth.DescriptorFrom(c),
		Pretty:          c.QueryParam("_pretty") == "true",
		Format:          "json",
	}
	if host := req.Header.Get("X-Forwarded-Host"); host != "" {
		proto := req.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "http"
		}
		ctx.BaseURL = proto + "://" + host
	}
	return ctx
}

// negotiate resolves the response format from _format and Accept. Only
// configured formats are honored; the JSON tenant answers 415 for xml.
func (s *Server) negotiate(c echo.Context) (string, bool) {
	raw := c.QueryParam("_format")
	if raw == "" {
		raw = c.Request().Header.Get("Accept")
	}
	format := "json"
	switch {
	case raw == "" || raw == "*/*":
	case strings.Contains(raw, "json"):
	case strings.Contains(raw, "xml"):
		format = "xml"
	}
	if format != "json" && !s.cfg.SupportsFormat(format) {
		return format, false
	}
	return format, true
}

func unsupportedFormat(c echo.Context, format string) error {
	return c.JSON(http.StatusUnsupportedMediaType,
		fhir.NotSupportedOutcome("format "+format+" is not supported").AsMap())
}

// bodyError pairs the outcome for an unusable request body with the
// status it is reported under.
type bodyErr struct {
	status  int
	outcome *fhir.OperationOutcome
}

// body decodes a JSON request body into a resource tree. An empty body
// yields a nil map with no error.
func body(c echo.Context) (map[string]interface{}, *bodyErr) {
	req := c.Request()
	if req.Body == nil || req.ContentLength == 0 {
		return nil, nil
	}
	if ct := req.Header.Get(echo.HeaderContentType); ct != "" &&
		!strings.Contains(ct, "json") {
		return nil, &bodyErr{
			status:  http.StatusUnsupportedMediaType,
			outcome: fhir.NotSupportedOutcome("content type " + ct + " is not supported"),
		}
	}
	var res map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&res); err != nil {
		return nil, &bodyErr{
			status:  http.StatusBadRequest,
			outcome: fhir.StructureOutcome("request body is not valid json"),
		}
	}
	return res, nil
}

// write renders a dispatch response: version headers, then the resource
// or outcome as FHIR JSON.
func write(c echo.Context, resp *dispatch.Response, pretty bool) error {
	h := c.Response().Header()
	if resp.ETag != "" {
		h.Set("ETag", resp.ETag)
	}
	if resp.LastModified != "" {
		h.Set("Last-Modified", resp.LastModified)
	}
	if resp.Location != "" {
		h.Set("Location", resp.Location)
	}

	var payload interface{}
	switch {
	case resp.Resource != nil:
		payload = resp.Resource
	case resp.Outcome != nil:
		payload = resp.Outcome.AsMap()
	default:
		return c.NoContent(resp.Status)
	}

	var raw []byte
	var err error
	if pretty {
		raw, err = json.MarshalIndent(payload, "", "  ")
	} else {
		raw, err = json.Marshal(payload)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError,
			fhir.InternalErrorOutcome("response serialization failed").AsMap())
	}
	return c.Blob(resp.Status, "application/fhir+json; charset=utf-8", raw)
}

// dispatchTo runs the assembled context against the tenant and writes
// the result.
func (s *Server) dispatchTo(c echo.Context, ctx *dispatch.Context) error {
	tn, ok := s.tenants[c.Param("tenant")]
	if !ok {
		return unknownTenant(c)
	}
	if format, ok := s.negotiate(c); !ok {
		return unsupportedFormat(c, format)
	}
	return write(c, tn.Handle(ctx), ctx.Pretty)
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return s.dispatchTo(c, s.context(c, dispatch.SystemCapabilities))
}

func (s *Server) handleSystemPost(c echo.Context) error {
	ctx := s.context(c, dispatch.SystemBundle)
	res, oerr := body(c)
	if oerr != nil {
		return bodyError(c, oerr)
	}
	ctx.Body = res
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleSystemGet(c echo.Context) error {
	return s.dispatchTo(c, s.context(c, dispatch.SystemSearch))
}

func (s *Server) handleSystemDelete(c echo.Context) error {
	return s.dispatchTo(c, s.context(c, dispatch.SystemDeleteConditional))
}

func (s *Server) handleTypePost(c echo.Context) error {
	kind := c.Param("kind")
	if op, ok := operationName(kind); ok {
		return s.operation(c, dispatch.SystemOperation, "", "", op)
	}

	interaction := dispatch.TypeCreate
	if c.Request().Header.Get("If-None-Exist") != "" {
		interaction = dispatch.TypeCreateConditional
	}
	ctx := s.context(c, interaction)
	ctx.Kind = kind
	res, oerr := body(c)
	if oerr != nil {
		return bodyError(c, oerr)
	}
	ctx.Body = res
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleTypeGet(c echo.Context) error {
	kind := c.Param("kind")
	if op, ok := operationName(kind); ok {
		return s.operation(c, dispatch.SystemOperation, "", "", op)
	}
	ctx := s.context(c, dispatch.TypeSearch)
	ctx.Kind = kind
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleConditionalUpdate(c echo.Context) error {
	ctx := s.context(c, dispatch.InstanceUpdateConditional)
	ctx.Kind = c.Param("kind")
	res, oerr := body(c)
	if oerr != nil {
		return bodyError(c, oerr)
	}
	ctx.Body = res
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleConditionalDelete(c echo.Context) error {
	ctx := s.context(c, dispatch.TypeDeleteConditionalSingle)
	ctx.Kind = c.Param("kind")
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleInstanceGet(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	switch {
	case id == "_search":
		ctx := s.context(c, dispatch.TypeSearch)
		ctx.Kind = kind
		return s.dispatchTo(c, ctx)
	default:
		if op, ok := operationName(id); ok {
			return s.operation(c, dispatch.TypeOperation, kind, "", op)
		}
		ctx := s.context(c, dispatch.InstanceRead)
		ctx.Kind, ctx.ID = kind, id
		return s.dispatchTo(c, ctx)
	}
}

func (s *Server) handleInstancePost(c echo.Context) error {
	kind, id := c.Param("kind"), c.Param("id")
	if id == "_search" {
		ctx := s.context(c, dispatch.TypeSearch)
		ctx.Kind = kind
		mergeFormBody(c, ctx)
		return s.dispatchTo(c, ctx)
	}
	if op, ok := operationName(id); ok {
		return s.operation(c, dispatch.TypeOperation, kind, "", op)
	}
	return c.JSON(http.StatusNotImplemented,
		fhir.NotSupportedOutcome("POST is not supported at the instance level").AsMap())
}

func (s *Server) handleInstancePut(c echo.Context) error {
	ctx := s.context(c, dispatch.InstanceUpdate)
	ctx.Kind, ctx.ID = c.Param("kind"), c.Param("id")
	res, oerr := body(c)
	if oerr != nil {
		return bodyError(c, oerr)
	}
	ctx.Body = res
	return s.dispatchTo(c, ctx)
}

func (s *Server) handleInstanceDelete(c echo.Context) error {
	ctx := s.context(c, dispatch.InstanceDelete)
	ctx.Kind, ctx.ID = c.Param("kind"), c.Param("id")
	return s.dispatchTo(c, ctx)
}

// handleCompartmentOrOperation serves the three-segment paths: `*` for
// a whole-compartment search, `$name` for an instance operation, and a
// kind name for a compartment type search.
func (s *Server) handleCompartmentOrOperation(c echo.Context) error {
	kind, id, rest := c.Param("kind"), c.Param("id"), c.Param("rest")
	if op, ok := operationName(rest); ok {
		return s.operation(c, dispatch.InstanceOperation, kind, id, op)
	}

	var ctx *dispatch.Context
	if rest == "*" {
		ctx = s.context(c, dispatch.CompartmentSearch)
		ctx.Kind = kind
	} else {
		ctx = s.context(c, dispatch.CompartmentTypeSearch)
		ctx.Kind = rest
	}
	ctx.CompartmentKind = kind
	ctx.ID = id
	return s.dispatchTo(c, ctx)
}

// operation builds the context for a $-prefixed invocation at any
// level.
func (s *Server) operation(c echo.Context, interaction dispatch.Interaction, kind, id, name string) error {
	ctx := s.context(c, interaction)
	ctx.Kind, ctx.ID, ctx.OperationName = kind, id, name
	if c.Request().Method == http.MethodPost {
		res, oerr := body(c)
		if oerr != nil {
			return bodyError(c, oerr)
		}
		ctx.Body = res
	}
	return s.dispatchTo(c, ctx)
}

func operationName(segment string) (string, bool) {
	if strings.HasPrefix(segment, "$") && len(segment) > 1 {
		return segment[1:], true
	}
	return "", false
}

// mergeFormBody folds POST _search form parameters into the query.
func mergeFormBody(c echo.Context, ctx *dispatch.Context) {
	if err := c.Request().ParseForm(); err != nil {
		return
	}
	for key, vals := range c.Request().PostForm {
		ctx.Query[key] = append(ctx.Query[key], vals...)
	}
}

func bodyError(c echo.Context, be *bodyErr) error {
	return c.JSON(be.status, be.outcome.AsMap())
}
