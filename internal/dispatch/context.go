package dispatch

import (
	"net/url"

	"github.com/ehr/fhirserver/internal/platform/auth"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/store"
)

// Context is the parsed request the transport hands the dispatcher. It
// is immutable from the transport's point of view; hooks may swap the
// effective Body through the pipeline.
type Context struct {
	Tenant      string
	Interaction Interaction
	Kind        string
	ID          string

	Query url.Values
	Body  map[string]interface{}

	IfMatch         string
	IfNoneMatch     string
	IfModifiedSince string
	IfNoneExist     string

	Auth *auth.Descriptor

	OperationName   string
	CompartmentKind string

	// BaseURL is the request-time override from forwarded headers;
	// empty means the configured base applies.
	BaseURL string

	Format string
	Pretty bool

	// AllowExistingID forces creates to honor payload ids. The bundle
	// processor sets it after pre-assigning transaction ids.
	AllowExistingID bool
}

// Response carries everything the transport needs to answer a request.
type Response struct {
	Status       int
	Resource     map[string]interface{}
	Outcome      *fhir.OperationOutcome
	ETag         string
	LastModified string
	Location     string
}

// failure wraps an outcome in a response.
func failure(status int, outcome *fhir.OperationOutcome) *Response {
	return &Response{Status: status, Outcome: outcome}
}

// instanceResponse shapes a stored instance as a response, stamping the
// version headers.
func instanceResponse(status int, in *store.Instance, location string) *Response {
	return &Response{
		Status:       status,
		Resource:     fhir.CopyResource(in.Resource),
		ETag:         in.ETag(),
		LastModified: fhir.FormatHTTPDate(in.LastUpdated),
		Location:     location,
	}
}
