package store

import "github.com/ehr/fhirserver/internal/platform/fhir"

// Status classifies the outcome of a store primitive.
type Status int

const (
	StatusOK Status = iota
	StatusCreated
	StatusInvalid
	StatusNotFound
	StatusConflict
	StatusPrecondition
	StatusUnauthorized
)

// Result is the uniform return of the store primitives. Instance is set on
// success, Outcome on failure; callers branch on Status.
type Result struct {
	Status   Status
	Instance *Instance
	Outcome  *fhir.OperationOutcome
}

// OK reports whether the result carries a stored instance.
func (r Result) OK() bool {
	return r.Status == StatusOK || r.Status == StatusCreated
}

func succeeded(st Status, in *Instance) Result {
	return Result{Status: st, Instance: in}
}

func failed(st Status, outcome *fhir.OperationOutcome) Result {
	return Result{Status: st, Outcome: outcome}
}
