package store

import (
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Instance is one stored resource: the payload tree plus the bookkeeping the
// server maintains around it. Instances are immutable once published; every
// accepted mutation swaps in a fresh Instance, so a pointer handed out by a
// read stays stable while later writes land.
type Instance struct {
	Kind        string
	ID          string
	Version     int64
	LastUpdated time.Time
	Resource    map[string]interface{}
}

// Clone returns an isolated copy safe to hand to hooks and subscribers.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	out := *in
	out.Resource = fhir.CopyResource(in.Resource)
	return &out
}

// ETag renders the instance version as a weak entity tag.
func (in *Instance) ETag() string {
	return fhir.FormatETag(in.Version)
}
