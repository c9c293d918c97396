package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/fhirserver/internal/store"
)

// OperationFunc is the callback behind a named $operation. focus is the
// addressed instance for instance-level invocations, nil otherwise.
// The context carries the query and any request body.
type OperationFunc func(ctx *Context, focus *store.Instance) *Response

// Operation describes one registered operation: the levels it answers
// at, the kinds it applies to, and whether it accepts bodies that are
// not FHIR resources.
type Operation struct {
	Name       string
	Definition string

	System   bool
	Type     bool
	Instance bool

	// Kinds restricts type and instance invocations; empty means any
	// supported kind.
	Kinds []string

	AcceptsNonFHIR bool

	Fn OperationFunc
}

func (op *Operation) appliesTo(kind string) bool {
	if len(op.Kinds) == 0 {
		return true
	}
	for _, k := range op.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (op *Operation) supportsLevel(interaction Interaction) bool {
	switch interaction {
	case SystemOperation:
		return op.System
	case TypeOperation:
		return op.Type
	case InstanceOperation:
		return op.Instance
	}
	return false
}

// OperationRegistry is the explicit operation table passed to the
// dispatcher at startup.
type OperationRegistry struct {
	mu  sync.RWMutex
	ops map[string]*Operation

	// OnRegister fires after every registration so the capability
	// engine can refresh its advertisement.
	OnRegister func(*Operation)
}

func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{ops: make(map[string]*Operation)}
}

func (r *OperationRegistry) Register(op *Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation requires a name")
	}
	if op.Fn == nil {
		return fmt.Errorf("operation %s has no callback", op.Name)
	}
	r.mu.Lock()
	if _, exists := r.ops[op.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("operation %s is already registered", op.Name)
	}
	r.ops[op.Name] = op
	r.mu.Unlock()

	if r.OnRegister != nil {
		r.OnRegister(op)
	}
	return nil
}

func (r *OperationRegistry) Get(name string) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names lists registered operation names sorted.
func (r *OperationRegistry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ops))
	for name := range r.ops {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
