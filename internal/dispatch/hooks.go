package dispatch

import (
	"fmt"
	"sync"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Stage names the point in the pipeline a hook runs at.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// HookResult is what a hook returns. A non-zero Status short-circuits
// the request with Outcome and Resource as the response. A non-nil
// Resource with zero Status replaces the effective payload. A zero
// value passes through unchanged.
type HookResult struct {
	Status   int
	Outcome  *fhir.OperationOutcome
	Resource map[string]interface{}
}

// HookFunc receives the request context and the current payload. Pre
// hooks see the request body; post hooks see a deep copy of the outcome
// resource, so mutating it never touches the stored tree.
type HookFunc func(ctx *Context, resource map[string]interface{}) HookResult

// Hook declares one interaction hook registration.
type Hook struct {
	ID      string
	Name    string
	Package string

	// Versions restricts activation to the listed FHIR versions; empty
	// means every version.
	Versions []string

	// Activates maps kind to the interactions the hook fires for. The
	// "*" kind matches every kind, including system interactions.
	Activates map[string][]Interaction

	Stages []Stage
	Fn     HookFunc
}

func (h *Hook) hasStage(stage Stage) bool {
	for _, s := range h.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (h *Hook) supportsVersion(version string) bool {
	if len(h.Versions) == 0 {
		return true
	}
	for _, v := range h.Versions {
		if v == version {
			return true
		}
	}
	return false
}

func (h *Hook) activatesFor(kind string, interaction Interaction) bool {
	for _, key := range []string{kind, "*"} {
		for _, i := range h.Activates[key] {
			if i == interaction {
				return true
			}
		}
	}
	return false
}

// HookRegistry holds hook registrations in order. One registration per
// id; re-registering an id is an error.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks []*Hook
	byID  map[string]*Hook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{byID: make(map[string]*Hook)}
}

func (r *HookRegistry) Register(h *Hook) error {
	if h.ID == "" {
		return fmt.Errorf("hook requires an id")
	}
	if h.Fn == nil {
		return fmt.Errorf("hook %s has no callback", h.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[h.ID]; exists {
		return fmt.Errorf("hook %s is already registered", h.ID)
	}
	r.byID[h.ID] = h
	r.hooks = append(r.hooks, h)
	return nil
}

// Chain returns the hooks activating for (kind, interaction, stage) in
// registration order.
func (r *HookRegistry) Chain(kind string, interaction Interaction, stage Stage, version string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hook
	for _, h := range r.hooks {
		if h.hasStage(stage) && h.supportsVersion(version) && h.activatesFor(kind, interaction) {
			out = append(out, h)
		}
	}
	return out
}

func (r *HookRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}
