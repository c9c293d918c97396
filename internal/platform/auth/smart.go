// Package auth parses bearer tokens and SMART on FHIR scopes into the
// authorization descriptor the dispatcher and compartment engine consult.
package auth

import (
	"fmt"
	"strings"
)

// Scope operations. SMART v2 interaction letters (c/r/u/d/s) are folded
// into these two during parsing.
const (
	OperationRead  = "read"
	OperationWrite = "write"
)

// SMARTScope is a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<operation>
// Examples: patient/Patient.read, user/Observation.write, system/*.*
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", or "*"
}

// ParseSMARTScope parses one scope string. Non-resource scopes such as
// "openid", "profile", and "launch/patient" return an error.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]

	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}

	resourceType := remainder[:dotIdx]
	rawOp := remainder[dotIdx+1:]

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}
	operation, err := normalizeOperation(rawOp)
	if err != nil {
		return nil, fmt.Errorf("invalid scope %q: %w", scope, err)
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    operation,
	}, nil
}

// normalizeOperation maps v1 and v2 operation suffixes onto read/write/*.
// Granular v2 forms that mix query and mutation letters widen to *.
func normalizeOperation(op string) (string, error) {
	switch op {
	case OperationRead, OperationWrite, "*":
		return op, nil
	}
	read, write := false, false
	for _, r := range op {
		switch r {
		case 'r', 's':
			read = true
		case 'c', 'u', 'd':
			write = true
		default:
			return "", fmt.Errorf("unknown operation %q", op)
		}
	}
	switch {
	case read && write:
		return "*", nil
	case read:
		return OperationRead, nil
	case write:
		return OperationWrite, nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

// ParseSMARTScopes parses a scope list, silently skipping entries that
// are not resource scopes.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows reports whether any scope grants operation on resourceType.
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if s.Grants(resourceType, operation) {
			return true
		}
	}
	return false
}

// Grants reports whether this single scope covers (resourceType, operation).
func (s SMARTScope) Grants(resourceType, operation string) bool {
	if s.ResourceType != "*" && s.ResourceType != resourceType {
		return false
	}
	return s.Operation == "*" || s.Operation == operation
}
