package fhir

import "fmt"

// OperationOutcome severity levels per the FHIR spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes the server emits.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeSecurity      = "security"
	IssueTypeForbidden     = "forbidden"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeDuplicate     = "duplicate"
	IssueTypeDeleted       = "deleted"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeInformational = "informational"
)

// OperationOutcome is the FHIR error/diagnostic resource returned on every
// failure boundary and, optionally, alongside successful responses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome builds a single-issue outcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// HasErrors reports whether the outcome carries any error or fatal issue.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Diagnostics returns the first issue's diagnostics, for logs.
func (o *OperationOutcome) Diagnostics() string {
	if len(o.Issue) == 0 {
		return ""
	}
	return o.Issue[0].Diagnostics
}

// AsMap renders the outcome as a generic resource tree so it can travel in
// bundles next to other resources.
func (o *OperationOutcome) AsMap() map[string]interface{} {
	issues := make([]interface{}, 0, len(o.Issue))
	for _, is := range o.Issue {
		m := map[string]interface{}{
			"severity": is.Severity,
			"code":     is.Code,
		}
		if is.Diagnostics != "" {
			m["diagnostics"] = is.Diagnostics
		}
		if len(is.Expression) > 0 {
			exprs := make([]interface{}, len(is.Expression))
			for i, e := range is.Expression {
				exprs[i] = e
			}
			m["expression"] = exprs
		}
		issues = append(issues, m)
	}
	out := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
	if o.ID != "" {
		out["id"] = o.ID
	}
	return out
}

// Shorthand constructors for the failure classes the core produces.

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func StructureOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeStructure, diagnostics)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

func NotFoundOutcome(kind, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("%s/%s not found", kind, id))
}

func UnknownKindOutcome(kind string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("resource type %q is not supported", kind))
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func PreconditionOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, diagnostics)
}

func UnauthorizedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, diagnostics)
}

func ForbiddenOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeForbidden, diagnostics)
}

func TooCostlyOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTooCostly, diagnostics)
}

func NotSupportedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

func RequiredFieldOutcome(field string) *OperationOutcome {
	o := NewOperationOutcome(IssueSeverityError, IssueTypeRequired,
		fmt.Sprintf("%s is required", field))
	o.Issue[0].Expression = []string{field}
	return o
}

// SuccessOutcome is attached to responses when the caller asked for an
// outcome alongside the result.
func SuccessOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics)
}
