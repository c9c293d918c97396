package fhir

import "testing"

func TestOperationOutcomeHasErrors(t *testing.T) {
	if !ErrorOutcome("boom").HasErrors() {
		t.Error("error outcome should report errors")
	}
	if !InternalErrorOutcome("boom").HasErrors() {
		t.Error("fatal outcome should report errors")
	}
	if SuccessOutcome("ok").HasErrors() {
		t.Error("information outcome should not report errors")
	}
}

func TestOperationOutcomeAsMap(t *testing.T) {
	o := RequiredFieldOutcome("status")
	m := o.AsMap()
	if m["resourceType"] != "OperationOutcome" {
		t.Errorf("resourceType = %v", m["resourceType"])
	}
	issues, ok := m["issue"].([]interface{})
	if !ok || len(issues) != 1 {
		t.Fatalf("issue = %v", m["issue"])
	}
	issue := issues[0].(map[string]interface{})
	if issue["code"] != IssueTypeRequired {
		t.Errorf("code = %v, want %v", issue["code"], IssueTypeRequired)
	}
	exprs, ok := issue["expression"].([]interface{})
	if !ok || len(exprs) != 1 || exprs[0] != "status" {
		t.Errorf("expression = %v", issue["expression"])
	}
}

func TestNotFoundOutcomeDiagnostics(t *testing.T) {
	o := NotFoundOutcome("Patient", "p1")
	if got := o.Diagnostics(); got != "Patient/p1 not found" {
		t.Errorf("Diagnostics() = %q", got)
	}
	if o.Issue[0].Code != IssueTypeNotFound {
		t.Errorf("code = %q, want %q", o.Issue[0].Code, IssueTypeNotFound)
	}
}
