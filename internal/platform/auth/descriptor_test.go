package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims *Claims, key []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestParseBearer(t *testing.T) {
	key := []byte("test-signing-key")
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "growth-chart",
		Scope:    "openid fhirUser patient/Patient.read patient/Observation.read",
		Patient:  "Patient/example",
	}
	token := signToken(t, claims, key)

	desc, err := ParseBearer(token, key)
	if err != nil {
		t.Fatalf("ParseBearer: %v", err)
	}
	if desc.Subject != "user-1" || desc.ClientID != "growth-chart" {
		t.Errorf("identity = %q / %q", desc.Subject, desc.ClientID)
	}
	if desc.Patient != "example" {
		t.Errorf("launch patient = %q, want example without the kind prefix", desc.Patient)
	}
	if len(desc.Scopes) != 2 {
		t.Errorf("parsed %d resource scopes, want 2", len(desc.Scopes))
	}

	if _, err := ParseBearer(token, []byte("wrong-key")); err == nil {
		t.Error("wrong signing key should fail")
	}
	if _, err := ParseBearer("not-a-token", nil); err == nil {
		t.Error("malformed token should fail even unverified")
	}
}

func TestParseBearerUnverified(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"},
		ScopeList:        []string{"system/*.*"},
	}
	token := signToken(t, claims, []byte("anything"))

	desc, err := ParseBearer(token, nil)
	if err != nil {
		t.Fatalf("ParseBearer without key: %v", err)
	}
	if !desc.SystemAccess("Patient", OperationWrite) {
		t.Error("system wildcard scope should grant system access")
	}
}

func TestDescriptorHelpers(t *testing.T) {
	var nilDesc *Descriptor
	if !nilDesc.Allows("Patient", OperationRead) {
		t.Error("nil descriptor should allow; enforcement happens at the edge")
	}
	if nilDesc.SystemAccess("Patient", OperationRead) {
		t.Error("nil descriptor has no system access")
	}
	if nilDesc.PatientContextOnly("Patient", OperationRead) {
		t.Error("nil descriptor is not patient-scoped")
	}

	patientOnly := &Descriptor{Scopes: ParseSMARTScopes([]string{"patient/Observation.read"}), Patient: "example"}
	if !patientOnly.PatientContextOnly("Observation", OperationRead) {
		t.Error("patient-only grant should report patient context")
	}
	if patientOnly.Allows("Observation", OperationWrite) {
		t.Error("read scope should not allow write")
	}

	mixed := &Descriptor{Scopes: ParseSMARTScopes([]string{"patient/Observation.read", "user/Observation.read"})}
	if mixed.PatientContextOnly("Observation", OperationRead) {
		t.Error("a user-context grant lifts the patient restriction")
	}

	ungranted := &Descriptor{Scopes: ParseSMARTScopes([]string{"patient/Patient.read"})}
	if ungranted.PatientContextOnly("Observation", OperationRead) {
		t.Error("no grant at all is not patient-context-only")
	}
}
