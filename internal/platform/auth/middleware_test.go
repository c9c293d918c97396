package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func newEchoWithAuth(cfg Config) (*echo.Echo, *struct{ desc *Descriptor }) {
	e := echo.New()
	captured := &struct{ desc *Descriptor }{}
	e.GET("/fhir/Patient", func(c echo.Context) error {
		captured.desc = DescriptorFrom(c)
		return c.NoContent(http.StatusOK)
	}, Middleware(cfg))
	return e, captured
}

func TestMiddlewareOptionalAuth(t *testing.T) {
	e, captured := newEchoWithAuth(Config{})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unauthenticated request = %d, want 200", rec.Code)
	}
	if captured.desc != nil {
		t.Error("descriptor should be nil without a token")
	}
}

func TestMiddlewareRequiredAuth(t *testing.T) {
	key := []byte("secret")
	e, captured := newEchoWithAuth(Config{Required: true, SigningKey: key})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme = %d, want 401", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		Scope:            "patient/Patient.read",
		Patient:          "example",
	}).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token = %d, want 200", rec.Code)
	}
	if captured.desc == nil || captured.desc.Patient != "example" {
		t.Errorf("descriptor = %+v, want launch patient example", captured.desc)
	}
}
