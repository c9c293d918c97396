package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/tenant"
)

func testConfig() config.Config {
	return config.Config{
		ControllerName:      "test-controller",
		BaseURL:             "http://example.org/fhir",
		FHIRVersion:         "R4B",
		SupportedFormats:    []string{"json"},
		AllowCreateAsUpdate: true,
		SupportNotChanged:   true,
		Port:                "8000",
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	tn := tenant.New("main", cfg, zerolog.Nop())
	if err := tn.Init(); err != nil {
		t.Fatalf("tenant init: %v", err)
	}
	t.Cleanup(tn.Close)
	return New(cfg, zerolog.Nop(), tn)
}

func do(t *testing.T, s *Server, method, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if payload != nil {
		req.Header.Set(echoContentType, "application/fhir+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not json: %v\n%s", err, rec.Body.String())
	}
	return out
}

func TestMetadataRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodGet, "/main/metadata", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata = %d", rec.Code)
	}
	if ct := rec.Header().Get(echoContentType); !strings.HasPrefix(ct, "application/fhir+json") {
		t.Errorf("content type = %q", ct)
	}
	if got := decode(t, rec)["resourceType"]; got != "CapabilityStatement" {
		t.Errorf("resourceType = %v", got)
	}
}

func TestUnknownTenantIs404(t *testing.T) {
	s := newTestServer(t, testConfig())
	if rec := do(t, s, http.MethodGet, "/other/metadata", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant = %d", rec.Code)
	}
}

func TestCreateReadDeleteRoundTrip(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPost, "/main/Patient", map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Chalmers"}},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("ETag = %q", rec.Header().Get("ETag"))
	}
	loc := rec.Header().Get("Location")
	if loc == "" {
		t.Fatal("created response has no Location")
	}
	id, _ := decode(t, rec)["id"].(string)

	rec = do(t, s, http.MethodGet, "/main/Patient/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read = %d", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/main/Patient/"+id, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/main/Patient/"+id, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("read after delete = %d", rec.Code)
	}
}

func TestConditionalCreateHeader(t *testing.T) {
	s := newTestServer(t, testConfig())
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"identifier": []interface{}{
			map[string]interface{}{"system": "urn:mrn", "value": "42"},
		},
	}

	first := do(t, s, http.MethodPost, "/main/Patient", patient,
		map[string]string{"If-None-Exist": "identifier=urn:mrn|42"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first conditional create = %d", first.Code)
	}
	second := do(t, s, http.MethodPost, "/main/Patient", patient,
		map[string]string{"If-None-Exist": "identifier=urn:mrn|42"})
	if second.Code != http.StatusOK {
		t.Fatalf("second conditional create = %d, want 200", second.Code)
	}
}

func TestOptimisticConcurrencyOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodPost, "/main/Patient", map[string]interface{}{"resourceType": "Patient"}, nil)
	id, _ := decode(t, rec)["id"].(string)

	update := map[string]interface{}{"resourceType": "Patient", "id": id, "active": true}
	if rec := do(t, s, http.MethodPut, "/main/Patient/"+id, update,
		map[string]string{"If-Match": `W/"99"`}); rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale If-Match = %d, want 412", rec.Code)
	}
	if rec := do(t, s, http.MethodPut, "/main/Patient/"+id, update,
		map[string]string{"If-Match": `W/"1"`}); rec.Code != http.StatusOK {
		t.Fatalf("current If-Match = %d, want 200", rec.Code)
	}
}

func TestSystemSearch(t *testing.T) {
	s := newTestServer(t, testConfig())
	do(t, s, http.MethodPost, "/main/Patient", map[string]interface{}{"resourceType": "Patient"}, nil)

	if rec := do(t, s, http.MethodGet, "/main?_other=1", nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("system search without _type = %d, want 403", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/main?_type=Patient", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("system search = %d", rec.Code)
	}
	if total, _ := decode(t, rec)["total"].(float64); total != 1 {
		t.Errorf("total = %v", total)
	}
}

func TestBundleRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodPost, "/main", map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "batch",
		"entry": []interface{}{
			map[string]interface{}{
				"request":  map[string]interface{}{"method": "POST", "url": "Patient"},
				"resource": map[string]interface{}{"resourceType": "Patient"},
			},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bundle = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["type"]; got != "batch-response" {
		t.Errorf("bundle type = %v", got)
	}
}

func TestSystemOperationRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodGet, "/main/$versions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("$versions = %d", rec.Code)
	}
	if got := decode(t, rec)["resourceType"]; got != "Parameters" {
		t.Errorf("resourceType = %v", got)
	}
}

func TestXMLFormatIs415(t *testing.T) {
	s := newTestServer(t, testConfig())
	if rec := do(t, s, http.MethodGet, "/main/Patient?_format=xml", nil, nil); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("_format=xml = %d, want 415", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/main/Patient", nil,
		map[string]string{"Accept": "application/fhir+xml"}); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("Accept xml = %d, want 415", rec.Code)
	}
}

func TestSearchUnderscoreSearchRoute(t *testing.T) {
	s := newTestServer(t, testConfig())
	do(t, s, http.MethodPost, "/main/Patient", map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Ramos"}},
	}, nil)

	rec := do(t, s, http.MethodGet, "/main/Patient/_search?family=Ramos", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("_search = %d", rec.Code)
	}
	if total, _ := decode(t, rec)["total"].(float64); total != 1 {
		t.Errorf("total = %v", total)
	}
}

func TestSMARTConfigurationRoute(t *testing.T) {
	cfg := testConfig()
	cfg.SMARTAllowed = true
	s := newTestServer(t, cfg)
	rec := do(t, s, http.MethodGet, "/main/.well-known/smart-configuration", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("smart-configuration = %d", rec.Code)
	}
	doc := decode(t, rec)
	if doc["token_endpoint"] != "http://example.org/fhir/oauth2/token" {
		t.Errorf("token_endpoint = %v", doc["token_endpoint"])
	}
}

func TestSMARTRequiredRejectsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.SMARTAllowed = true
	cfg.SMARTRequired = true
	s := newTestServer(t, cfg)
	if rec := do(t, s, http.MethodGet, "/main/Patient", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous request = %d, want 401", rec.Code)
	}
}
