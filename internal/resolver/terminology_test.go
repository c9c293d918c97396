package resolver

import "testing"

const (
	loinc   = "http://loinc.org"
	v3ActMo = "http://terminology.hl7.org/CodeSystem/v3-ActMood"
)

func seedTerminology(t *testing.T) *Terminology {
	t.Helper()
	reg := newTestStores(t)
	mustCreate(t, reg, map[string]interface{}{
		"resourceType": "CodeSystem",
		"id":           "act-mood",
		"url":          v3ActMo,
		"concept": []interface{}{
			map[string]interface{}{
				"code":    "INT",
				"display": "intent",
				"concept": []interface{}{
					map[string]interface{}{"code": "PRMS", "display": "promise", "definition": "A commitment to act."},
				},
			},
		},
	})
	mustCreate(t, reg, map[string]interface{}{
		"resourceType": "ValueSet",
		"id":           "vital-signs",
		"url":          "http://example.org/fhir/ValueSet/vital-signs",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"system": loinc,
					"concept": []interface{}{
						map[string]interface{}{"code": "29463-7"},
						map[string]interface{}{"code": "8867-4"},
					},
				},
			},
			"exclude": []interface{}{
				map[string]interface{}{
					"system": loinc,
					"concept": []interface{}{
						map[string]interface{}{"code": "8867-4"},
					},
				},
			},
		},
	})
	mustCreate(t, reg, map[string]interface{}{
		"resourceType": "ValueSet",
		"id":           "whole-system",
		"url":          "http://example.org/fhir/ValueSet/all-moods",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{"system": v3ActMo},
			},
		},
	})
	mustCreate(t, reg, map[string]interface{}{
		"resourceType": "ValueSet",
		"id":           "nested",
		"url":          "http://example.org/fhir/ValueSet/nested",
		"compose": map[string]interface{}{
			"include": []interface{}{
				map[string]interface{}{
					"valueSet": []interface{}{"http://example.org/fhir/ValueSet/vital-signs"},
				},
			},
		},
	})
	mustCreate(t, reg, map[string]interface{}{
		"resourceType": "ValueSet",
		"id":           "expanded",
		"url":          "http://example.org/fhir/ValueSet/expanded",
		"expansion": map[string]interface{}{
			"contains": []interface{}{
				map[string]interface{}{
					"system": loinc,
					"code":   "85354-9",
					"contains": []interface{}{
						map[string]interface{}{"system": loinc, "code": "8480-6"},
					},
				},
			},
		},
	})
	return NewTerminology(reg)
}

func TestLookup(t *testing.T) {
	term := seedTerminology(t)

	c, ok := term.Lookup(v3ActMo, "PRMS")
	if !ok {
		t.Fatal("Lookup(PRMS) missed a nested concept")
	}
	if c.Display != "promise" || c.Definition != "A commitment to act." {
		t.Errorf("Lookup(PRMS) = %+v", c)
	}
	if c, ok := term.Lookup(v3ActMo, "int"); !ok || c.Code != "INT" {
		t.Errorf("Lookup should be case-insensitive, got %+v, %v", c, ok)
	}
	if _, ok := term.Lookup(v3ActMo, "NOPE"); ok {
		t.Error("Lookup(NOPE) should miss")
	}
	if _, ok := term.Lookup("http://unknown.example.org", "INT"); ok {
		t.Error("unknown code system should miss")
	}
}

func TestValueSetContains(t *testing.T) {
	term := seedTerminology(t)

	tests := []struct {
		name   string
		vs     string
		system string
		code   string
		want   bool
	}{
		{"listed concept", "http://example.org/fhir/ValueSet/vital-signs", loinc, "29463-7", true},
		{"systemless candidate", "http://example.org/fhir/ValueSet/vital-signs", "", "29463-7", true},
		{"excluded concept", "http://example.org/fhir/ValueSet/vital-signs", loinc, "8867-4", false},
		{"absent concept", "http://example.org/fhir/ValueSet/vital-signs", loinc, "1234-5", false},
		{"wrong system", "http://example.org/fhir/ValueSet/vital-signs", "http://snomed.info/sct", "29463-7", false},
		{"whole system include", "http://example.org/fhir/ValueSet/all-moods", v3ActMo, "ANY", true},
		{"whole system wrong system", "http://example.org/fhir/ValueSet/all-moods", loinc, "ANY", false},
		{"nested value set", "http://example.org/fhir/ValueSet/nested", loinc, "29463-7", true},
		{"expansion entry", "http://example.org/fhir/ValueSet/expanded", loinc, "85354-9", true},
		{"nested expansion entry", "http://example.org/fhir/ValueSet/expanded", loinc, "8480-6", true},
		{"unknown value set", "http://example.org/fhir/ValueSet/ghost", loinc, "29463-7", false},
		{"versioned url", "http://example.org/fhir/ValueSet/vital-signs|2.1", loinc, "29463-7", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := term.ValueSetContains(tt.vs, tt.system, tt.code); got != tt.want {
				t.Errorf("ValueSetContains(%q, %q, %q) = %v, want %v", tt.vs, tt.system, tt.code, got, tt.want)
			}
		})
	}
}
