package subscription

import (
	"strings"
	"testing"
)

func TestCompileTopicNative(t *testing.T) {
	f := newFixture(t, "R4B")
	topic, err := f.engine.CompileTopic(map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           "admissions",
		"url":          "http://example.org/topics/admissions",
		"title":        "Admission events",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "http://hl7.org/fhir/StructureDefinition/Encounter",
				"supportedInteraction": []interface{}{"update"},
				"fhirPathCriteria":     "%current.status = 'in-progress'",
			},
			map[string]interface{}{
				"resource": "Encounter",
				"queryCriteria": map[string]interface{}{
					"previous":        "status=planned",
					"current":         "status=in-progress",
					"requireBoth":     true,
					"resultForCreate": "test-passes",
					"resultForDelete": "test-fails",
				},
			},
			map[string]interface{}{"resource": "Patient"},
		},
		"canFilterBy": []interface{}{
			map[string]interface{}{"resource": "Encounter", "filterParameter": "patient"},
			map[string]interface{}{"filterParameter": "_id"},
		},
		"notificationShape": []interface{}{
			map[string]interface{}{
				"resource":   "Encounter",
				"include":    []interface{}{"Encounter:patient"},
				"revInclude": []interface{}{"Observation:encounter"},
			},
		},
	})
	if err != nil {
		t.Fatalf("CompileTopic: %v", err)
	}

	if topic.ID != "admissions" || topic.Title != "Admission events" || topic.Status != "active" {
		t.Errorf("topic header = %q %q %q", topic.ID, topic.Title, topic.Status)
	}
	if len(topic.Triggers) != 2 {
		t.Fatalf("topic triggers %d kinds, want 2", len(topic.Triggers))
	}

	enc := topic.Triggers["Encounter"]
	if enc == nil || len(enc.Path) != 1 || len(enc.Query) != 1 || len(enc.Interaction) != 0 {
		t.Fatalf("Encounter trigger sets = %+v", enc)
	}
	if on := enc.Path[0].On; on.OnCreate || !on.OnUpdate || on.OnDelete {
		t.Errorf("path trigger interactions = %+v, want update only", on)
	}
	qt := enc.Query[0]
	if !qt.RequireBoth || !qt.CreateAutoPass || !qt.DeleteAutoFail || qt.CreateAutoFail || qt.DeleteAutoPass {
		t.Errorf("query trigger flags = %+v", qt)
	}
	if qt.Previous == nil || qt.Current == nil {
		t.Error("query trigger criteria did not compile")
	}
	if on := qt.On; !on.OnCreate || !on.OnUpdate || !on.OnDelete {
		t.Errorf("query trigger interactions = %+v, want all", on)
	}

	pat := topic.Triggers["Patient"]
	if pat == nil || len(pat.Interaction) != 1 || len(pat.Path) != 0 || len(pat.Query) != 0 {
		t.Fatalf("Patient trigger sets = %+v", pat)
	}

	if got := topic.CanFilterBy["Encounter"]; len(got) != 1 || got[0] != "patient" {
		t.Errorf("CanFilterBy[Encounter] = %v", got)
	}
	if got := topic.CanFilterBy["*"]; len(got) != 1 || got[0] != "_id" {
		t.Errorf("CanFilterBy[*] = %v", got)
	}

	shape := topic.Shapes["Encounter"]
	if shape == nil || len(shape.Includes) != 1 || len(shape.RevIncludes) != 1 {
		t.Fatalf("shape = %+v", shape)
	}
	if inc := shape.Includes[0]; inc.Kind != "Encounter" || inc.Param != "patient" {
		t.Errorf("include spec = %+v", inc)
	}
	if rev := shape.RevIncludes[0]; rev.Kind != "Observation" || rev.Param != "encounter" {
		t.Errorf("revInclude spec = %+v", rev)
	}
}

func basicExt(name string, value interface{}) map[string]interface{} {
	key := "valueString"
	switch value.(type) {
	case bool:
		key = "valueBoolean"
	}
	return map[string]interface{}{"url": name, key: value}
}

func TestCompileTopicBasic(t *testing.T) {
	f := newFixture(t, "R4")
	topic, err := f.engine.CompileTopic(map[string]interface{}{
		"resourceType": "Basic",
		"id":           "enc-start-basic",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{
					"system": "http://hl7.org/fhir/fhir-types",
					"code":   "SubscriptionTopic",
				},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url":      basicTopicExtPrefix + "url",
				"valueUri": "http://example.org/topics/encounter-start",
			},
			basicExt(basicTopicExtPrefix+"status", "active"),
			map[string]interface{}{
				"url": basicTopicExtPrefix + "resourceTrigger",
				"extension": []interface{}{
					basicExt("resource", "Encounter"),
					basicExt("supportedInteraction", "create"),
					basicExt("supportedInteraction", "update"),
					map[string]interface{}{
						"url": "queryCriteria",
						"extension": []interface{}{
							basicExt("previous", "status:not=in-progress"),
							basicExt("current", "status=in-progress"),
							basicExt("resultForCreate", "test-passes"),
							basicExt("requireBoth", true),
						},
					},
				},
			},
			map[string]interface{}{
				"url": basicTopicExtPrefix + "canFilterBy",
				"extension": []interface{}{
					basicExt("resource", "Encounter"),
					basicExt("filterParameter", "patient"),
				},
			},
			map[string]interface{}{
				"url": basicTopicExtPrefix + "notificationShape",
				"extension": []interface{}{
					basicExt("resource", "Encounter"),
					basicExt("include", "Encounter:patient"),
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("CompileTopic: %v", err)
	}

	if topic.URL != "http://example.org/topics/encounter-start" || topic.ID != "enc-start-basic" {
		t.Errorf("topic identity = %q %q", topic.URL, topic.ID)
	}
	enc := topic.Triggers["Encounter"]
	if enc == nil || len(enc.Query) != 1 {
		t.Fatalf("Encounter trigger sets = %+v", enc)
	}
	qt := enc.Query[0]
	if on := qt.On; !on.OnCreate || !on.OnUpdate || on.OnDelete {
		t.Errorf("interactions = %+v, want create and update", on)
	}
	if !qt.RequireBoth || !qt.CreateAutoPass {
		t.Errorf("query flags = %+v", qt)
	}
	if qt.PreviousRaw != "status:not=in-progress" || qt.CurrentRaw != "status=in-progress" {
		t.Errorf("criteria = %q / %q", qt.PreviousRaw, qt.CurrentRaw)
	}
	if got := topic.CanFilterBy["Encounter"]; len(got) != 1 || got[0] != "patient" {
		t.Errorf("CanFilterBy = %v", topic.CanFilterBy)
	}
	if shape := topic.Shapes["Encounter"]; shape == nil || len(shape.Includes) != 1 {
		t.Errorf("shape = %+v", shape)
	}
}

func TestBasicIsTopic(t *testing.T) {
	if BasicIsTopic(map[string]interface{}{"resourceType": "Basic"}) {
		t.Error("untyped Basic recognized as a topic")
	}
	typed := map[string]interface{}{
		"resourceType": "Basic",
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "SubscriptionTopic"}},
		},
	}
	if !BasicIsTopic(typed) {
		t.Error("typed Basic not recognized as a topic")
	}
}

func TestCompileTopicErrors(t *testing.T) {
	f := newFixture(t, "R4B")
	trigger := func(entry map[string]interface{}) []interface{} {
		return []interface{}{entry}
	}
	tests := []struct {
		name string
		res  map[string]interface{}
		want string
	}{
		{
			name: "wrong resource type",
			res:  map[string]interface{}{"resourceType": "Patient", "id": "p"},
			want: "cannot compile",
		},
		{
			name: "untyped basic",
			res:  map[string]interface{}{"resourceType": "Basic", "id": "b"},
			want: "not typed",
		},
		{
			name: "missing url",
			res: map[string]interface{}{
				"resourceType":    "SubscriptionTopic",
				"resourceTrigger": trigger(map[string]interface{}{"resource": "Patient"}),
			},
			want: "no url",
		},
		{
			name: "no triggers",
			res: map[string]interface{}{
				"resourceType": "SubscriptionTopic",
				"url":          "http://example.org/topics/empty",
			},
			want: "no resource triggers",
		},
		{
			name: "trigger without resource",
			res: map[string]interface{}{
				"resourceType":    "SubscriptionTopic",
				"url":             "http://example.org/topics/bare",
				"resourceTrigger": trigger(map[string]interface{}{"fhirPathCriteria": "true"}),
			},
			want: "without a resource",
		},
		{
			name: "bad fhirpath",
			res: map[string]interface{}{
				"resourceType": "SubscriptionTopic",
				"url":          "http://example.org/topics/broken",
				"resourceTrigger": trigger(map[string]interface{}{
					"resource":         "Encounter",
					"fhirPathCriteria": "(((status",
				}),
			},
			want: "topic http://example.org/topics/broken",
		},
		{
			name: "unresolvable query criteria",
			res: map[string]interface{}{
				"resourceType": "SubscriptionTopic",
				"url":          "http://example.org/topics/unresolvable",
				"resourceTrigger": trigger(map[string]interface{}{
					"resource": "Encounter",
					"queryCriteria": map[string]interface{}{
						"current": "favourite-colour=blue",
					},
				}),
			},
			want: "unresolvable filter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CompileTopic(tt.res)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("CompileTopic error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
