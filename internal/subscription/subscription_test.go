package subscription

import (
	"strings"
	"testing"
	"time"
)

func TestParseSubscriptionBackport(t *testing.T) {
	sub, err := ParseSubscription(map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "enc-watch",
		"status":       "requested",
		"reason":       "admission notifications",
		"criteria":     "http://example.org/topics/encounter-start",
		"end":          "2026-12-31T23:59:59Z",
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "https://client.example.org/fhir/notify",
			"header":   []interface{}{"Authorization: Bearer secret"},
			"payload":  "application/fhir+json",
			"_payload": map[string]interface{}{
				"extension": []interface{}{
					map[string]interface{}{"url": backportContentExt, "valueCode": "id-only"},
				},
			},
			"extension": []interface{}{
				map[string]interface{}{"url": backportHeartbeat, "valueUnsignedInt": float64(60)},
				map[string]interface{}{"url": backportTimeout, "valueUnsignedInt": float64(30)},
				map[string]interface{}{"url": backportMaxCount, "valuePositiveInt": float64(10)},
			},
		},
		"_criteria": map[string]interface{}{
			"extension": []interface{}{
				map[string]interface{}{
					"url":         backportFilterExt,
					"valueString": "Encounter?patient=Patient/example",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("ParseSubscription: %v", err)
	}

	if sub.ID != "enc-watch" || sub.Status != StatusRequested || sub.Reason != "admission notifications" {
		t.Errorf("header = %q %q %q", sub.ID, sub.Status, sub.Reason)
	}
	if sub.TopicURL != "http://example.org/topics/encounter-start" {
		t.Errorf("topic = %q", sub.TopicURL)
	}
	if want := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC); !sub.End.Equal(want) {
		t.Errorf("end = %v, want %v", sub.End, want)
	}

	ch := sub.Channel
	if ch.Type != "rest-hook" || ch.Endpoint != "https://client.example.org/fhir/notify" {
		t.Errorf("channel = %+v", ch)
	}
	if len(ch.Headers) != 1 || ch.Headers[0] != "Authorization: Bearer secret" {
		t.Errorf("headers = %v", ch.Headers)
	}
	if ch.ContentType != "application/fhir+json" || ch.Content != ContentIDOnly {
		t.Errorf("content = %q %q", ch.ContentType, ch.Content)
	}
	if ch.Heartbeat != 60 || ch.Timeout != 30 || ch.MaxCount != 10 {
		t.Errorf("tuning = %d %d %d", ch.Heartbeat, ch.Timeout, ch.MaxCount)
	}

	values := sub.Filters["Encounter"]
	if got := values.Get("patient"); got != "Patient/example" {
		t.Errorf("filter = %q, want Patient/example", got)
	}
}

func TestParseSubscriptionNative(t *testing.T) {
	sub, err := ParseSubscription(map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "enc-watch-r5",
		"status":       "active",
		"topic":        "http://example.org/topics/encounter-start",
		"channelType": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/subscription-channel-type",
			"code":   "websocket",
		},
		"contentType":     "application/fhir+json",
		"content":         "full-resource",
		"heartbeatPeriod": float64(120),
		"timeout":         float64(15),
		"maxCount":        float64(5),
		"filterBy": []interface{}{
			map[string]interface{}{
				"resourceType":    "Encounter",
				"filterParameter": "patient",
				"value":           "Patient/example",
			},
			map[string]interface{}{
				"resourceType":    "Encounter",
				"filterParameter": "date",
				"comparator":      "gt",
				"value":           "2026-01-01",
			},
			map[string]interface{}{
				"filterParameter": "status",
				"modifier":        "not",
				"value":           "cancelled",
			},
		},
	})
	if err != nil {
		t.Fatalf("ParseSubscription: %v", err)
	}

	ch := sub.Channel
	if ch.Type != "websocket" || ch.Content != ContentFullResource {
		t.Errorf("channel = %+v", ch)
	}
	if ch.Heartbeat != 120 || ch.Timeout != 15 || ch.MaxCount != 5 {
		t.Errorf("tuning = %d %d %d", ch.Heartbeat, ch.Timeout, ch.MaxCount)
	}
	if !sub.End.IsZero() {
		t.Errorf("end = %v, want zero", sub.End)
	}

	enc := sub.Filters["Encounter"]
	if got := enc.Get("patient"); got != "Patient/example" {
		t.Errorf("patient filter = %q", got)
	}
	if got := enc.Get("date"); got != "gt2026-01-01" {
		t.Errorf("date filter = %q, want the comparator folded in", got)
	}
	star := sub.Filters["*"]
	if got := star.Get("status:not"); got != "cancelled" {
		t.Errorf("modifier filter = %q, want cancelled under status:not", got)
	}
}

func TestParseSubscriptionDefaults(t *testing.T) {
	sub, err := ParseSubscription(map[string]interface{}{
		"resourceType": "Subscription",
		"id":           "bare",
		"status":       "active",
		"criteria":     "http://example.org/topics/anything",
	})
	if err != nil {
		t.Fatalf("ParseSubscription: %v", err)
	}
	ch := sub.Channel
	if ch.Type != "rest-hook" || ch.Content != ContentEmpty || ch.ContentType != "application/fhir+json" {
		t.Errorf("defaults = %+v", ch)
	}
	if len(sub.Filters) != 0 {
		t.Errorf("filters = %v, want none", sub.Filters)
	}
}

func TestParseSubscriptionErrors(t *testing.T) {
	base := func(mutate func(map[string]interface{})) map[string]interface{} {
		res := map[string]interface{}{
			"resourceType": "Subscription",
			"id":           "broken",
			"status":       "active",
			"criteria":     "http://example.org/topics/encounter-start",
		}
		mutate(res)
		return res
	}
	tests := []struct {
		name string
		res  map[string]interface{}
		want string
	}{
		{
			name: "wrong resource type",
			res:  map[string]interface{}{"resourceType": "Basic"},
			want: "cannot parse",
		},
		{
			name: "missing status",
			res:  base(func(m map[string]interface{}) { delete(m, "status") }),
			want: "no status",
		},
		{
			name: "unknown status",
			res:  base(func(m map[string]interface{}) { m["status"] = "paused" }),
			want: "unknown subscription status",
		},
		{
			name: "missing topic",
			res:  base(func(m map[string]interface{}) { delete(m, "criteria") }),
			want: "names no topic",
		},
		{
			name: "bad end",
			res:  base(func(m map[string]interface{}) { m["end"] = "tomorrow" }),
			want: "invalid end",
		},
		{
			name: "bad content level",
			res:  base(func(m map[string]interface{}) { m["content"] = "headline" }),
			want: "unknown content level",
		},
		{
			name: "filter without value",
			res: base(func(m map[string]interface{}) {
				m["filterBy"] = []interface{}{
					map[string]interface{}{"filterParameter": "patient"},
				}
			}),
			want: "missing parameter or value",
		},
		{
			name: "bad filter criteria query",
			res: base(func(m map[string]interface{}) {
				m["_criteria"] = map[string]interface{}{
					"extension": []interface{}{
						map[string]interface{}{"url": backportFilterExt, "valueString": "Encounter?patient=%zz"},
					},
				}
			}),
			want: "invalid filter criteria",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubscription(tt.res)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseSubscription error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
