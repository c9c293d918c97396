package subscription

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Subscription statuses.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
	StatusOff       = "off"
)

// Content levels for notification payload shaping.
const (
	ContentEmpty        = "empty"
	ContentIDOnly       = "id-only"
	ContentFullResource = "full-resource"
)

// Backport extension URLs for R4 subscriptions.
const (
	backportContentExt = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
	backportFilterExt  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
	backportHeartbeat  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	backportTimeout    = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	backportMaxCount   = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-max-count"
)

// Channel describes where and how notifications are delivered.
type Channel struct {
	Type        string
	Endpoint    string
	Headers     []string
	ContentType string
	Content     string
	Heartbeat   int
	Timeout     int
	MaxCount    int
}

// Subscription is one compiled subscription definition. Runtime state
// (event counter, rings) lives on the engine.
type Subscription struct {
	ID       string
	TopicURL string
	Status   string
	Reason   string
	Channel  Channel

	// End is the expiration instant; zero means never.
	End time.Time

	// Filters holds the raw per-kind filter values. The "*" key applies
	// to every kind the topic triggers on.
	Filters map[string]url.Values
}

// ParseSubscription reads an R4 backport or R4B/R5 Subscription payload.
func ParseSubscription(res map[string]interface{}) (*Subscription, error) {
	if fhir.ResourceType(res) != "Subscription" {
		return nil, fmt.Errorf("cannot parse %q as a subscription", fhir.ResourceType(res))
	}

	sub := &Subscription{
		ID:      fhir.ResourceID(res),
		Status:  fhir.GetString(res, "status"),
		Reason:  fhir.GetString(res, "reason"),
		Filters: make(map[string]url.Values),
	}

	switch sub.Status {
	case StatusRequested, StatusActive, StatusError, StatusOff:
	case "":
		return nil, fmt.Errorf("subscription has no status")
	default:
		return nil, fmt.Errorf("unknown subscription status %q", sub.Status)
	}

	// R4B/R5 carry the topic directly; the R4 backport smuggles it in
	// criteria.
	sub.TopicURL = fhir.GetString(res, "topic")
	if sub.TopicURL == "" {
		sub.TopicURL = fhir.GetString(res, "criteria")
	}
	if sub.TopicURL == "" {
		return nil, fmt.Errorf("subscription names no topic")
	}

	if end := fhir.GetString(res, "end"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end %q: %w", end, err)
		}
		sub.End = t.UTC()
	}

	if err := parseChannel(res, sub); err != nil {
		return nil, err
	}
	if err := parseFilters(res, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func parseChannel(res map[string]interface{}, sub *Subscription) error {
	ch := Channel{Type: "rest-hook", Content: ContentEmpty, ContentType: "application/fhir+json"}

	if channel := fhir.GetMap(res, "channel"); channel != nil {
		if t := fhir.GetString(channel, "type"); t != "" {
			ch.Type = t
		}
		ch.Endpoint = fhir.GetString(channel, "endpoint")
		for _, h := range fhir.GetSlice(channel, "header") {
			if s, ok := h.(string); ok {
				ch.Headers = append(ch.Headers, s)
			}
		}
		if payload := fhir.GetString(channel, "payload"); payload != "" {
			ch.ContentType = payload
		}
		if meta := fhir.GetMap(channel, "_payload"); meta != nil {
			if v, ok := findExtension(meta, backportContentExt).(string); ok {
				ch.Content = v
			}
		}
		ch.Heartbeat = extensionInt(channel, backportHeartbeat)
		ch.Timeout = extensionInt(channel, backportTimeout)
		ch.MaxCount = extensionInt(channel, backportMaxCount)
	}

	// R5-native fields override when present.
	if ct := fhir.GetMap(res, "channelType"); ct != nil {
		if code := fhir.GetString(ct, "code"); code != "" {
			ch.Type = code
		}
	}
	if v := fhir.GetString(res, "endpoint"); v != "" {
		ch.Endpoint = v
	}
	if v := fhir.GetString(res, "contentType"); v != "" {
		ch.ContentType = v
	}
	if v := fhir.GetString(res, "content"); v != "" {
		ch.Content = v
	}
	if n, ok := intField(res, "heartbeatPeriod"); ok {
		ch.Heartbeat = n
	}
	if n, ok := intField(res, "timeout"); ok {
		ch.Timeout = n
	}
	if n, ok := intField(res, "maxCount"); ok {
		ch.MaxCount = n
	}

	switch ch.Content {
	case ContentEmpty, ContentIDOnly, ContentFullResource:
	default:
		return fmt.Errorf("unknown content level %q", ch.Content)
	}

	sub.Channel = ch
	return nil
}

func parseFilters(res map[string]interface{}, sub *Subscription) error {
	// R5 filterBy entries.
	for _, elem := range fhir.GetSlice(res, "filterBy") {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		param := fhir.GetString(entry, "filterParameter")
		value := fhir.GetString(entry, "value")
		if param == "" || value == "" {
			return fmt.Errorf("filterBy entry missing parameter or value")
		}
		if comp := fhir.GetString(entry, "comparator"); comp != "" && comp != "eq" {
			value = comp + value
		}
		if mod := fhir.GetString(entry, "modifier"); mod != "" {
			param = param + ":" + mod
		}
		kind := triggerKind(fhir.GetString(entry, "resourceType"))
		if kind == "" {
			kind = triggerKind(fhir.GetString(entry, "resource"))
		}
		if kind == "" {
			kind = "*"
		}
		addFilter(sub, kind, param, value)
	}

	// R4 backport filter criteria, query-string form with a kind prefix.
	if meta := fhir.GetMap(res, "_criteria"); meta != nil {
		for _, elem := range fhir.GetSlice(meta, "extension") {
			ext, ok := elem.(map[string]interface{})
			if !ok || fhir.GetString(ext, "url") != backportFilterExt {
				continue
			}
			raw, _ := extValue(ext).(string)
			if raw == "" {
				continue
			}
			kind := "*"
			query := raw
			if idx := strings.Index(raw, "?"); idx >= 0 {
				kind = raw[:idx]
				query = raw[idx+1:]
			}
			values, err := url.ParseQuery(query)
			if err != nil {
				return fmt.Errorf("invalid filter criteria %q: %w", raw, err)
			}
			for param, list := range values {
				for _, v := range list {
					addFilter(sub, kind, param, v)
				}
			}
		}
	}
	return nil
}

func addFilter(sub *Subscription, kind, param, value string) {
	values := sub.Filters[kind]
	if values == nil {
		values = url.Values{}
		sub.Filters[kind] = values
	}
	values.Add(param, value)
}

func findExtension(elem map[string]interface{}, url string) interface{} {
	for _, e := range fhir.GetSlice(elem, "extension") {
		ext, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if fhir.GetString(ext, "url") == url {
			return extValue(ext)
		}
	}
	return nil
}

func extensionInt(elem map[string]interface{}, url string) int {
	switch v := findExtension(elem, url).(type) {
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

func intField(res map[string]interface{}, key string) (int, bool) {
	switch v := res[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
