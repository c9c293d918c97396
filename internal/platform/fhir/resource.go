package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resources are handled as generic JSON trees (map[string]interface{}).
// This file holds the accessors the rest of the server uses to read and
// stamp the parts of the tree the storage core cares about: resourceType,
// id, meta, canonical url, identifiers and references.

// ResourceType returns the resourceType element, or "".
func ResourceType(res map[string]interface{}) string {
	rt, _ := res["resourceType"].(string)
	return rt
}

// ResourceID returns the id element, or "".
func ResourceID(res map[string]interface{}) string {
	id, _ := res["id"].(string)
	return id
}

// SetResourceID sets the id element in place.
func SetResourceID(res map[string]interface{}, id string) {
	res["id"] = id
}

// StampMeta writes meta.versionId and meta.lastUpdated, creating the meta
// element when absent. Timestamps are stored in UTC with millisecond
// precision, the wire format used throughout the server.
func StampMeta(res map[string]interface{}, version int64, at time.Time) {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	meta["versionId"] = strconv.FormatInt(version, 10)
	meta["lastUpdated"] = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ResourceVersion parses meta.versionId. Returns 0 when missing or malformed.
func ResourceVersion(res map[string]interface{}) int64 {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		return 0
	}
	vs, _ := meta["versionId"].(string)
	v, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ResourceLastUpdated parses meta.lastUpdated. The zero time is returned when
// the element is missing or malformed.
func ResourceLastUpdated(res map[string]interface{}) time.Time {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		return time.Time{}
	}
	ls, _ := meta["lastUpdated"].(string)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ls); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CanonicalURL returns the url element for conformance-style resources
// (SubscriptionTopic, SearchParameter, ValueSet, ...), or "".
func CanonicalURL(res map[string]interface{}) string {
	u, _ := res["url"].(string)
	return u
}

// IdentifierKey is the (system, value) pair a resource identifier is indexed
// under.
type IdentifierKey struct {
	System string
	Value  string
}

// String renders the key in the search token form "system|value".
func (k IdentifierKey) String() string {
	return k.System + "|" + k.Value
}

// ResourceIdentifiers extracts every identifier carrying a value element.
// Identifiers without a system are indexed under "|value".
func ResourceIdentifiers(res map[string]interface{}) []IdentifierKey {
	raw, ok := res["identifier"]
	if !ok {
		return nil
	}
	var keys []IdentifierKey
	switch ids := raw.(type) {
	case []interface{}:
		for _, item := range ids {
			if m, ok := item.(map[string]interface{}); ok {
				if k, ok := identifierKey(m); ok {
					keys = append(keys, k)
				}
			}
		}
	case map[string]interface{}:
		if k, ok := identifierKey(ids); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func identifierKey(m map[string]interface{}) (IdentifierKey, bool) {
	value, _ := m["value"].(string)
	if value == "" {
		return IdentifierKey{}, false
	}
	system, _ := m["system"].(string)
	return IdentifierKey{System: system, Value: value}, true
}

// ParseReference splits a literal reference into (kind, id). It accepts the
// relative form "Patient/123" and absolute URLs whose trailing segments are
// "Patient/123". Contained ("#x") and logical references return ok=false.
func ParseReference(ref string) (kind, id string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	ref = strings.TrimSuffix(ref, "/")
	parts := strings.Split(ref, "/")
	// Strip any version suffix: Patient/123/_history/2
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}
	if len(parts) < 2 {
		return "", "", false
	}
	kind = parts[len(parts)-2]
	id = parts[len(parts)-1]
	if kind == "" || id == "" || !isKindName(kind) {
		return "", "", false
	}
	return kind, id, true
}

func isKindName(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= 'A' && c <= 'Z'
}

// ReferenceString pulls the literal reference out of a Reference element.
func ReferenceString(elem interface{}) string {
	m, ok := elem.(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := m["reference"].(string)
	return ref
}

// DeepCopy clones a JSON tree. Hooks and notification payloads receive
// copies so that callbacks can never mutate a stored instance.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// CopyResource is DeepCopy specialised to the resource root.
func CopyResource(res map[string]interface{}) map[string]interface{} {
	if res == nil {
		return nil
	}
	return DeepCopy(res).(map[string]interface{})
}

// GetString reads a string field from a tree node.
func GetString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// GetMap reads a sub-object from a tree node.
func GetMap(m map[string]interface{}, key string) map[string]interface{} {
	sub, _ := m[key].(map[string]interface{})
	return sub
}

// GetSlice reads an array field from a tree node. A singleton value is
// wrapped so callers can treat repeating elements uniformly.
func GetSlice(m map[string]interface{}, key string) []interface{} {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		return arr
	}
	return []interface{}{v}
}

// GetBool reads a boolean field from a tree node.
func GetBool(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// CodingList flattens the codings of a CodeableConcept or Coding element
// into (system, code, display) triples.
type CodingEntry struct {
	System  string
	Code    string
	Display string
}

// ExtractCodings walks an element that may be a Coding, a CodeableConcept,
// an Identifier, a code string, or an array of any of these, and returns
// the coded values it carries. Used by token search and topic filters.
func ExtractCodings(elem interface{}) []CodingEntry {
	var out []CodingEntry
	switch v := elem.(type) {
	case string:
		out = append(out, CodingEntry{Code: v})
	case bool:
		out = append(out, CodingEntry{Code: strconv.FormatBool(v)})
	case map[string]interface{}:
		if codings, ok := v["coding"].([]interface{}); ok {
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok {
					out = append(out, CodingEntry{
						System:  GetString(cm, "system"),
						Code:    GetString(cm, "code"),
						Display: GetString(cm, "display"),
					})
				}
			}
			if text := GetString(v, "text"); text != "" {
				out = append(out, CodingEntry{Display: text})
			}
			return out
		}
		// Coding / Identifier / ContactPoint shapes.
		entry := CodingEntry{
			System:  GetString(v, "system"),
			Code:    GetString(v, "code"),
			Display: GetString(v, "display"),
		}
		if entry.Code == "" {
			entry.Code = GetString(v, "value")
		}
		if entry.System != "" || entry.Code != "" || entry.Display != "" {
			out = append(out, entry)
		}
	case []interface{}:
		for _, item := range v {
			out = append(out, ExtractCodings(item)...)
		}
	}
	return out
}

// ValidateContainer checks the payload/container invariants: the payload's
// self-declared resourceType must equal kind and, when id is non-empty, the
// payload id must equal it.
func ValidateContainer(res map[string]interface{}, kind, id string) error {
	if rt := ResourceType(res); rt != kind {
		return fmt.Errorf("resource type %q does not match %q", rt, kind)
	}
	if id != "" {
		if rid := ResourceID(res); rid != "" && rid != id {
			return fmt.Errorf("resource id %q does not match %q", rid, id)
		}
	}
	return nil
}
