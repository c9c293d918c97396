package bundle

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// record links the identities a transaction entry was posted under to
// the server-assigned id every reference must be rewritten to.
type record struct {
	originalID  string
	fullURL     string
	newID       string
	kind        string
	identifiers []fhir.IdentifierKey
}

func (r *record) target() string {
	return r.kind + "/" + r.newID
}

// collectRecords pre-assigns ids to every POST entry carrying a payload
// and stamps the payload with its new id.
func collectRecords(entries []map[string]interface{}) []*record {
	var records []*record
	for _, entry := range entries {
		if entryMethod(entry) != "POST" {
			continue
		}
		res := fhir.GetMap(entry, "resource")
		if res == nil {
			continue
		}
		rec := &record{
			originalID:  fhir.ResourceID(res),
			fullURL:     fhir.GetString(entry, "fullUrl"),
			newID:       uuid.NewString(),
			kind:        fhir.ResourceType(res),
			identifiers: fhir.ResourceIdentifiers(res),
		}
		fhir.SetResourceID(res, rec.newID)
		records = append(records, rec)
	}
	return records
}

// rewriteEntries walks every entry payload and rewrites references that
// resolve to a record, then patches request urls naming an original id.
func rewriteEntries(entries []map[string]interface{}, records []*record) {
	if len(records) == 0 {
		return
	}
	for _, entry := range entries {
		if res := fhir.GetMap(entry, "resource"); res != nil {
			rewriteTree(res, records)
		}
		if req := fhir.GetMap(entry, "request"); req != nil {
			if rawURL := fhir.GetString(req, "url"); rawURL != "" {
				req["url"] = rewriteRequestURL(rawURL, records)
			}
		}
	}
}

// rewriteTree rewrites reference elements depth-first. A reference that
// resolves to no record is left unchanged.
func rewriteTree(node interface{}, records []*record) {
	switch t := node.(type) {
	case map[string]interface{}:
		if ref, ok := t["reference"].(string); ok {
			if rec := resolveReference(ref, t, records); rec != nil {
				t["reference"] = rec.target()
			}
		}
		for _, v := range t {
			rewriteTree(v, records)
		}
	case []interface{}:
		for _, v := range t {
			rewriteTree(v, records)
		}
	}
}

// resolveReference matches a reference against the records in the
// mandated order: fullUrl, original id, identifier tuple, then the
// Kind?identifier=system|value search form.
func resolveReference(ref string, element map[string]interface{}, records []*record) *record {
	for _, rec := range records {
		if rec.fullURL != "" && ref == rec.fullURL {
			return rec
		}
	}
	for _, rec := range records {
		if rec.originalID == "" {
			continue
		}
		if ref == rec.originalID || ref == rec.kind+"/"+rec.originalID {
			return rec
		}
	}
	if ident := fhir.GetMap(element, "identifier"); ident != nil {
		system := fhir.GetString(ident, "system")
		value := fhir.GetString(ident, "value")
		if rec := matchIdentifier(records, "", system, value); rec != nil {
			return rec
		}
	}
	if kind, system, value, ok := parseIdentifierQuery(ref); ok {
		return matchIdentifier(records, kind, system, value)
	}
	return nil
}

func matchIdentifier(records []*record, kind, system, value string) *record {
	if value == "" {
		return nil
	}
	for _, rec := range records {
		if kind != "" && rec.kind != kind {
			continue
		}
		for _, key := range rec.identifiers {
			if key.System == system && key.Value == value {
				return rec
			}
		}
	}
	return nil
}

// parseIdentifierQuery recognizes the Kind?identifier=system|value
// conditional reference form.
func parseIdentifierQuery(ref string) (kind, system, value string, ok bool) {
	q := strings.Index(ref, "?")
	if q <= 0 {
		return "", "", "", false
	}
	kind = ref[:q]
	for _, pair := range strings.Split(ref[q+1:], "&") {
		eq := strings.Index(pair, "=")
		if eq < 0 || pair[:eq] != "identifier" {
			continue
		}
		raw := pair[eq+1:]
		if bar := strings.Index(raw, "|"); bar >= 0 {
			return kind, raw[:bar], raw[bar+1:], true
		}
		return kind, "", raw, true
	}
	return "", "", "", false
}

// rewriteRequestURL replaces path segments equal to a record's original
// id, keeping any query string intact.
func rewriteRequestURL(rawURL string, records []*record) string {
	path := rawURL
	query := ""
	if q := strings.Index(rawURL, "?"); q >= 0 {
		path, query = rawURL[:q], rawURL[q:]
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		for _, rec := range records {
			if rec.originalID != "" && seg == rec.originalID {
				segments[i] = rec.newID
			}
		}
	}
	return strings.Join(segments, "/") + query
}
