package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Versions travel on the wire as weak entity tags: W/"<version>".

// FormatETag renders a version counter as a weak ETag.
func FormatETag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int64, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("etag must contain a numeric version: %q", etag)
	}
	return v, nil
}

// ETagMatches compares a conditional header value against the current
// version. The wildcard "*" matches any stored version.
func ETagMatches(header string, version int64) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	v, err := ParseETag(header)
	if err != nil {
		return false
	}
	return v == version
}

// FormatHTTPDate renders a timestamp for Last-Modified headers.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// ParseHTTPDate parses If-Modified-Since style header values. RFC 1123 is
// the wire format; the obsolete formats are accepted for tolerance.
func ParseHTTPDate(s string) (time.Time, bool) {
	for _, layout := range []string{http.TimeFormat, time.RFC1123, time.RFC850, time.ANSIC, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
