package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ============================================================================
// Search prefixes
// ============================================================================

// Prefix is a search comparator carried in front of ordered values
// (number, date, quantity): gt2013-01-14, ge185, ...
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

var knownPrefixes = map[Prefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true, PrefixAp: true,
}

// SplitPrefix strips a leading two-letter comparator from a search value.
// Values without a recognized comparator default to eq. A prefix is only
// taken when the remainder starts with a digit, so token codes like "eq10"
// stay intact but "sale" is not mistaken for sa+"le".
func SplitPrefix(raw string) (Prefix, string) {
	if len(raw) > 2 {
		p := Prefix(raw[:2])
		if knownPrefixes[p] {
			rest := raw[2:]
			if rest != "" && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-') {
				return p, rest
			}
		}
	}
	return PrefixEq, raw
}

// ============================================================================
// Search modifiers
// ============================================================================

// Modifier is a parameter-name suffix: name:exact, subject:identifier, ...
type Modifier string

const (
	ModifierNone       Modifier = ""
	ModifierExact      Modifier = "exact"
	ModifierContains   Modifier = "contains"
	ModifierMissing    Modifier = "missing"
	ModifierNot        Modifier = "not"
	ModifierText       Modifier = "text"
	ModifierIn         Modifier = "in"
	ModifierNotIn      Modifier = "not-in"
	ModifierOfType     Modifier = "of-type"
	ModifierIdentifier Modifier = "identifier"
	ModifierAbove      Modifier = "above"
	ModifierBelow      Modifier = "below"
	// ModifierType marks the reference form name:Kind; the kind travels in
	// the modifier argument.
	ModifierType Modifier = "type"
)

var knownModifiers = map[Modifier]bool{
	ModifierExact: true, ModifierContains: true, ModifierMissing: true,
	ModifierNot: true, ModifierText: true, ModifierIn: true,
	ModifierNotIn: true, ModifierOfType: true, ModifierIdentifier: true,
	ModifierAbove: true, ModifierBelow: true,
}

// SplitModifier splits "name:modifier" into the base name, the modifier and
// its argument. A suffix starting with an uppercase letter is the reference
// type restriction (subject:Patient), reported as ModifierType with the
// kind in the argument. Unknown lowercase suffixes are returned verbatim so
// the caller can flag the parameter as ignored.
func SplitModifier(param string) (name string, mod Modifier, arg string) {
	idx := strings.Index(param, ":")
	if idx < 0 {
		return param, ModifierNone, ""
	}
	name = param[:idx]
	suffix := param[idx+1:]
	if suffix == "" {
		return name, ModifierNone, ""
	}
	if unicode.IsUpper(rune(suffix[0])) {
		return name, ModifierType, suffix
	}
	m := Modifier(suffix)
	if knownModifiers[m] {
		return name, m, ""
	}
	return name, Modifier(suffix), ""
}

// KnownModifier reports whether the evaluator implements the modifier.
func KnownModifier(m Modifier) bool {
	return m == ModifierNone || m == ModifierType || knownModifiers[m]
}

// ============================================================================
// Token values
// ============================================================================

// TokenValue is a parsed token search value. The four wire forms are
// code, system|code, |code and system|; HasSystem records whether the bar
// was present so "|code" (no system) can be told from plain "code".
type TokenValue struct {
	System    string
	Code      string
	HasSystem bool
}

// ParseTokenValue splits a token search value on the first bar.
func ParseTokenValue(raw string) TokenValue {
	idx := strings.Index(raw, "|")
	if idx < 0 {
		return TokenValue{Code: raw}
	}
	return TokenValue{System: raw[:idx], Code: raw[idx+1:], HasSystem: true}
}

// Matches applies the token matching rules to a stored (system, code) pair.
func (t TokenValue) Matches(system, code string) bool {
	if !t.HasSystem {
		return strings.EqualFold(t.Code, code)
	}
	if t.Code == "" {
		// system| matches any code in the system.
		return strings.EqualFold(t.System, system)
	}
	if t.System == "" {
		// |code matches a code with no system.
		return system == "" && strings.EqualFold(t.Code, code)
	}
	return strings.EqualFold(t.System, system) && strings.EqualFold(t.Code, code)
}

// ============================================================================
// Quantity values
// ============================================================================

// QuantityValue is a parsed quantity search value: number|system|code.
// Unit matching is exact against either the coded unit or the display unit.
type QuantityValue struct {
	Prefix Prefix
	Value  float64
	Low    float64
	High   float64
	System string
	Code   string
}

// ParseQuantityValue parses forms like "185", "gt5.4", "185|http://unitsofmeasure.org|[lb_av]"
// and "185||lbs".
func ParseQuantityValue(raw string) (QuantityValue, error) {
	var q QuantityValue
	parts := strings.SplitN(raw, "|", 3)
	n, err := ParseNumberValue(parts[0])
	if err != nil {
		return q, fmt.Errorf("invalid quantity value %q", parts[0])
	}
	q.Prefix, q.Value, q.Low, q.High = n.Prefix, n.Value, n.Low, n.High
	if len(parts) > 1 {
		q.System = parts[1]
	}
	if len(parts) > 2 {
		q.Code = parts[2]
	}
	return q, nil
}

// Matches applies the comparator to a stored quantity's numeric value.
func (q QuantityValue) Matches(stored float64) bool {
	n := NumberValue{Prefix: q.Prefix, Value: q.Value, Low: q.Low, High: q.High}
	return n.Matches(stored)
}

// MatchesUnit checks the unit portion against a stored quantity's system,
// code and unit display. An empty search unit matches everything.
func (q QuantityValue) MatchesUnit(system, code, unit string) bool {
	if q.System == "" && q.Code == "" {
		return true
	}
	if q.System != "" && !strings.EqualFold(q.System, system) {
		return false
	}
	if q.Code != "" {
		return strings.EqualFold(q.Code, code) || strings.EqualFold(q.Code, unit)
	}
	return true
}

// ============================================================================
// Date ranges
// ============================================================================

// DateRange is the half-open interval [Start, End) a partial-precision date
// expands to: "1982" covers the year, "1982-05" the month, and so on.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange expands a date search value (without prefix) to its range.
func ParseDateRange(raw string) (DateRange, error) {
	raw = strings.TrimSpace(raw)
	type layout struct {
		format string
		incr   func(time.Time) time.Time
	}
	layouts := []layout{
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Millisecond) }},
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04Z07:00", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.format, raw); err == nil {
			return DateRange{Start: t, End: l.incr(t)}, nil
		}
	}
	return DateRange{}, fmt.Errorf("invalid date value %q", raw)
}

// Compare applies a prefix to a stored range against the search range.
// Interval semantics: eq requires the stored range to fall inside the
// search range; gt/lt compare the edges; ap widens the search range by 10%
// of its span and tests overlap.
func (p Prefix) CompareDateRanges(stored, search DateRange) bool {
	switch p {
	case PrefixEq:
		return !stored.Start.Before(search.Start) && !stored.End.After(search.End)
	case PrefixNe:
		return stored.Start.Before(search.Start) || stored.End.After(search.End)
	case PrefixGt:
		return stored.End.After(search.End)
	case PrefixLt:
		return stored.Start.Before(search.Start)
	case PrefixGe:
		return stored.End.After(search.Start)
	case PrefixLe:
		return stored.Start.Before(search.End)
	case PrefixSa:
		return !stored.Start.Before(search.End)
	case PrefixEb:
		return !stored.End.After(search.Start)
	case PrefixAp:
		slack := search.End.Sub(search.Start) / 10
		lo := search.Start.Add(-slack)
		hi := search.End.Add(slack)
		return stored.Start.Before(hi) && stored.End.After(lo)
	}
	return false
}

// ============================================================================
// Number values
// ============================================================================

// NumberValue is a parsed number search value with its implicit precision
// range: 100 covers [99.5, 100.5), 100.00 covers [99.995, 100.005).
type NumberValue struct {
	Prefix Prefix
	Value  float64
	Low    float64
	High   float64
}

// ParseNumberValue parses a prefixed decimal and derives the significance
// range from the written precision.
func ParseNumberValue(raw string) (NumberValue, error) {
	prefix, num := SplitPrefix(raw)
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return NumberValue{}, fmt.Errorf("invalid number %q", raw)
	}
	half := 0.5
	if dot := strings.Index(num, "."); dot >= 0 {
		decimals := len(num) - dot - 1
		for i := 0; i < decimals; i++ {
			half /= 10
		}
	}
	return NumberValue{Prefix: prefix, Value: v, Low: v - half, High: v + half}, nil
}

// Matches applies the comparator to a stored number.
func (n NumberValue) Matches(stored float64) bool {
	switch n.Prefix {
	case PrefixEq:
		return stored >= n.Low && stored < n.High
	case PrefixNe:
		return stored < n.Low || stored >= n.High
	case PrefixGt:
		return stored > n.Value
	case PrefixLt:
		return stored < n.Value
	case PrefixGe:
		return stored >= n.Value
	case PrefixLe:
		return stored <= n.Value
	case PrefixSa:
		return stored > n.Value
	case PrefixEb:
		return stored < n.Value
	case PrefixAp:
		slack := n.Value * 0.1
		if slack < 0 {
			slack = -slack
		}
		return stored >= n.Value-slack && stored <= n.Value+slack
	}
	return false
}

// ============================================================================
// String folding
// ============================================================================

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldString lowercases and strips diacritics so the default string search
// is case- and accent-insensitive: "Müller" folds to "muller".
func FoldString(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(folded)
}
