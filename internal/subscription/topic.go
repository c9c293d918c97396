// Package subscription compiles topics, evaluates mutation triggers,
// and generates notification events for active subscriptions.
package subscription

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/search"
	"github.com/ehr/fhirserver/internal/store"
)

// Cross-version extension prefix used when an R4 tenant encodes a topic
// as a Basic resource.
const basicTopicExtPrefix = "http://hl7.org/fhir/5.0/StructureDefinition/extension-SubscriptionTopic."

// Topic is one compiled subscription topic.
type Topic struct {
	ID     string
	URL    string
	Title  string
	Status string

	// Triggers maps a resource kind to its three disjoint trigger sets.
	Triggers map[string]*KindTriggers

	// CanFilterBy maps a kind to the filter parameters subscriptions on
	// this topic may use. The "*" key applies to every kind.
	CanFilterBy map[string][]string

	// Shapes maps a kind to the notification context expansion.
	Shapes map[string]*NotificationShape
}

// KindTriggers holds the trigger sets for one kind, evaluated in order:
// interaction, then path, then query. The first passing set matches.
type KindTriggers struct {
	Interaction []InteractionTrigger
	Path        []PathTrigger
	Query       []QueryTrigger
}

// InteractionTrigger fires on the bare interaction.
type InteractionTrigger struct {
	OnCreate bool
	OnUpdate bool
	OnDelete bool
}

// active reports whether the trigger covers the mutation op.
func (t InteractionTrigger) active(op store.Interaction) bool {
	switch op {
	case store.InteractionCreate:
		return t.OnCreate
	case store.InteractionUpdate:
		return t.OnUpdate
	case store.InteractionDelete:
		return t.OnDelete
	}
	return false
}

// PathTrigger fires when the expression, bound with %previous and
// %current, yields true.
type PathTrigger struct {
	On   InteractionTrigger
	Expr *fhir.Expression
}

// QueryTrigger fires per the previous/current test combination.
type QueryTrigger struct {
	On InteractionTrigger

	PreviousRaw string
	CurrentRaw  string
	Previous    *search.Query
	Current     *search.Query

	RequireBoth    bool
	CreateAutoPass bool
	CreateAutoFail bool
	DeleteAutoPass bool
	DeleteAutoFail bool
}

// NotificationShape names the context resources bundled with an event.
type NotificationShape struct {
	Includes    []search.IncludeSpec
	RevIncludes []search.IncludeSpec
}

// CompileTopic parses an R4B/R5 SubscriptionTopic, or an R4 Basic
// resource typed as one, into its executable form.
func (e *Engine) CompileTopic(res map[string]interface{}) (*Topic, error) {
	switch fhir.ResourceType(res) {
	case "SubscriptionTopic":
	case "Basic":
		if !BasicIsTopic(res) {
			return nil, fmt.Errorf("Basic resource is not typed as a SubscriptionTopic")
		}
		res = decodeBasicTopic(res)
	default:
		return nil, fmt.Errorf("cannot compile %q as a topic", fhir.ResourceType(res))
	}

	topic := &Topic{
		ID:          fhir.ResourceID(res),
		URL:         fhir.GetString(res, "url"),
		Title:       fhir.GetString(res, "title"),
		Status:      fhir.GetString(res, "status"),
		Triggers:    make(map[string]*KindTriggers),
		CanFilterBy: make(map[string][]string),
		Shapes:      make(map[string]*NotificationShape),
	}
	if topic.URL == "" {
		return nil, fmt.Errorf("topic has no url")
	}

	for _, elem := range fhir.GetSlice(res, "resourceTrigger") {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if err := e.compileTrigger(topic, entry); err != nil {
			return nil, err
		}
	}
	if len(topic.Triggers) == 0 {
		return nil, fmt.Errorf("topic %s declares no resource triggers", topic.URL)
	}

	for _, elem := range fhir.GetSlice(res, "canFilterBy") {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		kind := triggerKind(fhir.GetString(entry, "resource"))
		if kind == "" {
			kind = "*"
		}
		if param := fhir.GetString(entry, "filterParameter"); param != "" {
			topic.CanFilterBy[kind] = append(topic.CanFilterBy[kind], param)
		}
	}

	for _, elem := range fhir.GetSlice(res, "notificationShape") {
		entry, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		kind := triggerKind(fhir.GetString(entry, "resource"))
		if kind == "" {
			continue
		}
		shape := &NotificationShape{}
		for _, inc := range fhir.GetSlice(entry, "include") {
			if s, ok := inc.(string); ok {
				shape.Includes = append(shape.Includes, parseShapeSpec(kind, s))
			}
		}
		for _, rev := range fhir.GetSlice(entry, "revInclude") {
			if s, ok := rev.(string); ok {
				shape.RevIncludes = append(shape.RevIncludes, parseShapeSpec(kind, s))
			}
		}
		topic.Shapes[kind] = shape
	}

	return topic, nil
}

func (e *Engine) compileTrigger(topic *Topic, entry map[string]interface{}) error {
	kind := triggerKind(fhir.GetString(entry, "resource"))
	if kind == "" {
		return fmt.Errorf("topic %s: resource trigger without a resource", topic.URL)
	}

	on := InteractionTrigger{OnCreate: true, OnUpdate: true, OnDelete: true}
	if raw := fhir.GetSlice(entry, "supportedInteraction"); len(raw) > 0 {
		on = InteractionTrigger{}
		for _, item := range raw {
			switch item {
			case "create":
				on.OnCreate = true
			case "update":
				on.OnUpdate = true
			case "delete":
				on.OnDelete = true
			}
		}
	}

	kt := topic.Triggers[kind]
	if kt == nil {
		kt = &KindTriggers{}
		topic.Triggers[kind] = kt
	}

	hasPredicate := false
	if expr := fhir.GetString(entry, "fhirPathCriteria"); expr != "" {
		compiled, err := e.fhirpath.Compile(expr)
		if err != nil {
			return fmt.Errorf("topic %s: %w", topic.URL, err)
		}
		kt.Path = append(kt.Path, PathTrigger{On: on, Expr: compiled})
		hasPredicate = true
	}
	if qc := fhir.GetMap(entry, "queryCriteria"); qc != nil {
		qt, err := e.compileQueryTrigger(topic.URL, kind, on, qc)
		if err != nil {
			return err
		}
		kt.Query = append(kt.Query, qt)
		hasPredicate = true
	}
	if !hasPredicate {
		kt.Interaction = append(kt.Interaction, on)
	}
	return nil
}

func (e *Engine) compileQueryTrigger(topicURL, kind string, on InteractionTrigger, qc map[string]interface{}) (QueryTrigger, error) {
	qt := QueryTrigger{
		On:          on,
		PreviousRaw: fhir.GetString(qc, "previous"),
		CurrentRaw:  fhir.GetString(qc, "current"),
		RequireBoth: fhir.GetBool(qc, "requireBoth"),
	}
	switch fhir.GetString(qc, "resultForCreate") {
	case "test-passes":
		qt.CreateAutoPass = true
	case "test-fails":
		qt.CreateAutoFail = true
	}
	switch fhir.GetString(qc, "resultForDelete") {
	case "test-passes":
		qt.DeleteAutoPass = true
	case "test-fails":
		qt.DeleteAutoFail = true
	}

	var err error
	if qt.Previous, err = e.compileCriteria(kind, qt.PreviousRaw); err != nil {
		return qt, fmt.Errorf("topic %s: previous criteria: %w", topicURL, err)
	}
	if qt.Current, err = e.compileCriteria(kind, qt.CurrentRaw); err != nil {
		return qt, fmt.Errorf("topic %s: current criteria: %w", topicURL, err)
	}
	return qt, nil
}

// compileCriteria parses a query-string criteria like "status=completed"
// against the kind's search parameters.
func (e *Engine) compileCriteria(kind, criteria string) (*search.Query, error) {
	criteria = strings.TrimPrefix(strings.TrimSpace(criteria), "?")
	if criteria == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(criteria)
	if err != nil {
		return nil, err
	}
	q := search.ParseQuery(kind, values, e.eval.Registry)
	for _, f := range q.Filters {
		if f.Ignored {
			return nil, fmt.Errorf("unresolvable filter %q for %s", f.Raw, kind)
		}
	}
	return q, nil
}

// BasicIsTopic reports whether a Basic resource is typed as a
// SubscriptionTopic via its code.coding.
func BasicIsTopic(res map[string]interface{}) bool {
	for _, coding := range fhir.ExtractCodings(res["code"]) {
		if coding.Code == "SubscriptionTopic" {
			return true
		}
	}
	return false
}

// decodeBasicTopic lifts the cross-version extension encoding into the
// native SubscriptionTopic element names so one compiler serves both.
func decodeBasicTopic(res map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType": "SubscriptionTopic",
		"id":           fhir.ResourceID(res),
	}
	for _, elem := range fhir.GetSlice(res, "extension") {
		ext, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		name := strings.TrimPrefix(fhir.GetString(ext, "url"), basicTopicExtPrefix)
		switch name {
		case "url", "title", "status":
			if v, ok := extValue(ext).(string); ok {
				out[name] = v
			}
		case "resourceTrigger":
			trigger := decodeTriggerExtension(ext)
			list, _ := out["resourceTrigger"].([]interface{})
			out["resourceTrigger"] = append(list, trigger)
		case "canFilterBy":
			entry := decodeNestedStrings(ext)
			list, _ := out["canFilterBy"].([]interface{})
			out["canFilterBy"] = append(list, entry)
		case "notificationShape":
			entry := decodeShapeExtension(ext)
			list, _ := out["notificationShape"].([]interface{})
			out["notificationShape"] = append(list, entry)
		}
	}
	return out
}

func decodeTriggerExtension(ext map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	var query map[string]interface{}
	for _, elem := range fhir.GetSlice(ext, "extension") {
		sub, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		switch fhir.GetString(sub, "url") {
		case "resource":
			out["resource"] = extValue(sub)
		case "fhirPathCriteria":
			out["fhirPathCriteria"] = extValue(sub)
		case "supportedInteraction":
			list, _ := out["supportedInteraction"].([]interface{})
			out["supportedInteraction"] = append(list, extValue(sub))
		case "queryCriteria":
			query = make(map[string]interface{})
			for _, qElem := range fhir.GetSlice(sub, "extension") {
				qSub, ok := qElem.(map[string]interface{})
				if !ok {
					continue
				}
				query[fhir.GetString(qSub, "url")] = extValue(qSub)
			}
		}
	}
	if query != nil {
		out["queryCriteria"] = query
	}
	return out
}

func decodeNestedStrings(ext map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, elem := range fhir.GetSlice(ext, "extension") {
		sub, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		out[fhir.GetString(sub, "url")] = extValue(sub)
	}
	return out
}

func decodeShapeExtension(ext map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, elem := range fhir.GetSlice(ext, "extension") {
		sub, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		name := fhir.GetString(sub, "url")
		switch name {
		case "resource":
			out["resource"] = extValue(sub)
		case "include", "revInclude":
			list, _ := out[name].([]interface{})
			out[name] = append(list, extValue(sub))
		}
	}
	return out
}

// extValue returns the value[x] of an extension entry.
func extValue(ext map[string]interface{}) interface{} {
	keys := []string{
		"valueUri", "valueUrl", "valueCode", "valueString", "valueCanonical",
		"valueMarkdown", "valueBoolean", "valueUnsignedInt", "valuePositiveInt",
		"valueInteger", "valueDecimal",
	}
	for _, key := range keys {
		if v, ok := ext[key]; ok {
			return v
		}
	}
	return nil
}

// triggerKind reduces a resource designation, possibly a canonical
// StructureDefinition URL, to a bare kind name.
func triggerKind(resource string) string {
	if idx := strings.LastIndex(resource, "/"); idx >= 0 {
		return resource[idx+1:]
	}
	return resource
}

// parseShapeSpec turns "Kind:param" (or a bare param) into an include
// spec rooted at the shape's kind.
func parseShapeSpec(kind, raw string) search.IncludeSpec {
	spec := search.IncludeSpec{Kind: kind, Raw: raw}
	parts := strings.SplitN(raw, ":", 3)
	switch len(parts) {
	case 1:
		spec.Param = parts[0]
	default:
		spec.Kind = parts[0]
		spec.Param = parts[1]
		if len(parts) == 3 {
			spec.Target = parts[2]
		}
	}
	return spec
}
