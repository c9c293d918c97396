package subscription

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Notification types carried in status resources.
const (
	NotificationHandshake = "handshake"
	NotificationHeartbeat = "heartbeat"
	NotificationEvent     = "event-notification"
	NotificationStatus    = "query-status"
	NotificationQueryEv   = "query-event"
)

// StatusResource builds the subscription status snapshot: a Parameters
// resource on R4 tenants, a SubscriptionStatus resource otherwise.
func (e *Engine) StatusResource(view View, notifType string, events []EventRecord) map[string]interface{} {
	if e.version == "R4" {
		return e.statusParameters(view, notifType, events)
	}
	return e.statusNative(view, notifType, events)
}

func (e *Engine) statusNative(view View, notifType string, events []EventRecord) map[string]interface{} {
	out := map[string]interface{}{
		"resourceType":                 "SubscriptionStatus",
		"id":                           uuid.NewString(),
		"status":                       view.Status,
		"type":                         notifType,
		"eventsSinceSubscriptionStart": strconv.FormatInt(view.EventCount, 10),
		"subscription": map[string]interface{}{
			"reference": "Subscription/" + view.ID,
		},
		"topic": view.TopicURL,
	}
	var list []interface{}
	for _, rec := range events {
		entry := map[string]interface{}{
			"eventNumber": strconv.FormatInt(rec.Number, 10),
			"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339),
		}
		if view.Channel.Content != ContentEmpty && rec.Focus != nil {
			entry["focus"] = map[string]interface{}{
				"reference": rec.Focus.Kind + "/" + rec.Focus.ID,
			}
			var ctx []interface{}
			for _, in := range rec.Additional {
				ctx = append(ctx, map[string]interface{}{
					"reference": in.Kind + "/" + in.ID,
				})
			}
			if len(ctx) > 0 {
				entry["additionalContext"] = ctx
			}
		}
		list = append(list, entry)
	}
	if len(list) > 0 {
		out["notificationEvent"] = list
	}
	return out
}

func (e *Engine) statusParameters(view View, notifType string, events []EventRecord) map[string]interface{} {
	params := []interface{}{
		map[string]interface{}{
			"name": "subscription",
			"valueReference": map[string]interface{}{
				"reference": "Subscription/" + view.ID,
			},
		},
		map[string]interface{}{"name": "topic", "valueCanonical": view.TopicURL},
		map[string]interface{}{"name": "status", "valueCode": view.Status},
		map[string]interface{}{"name": "type", "valueCode": notifType},
		map[string]interface{}{
			"name":        "events-since-subscription-start",
			"valueString": strconv.FormatInt(view.EventCount, 10),
		},
	}
	for _, rec := range events {
		part := []interface{}{
			map[string]interface{}{"name": "event-number", "valueString": strconv.FormatInt(rec.Number, 10)},
			map[string]interface{}{"name": "timestamp", "valueInstant": rec.Timestamp.UTC().Format(time.RFC3339)},
		}
		if view.Channel.Content != ContentEmpty && rec.Focus != nil {
			part = append(part, map[string]interface{}{
				"name": "focus",
				"valueReference": map[string]interface{}{
					"reference": rec.Focus.Kind + "/" + rec.Focus.ID,
				},
			})
			for _, in := range rec.Additional {
				part = append(part, map[string]interface{}{
					"name": "additional-context",
					"valueReference": map[string]interface{}{
						"reference": in.Kind + "/" + in.ID,
					},
				})
			}
		}
		params = append(params, map[string]interface{}{
			"name": "notification-event",
			"part": part,
		})
	}
	return map[string]interface{}{
		"resourceType": "Parameters",
		"id":           uuid.NewString(),
		"parameter":    params,
	}
}

// NotificationBundle assembles the history bundle delivered for a
// notification: the status resource first, then the focus and context
// entries shaped by the subscription's content level.
func (e *Engine) NotificationBundle(view View, notifType string, events []EventRecord, base string) map[string]interface{} {
	entries := []interface{}{
		map[string]interface{}{
			"fullUrl":  "urn:uuid:" + uuid.NewString(),
			"resource": e.StatusResource(view, notifType, events),
		},
	}
	if view.Channel.Content != ContentEmpty {
		for _, rec := range events {
			entries = append(entries, e.eventEntries(view, rec, base)...)
		}
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}

func (e *Engine) eventEntries(view View, rec EventRecord, base string) []interface{} {
	var out []interface{}
	add := func(kind, id string, resource map[string]interface{}) {
		entry := map[string]interface{}{
			"fullUrl": base + "/" + kind + "/" + id,
		}
		if view.Channel.Content == ContentFullResource && resource != nil {
			entry["resource"] = resource
		}
		out = append(out, entry)
	}
	if rec.Focus != nil {
		add(rec.Focus.Kind, rec.Focus.ID, rec.Focus.Resource)
	}
	for _, in := range rec.Additional {
		add(in.Kind, in.ID, in.Resource)
	}
	return out
}
