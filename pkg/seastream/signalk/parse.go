package signalk

import "strings"

// ParseResult holds the three independent outputs of delta parsing. Values
// never contains a notification path; those are routed to Notifications
// exclusively.
type ParseResult struct {
	Values        map[string]any
	Sources       map[string]string
	Notifications []Notification
}

// ParseDelta normalizes one decoded delta message. It is a pure function:
// no I/O, no clock, no shared state.
//
// The input is the result of decoding arbitrary JSON (maps, slices,
// scalars). Structural anomalies are tolerated: elements of the wrong shape
// are skipped and the rest of the message is still processed. If the delta
// carries a context that matches none of the accepted contexts, the result
// is empty.
func ParseDelta(msg any, accepted []string) ParseResult {
	result := ParseResult{
		Values:  make(map[string]any),
		Sources: make(map[string]string),
	}

	doc, ok := msg.(map[string]any)
	if !ok {
		return result
	}

	incoming, _ := doc["context"].(string)
	if !ContextAccepted(accepted, incoming) {
		return result
	}

	updates, ok := doc["updates"].([]any)
	if !ok {
		return result
	}

	for _, rawUpdate := range updates {
		update, ok := rawUpdate.(map[string]any)
		if !ok {
			continue
		}

		updateSource, _ := update["$source"].(string)
		updateTimestamp, _ := update["timestamp"].(string)

		values, ok := update["values"].([]any)
		if !ok {
			continue
		}

		for _, rawEntry := range values {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}

			path, ok := entry["path"].(string)
			if !ok || path == "" {
				continue
			}

			// A value field must be present, but null is a legitimate value.
			value, hasValue := entry["value"]
			if !hasValue {
				continue
			}

			// Entry-level $source wins over the enclosing update's.
			source := updateSource
			if s, ok := entry["$source"].(string); ok && s != "" {
				source = s
			}

			timestamp := updateTimestamp
			if ts, ok := entry["timestamp"].(string); ok && ts != "" {
				timestamp = ts
			}

			if isNotificationPath(path) {
				result.Notifications = append(result.Notifications,
					newNotification(path, value, source, timestamp))
				continue
			}

			result.Values[path] = value
			if source != "" {
				result.Sources[path] = source
			}
		}
	}

	return result
}

func isNotificationPath(path string) bool {
	return strings.HasPrefix(path, NotificationPrefix)
}

// newNotification lifts state/message/method out of object-shaped
// notification values so listeners get flat fields.
func newNotification(path string, value any, source, timestamp string) Notification {
	n := Notification{
		Path:      path,
		Value:     value,
		Source:    source,
		Timestamp: timestamp,
	}

	body, ok := value.(map[string]any)
	if !ok {
		return n
	}

	n.State, _ = body["state"].(string)
	n.Message, _ = body["message"].(string)

	if rawMethod, ok := body["method"].([]any); ok {
		for _, m := range rawMethod {
			if s, ok := m.(string); ok {
				n.Method = append(n.Method, s)
			}
		}
	}

	return n
}
