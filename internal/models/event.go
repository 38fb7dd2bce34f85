package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TrackingEvent is an arbitrary JSON object posted by the tracking pixel.
// Fields the service does not know about are carried through untouched.
type TrackingEvent map[string]any

// Name returns the trimmed event_name.
func (e TrackingEvent) Name() string {
	return strings.TrimSpace(e.String("event_name"))
}

// String returns the field as a string, or "" when absent or not a string.
func (e TrackingEvent) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Has reports whether key carries a value. null and "" count as absent.
func (e TrackingEvent) Has(key string) bool {
	switch v := e[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}

// SetIfAbsent writes value when key is absent and value is non-empty.
func (e TrackingEvent) SetIfAbsent(key, value string) {
	if value == "" || e.Has(key) {
		return
	}
	e[key] = value
}

// Float reads a numeric field, accepting JSON numbers and numeric strings.
func (e TrackingEvent) Float(key string) (float64, bool) {
	return toFloat(e[key])
}

// Object returns a nested object field. An object sent as a JSON string
// is decoded, numbers kept as json.Number.
func (e TrackingEvent) Object(key string) (TrackingEvent, bool) {
	switch v := e[key].(type) {
	case map[string]any:
		return TrackingEvent(v), true
	case string:
		var m map[string]any
		dec := json.NewDecoder(strings.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil || m == nil {
			return nil, false
		}
		return TrackingEvent(m), true
	}
	return nil, false
}

// FirstItem returns items[0] when items is a non-empty array of objects.
func (e TrackingEvent) FirstItem() (TrackingEvent, bool) {
	items, ok := e["items"].([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	m, ok := items[0].(map[string]any)
	return TrackingEvent(m), ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
