package transport

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Response is a decoded JSON object. Numbers are kept as json.Number.
// An empty Response is what callers see after a network failure, so every
// accessor tolerates missing or mistyped keys.
type Response map[string]any

// ReturnCode returns returnCode, or 0 when absent or not numeric.
func (r Response) ReturnCode() int {
	n, ok := Int(r["returnCode"])
	if !ok {
		return 0
	}
	return int(n)
}

// HasReturnCode reports whether the server sent a returnCode at all.
func (r Response) HasReturnCode() bool {
	_, ok := Int(r["returnCode"])
	return ok
}

// Succeeded reports success == true and returnCode == 0.
func (r Response) Succeeded() bool {
	ok, _ := r["success"].(bool)
	return ok && r.HasReturnCode() && r.ReturnCode() == 0
}

// Message returns the server msg field.
func (r Response) Message() string {
	s, _ := r["msg"].(string)
	return s
}

// Data returns the data object or nil.
func (r Response) Data() map[string]any {
	m, _ := r["data"].(map[string]any)
	return m
}

// Lookup walks nested objects by key. It returns false as soon as a key is
// missing or an intermediate value is not an object.
func (r Response) Lookup(keys ...string) (any, bool) {
	var cur any = map[string]any(r)
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Truthy interprets the API's mixed flag encodings: bool, 0/1 numbers and
// strings such as "1", "0", "true" or "false". Anything else is false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		s := strings.TrimSpace(t)
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f != 0
	}
	n, ok := Int(v)
	return ok && n != 0
}

// Int converts a JSON scalar (json.Number, float64, int, numeric string) to int64.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Map asserts v is a JSON object.
func Map(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Maps converts a JSON array of objects. Any non-object element fails the whole conversion.
func Maps(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}
