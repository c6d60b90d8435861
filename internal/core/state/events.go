package state

import (
	"fmt"
	"strconv"
	"strings"
)

// Event-log record types.
const (
	RecordEat   = "EAT"
	RecordWC    = "WC"
	RecordDrink = "DRINK"
)

// LatestEvent returns the record with the highest numeric id among those
// accepted by match. A nil match accepts every record. Records whose id
// does not parse are ignored.
func LatestEvent(records []map[string]any, match func(map[string]any) bool) (map[string]any, bool) {
	var (
		best   map[string]any
		bestID int64
		found  bool
	)
	for _, r := range records {
		if match != nil && !match(r) {
			continue
		}
		id, ok := recordID(r["id"])
		if !ok {
			continue
		}
		if !found || id > bestID {
			best, bestID, found = r, id, true
		}
	}
	return best, found
}

// OfType matches records whose "type" equals t.
func OfType(t string) func(map[string]any) bool {
	return func(r map[string]any) bool {
		return fmt.Sprint(r["type"]) == t
	}
}

// NotOfType matches records whose "type" differs from t.
func NotOfType(t string) func(map[string]any) bool {
	return func(r map[string]any) bool {
		return fmt.Sprint(r["type"]) != t
	}
}

// Summary joins the named fields of a record with ", ", skipping missing ones.
func Summary(r map[string]any, fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ", ")
}

func recordID(v any) (int64, bool) {
	switch n := v.(type) {
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}
