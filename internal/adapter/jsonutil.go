package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Object is a generic JSON object used as the typed boundary the
// translation functions in this package operate on.
type Object map[string]any

// ParseObject parses bytes into an Object, rejecting non-object JSON.
func ParseObject(b []byte, what string) (Object, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("parse %s json: %w", what, err)
	}
	root, _ := v.(map[string]any)
	if root == nil {
		return nil, fmt.Errorf("%s json is not an object", what)
	}
	return Object(root), nil
}

// Marshal marshals the object to JSON bytes.
func (o Object) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(o))
}

// coerceString converts a value to a string when it already is one.
func coerceString(v any) string {
	s, _ := v.(string)
	return s
}

// coerceInt converts common numeric-like JSON values to int.
func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return i
		}
	}
	return 0
}

// getIntByPath reads an integer via a restricted JSONPath subset
// ("$.a.b"), returning 0 if any segment is missing or not numeric.
func getIntByPath(root map[string]any, path string) int {
	p := strings.TrimSpace(path)
	if !strings.HasPrefix(p, "$.") {
		return 0
	}
	parts := strings.Split(strings.TrimPrefix(p, "$."), ".")
	var cur any = root
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0
		}
		next, ok := m[strings.TrimSpace(part)]
		if !ok {
			return 0
		}
		cur = next
	}
	return coerceInt(cur)
}
