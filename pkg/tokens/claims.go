package tokens

import (
	"encoding/json"
	"math"
	"sort"
)

// Claims is an insertion-ordered claim set. The zero value is empty and ready
// to use. Claims is not safe for concurrent mutation.
type Claims struct {
	keys   []string
	values map[string]any
}

// NewClaims copies m into a new Claims. Keys are inserted in sorted order so
// that claims built from a decoded payload iterate deterministically.
func NewClaims(m map[string]any) *Claims {
	c := &Claims{values: make(map[string]any, len(m))}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Set(k, m[k])
	}
	return c
}

// Get returns the value stored under key.
func (c *Claims) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (c *Claims) GetString(key string) (string, bool) {
	v, ok := c.values[key].(string)
	return v, ok
}

// Set stores value under key, keeping the original position of an existing key.
func (c *Claims) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Remove deletes key and reports whether it was present.
func (c *Claims) Remove(key string) bool {
	if _, ok := c.values[key]; !ok {
		return false
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether key is present.
func (c *Claims) Contains(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Len returns the number of claims.
func (c *Claims) Len() int {
	return len(c.keys)
}

// Keys returns the claim names in insertion order.
func (c *Claims) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Map returns a shallow copy of the claims as a plain map.
func (c *Claims) Map() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy preserving key order. Nested objects and
// arrays are copied too.
func (c *Claims) Clone() *Claims {
	clone := &Claims{values: make(map[string]any, len(c.values))}
	for _, k := range c.keys {
		clone.Set(k, cloneValue(c.values[k]))
	}
	return clone
}

// cloneValue deep-copies the composite shapes a decoded or hand-built claim can
// take. Scalars are returned as is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	default:
		return v
	}
}

// MarshalJSON writes the claims as a JSON object in insertion order.
func (c *Claims) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range c.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// normalizeNumber turns decoded JSON numbers into int64 when integral and
// float64 otherwise. Other values are returned unchanged.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case map[string]any:
		for k, inner := range n {
			n[k] = normalizeNumber(inner)
		}
		return n
	case []any:
		for i, inner := range n {
			n[i] = normalizeNumber(inner)
		}
		return n
	default:
		return v
	}
}

// numericValue converts a claim value into an int64 number of seconds.
func numericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
