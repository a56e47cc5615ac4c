// Package maputils provides typed accessors for map[string]any values, as
// produced by unmarshalling free-form JSON documents.
package maputils

import (
	"fmt"
	"math"
)

// StrVal returns the value of the key as string.
// If the key does not exist an empty string is returned.
// If the key exists but has a different type an error is returned.
func StrVal(m map[string]any, key string) (string, error) {
	val, ok := m[key]
	if !ok {
		return "", nil
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value of key %q has type %T, expected string", key, val)
	}

	return str, nil
}

// IntVal returns the value of the key as int64.
// JSON numbers decode to float64, values with a fractional part are
// rejected.
// If the key does not exist, 0 and false are returned.
func IntVal(m map[string]any, key string) (int64, bool, error) {
	val, ok := m[key]
	if !ok {
		return 0, false, nil
	}

	f, ok := val.(float64)
	if !ok {
		return 0, false, fmt.Errorf("value of key %q has type %T, expected integer", key, val)
	}

	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("value of key %q is %v, expected integer", key, f)
	}

	return int64(f), true, nil
}

// MapVal returns the value of the key as map[string]any.
// If the key does not exist an empty map is returned.
// If the key exists but has a different type an error is returned.
func MapVal(m map[string]any, key string) (map[string]any, error) {
	val, ok := m[key]
	if !ok {
		return map[string]any{}, nil
	}

	iMap, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value of key %q has type %T, expected object", key, val)
	}

	return iMap, nil
}

// StrSliceVal returns the value of the key as []string.
// JSON arrays decode to []any, each element must be a string.
// If the key does not exist nil is returned.
func StrSliceVal(m map[string]any, key string) ([]string, error) {
	val, ok := m[key]
	if !ok {
		return nil, nil
	}

	slice, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("value of key %q has type %T, expected array", key, val)
	}

	result := make([]string, 0, len(slice))
	for i, elem := range slice {
		str, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("element %d of key %q has type %T, expected string", i, key, elem)
		}

		result = append(result, str)
	}

	return result, nil
}

// ToStrMap converts the map to map[string]string.
// If a value in m is not a string an error is returned.
func ToStrMap(m map[string]any) (map[string]string, error) {
	result := make(map[string]string, len(m))

	for k, v := range m {
		strVal, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value of key %q has type %T, expected string", k, v)
		}

		result[k] = strVal
	}

	return result, nil
}
