package codec

import (
	"encoding/json"
	"fmt"
)

// Truthy coerces a raw result to a boolean the way the remote side does:
// null, 0, false and "" are false; any other value, including every object and
// array, is true. Callers expecting a boolean must go through this rather than
// json.Unmarshal, since peers commonly answer yes/no questions with 1, "x" or an
// object.
func Truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// DecodeResult decodes a raw result into T. When T is bool or *bool the value
// is coerced with Truthy instead of strictly decoded, and a null result yields
// a pointer to false rather than a nil *bool.
func DecodeResult[T any](raw json.RawMessage) (T, error) {
	var out T
	switch p := any(&out).(type) {
	case *bool:
		*p = Truthy(raw)
		return out, nil
	case **bool:
		b := Truthy(raw)
		*p = &b
		return out, nil
	}

	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("codec: decode result into %T: %w", out, err)
	}
	return out, nil
}
