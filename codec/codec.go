// Package codec converts between raw JSON payloads and Go values.
//
// It owns the two conversions the protocol leaves to the endpoints:
//
//   - binding a call's params (positional array or single object) onto a
//     handler's parameter list, and
//   - decoding a reply's result into the type the caller expects, including
//     the truthy coercion applied when that type is a boolean.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrArity is returned when the number of supplied arguments does not
	// match the handler's parameter list.
	ErrArity = errors.New("codec: argument count mismatch")
	// ErrShape is returned when params are neither an array nor an object.
	ErrShape = errors.New("codec: params must be an array or an object")
	// ErrArgument is returned when an argument cannot be decoded into its parameter type.
	ErrArgument = errors.New("codec: invalid argument")
)

var null = []byte("null")

// EncodeArgs encodes call arguments as a positional params array.
// No arguments encode as [] rather than null.
func EncodeArgs(args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("codec: encode args: %w", err)
	}
	return data, nil
}

// EncodeResult encodes a handler's return value. A nil value encodes as null,
// and json.RawMessage values pass through untouched.
func EncodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return null, nil
	case json.RawMessage:
		if len(r) == 0 {
			return null, nil
		}
		return r, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode result: %w", err)
	}
	return data, nil
}

// BindArgs decodes params into one value per entry of types.
//
// An array binds positionally and must have exactly len(types) elements. A
// handler with a single parameter also accepts an object (decoded whole into
// that parameter), and an array whose elements do not decode positionally is
// tried whole as well, so a []T parameter can take the array itself. Absent or
// null params bind only to an empty parameter list.
func BindArgs(params json.RawMessage, types []reflect.Type) ([]reflect.Value, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, null) {
		if len(types) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: want %d, got none", ErrArity, len(types))
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArgument, err)
		}
		if len(items) == len(types) {
			values, err := bindPositional(items, types)
			if err == nil || len(types) != 1 {
				return values, err
			}
		}
		if len(types) == 1 {
			return bindWhole(trimmed, types[0])
		}
		return nil, fmt.Errorf("%w: want %d, got %d", ErrArity, len(types), len(items))
	case '{':
		if len(types) != 1 {
			return nil, fmt.Errorf("%w: object params need exactly one parameter, handler takes %d", ErrArity, len(types))
		}
		return bindWhole(trimmed, types[0])
	default:
		return nil, ErrShape
	}
}

func bindPositional(items []json.RawMessage, types []reflect.Type) ([]reflect.Value, error) {
	values := make([]reflect.Value, len(types))
	for i, t := range types {
		v := reflect.New(t)
		if err := json.Unmarshal(items[i], v.Interface()); err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrArgument, i, err)
		}
		values[i] = v.Elem()
	}
	return values, nil
}

func bindWhole(raw json.RawMessage, t reflect.Type) ([]reflect.Value, error) {
	v := reflect.New(t)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgument, err)
	}
	return []reflect.Value{v.Elem()}, nil
}
