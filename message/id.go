package message

import (
	"encoding/json"
	"strconv"
)

// ID is a correlation id kept in its original JSON form, so a reply echoes
// exactly what the request carried (string or number).
type ID []byte

// StringID encodes s as a JSON string id.
func StringID(s string) ID {
	return ID(strconv.Quote(s))
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool {
	return len(id) == 0 || string(id) == "null"
}

// Key returns the id as a plain string: string ids are unquoted, numeric ids
// keep their literal text. It is the key of the pending call table.
func (id ID) Key() string {
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err == nil {
			return s
		}
	}
	return string(id)
}

func (id ID) String() string {
	return id.Key()
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return id, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	*id = append((*id)[:0], b...)
	return nil
}
