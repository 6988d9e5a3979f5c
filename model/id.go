package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

var ErrInvalidID = errors.New("invalid identifier")

// ID identifies users, documents and conferences. The backend emits user and
// document ids as JSON numbers and conference ids as strings, so ID accepts
// both. On encode, an ID in canonical int64 form is written as a number and
// anything else as a string. The empty ID encodes as null.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Join(ErrInvalidID, err)
		}
		*id = ID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Join(ErrInvalidID, err)
		}
		*id = ID(n.String())
		return nil
	}
}

// numeric reports whether id is the canonical decimal form of an int64, so
// "007" and "+1" stay strings.
func (id ID) numeric() bool {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(id)
}
