package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// localDateTime is how the backend writes times without a zone offset.
const localDateTime = "2006-01-02T15:04:05.999999999"

// Timestamp is a server time. Values without a zone offset are read as UTC.
// A value that parses as neither RFC 3339 nor a zone-less date-time is kept
// verbatim in Raw and written back unchanged.
type Timestamp struct {
	time.Time
	Raw string
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	switch {
	case ts.Raw != "":
		return json.Marshal(ts.Raw)
	case ts.Time.IsZero():
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*ts = ParseTimestamp(s)
	return nil
}

// ParseTimestamp reads s as RFC 3339, then as a zone-less date-time.
func ParseTimestamp(s string) Timestamp {
	if s == "" {
		return Timestamp{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}
	}
	if t, err := time.ParseInLocation(localDateTime, s, time.UTC); err == nil {
		return Timestamp{Time: t}
	}
	return Timestamp{Raw: s}
}
