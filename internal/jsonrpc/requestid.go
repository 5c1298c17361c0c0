package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID is a JSON-RPC correlation id: a string or a number. The zero
// value (and a nil pointer) mean "absent", which marks a notification.
type RequestID struct {
	value any
}

// NewStringID builds a string-typed request id.
func NewStringID(s string) *RequestID { return &RequestID{value: s} }

// NewIntID builds a number-typed request id.
func NewIntID(n int64) *RequestID { return &RequestID{value: n} }

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// String renders the id for logging and map keys. Absent ids render empty.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value returns the underlying string, int64, or float64.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		// Preserve integral ids as int64 so they round-trip without a
		// trailing ".0".
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}
	return fmt.Errorf("jsonrpc id must be a string or number, got %s", string(data))
}
