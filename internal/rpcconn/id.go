package rpcconn

import (
	"encoding/json"
	"fmt"
)

// ID identifies a JSON-RPC request. Client-generated ids are always
// non-negative integers; ids on server-initiated requests are echoed back
// verbatim and may be either numbers or strings, so ID carries both
// representations.
type ID struct {
	num      int64
	str      string
	isString bool
}

// NumberID constructs an integer request id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID constructs a string request id.
func StringID(s string) ID { return ID{str: s, isString: true} }

// String renders the id for logging and map keys.
func (id ID) String() string {
	if id.isString {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

// MarshalJSON encodes the id per JSON-RPC's number-or-string rule.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON decodes either a JSON number or a JSON string into ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("rpcconn: invalid request id %s: %w", data, err)
	}
	*id = ID{str: s, isString: true}
	return nil
}
