package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CallID is the correlation token carried by requests and responses. The
// engine only ever issues integer ids, but the editor echoes whatever it
// received so string ids are tolerated on the way back in.
type CallID struct {
	value interface{}
}

// NewCallID creates a CallID from a string or integer.
func NewCallID(value interface{}) *CallID {
	switch v := value.(type) {
	case string, int, int32, int64, uint, uint32, uint64:
		return &CallID{value: v}
	default:
		return &CallID{value: nil}
	}
}

// String returns the canonical key used to route responses.
func (id *CallID) String() string {
	if id == nil || id.value == nil {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", v)
	default:
		panic("unreachable: CallID contains unsupported type")
	}
}

// IsNil returns true if the id is absent.
func (id *CallID) IsNil() bool {
	if id == nil {
		return true
	}
	return id.value == nil
}

// MarshalJSON implements json.Marshaler.
func (id *CallID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *CallID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		n, err := num.Int64()
		if err != nil {
			return fmt.Errorf("call_id must be an integer, got: %s", string(data))
		}
		id.value = n
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("call_id must be a string or integer, got: %s", string(data))
}
