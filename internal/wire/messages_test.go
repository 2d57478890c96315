package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_Classification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{"response result", `{"call_id":3,"result":{"ok":true}}`, KindResponse},
		{"response error", `{"call_id":"3","error":"boom"}`, KindResponse},
		{"push", `{"push_data":{"history_state_id":{"5":12}}}`, KindPush},
		{"request", `{"action":"get_layers","params":{},"call_id":1}`, KindRequest},
		{"no token", `{"hello":"world"}`, KindUnknown},
		{"call id without payload", `{"call_id":9}`, KindResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := msg.Kind(); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		`not json`,
		`{"call_id":1,"result":{},"error":"x"}`,
		`{"action":"get_layers"}`,
		`{"action":"get_layers","call_id":1,"result":{}}`,
	}
	for _, in := range bad {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformedFrame", in, err)
		}
	}
}

func TestCallID_RoundTripKey(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(NewCallID(uint64(42)), "get_image", map[string]any{"layer_id": 1})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echoed struct {
		CallID *CallID `json:"call_id"`
	}
	if err := json.Unmarshal(b, &echoed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if echoed.CallID.String() != req.CallID.String() {
		t.Fatalf("key mismatch: %q vs %q", echoed.CallID.String(), req.CallID.String())
	}

	var quoted CallID
	if err := json.Unmarshal([]byte(`"42"`), &quoted); err != nil {
		t.Fatalf("unmarshal quoted: %v", err)
	}
	if quoted.String() != "42" {
		t.Fatalf("quoted key = %q", quoted.String())
	}
}

func TestDecodeHistoryPush(t *testing.T) {
	t.Parallel()

	got, err := DecodeHistoryPush(json.RawMessage(`{"history_state_id":{"5":12,"7":3,"bogus":9}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[5] != 12 || got[7] != 3 {
		t.Fatalf("unexpected push map: %v", got)
	}
}
