package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message is the raw JSON representation of a single websocket frame.
type Message []byte

// Kind classifies an inbound frame.
type Kind int

const (
	// KindUnknown is a frame that carries neither a call id nor a push
	// marker. It is routed to push handlers as an untyped push.
	KindUnknown Kind = iota
	// KindRequest is a correlated request (only ever sent by this side).
	KindRequest
	// KindResponse is a correlated response to an earlier request.
	KindResponse
	// KindPush is an unsolicited notification carrying push data.
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// AnyMessage is a generic frame (request, response, or push).
type AnyMessage struct {
	Action   string          `json:"action,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
	CallID   *CallID         `json:"call_id,omitempty"`
	PushData json.RawMessage `json:"push_data,omitempty"`
}

// Request is a correlated call issued to the editor.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
	CallID *CallID         `json:"call_id"`
}

// Response is the editor's answer to a Request.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
	CallID *CallID         `json:"call_id"`
}

// Push is an unsolicited notification. Data holds the raw push_data object;
// it is empty for frames that were classified as KindUnknown.
type Push struct {
	Data json.RawMessage
	Raw  Message
}

// HistoryPush is the decoded shape of push_data that reports new history
// state ids. Keys are document ids rendered as decimal strings.
type HistoryPush struct {
	HistoryStateID map[string]int64 `json:"history_state_id,omitempty"`
}

// NewRequest builds a request frame with the given call id.
func NewRequest(id *CallID, action string, params any) (*Request, error) {
	req := &Request{Action: action, CallID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// NewResultResponse builds a successful response frame.
func NewResultResponse(id *CallID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		Result: resultBytes,
		CallID: id,
	}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id *CallID, message string) *Response {
	return &Response{
		Error:  &message,
		CallID: id,
	}
}

// UnmarshalJSON validates frame structure. A frame cannot carry both a
// result and an error, and a request must carry a call id.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		Action   string          `json:"action,omitempty"`
		Params   json.RawMessage `json:"params,omitempty"`
		Result   json.RawMessage `json:"result,omitempty"`
		Error    *string         `json:"error,omitempty"`
		CallID   *CallID         `json:"call_id,omitempty"`
		PushData json.RawMessage `json:"push_data,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	hasAction := raw.Action != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasAction {
		if hasResult || hasError {
			return fmt.Errorf("request frame cannot have result or error fields")
		}
		if raw.CallID.IsNil() {
			return fmt.Errorf("request frame must have a call_id")
		}
	} else if hasResult && hasError {
		return fmt.Errorf("response frame cannot have both result and error fields")
	}

	m.Action = raw.Action
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = raw.Error
	m.CallID = raw.CallID
	m.PushData = raw.PushData

	return nil
}

// Kind reports how the frame should be dispatched.
func (m *AnyMessage) Kind() Kind {
	switch {
	case m.Action != "":
		return KindRequest
	case !m.CallID.IsNil() && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	case len(m.PushData) > 0:
		return KindPush
	case !m.CallID.IsNil():
		// The editor drops the result key when its handler returns nothing.
		return KindResponse
	default:
		return KindUnknown
	}
}

// AsResponse returns the message as a Response if it is one, otherwise nil.
func (m *AnyMessage) AsResponse() *Response {
	if m.Kind() != KindResponse {
		return nil
	}

	return &Response{
		Result: m.Result,
		Error:  m.Error,
		CallID: m.CallID,
	}
}

// AsRequest returns the message as a Request if it is one, otherwise nil.
func (m *AnyMessage) AsRequest() *Request {
	if m.Kind() != KindRequest {
		return nil
	}

	return &Request{
		Action: m.Action,
		Params: m.Params,
		CallID: m.CallID,
	}
}

// DecodeHistoryPush extracts per-document history ids from push data. Keys
// that are not decimal document ids are skipped.
func DecodeHistoryPush(data json.RawMessage) (map[int64]int64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var hp HistoryPush
	if err := json.Unmarshal(data, &hp); err != nil {
		return nil, fmt.Errorf("decode push data: %w", err)
	}
	out := make(map[int64]int64, len(hp.HistoryStateID))
	for k, v := range hp.HistoryStateID {
		docID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[docID] = v
	}
	return out, nil
}
