package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates an inbound frame could not be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Decode parses a raw frame and classifies it.
func Decode(data []byte) (*AnyMessage, error) {
	var msg AnyMessage
	if err := msg.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &msg, nil
}
