package channel

import (
	"errors"
	"fmt"

	"github.com/ggoodman/layersync/internal/outbound"
)

var (
	// ErrChannelClosed is returned by Call when the underlying connection
	// closes before a response arrives, and by every Call issued after close.
	ErrChannelClosed = errors.New("channel closed")
	// ErrTimeout is returned by Call when the per-call deadline elapses. It
	// does not close the channel.
	ErrTimeout = outbound.ErrTimeout
	// ErrProtocol indicates the peer sent a frame that cannot be processed.
	// It terminates the message loop.
	ErrProtocol = errors.New("protocol error")
)

// RemoteError is returned by Call when the peer answered with an error
// string instead of a result.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Method, e.Message)
}
