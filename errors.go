package layersync

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolVersionMismatch is returned when an editor connects without
	// a supported protocol version. The connection is never promoted to a
	// session.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	// ErrVersionMissing is returned when no version was provided.
	ErrVersionMissing = fmt.Errorf("%w: version is not provided", ErrProtocolVersionMismatch)
	// ErrVersionUnsupported is returned for any version other than
	// ProtocolVersion.
	ErrVersionUnsupported = fmt.Errorf("%w: version not supported", ErrProtocolVersionMismatch)
)
