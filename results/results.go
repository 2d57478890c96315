// Package results defines the process-wide store for rendered raster
// results. Every stored result is identified by a Handle and can be
// retrieved exactly once.
package results

import (
	"context"
	"errors"
	"strconv"
)

// Handle identifies one stored result. Handles are strictly increasing and
// never reused; zero is never issued.
type Handle uint64

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// ParseHandle parses a handle as rendered by Handle.String.
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, ErrInvalidHandle
	}
	return Handle(v), nil
}

// Raster is an encoded image.
type Raster struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Cache stores results until they are consumed. Implementations MUST be
// safe for concurrent use. There is no eviction other than Consume.
type Cache interface {
	// Store saves r and returns a fresh handle for it.
	Store(ctx context.Context, r Raster) (Handle, error)
	// Consume removes and returns the result for h. It fails with
	// ErrNotFound if h was never issued or was already consumed.
	Consume(ctx context.Context, h Handle) (Raster, error)
	// Close releases backend resources.
	Close() error
}

var (
	// ErrNotFound is returned for unknown or already consumed handles.
	ErrNotFound = errors.New("results: not found")
	// ErrInvalidHandle is returned when a handle cannot be parsed.
	ErrInvalidHandle = errors.New("results: invalid handle")
)
