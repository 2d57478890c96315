// Package channeltest provides in-memory connections and a scriptable fake
// editor for exercising the call channel and everything built on it.
package channeltest

import (
	"context"
	"io"
	"sync"

	"github.com/ggoodman/layersync/channel"
)

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

func (p *pipeState) close() {
	p.once.Do(func() { close(p.closed) })
}

// Conn is one end of an in-memory duplex pipe. Closing either end closes
// both, like a socket.
type Conn struct {
	in  chan []byte
	out chan []byte
	st  *pipeState
}

var _ channel.Conn = (*Conn)(nil)

// Pipe returns two connected ends.
func Pipe() (*Conn, *Conn) {
	st := &pipeState{closed: make(chan struct{})}
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	return &Conn{in: b2a, out: a2b, st: st}, &Conn{in: a2b, out: b2a, st: st}
}

// ReadMessage returns the next frame or io.EOF once the pipe is closed.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-c.st.closed:
		return nil, io.EOF
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.st.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage queues one frame for the other end.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.st.closed:
		return io.ErrClosedPipe
	default:
	}
	b := append([]byte(nil), data...)
	select {
	case c.out <- b:
		return nil
	case <-c.st.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends. It is idempotent.
func (c *Conn) Close() error {
	c.st.close()
	return nil
}

// Closed reports whether the pipe has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.st.closed:
		return true
	default:
		return false
	}
}
