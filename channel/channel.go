// Package channel implements the call channel: correlated request/response
// calls and unsolicited push notifications multiplexed over a single duplex
// connection to the editor.
//
// A Channel is driven by Run, which reads every inbound frame, routes
// responses to their waiting Call by call id, and hands everything else to
// the registered push handlers. Calls may be issued concurrently from any
// goroutine; their completion order is not guaranteed to match issuance.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/layersync/internal/outbound"
	"github.com/ggoodman/layersync/internal/wire"
)

// Conn is a message-oriented duplex connection. ReadMessage is only called
// from the Run goroutine; WriteMessage may be called concurrently and must
// serialize writes itself. ReadMessage returns io.EOF on an orderly close.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// PushHandler receives frames that are not correlated responses. Handlers run
// on the message loop and must not block for long.
type PushHandler func(ctx context.Context, p wire.Push)

// Config configures a Channel.
type Config struct {
	// DefaultCallTimeout applies to calls issued with a zero timeout.
	DefaultCallTimeout time.Duration
	// Logger receives loop diagnostics. Nil discards.
	Logger *slog.Logger
}

// DefaultConfig returns the defaults used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		DefaultCallTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = def.DefaultCallTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Channel multiplexes calls and pushes over one Conn.
type Channel struct {
	conn Conn
	d    *outbound.Dispatcher
	cfg  Config
	log  *slog.Logger

	handlersMu sync.RWMutex
	handlers   []PushHandler

	running   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

var _ outbound.Transport = (*Channel)(nil)

// New wraps conn. The channel does not read until Run is called.
func New(conn Conn, cfg Config) *Channel {
	cfg.applyDefaults()
	c := &Channel{
		conn:   conn,
		cfg:    cfg,
		log:    cfg.Logger,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.d = outbound.New(c)
	return c
}

// SendRequest implements outbound.Transport.
func (c *Channel) SendRequest(ctx context.Context, req *wire.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.WriteMessage(ctx, b); err != nil {
		select {
		case <-c.closed:
			return ErrChannelClosed
		default:
		}
		return fmt.Errorf("send %s: %w", req.Action, err)
	}
	return nil
}

// Call sends a correlated request and blocks until the matching response
// arrives. It fails with ErrTimeout when timeout elapses (zero means the
// configured default), ErrChannelClosed when the connection goes away, and
// *RemoteError when the peer reports a failure.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultCallTimeout
	}
	start := time.Now()
	resp, err := c.d.Call(ctx, method, params, timeout)
	if err != nil {
		switch {
		case errors.Is(err, outbound.ErrTimeout):
			c.log.WarnContext(ctx, "channel.call.timeout", slog.String("method", method), slog.Duration("timeout", timeout))
			return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
		case errors.Is(err, ErrChannelClosed), errors.Is(err, outbound.ErrDispatcherClosed):
			return nil, fmt.Errorf("%s: %w", method, ErrChannelClosed)
		}
		return nil, err
	}
	c.log.DebugContext(ctx, "channel.call.ok", slog.String("method", method), slog.Duration("elapsed", time.Since(start)))
	if resp.Error != nil {
		return nil, &RemoteError{Method: method, Message: *resp.Error}
	}
	return resp.Result, nil
}

// CallInto is Call followed by decoding the result into out.
func (c *Channel) CallInto(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	raw, err := c.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// OnPush registers a handler for non-response frames.
func (c *Channel) OnPush(h PushHandler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Run processes inbound frames until the connection closes, ctx ends, Close
// is called, or the peer violates the protocol. On return every pending Call
// has failed with ErrChannelClosed. Run may be called at most once.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("channel: Run called more than once")
	}
	defer c.finish()

	select {
	case <-c.closed:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read below only unblocks when the connection is closed.
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		}
		_ = c.conn.Close()
	}()

	err := c.loop(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "channel.loop.exit", slog.String("err", err.Error()))
	} else {
		c.log.DebugContext(ctx, "channel.loop.exit")
	}
	return err
}

func (c *Channel) loop(ctx context.Context) error {
	for {
		data, err := c.conn.ReadMessage(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrProtocol) {
				return err
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := wire.Decode(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}

		switch msg.Kind() {
		case wire.KindResponse:
			resp := msg.AsResponse()
			if !c.d.OnResponse(resp) {
				c.log.DebugContext(ctx, "channel.response.unmatched", slog.String("call_id", resp.CallID.String()))
			}
		case wire.KindPush:
			c.dispatchPush(ctx, wire.Push{Data: msg.PushData, Raw: data})
		case wire.KindRequest:
			// The editor never issues calls of its own; answer so it does not wait.
			req := msg.AsRequest()
			reply := wire.NewErrorResponse(req.CallID, "unsupported action: "+req.Action)
			if b, err := json.Marshal(reply); err == nil {
				_ = c.conn.WriteMessage(ctx, b)
			}
		default:
			c.dispatchPush(ctx, wire.Push{Raw: data})
		}
	}
}

func (c *Channel) dispatchPush(ctx context.Context, p wire.Push) {
	c.handlersMu.RLock()
	handlers := make([]PushHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ctx, p)
	}
}

// Close terminates the connection and unblocks Run. It is idempotent.
func (c *Channel) Close() error {
	err := c.markClosed()
	if !c.running.Load() {
		c.finish()
	}
	return err
}

// Done is closed once the channel has fully shut down: Run has returned, or
// Close was called on a channel that was never run.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of in-flight calls.
func (c *Channel) Pending() int {
	return c.d.Pending()
}

func (c *Channel) markClosed() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) finish() {
	c.doneOnce.Do(func() {
		_ = c.markClosed()
		c.d.Close(ErrChannelClosed)
		close(c.done)
	})
}
