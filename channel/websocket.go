package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig tunes the gorilla/websocket adapter.
type WebsocketConfig struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PongTimeout is how long the connection may stay silent before reads
	// fail. Every pong or data frame extends it.
	PongTimeout time.Duration
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration
	// MaxMessageSize limits inbound frame size in bytes.
	MaxMessageSize int64
}

// DefaultWebsocketConfig returns the defaults used for zero-valued fields.
func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 8 << 20,
	}
}

func (c *WebsocketConfig) applyDefaults() {
	def := DefaultWebsocketConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
}

// WebsocketConn adapts a *websocket.Conn to Conn. Text frames carry JSON;
// binary frames are a protocol violation.
type WebsocketConn struct {
	ws  *websocket.Conn
	cfg WebsocketConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
}

var _ Conn = (*WebsocketConn)(nil)

// NewWebsocketConn takes ownership of ws and starts its keepalive pinger,
// which stops when the connection is closed.
func NewWebsocketConn(ws *websocket.Conn, cfg WebsocketConfig) *WebsocketConn {
	cfg.applyDefaults()
	c := &WebsocketConn{ws: ws, cfg: cfg, stop: make(chan struct{})}

	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	go c.pingLoop()
	return c
}

func (c *WebsocketConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				_ = c.Close()
				return
			}
		}
	}
}

// ReadMessage returns the next text frame.
func (c *WebsocketConn) ReadMessage(ctx context.Context) ([]byte, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrProtocol, messageType)
	}
	return data, nil
}

// WriteMessage writes one text frame. The deadline is the earlier of ctx's
// deadline and the configured write timeout.
func (c *WebsocketConn) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the socket. It is
// idempotent.
func (c *WebsocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		// WriteControl may run concurrently with WriteMessage.
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}
