package channeltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/internal/wire"
)

// Handler answers one editor action. A returned error is sent back as the
// response's error string.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Editor plays the editor side of a connection: it answers correlated
// requests using registered handlers and can emit push frames.
type Editor struct {
	conn channel.Conn

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	wg       sync.WaitGroup
}

// NewEditor wraps the editor end of a connection, usually a Pipe end.
func NewEditor(conn channel.Conn) *Editor {
	return &Editor{
		conn:     conn,
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
}

// Handle registers (or replaces) the handler for action.
func (e *Editor) Handle(action string, h Handler) {
	e.mu.Lock()
	e.handlers[action] = h
	e.mu.Unlock()
}

// Calls returns how many requests for action have been received.
func (e *Editor) Calls(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[action]
}

// TotalCalls returns the number of requests received for any action.
func (e *Editor) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

// Push sends an unsolicited push frame carrying data as push_data.
func (e *Editor) Push(ctx context.Context, data any) error {
	b, err := json.Marshal(map[string]any{"push_data": data})
	if err != nil {
		return err
	}
	return e.conn.WriteMessage(ctx, b)
}

// PushHistory sends a history_state_id push for the given documents.
func (e *Editor) PushHistory(ctx context.Context, ids map[int64]int64) error {
	m := make(map[string]int64, len(ids))
	for doc, id := range ids {
		m[fmt.Sprintf("%d", doc)] = id
	}
	return e.Push(ctx, map[string]any{"history_state_id": m})
}

// Send writes a raw frame.
func (e *Editor) Send(ctx context.Context, frame []byte) error {
	return e.conn.WriteMessage(ctx, frame)
}

// Serve answers requests until the connection closes or ctx ends. Each
// request is handled on its own goroutine, so responses may be written out
// of order.
func (e *Editor) Serve(ctx context.Context) error {
	defer e.wg.Wait()
	for {
		data, err := e.conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("editor: bad frame: %w", err)
		}

		e.mu.Lock()
		h := e.handlers[req.Action]
		e.calls[req.Action]++
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reply(ctx, &req, h)
		}()
	}
}

func (e *Editor) reply(ctx context.Context, req *wire.Request, h Handler) {
	var resp *wire.Response
	if h == nil {
		resp = wire.NewErrorResponse(req.CallID, "unknown action: "+req.Action)
	} else if result, err := h(ctx, req.Params); err != nil {
		resp = wire.NewErrorResponse(req.CallID, err.Error())
	} else if result == NoReply {
		return
	} else {
		if result == nil {
			result = struct{}{}
		}
		resp, err = wire.NewResultResponse(req.CallID, result)
		if err != nil {
			resp = wire.NewErrorResponse(req.CallID, err.Error())
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = e.conn.WriteMessage(ctx, b)
}

// NoReply can be returned by a Handler to leave the request unanswered.
var NoReply = &struct{ noReply bool }{true}

// Close closes the connection from the editor side.
func (e *Editor) Close() error {
	return e.conn.Close()
}
