package outbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/layersync/internal/wire"
)

// Transport abstracts how request frames reach the peer. Implementations must
// be safe for concurrent use; the dispatcher registers the waiter before
// calling SendRequest so a fast response cannot be missed.
type Transport interface {
	SendRequest(ctx context.Context, req *wire.Request) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrTimeout indicates no correlated response arrived before the call's
	// deadline.
	ErrTimeout = errors.New("call timed out")
)

type pendingCall struct {
	respCh chan *wire.Response
	errCh  chan error
}

// Dispatcher coordinates engine-initiated requests with correlation, per-call
// timeouts, and response routing. It is transport-agnostic. Responses may
// arrive in any order; each is routed by call id.
type Dispatcher struct {
	t Transport

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a request and waits for its response, the timeout, context
// cancellation, or Close. A non-positive timeout waits without a deadline.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (*wire.Response, error) {
	if d.closed.Load() {
		return nil, d.closedErr()
	}

	id := wire.NewCallID(atomic.AddUint64(&d.nextID, 1))
	key := id.String()

	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *wire.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	if err := d.t.SendRequest(ctx, req); err != nil {
		d.forget(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-timer:
		d.forget(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		d.forget(key)
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. It reports
// whether a waiter was found; unmatched (late or unknown) responses are
// dropped.
func (d *Dispatcher) OnResponse(resp *wire.Response) bool {
	if resp == nil || resp.CallID.IsNil() {
		return false
	}
	key := resp.CallID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with the provided error and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) closedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
