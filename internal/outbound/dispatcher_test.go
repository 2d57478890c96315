package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/layersync/internal/wire"
)

type chanTransport struct {
	sent chan *wire.Request
	err  error
}

func newChanTransport() *chanTransport {
	return &chanTransport{sent: make(chan *wire.Request, 16)}
}

func (t *chanTransport) SendRequest(ctx context.Context, req *wire.Request) error {
	if t.err != nil {
		return t.err
	}
	t.sent <- req
	return nil
}

func nextRequest(t *testing.T, tr *chanTransport) *wire.Request {
	t.Helper()
	select {
	case req := <-tr.sent:
		return req
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for outbound request")
		return nil
	}
}

func TestDispatcher_RequestResponse_OutOfOrder(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	ctx := context.Background()

	type result struct {
		resp *wire.Response
		err  error
	}
	res1 := make(chan result, 1)
	res2 := make(chan result, 1)

	go func() {
		resp, err := d.Call(ctx, "m1", map[string]any{"a": 1}, time.Second)
		res1 <- result{resp, err}
	}()
	req1 := nextRequest(t, tr)

	go func() {
		resp, err := d.Call(ctx, "m2", map[string]any{"b": 2}, time.Second)
		res2 <- result{resp, err}
	}()
	req2 := nextRequest(t, tr)

	if req1.CallID.String() == req2.CallID.String() {
		t.Fatalf("call ids must be unique, both %q", req1.CallID.String())
	}

	resp2, _ := wire.NewResultResponse(req2.CallID, map[string]any{"ok": 2})
	if !d.OnResponse(resp2) {
		t.Fatalf("response 2 not routed")
	}
	resp1, _ := wire.NewResultResponse(req1.CallID, map[string]any{"ok": 1})
	if !d.OnResponse(resp1) {
		t.Fatalf("response 1 not routed")
	}

	got2 := <-res2
	got1 := <-res1
	if got1.err != nil || got2.err != nil {
		t.Fatalf("unexpected errors: %v %v", got1.err, got2.err)
	}
	if string(got1.resp.Result) != `{"ok":1}` || string(got2.resp.Result) != `{"ok":2}` {
		t.Fatalf("responses misrouted: %s %s", got1.resp.Result, got2.resp.Result)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)

	_, err := d.Call(context.Background(), "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("timed out call left %d pending entries", d.Pending())
	}

	// A late response for the timed-out call is dropped.
	req := nextRequest(t, tr)
	late, _ := wire.NewResultResponse(req.CallID, map[string]any{})
	if d.OnResponse(late) {
		t.Fatalf("late response should not be routed")
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	closedErr := errors.New("conn gone")

	done := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "m", nil, 0)
		done <- err
	}()
	nextRequest(t, tr)

	d.Close(closedErr)

	select {
	case err := <-done:
		if !errors.Is(err, closedErr) {
			t.Fatalf("err = %v, want %v", err, closedErr)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending call not released by Close")
	}

	if _, err := d.Call(context.Background(), "after", nil, 0); !errors.Is(err, closedErr) {
		t.Fatalf("call after close err = %v", err)
	}
	// Idempotent.
	d.Close(nil)
}

func TestDispatcher_ContextCancel(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, "m", nil, time.Minute)
		done <- err
	}()
	nextRequest(t, tr)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDispatcher_SendFailure(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("write failed")
	d := New(&chanTransport{err: sendErr})
	if _, err := d.Call(context.Background(), "m", nil, time.Second); !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want %v", err, sendErr)
	}
	if d.Pending() != 0 {
		t.Fatalf("failed send left pending entry")
	}
}
