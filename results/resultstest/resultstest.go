// Package resultstest holds a conformance suite for results.Cache
// implementations.
package resultstest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ggoodman/layersync/results"
)

// CacheFactory creates a fresh, empty Cache for one test.
type CacheFactory func(t *testing.T) results.Cache

// RunCacheTests runs the complete Cache test suite against the provided factory.
func RunCacheTests(t *testing.T, factory CacheFactory) {
	t.Run("StoreThenConsume", func(t *testing.T) { testStoreThenConsume(t, factory) })
	t.Run("ConsumeExactlyOnce", func(t *testing.T) { testConsumeExactlyOnce(t, factory) })
	t.Run("UnknownHandle", func(t *testing.T) { testUnknownHandle(t, factory) })
	t.Run("HandlesStrictlyIncrease", func(t *testing.T) { testHandlesStrictlyIncrease(t, factory) })
	t.Run("ConcurrentStoreAndConsume", func(t *testing.T) { testConcurrent(t, factory) })
}

func testStoreThenConsume(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	in := results.Raster{ContentType: "image/png", Data: []byte{1, 2, 3}, Width: 2, Height: 1}
	h, err := c.Store(ctx, in)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if h == 0 {
		t.Fatalf("zero handle issued")
	}
	out, err := c.Consume(ctx, h)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.ContentType != in.ContentType || string(out.Data) != string(in.Data) || out.Width != 2 || out.Height != 1 {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func testConsumeExactlyOnce(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	h, err := c.Store(ctx, results.Raster{Data: []byte("x")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := c.Consume(ctx, h); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := c.Consume(ctx, h); !errors.Is(err, results.ErrNotFound) {
		t.Fatalf("second consume err = %v, want ErrNotFound", err)
	}
}

func testUnknownHandle(t *testing.T, factory CacheFactory) {
	c := factory(t)
	if _, err := c.Consume(context.Background(), results.Handle(1<<62)); !errors.Is(err, results.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testHandlesStrictlyIncrease(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	var prev results.Handle
	for i := 0; i < 10; i++ {
		h, err := c.Store(ctx, results.Raster{})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if h <= prev {
			t.Fatalf("handle %d not greater than %d", h, prev)
		}
		prev = h
	}
}

func testConcurrent(t *testing.T, factory CacheFactory) {
	c := factory(t)
	ctx := context.Background()

	const n = 50
	handles := make(chan results.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Store(ctx, results.Raster{Data: []byte("y")})
			if err != nil {
				t.Errorf("store: %v", err)
				return
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	seen := map[results.Handle]bool{}
	for h := range handles {
		if seen[h] {
			t.Fatalf("handle %d issued twice", h)
		}
		seen[h] = true
	}

	// Two consumers race for every handle; exactly one must win.
	var mu sync.Mutex
	wins := map[results.Handle]int{}
	for h := range seen {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(h results.Handle) {
				defer wg.Done()
				if _, err := c.Consume(ctx, h); err == nil {
					mu.Lock()
					wins[h]++
					mu.Unlock()
				} else if !errors.Is(err, results.ErrNotFound) {
					t.Errorf("consume: %v", err)
				}
			}(h)
		}
	}
	wg.Wait()
	for h := range seen {
		if wins[h] != 1 {
			t.Fatalf("handle %d consumed %d times", h, wins[h])
		}
	}
}
