package sessions

import (
	"context"
	"sync"
)

// tracker holds the per-document change tracking state of a Session.
type tracker struct {
	mu sync.Mutex
	// tracked is the history id last reflected in a fetch or write.
	tracked map[DocumentID]HistoryStateID
	// reported is the fingerprint last handed to the graph host.
	reported map[DocumentID]HistoryStateID
	// ownEdit is the history id observed right after the session's own call.
	ownEdit map[DocumentID]HistoryStateID
	// pushed is the highest history id the editor has pushed.
	pushed  map[DocumentID]HistoryStateID
	fetched map[fetchKey]FetchResult
}

func newTracker() *tracker {
	t := &tracker{}
	t.reset()
	return t
}

func (t *tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = make(map[DocumentID]HistoryStateID)
	t.reported = make(map[DocumentID]HistoryStateID)
	t.ownEdit = make(map[DocumentID]HistoryStateID)
	t.pushed = make(map[DocumentID]HistoryStateID)
	t.fetched = make(map[fetchKey]FetchResult)
}

func (t *tracker) trackedID(doc DocumentID) (HistoryStateID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tracked[doc]
	return v, ok
}

func (t *tracker) reportedID(doc DocumentID) (HistoryStateID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.reported[doc]
	return v, ok
}

func (t *tracker) setReported(doc DocumentID, id HistoryStateID) {
	t.mu.Lock()
	t.reported[doc] = id
	t.mu.Unlock()
}

func (t *tracker) ownEditID(doc DocumentID) HistoryStateID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ownEdit[doc]
}

func (t *tracker) pushedID(doc DocumentID) (HistoryStateID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.pushed[doc]
	return v, ok
}

// mergePush records id for doc unless a higher value is already known.
func (t *tracker) mergePush(doc DocumentID, id HistoryStateID) {
	t.mu.Lock()
	t.mergePushLocked(doc, id)
	t.mu.Unlock()
}

func (t *tracker) mergePushLocked(doc DocumentID, id HistoryStateID) {
	if cur, ok := t.pushed[doc]; !ok || id > cur {
		t.pushed[doc] = id
	}
}

// observe records id as the state the session's last call left doc in.
func (t *tracker) observe(doc DocumentID, id HistoryStateID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[doc] = id
	t.ownEdit[doc] = id
	t.mergePushLocked(doc, id)
}

func (t *tracker) cached(key fetchKey) (FetchResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.fetched[key]
	return r, ok
}

func (t *tracker) storeFetched(key fetchKey, r FetchResult) {
	t.mu.Lock()
	t.fetched[key] = r
	t.mu.Unlock()
}

func (t *tracker) dropFetched(doc DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.fetched {
		if k.doc == doc {
			delete(t.fetched, k)
		}
	}
}

// keyedMutex serializes work per document. Waiting honours ctx.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[DocumentID]chan struct{}
}

func (k *keyedMutex) lock(ctx context.Context, doc DocumentID) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[DocumentID]chan struct{})
	}
	ch, ok := k.locks[doc]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[doc] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
