package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Layer is a layer in a fake document.
type Layer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Document is a fake editor document.
type Document struct {
	ID      int64
	Name    string
	History int64
	Layers  []Layer
	Opacity float64
}

// Workspace is a fake editor state that answers get_layers, get_image,
// send_images and get_active_history_state_id the way the real editor
// extension does. Rendering and writing both advance history, mirroring the
// editor recording history states for its own operations.
type Workspace struct {
	// AutoPush makes every history change emit a history_state_id push, as
	// the editor's history listener does.
	AutoPush bool

	editor  *Editor
	mu      sync.Mutex
	docs    map[int64]*Document
	active  int64
	uploads int
	sent    [][]uint64
}

// NewWorkspace returns a workspace holding docs; the first one is active.
func NewWorkspace(docs ...Document) *Workspace {
	w := &Workspace{docs: make(map[int64]*Document)}
	for i := range docs {
		d := docs[i]
		if d.Opacity == 0 {
			d.Opacity = 100
		}
		w.docs[d.ID] = &d
		if i == 0 {
			w.active = d.ID
		}
	}
	return w
}

// Install registers the workspace's handlers on e.
func (w *Workspace) Install(e *Editor) {
	w.mu.Lock()
	w.editor = e
	w.mu.Unlock()
	e.Handle("get_layers", w.getLayers)
	e.Handle("get_image", w.getImage)
	e.Handle("send_images", w.sendImages)
	e.Handle("get_active_history_state_id", w.getHistory)
}

// Edit simulates a user edit to doc and returns the new history id.
func (w *Workspace) Edit(doc int64) int64 {
	w.mu.Lock()
	d := w.docs[doc]
	d.History++
	id := d.History
	w.mu.Unlock()
	w.notify(context.Background(), doc, id)
	return id
}

func (w *Workspace) notify(ctx context.Context, doc, id int64) {
	w.mu.Lock()
	e, auto := w.editor, w.AutoPush
	w.mu.Unlock()
	if !auto || e == nil {
		return
	}
	_ = e.PushHistory(ctx, map[int64]int64{doc: id})
}

// History returns doc's current history id.
func (w *Workspace) History(doc int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.docs[doc].History
}

// Sent returns the handle batches received through send_images.
func (w *Workspace) Sent() [][]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]uint64, len(w.sent))
	copy(out, w.sent)
	return out
}

func (w *Workspace) resolve(id int64) (*Document, error) {
	if id == 0 {
		id = w.active
	}
	d, ok := w.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %d not found", id)
	}
	return d, nil
}

func (w *Workspace) getLayers(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		DocumentIDs []int64 `json:"document_ids"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	want := map[int64]bool{}
	for _, id := range p.DocumentIDs {
		want[id] = true
	}
	ids := make([]int64, 0, len(w.docs))
	for id := range w.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type doc struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	docs := []doc{}
	layers := map[string][]Layer{}
	for _, id := range ids {
		d := w.docs[id]
		docs = append(docs, doc{ID: d.ID, Name: d.Name})
		if len(want) > 0 && !want[id] {
			continue
		}
		layers[fmt.Sprintf("%d", id)] = append([]Layer(nil), d.Layers...)
	}
	return map[string]any{
		"documents":          docs,
		"layers":             layers,
		"active_document_id": w.active,
	}, nil
}

func (w *Workspace) getImage(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		DocumentID    int64 `json:"document_id"`
		LayerID       int64 `json:"layer_id"`
		BoundsLayerID int64 `json:"bounds_layer_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	w.mu.Lock()
	d, err := w.resolve(p.DocumentID)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.uploads++
	// Exporting a region records a history state in the real editor.
	d.History++
	docID, id := d.ID, d.History
	out := map[string]any{
		"upload_name":   fmt.Sprintf("upload-%d-%d-%d.png", d.ID, p.LayerID, w.uploads),
		"layer_opacity": d.Opacity,
	}
	w.mu.Unlock()
	w.notify(ctx, docID, id)
	return out, nil
}

func (w *Workspace) sendImages(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		DocumentID int64    `json:"document_id"`
		LayerID    int64    `json:"layer_id"`
		ImageIDs   []uint64 `json:"image_ids"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	w.mu.Lock()
	d, err := w.resolve(p.DocumentID)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	d.History++
	docID, id := d.ID, d.History
	w.sent = append(w.sent, p.ImageIDs)
	w.mu.Unlock()
	w.notify(ctx, docID, id)
	return map[string]any{}, nil
}

func (w *Workspace) getHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		DocumentID  int64   `json:"document_id"`
		DocumentIDs []int64 `json:"document_ids"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(p.DocumentIDs) > 0 {
		out := map[string]int64{}
		for _, id := range p.DocumentIDs {
			d, err := w.resolve(id)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%d", id)] = d.History
		}
		return map[string]any{"history_state_ids": out}, nil
	}
	d, err := w.resolve(p.DocumentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history_state_id": d.History}, nil
}
