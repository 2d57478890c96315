package sessions

import (
	"time"

	"github.com/ggoodman/layersync/results"
)

// DocumentID identifies an editor document. ActiveDocument means "whatever
// document is currently active".
type DocumentID int64

// LayerID identifies a layer within a document. Non-positive values are
// reserved sentinels and never collide with editor-assigned ids.
type LayerID int64

// HistoryStateID is a per-document counter the editor advances on every
// mutation. It never decreases.
type HistoryStateID int64

const ActiveDocument DocumentID = 0

const (
	LayerCanvas          LayerID = 0
	LayerSelection       LayerID = -1
	LayerNew             LayerID = -2
	LayerSameAsReference LayerID = -3
)

// Display names of the sentinel layers.
const (
	NameCanvas          = "### Use Canvas ###"
	NameSelection       = "### Use Selection ###"
	NameNewLayer        = "### New Layer ###"
	NameSameAsReference = "### Same as Layer ###"
)

// Document is an editor document as reported by get_layers.
type Document struct {
	ID   DocumentID `json:"id"`
	Name string     `json:"name"`
}

// Layer is a layer as reported by get_layers.
type Layer struct {
	ID   LayerID `json:"id"`
	Name string  `json:"name"`
}

// Topology is a read-only snapshot of the editor's documents and layers.
type Topology struct {
	Documents []Document
	Layers    map[DocumentID][]Layer
	Active    DocumentID
	SyncedAt  time.Time
}

// ChangeStatus is the result of a staleness check.
type ChangeStatus struct {
	Changed bool
	// Fingerprint is the value the graph host should compare against its
	// previous one. It only moves when Changed is true.
	Fingerprint HistoryStateID
}

// FetchRequest names the region to render.
type FetchRequest struct {
	Document DocumentID
	Layer    LayerID
	Bounds   LayerID
}

// FetchResult describes a rendered region uploaded by the editor.
type FetchResult struct {
	UploadName string
	// Opacity is the layer opacity in percent.
	Opacity        float64
	HistoryStateID HistoryStateID
	// Cached is true when the result was served without a remote call.
	Cached bool
}

// PushRequest sends stored results to a layer.
type PushRequest struct {
	Document DocumentID
	Layer    LayerID
	Handles  []results.Handle
}

type fetchKey struct {
	doc    DocumentID
	layer  LayerID
	bounds LayerID
}
