package sessions

import (
	"fmt"
	"strconv"
)

// Editor actions.
const (
	actionGetLayers    = "get_layers"
	actionGetImage     = "get_image"
	actionSendImages   = "send_images"
	actionGetHistoryID = "get_active_history_state_id"
)

type getLayersParams struct {
	DocumentIDs []DocumentID `json:"document_ids,omitempty"`
}

type getLayersResult struct {
	Documents []Document         `json:"documents"`
	Layers    map[string][]Layer `json:"layers"`
	Active    DocumentID         `json:"active_document_id"`
}

func (r *getLayersResult) layersByDocument() (map[DocumentID][]Layer, error) {
	out := make(map[DocumentID][]Layer, len(r.Layers))
	for k, v := range r.Layers {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("get_layers: bad document key %q", k)
		}
		out[DocumentID(id)] = v
	}
	return out, nil
}

type getImageParams struct {
	DocumentID    DocumentID `json:"document_id"`
	LayerID       LayerID    `json:"layer_id"`
	BoundsLayerID LayerID    `json:"bounds_layer_id"`
}

type getImageResult struct {
	UploadName   string  `json:"upload_name"`
	LayerOpacity float64 `json:"layer_opacity"`
}

type sendImagesParams struct {
	DocumentID DocumentID `json:"document_id"`
	LayerID    LayerID    `json:"layer_id"`
	ImageIDs   []uint64   `json:"image_ids"`
}

type getHistoryParams struct {
	DocumentID DocumentID `json:"document_id"`
}

type getHistoryResult struct {
	HistoryStateID *HistoryStateID `json:"history_state_id"`
}
