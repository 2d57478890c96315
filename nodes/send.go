package nodes

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/sessions"
)

// SendImagesInput selects the layer images are written to.
type SendImagesInput struct {
	Document string `json:"document,omitempty" jsonschema:"title=Document,description=Target document; empty for the active document"`
	Layer    string `json:"layer" jsonschema:"title=Layer,required"`
}

// SendImages stores images in the result cache and asks the editor to
// place them on a layer.
type SendImages struct {
	Bridge *Bridge
	// Async returns as soon as the images are stored; the editor call runs
	// in the background and reports on the returned channel.
	Async bool
}

// Validate reports whether in can run now.
func (n SendImages) Validate(id sessions.Identity, in SendImagesInput) error {
	_, _, err := n.resolve(id, in)
	return err
}

func (n SendImages) resolve(id sessions.Identity, in SendImagesInput) (*sessions.Session, sessions.PushRequest, error) {
	s, err := n.Bridge.Session(id)
	if err != nil {
		return nil, sessions.PushRequest{}, err
	}
	doc, err := s.DocumentNameToID(in.Document)
	if err != nil {
		return nil, sessions.PushRequest{}, err
	}
	layer, err := s.LayerNameToID(in.Layer, sessions.LayerNew)
	if err != nil {
		return nil, sessions.PushRequest{}, err
	}
	return s, sessions.PushRequest{Document: doc, Layer: layer}, nil
}

// Execute encodes and stores images, then pushes their handles to the
// editor. The returned channel receives exactly one value: the outcome of
// the editor call. In synchronous mode it is already filled on return.
func (n SendImages) Execute(ctx context.Context, id sessions.Identity, in SendImagesInput, images []image.Image) (<-chan error, error) {
	s, req, err := n.resolve(id, in)
	if err != nil {
		return nil, err
	}

	for i, img := range images {
		r, err := EncodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		h, err := n.Bridge.cache.Store(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("store image %d: %w", i, err)
		}
		req.Handles = append(req.Handles, h)
	}

	out := make(chan error, 1)
	if !n.Async {
		out <- s.PushImage(ctx, req)
		return out, nil
	}

	b := n.Bridge
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// The send outlives the caller's context but not the session or the bridge.
		sctx, cancel := context.WithCancel(b.ctx)
		defer cancel()
		go func() {
			select {
			case <-s.Done():
				cancel()
			case <-sctx.Done():
			}
		}()
		err := s.PushImage(sctx, req)
		if err != nil {
			b.log.WarnContext(sctx, "nodes.send.failed", slog.String("session_id", s.ID()), slog.String("err", err.Error()))
		}
		out <- err
	}()
	return out, nil
}

// EncodePNG encodes img as a PNG raster.
func EncodePNG(img image.Image) (results.Raster, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return results.Raster{}, fmt.Errorf("encode png: %w", err)
	}
	bounds := img.Bounds()
	return results.Raster{
		ContentType: "image/png",
		Data:        buf.Bytes(),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}
