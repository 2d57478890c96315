// Package nodes adapts sessions to a node-graph host. Each node exposes the
// hooks such a host calls: Validate before scheduling, IsChanged to decide
// whether cached downstream results may be reused, and Execute.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/sessions"
)

// ErrNotConnected is returned when no editor is connected for the identity
// a node runs under.
var ErrNotConnected = errors.New("nodes: editor is not connected")

// Config configures a Bridge.
type Config struct {
	// Logger receives diagnostics from background sends. Nil discards.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Bridge binds nodes to the session registry and the result cache.
type Bridge struct {
	reg   *sessions.Registry
	cache results.Cache
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge returns a bridge. Close it to stop background sends.
func NewBridge(reg *sessions.Registry, cache results.Cache, cfg Config) *Bridge {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{reg: reg, cache: cache, log: cfg.Logger, ctx: ctx, cancel: cancel}
}

// Session resolves the session for id.
func (b *Bridge) Session(id sessions.Identity) (*sessions.Session, error) {
	s, ok := b.reg.Resolve(id)
	if !ok {
		return nil, ErrNotConnected
	}
	return s, nil
}

// Close cancels background sends and waits for them to finish.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// GetImageInput selects the layer region to fetch. Names are display names
// as listed by the session.
type GetImageInput struct {
	Document string `json:"document,omitempty" jsonschema:"title=Document,description=Source document; empty for the active document"`
	Layer    string `json:"layer" jsonschema:"title=Layer,required"`
	Bounds   string `json:"use_layer_bounds" jsonschema:"title=Bounds,required"`
}

// GetImageOutput is the result of a fetch.
type GetImageOutput struct {
	UploadName string `json:"upload_name" jsonschema:"description=Name of the render uploaded by the editor"`
	// Opacity is a fraction in [0, 1].
	Opacity float64 `json:"layer_opacity" jsonschema:"minimum=0,maximum=1"`
}

// GetImage fetches a layer region from the editor.
type GetImage struct {
	Bridge *Bridge
}

func (n GetImage) resolve(id sessions.Identity, in GetImageInput) (*sessions.Session, sessions.FetchRequest, error) {
	s, err := n.Bridge.Session(id)
	if err != nil {
		return nil, sessions.FetchRequest{}, err
	}
	doc, err := s.DocumentNameToID(in.Document)
	if err != nil {
		return nil, sessions.FetchRequest{}, err
	}
	layer, err := s.LayerNameToID(in.Layer, sessions.LayerCanvas)
	if err != nil {
		return nil, sessions.FetchRequest{}, err
	}
	bounds, err := s.LayerNameToID(in.Bounds, layer)
	if err != nil {
		return nil, sessions.FetchRequest{}, err
	}
	return s, sessions.FetchRequest{Document: doc, Layer: layer, Bounds: bounds}, nil
}

// Validate reports whether in can run now.
func (n GetImage) Validate(id sessions.Identity, in GetImageInput) error {
	_, _, err := n.resolve(id, in)
	return err
}

// IsChanged returns the change fingerprint for in. While nothing is
// connected, or the fingerprint cannot be computed, it returns a fresh
// random value so the host always re-executes.
func (n GetImage) IsChanged(ctx context.Context, id sessions.Identity, in GetImageInput) string {
	s, req, err := n.resolve(id, in)
	if err != nil {
		return uuid.NewString()
	}
	st, err := s.CheckChanged(ctx, req.Document)
	if err != nil {
		return uuid.NewString()
	}
	return fmt.Sprintf("%d", st.Fingerprint)
}

// Execute fetches the region.
func (n GetImage) Execute(ctx context.Context, id sessions.Identity, in GetImageInput) (GetImageOutput, error) {
	s, req, err := n.resolve(id, in)
	if err != nil {
		return GetImageOutput{}, err
	}
	r, err := s.FetchImage(ctx, req)
	if err != nil {
		return GetImageOutput{}, err
	}
	return GetImageOutput{UploadName: r.UploadName, Opacity: r.Opacity / 100}, nil
}
