package nodes_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/channel/channeltest"
	"github.com/ggoodman/layersync/nodes"
	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/results/memory"
	"github.com/ggoodman/layersync/sessions"
)

var ident = sessions.Identity{Origin: "127.0.0.1", UserToken: "u"}

type fixture struct {
	bridge *nodes.Bridge
	cache  *memory.Cache
	ws     *channeltest.Workspace
	ed     *channeltest.Editor
	sess   *sessions.Session
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := sessions.NewRegistry(sessions.Config{PollInterval: -1})
	t.Cleanup(func() { _ = reg.Close() })
	cache := memory.New()
	b := nodes.NewBridge(reg, cache, nodes.Config{})
	t.Cleanup(func() { _ = b.Close() })

	f := &fixture{bridge: b, cache: cache}
	if !connect {
		return f
	}

	local, remote := channeltest.Pipe()
	f.ws = channeltest.NewWorkspace(channeltest.Document{
		ID:      5,
		Name:    "Doc1",
		History: 1,
		Layers:  []channeltest.Layer{{ID: 10, Name: "Bg"}, {ID: 11, Name: "Fg"}},
		Opacity: 50,
	})
	f.ws.AutoPush = true
	f.ed = channeltest.NewEditor(remote)
	f.ws.Install(f.ed)
	go func() { _ = f.ed.Serve(ctx) }()

	s, err := reg.Accept(ctx, ident, channel.New(local, channel.Config{}))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	go func() { _ = s.Run(ctx) }()
	if _, err := s.SyncTopology(ctx, nil, true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	f.sess = s
	return f
}

func TestGetImage_NotConnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	n := nodes.GetImage{Bridge: f.bridge}
	in := nodes.GetImageInput{Layer: "Bg (id:10)", Bounds: sessions.NameCanvas}

	if err := n.Validate(ident, in); !errors.Is(err, nodes.ErrNotConnected) {
		t.Fatalf("validate err = %v, want ErrNotConnected", err)
	}
	a := n.IsChanged(context.Background(), ident, in)
	b := n.IsChanged(context.Background(), ident, in)
	if a == b {
		t.Fatalf("fingerprint %q repeated while disconnected", a)
	}
	if _, err := n.Execute(context.Background(), ident, in); !errors.Is(err, nodes.ErrNotConnected) {
		t.Fatalf("execute err = %v, want ErrNotConnected", err)
	}
}

func TestGetImage_FingerprintStableUntilEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	n := nodes.GetImage{Bridge: f.bridge}
	ctx := context.Background()
	in := nodes.GetImageInput{Document: "Doc1 (id:5)", Layer: "Bg (id:10)", Bounds: sessions.NameSameAsReference}

	if err := n.Validate(ident, in); err != nil {
		t.Fatalf("validate: %v", err)
	}
	fp1 := n.IsChanged(ctx, ident, in)
	out, err := n.Execute(ctx, ident, in)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Opacity != 0.5 || out.UploadName == "" {
		t.Fatalf("output = %+v", out)
	}
	if fp2 := n.IsChanged(ctx, ident, in); fp2 != fp1 {
		t.Fatalf("fingerprint moved after own fetch: %q -> %q", fp1, fp2)
	}

	id := f.ws.Edit(5)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, _ := f.sess.PushState(5); v == sessions.HistoryStateID(id) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("push not observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fp3 := n.IsChanged(ctx, ident, in); fp3 == fp1 {
		t.Fatalf("fingerprint did not move after an external edit")
	}
}

func TestGetImage_UnknownLayerFailsValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	n := nodes.GetImage{Bridge: f.bridge}
	err := n.Validate(ident, nodes.GetImageInput{Layer: "Ghost (id:99)", Bounds: sessions.NameCanvas})
	if !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 200, A: 255})
	return img
}

func TestSendImages_Sync(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	n := nodes.SendImages{Bridge: f.bridge}
	done, err := n.Execute(context.Background(), ident, nodes.SendImagesInput{Layer: sessions.NameNewLayer}, []image.Image{testImage(), testImage()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	default:
		t.Fatalf("synchronous send did not report on return")
	}

	sent := f.ws.Sent()
	if len(sent) != 1 || len(sent[0]) != 2 {
		t.Fatalf("sent = %v", sent)
	}
	r, err := f.cache.Consume(context.Background(), results.Handle(sent[0][0]))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if r.ContentType != "image/png" || r.Width != 3 || r.Height != 2 {
		t.Fatalf("raster = %+v", r)
	}
}

func TestSendImages_Async(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	n := nodes.SendImages{Bridge: f.bridge, Async: true}
	ctx, cancel := context.WithCancel(context.Background())
	done, err := n.Execute(ctx, ident, nodes.SendImagesInput{Layer: "Fg (id:11)"}, []image.Image{testImage()})
	// The send must not be tied to the caller's context.
	cancel()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("async send did not complete")
	}
	if f.cache.Len() != 1 {
		t.Fatalf("cache holds %d results, want 1", f.cache.Len())
	}
}

func TestDefinitions_EnumsFollowTopology(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	defs := nodes.Definitions(f.sess)
	if len(defs) != 4 {
		t.Fatalf("definitions = %d", len(defs))
	}
	for _, d := range defs[2:] {
		if _, ok := d.Input.Properties.Get("opacity"); !ok {
			t.Fatalf("%s input lacks opacity", d.Name)
		}
	}
	layer, ok := defs[0].Input.Properties.Get("layer")
	if !ok {
		t.Fatalf("get image input lacks layer")
	}
	want := []string{sessions.NameCanvas, "Bg (id:10)", "Fg (id:11)"}
	if len(layer.Enum) != len(want) {
		t.Fatalf("layer enum = %v", layer.Enum)
	}
	for i, w := range want {
		if layer.Enum[i] != w {
			t.Fatalf("layer enum = %v, want %v", layer.Enum, want)
		}
	}
	set, _ := defs[1].Input.Properties.Get("layer")
	if set.Enum[0] != sessions.NameNewLayer {
		t.Fatalf("set layer enum = %v", set.Enum)
	}

	empty := nodes.Definitions(nil)
	if l, _ := empty[0].Input.Properties.Get("layer"); len(l.Enum) != 0 {
		t.Fatalf("enum without a session = %v", l.Enum)
	}
}

func TestScaleOpacity(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 200})
	out := nodes.ScaleOpacity(img, 0.5)
	if got := out.NRGBAAt(0, 0); got.A != 100 || got.R != 10 {
		t.Fatalf("pixel = %+v", got)
	}

	mask := image.NewGray(image.Rect(0, 0, 2, 1))
	mask.SetGray(1, 0, color.Gray{Y: 255})
	if got := nodes.ScaleMask(mask, 2).GrayAt(1, 0).Y; got != 255 {
		t.Fatalf("mask value = %d, want clamped 255", got)
	}
}

func TestOpacityNodes(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{G: 40, A: 255})
	imgs := nodes.ImageTimesOpacity{}.Execute(nodes.OpacityInput{Opacity: 0.2}, []image.Image{img, img})
	if len(imgs) != 2 {
		t.Fatalf("images = %d", len(imgs))
	}
	if got := imgs[1].(*image.NRGBA).NRGBAAt(0, 0); got.A != 51 || got.G != 40 {
		t.Fatalf("pixel = %+v", got)
	}

	mask := image.NewGray(image.Rect(0, 0, 1, 1))
	mask.SetGray(0, 0, color.Gray{Y: 200})
	masks := nodes.MaskTimesOpacity{}.Execute(nodes.OpacityInput{Opacity: 0.5}, []*image.Gray{mask})
	if got := masks[0].GrayAt(0, 0).Y; got != 100 {
		t.Fatalf("mask value = %d, want 100", got)
	}
}
