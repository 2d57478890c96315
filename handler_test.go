package layersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/channel/channeltest"
	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/results/memory"
	"github.com/ggoodman/layersync/sessions"
)

type testServer struct {
	srv   *httptest.Server
	reg   *sessions.Registry
	cache *memory.Cache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := sessions.NewRegistry(sessions.Config{PollInterval: -1})
	cache := memory.New()
	h, err := New(ctx, reg, cache)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		_ = reg.Close()
		srv.Close()
	})
	return &testServer{srv: srv, reg: reg, cache: cache}
}

func (ts *testServer) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// connectEditor dials the editor endpoint and serves ws until the test ends.
// The returned channel reports when the editor's connection ends.
func (ts *testServer) connectEditor(t *testing.T, query string, ws *channeltest.Workspace) <-chan error {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/photoshop_instance?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ed := channeltest.NewEditor(channel.NewWebsocketConn(conn, channel.WebsocketConfig{}))
	ws.Install(ed)
	t.Cleanup(func() { _ = ed.Close() })

	done := make(chan error, 1)
	go func() { done <- ed.Serve(context.Background()) }()
	return done
}

func workspace() *channeltest.Workspace {
	return channeltest.NewWorkspace(channeltest.Document{
		ID:      5,
		Name:    "Doc1",
		History: 1,
		Layers:  []channeltest.Layer{{ID: 10, Name: "Bg"}},
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCheckVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want error
	}{
		{"", ErrVersionMissing},
		{"0", ErrVersionMissing},
		{"abc", ErrVersionMissing},
		{"2", ErrVersionUnsupported},
		{"1", nil},
	}
	for _, c := range cases {
		err := checkVersion(c.raw)
		if c.want == nil {
			if err != nil {
				t.Errorf("checkVersion(%q) = %v, want nil", c.raw, err)
			}
			continue
		}
		if !errors.Is(err, c.want) || !errors.Is(err, ErrProtocolVersionMismatch) {
			t.Errorf("checkVersion(%q) = %v, want %v", c.raw, err, c.want)
		}
	}
}

func TestEditorConnect_RejectsVersion(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	for query, reason := range map[string]string{
		"":           reasonVersionMissing,
		"?version=0": reasonVersionMissing,
		"?version=7": reasonVersionUnsupported,
	} {
		res := ts.get(t, "/photoshop_instance"+query, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: status = %d", query, res.StatusCode)
		}
		var body map[string]string
		decodeBody(t, res, &body)
		if body["reason"] != reason {
			t.Fatalf("%q: reason = %q, want %q", query, body["reason"], reason)
		}
	}
	if n := len(ts.reg.Sessions()); n != 0 {
		t.Fatalf("rejected connections created %d sessions", n)
	}
}

func TestFinishedImages_ConsumedOnce(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	data := []byte("\x89PNG fake")
	h, err := ts.cache.Store(context.Background(), results.Raster{ContentType: "image/png", Data: data, Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	res := ts.get(t, "/finished_images?id="+h.String(), http.Header{"Accept": {"image/png"}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	got, _ := io.ReadAll(res.Body)
	if !bytes.Equal(got, data) {
		t.Fatalf("body = %q, want %q", got, data)
	}

	again := ts.get(t, "/finished_images?id="+h.String(), nil)
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second read status = %d, want 404", again.StatusCode)
	}
}

func TestFinishedImages_JSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	h, _ := ts.cache.Store(context.Background(), results.Raster{ContentType: "image/png", Data: []byte{1, 2, 3}, Width: 4, Height: 5})

	res := ts.get(t, "/finished_images?id="+h.String(), http.Header{"Accept": {"application/json"}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var r results.Raster
	decodeBody(t, res, &r)
	if !bytes.Equal(r.Data, []byte{1, 2, 3}) || r.Width != 4 || r.Height != 5 {
		t.Fatalf("raster = %+v", r)
	}
}

func TestFinishedImages_BadRequests(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cases := map[string]int{
		"/finished_images":          http.StatusBadRequest,
		"/finished_images?id=nope":  http.StatusBadRequest,
		"/finished_images?id=0":     http.StatusBadRequest,
		"/finished_images?id=12345": http.StatusNotFound,
	}
	for path, want := range cases {
		if res := ts.get(t, path, nil); res.StatusCode != want {
			t.Errorf("%s: status = %d, want %d", path, res.StatusCode, want)
		}
	}
	if res := ts.get(t, "/finished_images?id=1", http.Header{"Accept": {"text/html"}}); res.StatusCode != http.StatusNotAcceptable {
		t.Errorf("text/html: status = %d, want 406", res.StatusCode)
	}
}

func TestControlPlane_NotConnected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	var changes map[string]bool
	decodeBody(t, ts.get(t, "/sd-ppp/checkchanges?user_id=u", nil), &changes)
	if changes["is_changed"] {
		t.Fatalf("is_changed = true without a session")
	}

	var layers layersResponse
	decodeBody(t, ts.get(t, "/sd-ppp/getlayers?user_id=u", nil), &layers)
	if layers.DocumentStrs == nil || len(layers.DocumentStrs) != 0 || len(layers.LayerStrs) != 0 {
		t.Fatalf("layers = %+v, want empty lists", layers)
	}

	var initResp map[string]bool
	decodeBody(t, ts.get(t, "/sd-ppp/init?user_id=u&client_id=c", nil), &initResp)
	if initResp["connected"] {
		t.Fatalf("connected = true without a session")
	}

	if res := ts.get(t, "/sd-ppp/resetchanges?user_id=u", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("resetchanges status = %d", res.StatusCode)
	}
}

func TestEditorSession_EndToEnd(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ws := workspace()
	first := ts.connectEditor(t, "version=1&user_id=u", ws)

	var layers layersResponse
	waitFor(t, "session topology", func() bool {
		res := ts.get(t, "/sd-ppp/getlayers?user_id=u", nil)
		decodeBody(t, res, &layers)
		return len(layers.DocumentStrs) > 0
	})
	if layers.DocumentStrs[0] != "Doc1 (id:5)" {
		t.Fatalf("documents = %v", layers.DocumentStrs)
	}
	wantLayers := []string{sessions.NameCanvas, "Bg (id:10)"}
	if len(layers.LayerStrs) != 2 || layers.LayerStrs[0] != wantLayers[0] || layers.LayerStrs[1] != wantLayers[1] {
		t.Fatalf("layers = %v, want %v", layers.LayerStrs, wantLayers)
	}
	if layers.SetLayerStrs[0] != sessions.NameNewLayer {
		t.Fatalf("set layers = %v", layers.SetLayerStrs)
	}

	var changes map[string]bool
	decodeBody(t, ts.get(t, "/sd-ppp/checkchanges?user_id=u", nil), &changes)
	if !changes["is_changed"] {
		t.Fatalf("is_changed = false before anything was fetched")
	}

	// The frontend learns its client id later and associates it.
	var initResp map[string]bool
	decodeBody(t, ts.get(t, "/sd-ppp/init?user_id=u&client_id=c", nil), &initResp)
	if !initResp["connected"] {
		t.Fatalf("client token did not resolve to the editor's session")
	}

	// A second connection for the same identity displaces the first.
	prior, _ := ts.reg.Resolve(sessions.Identity{Origin: "127.0.0.1", UserToken: "u"})
	ts.connectEditor(t, "version=1&user_id=u", workspace())
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatalf("displaced editor connection stayed open")
	}
	waitFor(t, "replacement session", func() bool {
		s, ok := ts.reg.Resolve(sessions.Identity{Origin: "127.0.0.1", UserToken: "u"})
		return ok && s != prior
	})
	if n := len(ts.reg.Sessions()); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestNodes_ListsDefinitions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	var defs []struct {
		Name string `json:"name"`
	}
	decodeBody(t, ts.get(t, "/sd-ppp/nodes", nil), &defs)
	if len(defs) != 4 {
		t.Fatalf("definitions = %+v", defs)
	}
}

func TestServeHTTP_SetsRequestID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	res := ts.get(t, "/sd-ppp/resetchanges", nil)
	if res.Header.Get(requestIDHeader) == "" {
		t.Fatalf("missing %s header", requestIDHeader)
	}
}
