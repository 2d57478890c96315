package layersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/internal/logctx"
	"github.com/ggoodman/layersync/nodes"
	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/sessions"
)

// ProtocolVersion is the editor protocol version this server speaks.
const ProtocolVersion = 1

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType   = contenttype.NewMediaType("application/json")
	pngMediaType    = contenttype.NewMediaType("image/png")
	rasterMediaType = []contenttype.MediaType{pngMediaType, jsonMediaType}
)

const (
	requestIDHeader = "X-Request-Id"

	reasonVersionMissing     = "version_missing"
	reasonVersionUnsupported = "version_unsupported"
)

// writeJSON emits v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits {"error": msg} plus a machine readable reason when
// one applies.
func writeJSONError(w http.ResponseWriter, status int, msg, reason string) {
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger      *slog.Logger
	channel     channel.Config
	websocket   channel.WebsocketConfig
	checkOrigin func(*http.Request) bool
}

// WithLogger sets the logger used by the handler and the sessions it
// accepts. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithChannelConfig tunes the call channel of accepted connections.
func WithChannelConfig(cfg channel.Config) Option {
	return func(c *newConfig) { c.channel = cfg }
}

// WithWebsocketConfig tunes the websocket adapter of accepted connections.
func WithWebsocketConfig(cfg channel.WebsocketConfig) Option {
	return func(c *newConfig) { c.websocket = cfg }
}

// WithCheckOrigin overrides the websocket origin check. By default every
// origin is accepted, since the editor extension connects from its own
// origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *newConfig) { c.checkOrigin = fn }
}

// Handler serves the editor websocket, the control plane queries used by
// the graph host's frontend, and finished images.
type Handler struct {
	ctx      context.Context
	log      *slog.Logger
	reg      *sessions.Registry
	cache    results.Cache
	upgrader websocket.Upgrader
	chCfg    channel.Config
	wsCfg    channel.WebsocketConfig
	mux      *http.ServeMux
}

// New builds a Handler. Sessions accepted by it end when ctx is cancelled.
func New(ctx context.Context, reg *sessions.Registry, cache results.Cache, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("result cache is required")
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.checkOrigin == nil {
		cfg.checkOrigin = func(*http.Request) bool { return true }
	}

	log := cfg.logger
	if _, ok := log.Handler().(logctx.Handler); !ok {
		log = slog.New(logctx.Handler{Handler: log.Handler()})
	}
	chCfg := cfg.channel
	if chCfg.Logger == nil {
		chCfg.Logger = log
	}

	h := &Handler{
		ctx:   ctx,
		log:   log,
		reg:   reg,
		cache: cache,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.checkOrigin,
		},
		chCfg: chCfg,
		wsCfg: cfg.websocket,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /photoshop_instance", h.handleEditorConnect)
	mux.HandleFunc("GET /finished_images", h.handleFinishedImages)
	mux.HandleFunc("GET /sd-ppp/init", h.handleInit)
	mux.HandleFunc("GET /sd-ppp/checkchanges", h.handleCheckChanges)
	mux.HandleFunc("GET /sd-ppp/resetchanges", h.handleResetChanges)
	mux.HandleFunc("GET /sd-ppp/getlayers", h.handleGetLayers)
	mux.HandleFunc("GET /sd-ppp/nodes", h.handleNodes)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	w.Header().Set(requestIDHeader, id)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityFromRequest builds the identity a request speaks for.
func identityFromRequest(r *http.Request) sessions.Identity {
	q := r.URL.Query()
	return sessions.Identity{
		Origin:      remoteHost(r),
		ClientToken: q.Get("client_id"),
		UserToken:   q.Get("user_id"),
	}
}

// checkVersion validates the version query parameter of an editor
// connection.
func checkVersion(raw string) error {
	if raw == "" {
		return ErrVersionMissing
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v == 0 {
		return ErrVersionMissing
	}
	if v != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionUnsupported, v, ProtocolVersion)
	}
	return nil
}

// handleEditorConnect admits an editor websocket and runs its session for
// the lifetime of the connection.
func (h *Handler) handleEditorConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := checkVersion(r.URL.Query().Get("version")); err != nil {
		reason := reasonVersionUnsupported
		if errors.Is(err, ErrVersionMissing) {
			reason = reasonVersionMissing
		}
		h.log.InfoContext(ctx, "editor.reject", slog.String("reason", reason))
		writeJSONError(w, http.StatusBadRequest, err.Error(), reason)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.WarnContext(ctx, "editor.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	ch := channel.New(channel.NewWebsocketConn(ws, h.wsCfg), h.chCfg)
	id := identityFromRequest(r)
	sess, err := h.reg.Accept(ctx, id, ch)
	if err != nil {
		h.log.WarnContext(ctx, "editor.accept.fail", slog.String("err", err.Error()))
		_ = ch.Close()
		return
	}
	if err := sess.Run(ctx); err != nil {
		h.log.WarnContext(ctx, "editor.session.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

func (h *Handler) handleFinishedImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mt, _, err := contenttype.GetAcceptableMediaType(r, rasterMediaType)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow image/png or application/json", "")
		return
	}

	raw := r.URL.Query().Get("id")
	if raw == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required", "")
		return
	}
	handle, err := results.ParseHandle(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	img, err := h.cache.Consume(ctx, handle)
	if err != nil {
		if errors.Is(err, results.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "image not found", "")
			return
		}
		h.log.ErrorContext(ctx, "finished_images.consume.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load image", "")
		return
	}

	if mt.Type == jsonMediaType.Type && mt.Subtype == jsonMediaType.Subtype {
		writeJSON(w, http.StatusOK, img)
		return
	}
	ct := img.ContentType
	if ct == "" {
		ct = pngMediaType.String()
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

// handleInit lets the frontend, which learns its client id only after the
// editor connected, correlate itself to the editor's session.
func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	id := identityFromRequest(r)
	base := id.WithClientToken("")
	if id.ClientToken != "" {
		h.reg.AssociateToken(base, id.ClientToken)
	}
	_, connected := h.reg.Resolve(id)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (h *Handler) handleCheckChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	changed := false
	if s, ok := h.reg.Resolve(identityFromRequest(r)); ok {
		c, err := s.HistoryChanged(ctx, sessions.ActiveDocument)
		switch {
		case err == nil:
			changed = c
		case errors.Is(err, channel.ErrChannelClosed), errors.Is(err, sessions.ErrNotFound):
			// Disconnected or no open document; nothing has changed from the
			// caller's point of view.
		default:
			h.log.WarnContext(ctx, "checkchanges.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadGateway, err.Error(), "")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_changed": changed})
}

func (h *Handler) handleResetChanges(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.reg.Resolve(identityFromRequest(r)); ok {
		s.ResetChangeTracker()
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type layersResponse struct {
	DocumentStrs []string `json:"document_strs"`
	LayerStrs    []string `json:"layer_strs"`
	BoundsStrs   []string `json:"bounds_strs"`
	SetLayerStrs []string `json:"set_layer_strs"`
}

func (h *Handler) handleGetLayers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := layersResponse{
		DocumentStrs: []string{},
		LayerStrs:    []string{},
		BoundsStrs:   []string{},
		SetLayerStrs: []string{},
	}
	if s, ok := h.reg.Resolve(identityFromRequest(r)); ok {
		if _, err := s.SyncTopology(ctx, nil, false); err != nil {
			h.log.WarnContext(ctx, "getlayers.sync.fail", slog.String("err", err.Error()))
		}
		doc := sessions.ActiveDocument
		if name := r.URL.Query().Get("document"); name != "" {
			id, err := s.DocumentNameToID(name)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, err.Error(), "")
				return
			}
			doc = id
		}
		resp.DocumentStrs = s.DocumentNames()
		resp.LayerStrs = s.LayerNames(doc)
		resp.BoundsStrs = s.BoundsNames(doc)
		resp.SetLayerStrs = s.SetLayerNames(doc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	s, _ := h.reg.Resolve(identityFromRequest(r))
	writeJSON(w, http.StatusOK, nodes.Definitions(s))
}
