package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ggoodman/layersync/internal/logctx"
)

// resolveDocument maps ActiveDocument to the active document of the
// topology. When no topology has been synced yet, one is fetched first, so
// tracker state is always keyed by a real document id.
func (s *Session) resolveDocument(ctx context.Context, doc DocumentID) (DocumentID, error) {
	if doc != ActiveDocument {
		return doc, nil
	}
	if active := s.activeDocument(); active != ActiveDocument {
		return active, nil
	}
	if _, err := s.SyncTopology(ctx, nil, true); err != nil {
		return 0, fmt.Errorf("resolve active document: %w", err)
	}
	if active := s.activeDocument(); active != ActiveDocument {
		return active, nil
	}
	return 0, fmt.Errorf("%w: no active document", ErrNotFound)
}

func (s *Session) activeDocument() DocumentID {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	return s.topo.Active
}

func (s *Session) remoteHistory(ctx context.Context, doc DocumentID) (HistoryStateID, error) {
	var res getHistoryResult
	if err := s.ch.CallInto(ctx, actionGetHistoryID, getHistoryParams{DocumentID: doc}, s.cfg.CallTimeout, &res); err != nil {
		return 0, err
	}
	if res.HistoryStateID == nil {
		return 0, fmt.Errorf("%s: no history state id for document %d", actionGetHistoryID, doc)
	}
	return *res.HistoryStateID, nil
}

// liveHistory prefers a pushed value and only asks the editor when none has
// been seen.
func (s *Session) liveHistory(ctx context.Context, doc DocumentID) (HistoryStateID, error) {
	if id, ok := s.tr.pushedID(doc); ok {
		return id, nil
	}
	return s.remoteHistory(ctx, doc)
}

func (s *Session) check(ctx context.Context, doc DocumentID) (ChangeStatus, error) {
	live, err := s.liveHistory(ctx, doc)
	if err != nil {
		return ChangeStatus{}, err
	}
	tracked, ok := s.tr.trackedID(doc)
	if !ok || live > tracked {
		return ChangeStatus{Changed: true, Fingerprint: live}, nil
	}
	if reported, ok := s.tr.reportedID(doc); ok {
		return ChangeStatus{Fingerprint: reported}, nil
	}
	return ChangeStatus{Fingerprint: tracked}, nil
}

// CheckChanged reports whether doc moved past the state the session last
// reflected. While nothing changed, the fingerprint stays at the value last
// reported, even though the session's own calls advance the editor's history.
func (s *Session) CheckChanged(ctx context.Context, doc DocumentID) (ChangeStatus, error) {
	if err := s.checkOpen(); err != nil {
		return ChangeStatus{}, err
	}
	doc, err := s.resolveDocument(ctx, doc)
	if err != nil {
		return ChangeStatus{}, err
	}
	unlock, err := s.locks.lock(ctx, doc)
	if err != nil {
		return ChangeStatus{}, err
	}
	defer unlock()

	st, err := s.check(ctx, doc)
	if err != nil {
		return ChangeStatus{}, err
	}
	if st.Changed {
		s.tr.setReported(doc, st.Fingerprint)
	}
	return st, nil
}

// FetchImage asks the editor to render a layer region. When the document is
// unchanged and the same region was fetched before, the cached result is
// returned without any remote call.
func (s *Session) FetchImage(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if err := s.checkOpen(); err != nil {
		return FetchResult{}, err
	}
	doc, err := s.resolveDocument(ctx, req.Document)
	if err != nil {
		return FetchResult{}, err
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Action: actionGetImage, DocumentID: int64(doc)})
	unlock, err := s.locks.lock(ctx, doc)
	if err != nil {
		return FetchResult{}, err
	}
	defer unlock()

	st, err := s.check(ctx, doc)
	if err != nil {
		return FetchResult{}, err
	}
	key := fetchKey{doc: doc, layer: req.Layer, bounds: req.Bounds}
	if !st.Changed {
		if r, ok := s.tr.cached(key); ok {
			r.Cached = true
			s.log.DebugContext(ctx, "session.fetch.cached", slog.String("upload_name", r.UploadName))
			return r, nil
		}
	} else {
		s.tr.dropFetched(doc)
	}

	var res getImageResult
	params := getImageParams{DocumentID: doc, LayerID: req.Layer, BoundsLayerID: req.Bounds}
	if err := s.ch.CallInto(ctx, actionGetImage, params, s.cfg.ImageCallTimeout, &res); err != nil {
		return FetchResult{}, err
	}

	// Only now is the editor's history id known to cover this render.
	h, err := s.remoteHistory(ctx, doc)
	if err != nil {
		return FetchResult{}, fmt.Errorf("refresh history after %s: %w", actionGetImage, err)
	}
	s.tr.observe(doc, h)

	r := FetchResult{
		UploadName:     res.UploadName,
		Opacity:        res.LayerOpacity,
		HistoryStateID: h,
	}
	s.tr.storeFetched(key, r)
	s.log.DebugContext(ctx, "session.fetch.remote", slog.String("upload_name", r.UploadName), slog.Int64("history_state_id", int64(h)))
	return r, nil
}

// PushImage sends stored results to a layer, then records the history id
// the write produced so the next check does not treat it as an external
// change. Cached fetches of the document are dropped.
func (s *Session) PushImage(ctx context.Context, req PushRequest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	doc, err := s.resolveDocument(ctx, req.Document)
	if err != nil {
		return err
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Action: actionSendImages, DocumentID: int64(doc)})
	unlock, err := s.locks.lock(ctx, doc)
	if err != nil {
		return err
	}
	defer unlock()

	ids := make([]uint64, 0, len(req.Handles))
	for _, h := range req.Handles {
		ids = append(ids, uint64(h))
	}
	params := sendImagesParams{DocumentID: doc, LayerID: req.Layer, ImageIDs: ids}
	if err := s.ch.CallInto(ctx, actionSendImages, params, s.cfg.ImageCallTimeout, nil); err != nil {
		return err
	}
	if len(ids) > 0 {
		s.lastHandle.Store(ids[len(ids)-1])
	}

	h, err := s.remoteHistory(ctx, doc)
	if err != nil {
		return fmt.Errorf("refresh history after %s: %w", actionSendImages, err)
	}
	s.tr.observe(doc, h)
	s.tr.dropFetched(doc)
	s.log.DebugContext(ctx, "session.push.done", slog.Int("images", len(ids)), slog.Int64("history_state_id", int64(h)))
	return nil
}

// HistoryChanged reports whether doc's history moved past the state the
// session's own last call left it in.
func (s *Session) HistoryChanged(ctx context.Context, doc DocumentID) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	doc, err := s.resolveDocument(ctx, doc)
	if err != nil {
		return false, err
	}
	live, err := s.liveHistory(ctx, doc)
	if err != nil {
		return false, err
	}
	return s.tr.ownEditID(doc) < live, nil
}

// ResetChangeTracker forgets every tracked, reported and pushed history id
// and every cached fetch result.
func (s *Session) ResetChangeTracker() {
	s.tr.reset()
}

// SyncTopology replaces the cached topology with a fresh snapshot from the
// editor. Unless force is set, a call made within the sync interval of the
// last successful sync, forced or not, returns the cached snapshot instead.
// A failed sync does not start a new interval. A non-empty filter limits
// which documents' layers are refreshed.
func (s *Session) SyncTopology(ctx context.Context, filter []DocumentID, force bool) (Topology, error) {
	if err := s.checkOpen(); err != nil {
		return Topology{}, err
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if !force && s.limiter.Tokens() < 1 {
		return s.Topology(), nil
	}

	var res getLayersResult
	if err := s.ch.CallInto(ctx, actionGetLayers, getLayersParams{DocumentIDs: filter}, s.cfg.CallTimeout, &res); err != nil {
		return Topology{}, err
	}
	layers, err := res.layersByDocument()
	if err != nil {
		return Topology{}, err
	}

	s.topoMu.Lock()
	next := Topology{
		Documents: res.Documents,
		Layers:    layers,
		Active:    res.Active,
		SyncedAt:  time.Now(),
	}
	if len(filter) > 0 {
		present := make(map[DocumentID]bool, len(res.Documents))
		for _, d := range res.Documents {
			present[d.ID] = true
		}
		for id, ls := range s.topo.Layers {
			if _, ok := next.Layers[id]; !ok && present[id] {
				next.Layers[id] = ls
			}
		}
	}
	s.topo = next
	s.topoMu.Unlock()
	s.markSynced()

	return s.Topology(), nil
}

// markSynced starts a new sync interval: the limiter is replaced by an
// empty one whose single token returns one SyncInterval from now. Callers
// hold syncMu.
func (s *Session) markSynced() {
	s.limiter = rate.NewLimiter(rate.Every(s.cfg.SyncInterval), 1)
	s.limiter.Allow()
}

// Topology returns a copy of the latest topology snapshot.
func (s *Session) Topology() Topology {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	out := Topology{
		Documents: append([]Document(nil), s.topo.Documents...),
		Layers:    make(map[DocumentID][]Layer, len(s.topo.Layers)),
		Active:    s.topo.Active,
		SyncedAt:  s.topo.SyncedAt,
	}
	for k, v := range s.topo.Layers {
		out.Layers[k] = v
	}
	return out
}

func (s *Session) layersOf(doc DocumentID) []Layer {
	if doc == ActiveDocument {
		doc = s.activeDocument()
	}
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	return s.topo.Layers[doc]
}

// LayerNames lists doc's layers as source choices, canvas first.
func (s *Session) LayerNames(doc DocumentID) []string {
	return withPrefix([]string{NameCanvas}, renderLayers(s.layersOf(doc)))
}

// BoundsNames lists doc's layers as bounds choices.
func (s *Session) BoundsNames(doc DocumentID) []string {
	return withPrefix([]string{NameSameAsReference, NameCanvas, NameSelection}, renderLayers(s.layersOf(doc)))
}

// SetLayerNames lists doc's layers as write targets.
func (s *Session) SetLayerNames(doc DocumentID) []string {
	return withPrefix([]string{NameNewLayer}, renderLayers(s.layersOf(doc)))
}

// DocumentNames lists the open documents.
func (s *Session) DocumentNames() []string {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	out := make([]string, 0, len(s.topo.Documents))
	for _, d := range s.topo.Documents {
		out = append(out, RenderName(d.Name, int64(d.ID)))
	}
	return out
}

// LayerNameToID resolves a display name against the latest topology. The
// same-as-reference sentinel resolves to reference.
func (s *Session) LayerNameToID(name string, reference LayerID) (LayerID, error) {
	if name == NameSameAsReference {
		return reference, nil
	}
	if id, ok := sentinelLayers[name]; ok {
		return id, nil
	}
	raw, err := ParseID(name)
	if err != nil {
		return 0, err
	}
	id := LayerID(raw)

	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	for _, ls := range s.topo.Layers {
		for _, l := range ls {
			if l.ID == id {
				return id, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: layer %q", ErrNotFound, name)
}

// DocumentNameToID resolves a document display name. An empty name means
// the active document.
func (s *Session) DocumentNameToID(name string) (DocumentID, error) {
	if name == "" {
		return ActiveDocument, nil
	}
	raw, err := ParseID(name)
	if err != nil {
		return 0, err
	}
	id := DocumentID(raw)

	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	for _, d := range s.topo.Documents {
		if d.ID == id {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: document %q", ErrNotFound, name)
}
