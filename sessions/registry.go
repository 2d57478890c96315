package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/layersync/channel"
)

// Registry maps identities to their live Session.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[Identity]*Session
	aliases  map[Identity]Identity
}

// NewRegistry returns an empty registry. Sessions it creates use cfg.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[Identity]*Session),
		aliases:  make(map[Identity]Identity),
	}
}

// Resolve returns the live session for id, following token aliases
// registered with AssociateToken. It has no side effects.
func (r *Registry) Resolve(id Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, true
	}
	if base, ok := r.aliases[id]; ok {
		s, ok := r.sessions[base]
		return s, ok
	}
	return nil, false
}

// MustResolve is Resolve returning ErrNoActiveSession when nothing is
// connected for id.
func (r *Registry) MustResolve(id Identity) (*Session, error) {
	s, ok := r.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, id)
	}
	return s, nil
}

// Accept registers a new session for id bound to ch. Any session already
// registered for id is closed first, and Accept waits for it to shut down
// before returning. The caller runs the returned session.
func (r *Registry) Accept(ctx context.Context, id Identity, ch *channel.Channel) (*Session, error) {
	s := New(id, ch, r.cfg)
	s.onClose = func(s *Session) { r.Remove(s.identity, s) }

	r.mu.Lock()
	prior := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if prior != nil {
		r.log.InfoContext(ctx, "registry.displace", slog.String("identity", id.String()), slog.String("prior_session_id", prior.ID()))
		_ = prior.Close()
		select {
		case <-prior.Done():
		case <-ctx.Done():
			_ = s.Close()
			return nil, fmt.Errorf("wait for displaced session: %w", ctx.Err())
		}
	}
	r.log.InfoContext(ctx, "registry.accept", slog.String("identity", id.String()), slog.String("session_id", s.ID()))
	return s, nil
}

// AssociateToken makes base+token resolve to the session registered for
// base. It is used by stateless requests that only learn their client token
// after the editor connected.
func (r *Registry) AssociateToken(base Identity, token string) {
	alias := base.WithClientToken(token)
	if alias == base {
		return
	}
	r.mu.Lock()
	r.aliases[alias] = base
	r.mu.Unlock()
}

// Remove unregisters s for id. It does nothing if id has since been bound to
// a different session.
func (r *Registry) Remove(id Identity, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close closes every registered session.
func (r *Registry) Close() error {
	for _, s := range r.Sessions() {
		_ = s.Close()
	}
	return nil
}
