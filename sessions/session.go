package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/internal/logctx"
	"github.com/ggoodman/layersync/internal/wire"
	"github.com/ggoodman/layersync/results"
)

// Config tunes a Session.
type Config struct {
	// CallTimeout bounds topology and history queries.
	CallTimeout time.Duration
	// ImageCallTimeout bounds get_image and send_images calls.
	ImageCallTimeout time.Duration
	// SyncInterval is the minimum spacing of unforced topology syncs.
	SyncInterval time.Duration
	// PollInterval is how often the session refreshes the topology in the
	// background. A negative value disables polling.
	PollInterval time.Duration
	// PollErrorBackoff is the wait after a failed background refresh.
	PollErrorBackoff time.Duration
	// Logger receives session diagnostics. Nil discards.
	Logger *slog.Logger
}

// DefaultConfig returns the defaults used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      10 * time.Second,
		ImageCallTimeout: 60 * time.Second,
		SyncInterval:     time.Second,
		PollInterval:     time.Second,
		PollErrorBackoff: 3 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.ImageCallTimeout <= 0 {
		c.ImageCallTimeout = def.ImageCallTimeout
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollErrorBackoff <= 0 {
		c.PollErrorBackoff = def.PollErrorBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Session is the state kept for one connected editor. All methods are safe
// for concurrent use.
type Session struct {
	id       string
	identity Identity
	ch       *channel.Channel
	cfg      Config
	log      *slog.Logger

	locks keyedMutex
	tr    *tracker

	// syncMu serializes topology syncs and guards limiter.
	syncMu  sync.Mutex
	limiter *rate.Limiter

	topoMu sync.RWMutex
	topo   Topology

	lastHandle atomic.Uint64

	onClose func(*Session)

	running   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

// New binds a session to ch. The session takes ownership of the channel;
// nothing is read from it until Run is called.
func New(identity Identity, ch *channel.Channel, cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		ch:       ch,
		cfg:      cfg,
		tr:       newTracker(),
		limiter:  rate.NewLimiter(rate.Every(cfg.SyncInterval), 1),
		topo:     Topology{Layers: map[DocumentID][]Layer{}},
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.log = cfg.Logger.With(slog.String("session_id", s.id))
	ch.OnPush(s.handlePush)
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Identity returns the identity the session was created for.
func (s *Session) Identity() Identity { return s.identity }

// LastHandle returns the last result handle pushed to the editor, or zero.
func (s *Session) LastHandle() results.Handle {
	return results.Handle(s.lastHandle.Load())
}

// Run drives the session until its channel closes or ctx ends: the channel
// message loop and the background topology poller run as supervised tasks
// and both stop when the session closes. Run may be called at most once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sessions: Run called more than once")
	}
	defer s.finish()

	select {
	case <-s.closed:
		return nil
	default:
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		Origin:    s.identity.Origin,
		UserID:    s.identity.UserToken,
		ClientID:  s.identity.ClientToken,
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.InfoContext(ctx, "session.start")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.ch.Run(gctx)
	})
	g.Go(func() error {
		s.poll(gctx)
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.log.WarnContext(ctx, "session.end", slog.String("err", err.Error()))
	} else {
		s.log.InfoContext(ctx, "session.end")
	}
	return err
}

func (s *Session) poll(ctx context.Context) {
	if s.cfg.PollInterval < 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := s.cfg.PollInterval
		if _, err := s.SyncTopology(ctx, nil, true); err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrChannelClosed) {
				return
			}
			s.log.WarnContext(ctx, "session.poll.failed", slog.String("err", err.Error()))
			next = s.cfg.PollErrorBackoff
		}
		timer.Reset(next)
	}
}

func (s *Session) handlePush(ctx context.Context, p wire.Push) {
	ids, err := wire.DecodeHistoryPush(p.Data)
	if err != nil {
		s.log.DebugContext(ctx, "session.push.ignored", slog.String("err", err.Error()))
		return
	}
	for doc, id := range ids {
		s.tr.mergePush(DocumentID(doc), HistoryStateID(id))
	}
}

// PushState returns the highest history id pushed (or observed) for doc.
func (s *Session) PushState(doc DocumentID) (HistoryStateID, bool) {
	return s.tr.pushedID(doc)
}

// Close closes the session's channel. It is idempotent and does not wait;
// use Done for that.
func (s *Session) Close() error {
	err := s.markClosed()
	if !s.running.Load() {
		s.finish()
	}
	return err
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// checkOpen fails once the session has been closed. The error matches both
// ErrSessionClosed and channel.ErrChannelClosed.
func (s *Session) checkOpen() error {
	select {
	case <-s.closed:
		return fmt.Errorf("%w: %w", ErrSessionClosed, channel.ErrChannelClosed)
	default:
		return nil
	}
}

func (s *Session) markClosed() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ch.Close()
	})
	return err
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		_ = s.markClosed()
		<-s.ch.Done()
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}
