// Package call composes signaling, media and negotiation into one call
// lifecycle and is the surface a UI talks to.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carecall/native/internal/actor"
	"carecall/native/internal/domain"
	"carecall/native/internal/negotiation"

	"github.com/rs/zerolog"
)

// ErrSuperseded is returned by a screen share toggle whose result was
// overtaken by a newer toggle.
var ErrSuperseded = errors.New("call: screen share request superseded")

// Config configures a Session.
type Config struct {
	Session domain.SessionID
	Local   domain.ParticipantID
	Remote  domain.ParticipantID
	Role    domain.Role

	Transport  domain.SignalingTransport
	Media      domain.MediaSource
	NewPeer    domain.PeerFactory
	ICEServers []domain.ICEServer

	NegotiationTimeout time.Duration
	ReconnectTimeout   time.Duration
	Logger             zerolog.Logger
}

// Session runs one call.
type Session struct {
	cfg    Config
	log    zerolog.Logger
	engine *negotiation.Engine
	bus    *actor.Bus[domain.Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	wantScreen bool
	screenGen  uint64
	endOnce    sync.Once

	// swapMu serializes applying screen share changes to the engine.
	swapMu sync.Mutex
}

// New creates a Session and its negotiation engine. Nothing is acquired
// or sent until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("call: Transport is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("call: Media is required")
	}
	if cfg.Session == "" {
		cfg.Session = domain.NewSessionID()
	}

	engine, err := negotiation.New(negotiation.Config{
		Session:            cfg.Session,
		Local:              cfg.Local,
		Remote:             cfg.Remote,
		ICEServers:         cfg.ICEServers,
		NewPeer:            cfg.NewPeer,
		Sender:             cfg.Transport,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ReconnectTimeout:   cfg.ReconnectTimeout,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("component", "call").
			Str("session", string(cfg.Session)).
			Str("role", cfg.Role.String()).
			Logger(),
		engine: engine,
		bus:    actor.NewBus[domain.Event](),
		ctx:    ctx,
		cancel: cancel,
	}
	engine.Subscribe(s.forward)
	go func() {
		<-engine.Done()
		s.bus.Close()
	}()
	return s, nil
}

// Subscribe registers an observer for state, remote track and error events.
func (s *Session) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// State returns the current connection state.
func (s *Session) State() domain.ConnectionState {
	return s.engine.State()
}

// Info returns a snapshot of the session.
func (s *Session) Info() domain.Session {
	return s.engine.Session()
}

// ScreenSharing reports whether the screen currently feeds outgoing video.
func (s *Session) ScreenSharing() bool {
	return s.engine.ActiveVideoSource() == domain.SourceScreen
}

// Done is closed after the session ended and delivered its last event.
func (s *Session) Done() <-chan struct{} {
	return s.bus.Done()
}

// Start acquires kinds and begins negotiating according to the role. It
// returns immediately; progress and failures arrive as events.
func (s *Session) Start(kinds ...domain.TrackKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return domain.NewError(domain.KindClosed, "session ended", nil)
	}
	if s.started {
		return errors.New("call: session already started")
	}
	s.started = true

	go s.run(kinds)
	return nil
}

func (s *Session) run(kinds []domain.TrackKind) {
	tracks, err := s.cfg.Media.Acquire(s.ctx, kinds...)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("acquire media")
		s.report(domain.AsError(domain.KindDeviceUnavailable, err))
		return
	}
	if s.ctx.Err() != nil {
		s.cfg.Media.Release(tracks)
		return
	}

	// Callees attach before joining so the first answer carries their media.
	if s.cfg.Role == domain.RoleCallee {
		if err := s.engine.AttachTracks(tracks); err != nil {
			s.startFailed("attach tracks", err)
			return
		}
	}

	s.cfg.Transport.OnMessage(s.engine.HandleMessage)
	s.cfg.Transport.OnError(s.transportError)
	if err := s.cfg.Transport.Connect(s.ctx, s.cfg.Session, s.cfg.Local); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Msg("connect signaling")
		s.report(domain.AsError(domain.KindSignalingUnavailable, err))
		return
	}
	s.log.Info().Str("remote", string(s.cfg.Remote)).Msg("joined session")

	if s.cfg.Role == domain.RoleCaller {
		if err := s.engine.StartAsCaller(tracks); err != nil {
			s.startFailed("start as caller", err)
		}
	}
}

// startFailed reports err unless the engine already did.
func (s *Session) startFailed(detail string, err error) {
	if s.engine.State().Terminal() || s.ctx.Err() != nil {
		return
	}
	s.log.Error().Err(err).Msg(detail)
	s.report(domain.NewError(domain.KindNegotiationFailed, detail, err))
}

func (s *Session) transportError(err error) {
	s.log.Warn().Err(err).Msg("signaling error")
	s.report(domain.AsError(domain.KindTransportSendFailed, err))
}

// ToggleAudio flips the microphone and returns the new state.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(domain.KindAudio)
}

// ToggleVideo flips the camera and returns the new state.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(domain.KindVideo)
}

func (s *Session) toggle(kind domain.TrackKind) (bool, error) {
	enabled, err := s.cfg.Media.Enabled(kind)
	if err != nil {
		return false, err
	}
	return s.cfg.Media.Toggle(kind, !enabled)
}

// ToggleScreenShare starts or stops sending the screen in place of the
// camera and returns whether the screen is shared afterwards. When toggles
// overlap the last one wins; an overtaken enable returns ErrSuperseded.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false, domain.NewError(domain.KindClosed, "session ended", nil)
	}
	s.screenGen++
	gen := s.screenGen
	s.wantScreen = !s.wantScreen
	enable := s.wantScreen
	s.mu.Unlock()

	if enable {
		return s.enableScreen(ctx, gen)
	}
	return s.disableScreen()
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.screenGen
}

func (s *Session) enableScreen(ctx context.Context, gen uint64) (bool, error) {
	screen, err := s.cfg.Media.AcquireScreen(ctx)

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if !s.current(gen) {
		if err == nil {
			s.cfg.Media.Release(domain.NewTrackSet(screen))
		}
		s.log.Debug().Msg("screen share request superseded")
		return s.ScreenSharing(), ErrSuperseded
	}
	if err != nil {
		s.revertWant(gen)
		derr := domain.AsError(domain.KindScreenShareDenied, err)
		s.report(derr)
		return false, derr
	}

	if err := s.engine.StartScreenShare(screen); err != nil {
		s.cfg.Media.Release(domain.NewTrackSet(screen))
		s.revertWant(gen)
		derr := domain.AsError(domain.KindTrackNotFound, err)
		s.report(derr)
		return false, derr
	}
	s.log.Info().Msg("screen share started")
	return true, nil
}

func (s *Session) disableScreen() (bool, error) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	screen, err := s.engine.StopScreenShare()
	if err != nil {
		if domain.KindOf(err) == domain.KindTrackNotFound {
			// An enable still in flight will see it was superseded.
			return false, nil
		}
		s.mu.Lock()
		s.wantScreen = true
		s.mu.Unlock()
		derr := domain.AsError(domain.KindTrackNotFound, err)
		s.report(derr)
		return true, derr
	}
	if screen != nil {
		s.cfg.Media.Release(domain.NewTrackSet(screen))
	}
	s.log.Info().Msg("screen share stopped")
	return false, nil
}

func (s *Session) revertWant(gen uint64) {
	s.mu.Lock()
	if gen == s.screenGen {
		s.wantScreen = false
	}
	s.mu.Unlock()
}

// End hangs up and releases every device and connection resource. It can
// be called in any state and more than once.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()

		s.engine.Terminate()
		s.releaseMedia()
		if err := s.cfg.Transport.Disconnect(); err != nil {
			s.log.Warn().Err(err).Msg("disconnect signaling")
		}
		s.log.Info().Msg("call ended")
	})
}

func (s *Session) forward(ev domain.Event) {
	if ev.Type == domain.EventStateChanged && ev.State.Terminal() {
		s.releaseMedia()
	}
	s.bus.Publish(ev)
}

func (s *Session) releaseMedia() {
	s.cfg.Media.ReleaseAll()
}

func (s *Session) report(err *domain.Error) {
	s.bus.Publish(domain.ErrorEvent(s.cfg.Session, err))
}
