// Package negotiation owns the connection state machine of one call: it
// produces and consumes offers and answers, orders remote ICE candidates
// against the remote description, resolves glare and swaps outgoing tracks.
//
// Every transition runs on a single actor goroutine per Engine. Inbound
// signaling, peer notifications and timer expiries are queued to it in
// arrival order; public methods that return a result wait for the actor.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"carecall/native/internal/actor"
	"carecall/native/internal/domain"

	"github.com/rs/zerolog"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultReconnectTimeout   = 15 * time.Second
)

// Sender hands outbound signaling messages to a transport.
type Sender interface {
	Send(msg domain.SignalingMessage, to domain.ParticipantID)
}

// Config configures an Engine.
type Config struct {
	Session    domain.SessionID
	Local      domain.ParticipantID
	Remote     domain.ParticipantID
	ICEServers []domain.ICEServer
	NewPeer    domain.PeerFactory
	Sender     Sender

	NegotiationTimeout time.Duration
	ReconnectTimeout   time.Duration
	Logger             zerolog.Logger
}

// Engine drives one Peer through offer/answer for a single Session.
type Engine struct {
	cfg  Config
	log  zerolog.Logger
	peer domain.Peer
	q    *actor.Queue
	bus  *actor.Bus[domain.Event]

	ctx    context.Context
	cancel context.CancelFunc

	stateV atomic.Int32
	videoV atomic.Int32

	// Owned by the actor goroutine.
	state              domain.ConnectionState
	offering           bool
	renegotiating      bool
	renegotiatePending bool
	remoteDescSet      bool
	lastRemoteOffer    string
	candidates         *candidateQueue
	slots              map[domain.TrackKind]domain.Track
	camera             domain.Track
	video              domain.VideoSource
	remote             []domain.RemoteTrack
	negTimer           *timer
	reconnTimer        *timer
}

// New builds the peer through cfg.NewPeer and starts the actor.
func New(cfg Config) (*Engine, error) {
	if cfg.NewPeer == nil {
		return nil, errors.New("negotiation: NewPeer is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("negotiation: Sender is required")
	}
	if cfg.Local == "" || cfg.Remote == "" || cfg.Local == cfg.Remote {
		return nil, fmt.Errorf("negotiation: invalid participants %q and %q", cfg.Local, cfg.Remote)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}

	peer, err := cfg.NewPeer(cfg.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("negotiation: create peer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("component", "negotiation").
			Str("session", string(cfg.Session)).
			Str("local", string(cfg.Local)).
			Logger(),
		peer:       peer,
		q:          actor.NewQueue(),
		bus:        actor.NewBus[domain.Event](),
		ctx:        ctx,
		cancel:     cancel,
		state:      domain.StateIdle,
		candidates: newCandidateQueue(),
		slots:      make(map[domain.TrackKind]domain.Track),
	}
	e.negTimer = newTimer(e.post, e.onNegotiationTimeout)
	e.reconnTimer = newTimer(e.post, e.onReconnectTimeout)

	peer.SetHandler(peerEvents{e: e, peer: peer})
	return e, nil
}

// Subscribe registers an observer for state, track and error events.
func (e *Engine) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// State returns the externally visible connection state.
func (e *Engine) State() domain.ConnectionState {
	return domain.ConnectionState(e.stateV.Load())
}

// ActiveVideoSource tells whether the camera or the screen feeds outgoing video.
func (e *Engine) ActiveVideoSource() domain.VideoSource {
	return domain.VideoSource(e.videoV.Load())
}

// Session returns a snapshot of the owned Session.
func (e *Engine) Session() domain.Session {
	return domain.Session{
		ID:     e.cfg.Session,
		Local:  e.cfg.Local,
		Remote: e.cfg.Remote,
		State:  e.State(),
	}
}

// Done is closed once the engine reached Closed or Failed and delivered its
// last event.
func (e *Engine) Done() <-chan struct{} {
	return e.bus.Done()
}

// StartAsCaller attaches tracks and sends the initial offer. If a remote
// offer was already answered, the tracks are attached and sent through a
// renegotiation instead.
func (e *Engine) StartAsCaller(tracks *domain.TrackSet) error {
	return e.do(func() error {
		changed, err := e.attach(tracks)
		if err != nil {
			return err
		}
		if e.state != domain.StateIdle {
			e.log.Info().Str("state", e.state.String()).Msg("already negotiating as answerer")
			if changed {
				e.requestRenegotiation()
			}
			return nil
		}
		if err := e.sendOffer(); err != nil {
			e.fail(domain.KindNegotiationFailed, "create offer", err)
			return err
		}
		e.setState(domain.StateNegotiating)
		e.negTimer.arm(e.cfg.NegotiationTimeout)
		return nil
	})
}

// AttachTracks adds tracks without sending an offer while Idle, so that a
// later answer carries them. Once negotiation started the tracks trigger a
// renegotiation.
func (e *Engine) AttachTracks(tracks *domain.TrackSet) error {
	return e.do(func() error {
		changed, err := e.attach(tracks)
		if err != nil {
			return err
		}
		if changed && e.state != domain.StateIdle {
			e.requestRenegotiation()
		}
		return nil
	})
}

// HandleMessage queues an inbound signaling message.
func (e *Engine) HandleMessage(msg domain.SignalingMessage) {
	e.post(func() { e.dispatch(msg) })
}

// ReceiveOffer queues a remote offer.
func (e *Engine) ReceiveOffer(sdp string) {
	e.HandleMessage(domain.NewOffer(e.cfg.Remote, e.cfg.Local, sdp))
}

// ReceiveAnswer queues a remote answer.
func (e *Engine) ReceiveAnswer(sdp string) {
	e.HandleMessage(domain.NewAnswer(e.cfg.Remote, e.cfg.Local, sdp))
}

// ReceiveCandidate queues a remote ICE candidate.
func (e *Engine) ReceiveCandidate(c domain.ICECandidate) {
	e.HandleMessage(domain.NewCandidate(e.cfg.Remote, e.cfg.Local, c))
}

// ReplaceTrack swaps the track sent for kind. Screen tracks use the video
// slot. The connection is kept; a renegotiation only runs when the slot did
// not exist yet.
func (e *Engine) ReplaceTrack(kind domain.TrackKind, t domain.Track) error {
	return e.do(func() error {
		return e.replace(slotOf(kind), t)
	})
}

// StartScreenShare sends screen in place of the camera and remembers the
// camera track for StopScreenShare.
func (e *Engine) StartScreenShare(screen domain.Track) error {
	return e.do(func() error {
		if e.video == domain.SourceScreen {
			return e.replace(domain.KindVideo, screen)
		}
		camera := e.slots[domain.KindVideo]
		if err := e.replace(domain.KindVideo, screen); err != nil {
			return err
		}
		e.camera = camera
		e.setVideo(domain.SourceScreen)
		return nil
	})
}

// StopScreenShare puts the remembered camera track back and returns the
// screen track it replaced.
func (e *Engine) StopScreenShare() (domain.Track, error) {
	var screen domain.Track
	err := e.do(func() error {
		if e.video != domain.SourceScreen {
			return domain.NewError(domain.KindTrackNotFound, "screen share is not active", nil)
		}
		screen = e.slots[domain.KindVideo]
		if err := e.replace(domain.KindVideo, e.camera); err != nil {
			return err
		}
		e.camera = nil
		e.setVideo(domain.SourceCamera)
		return nil
	})
	return screen, err
}

// LocalTrack returns the track currently sent in the slot of kind.
func (e *Engine) LocalTrack(kind domain.TrackKind) (domain.Track, bool) {
	var t domain.Track
	var ok bool
	_ = e.do(func() error {
		t, ok = e.slots[slotOf(kind)]
		ok = ok && t != nil
		return nil
	})
	return t, ok
}

// PendingCandidates returns how many remote candidates wait for a remote
// description.
func (e *Engine) PendingCandidates() int {
	var n int
	_ = e.do(func() error {
		n = e.candidates.len()
		return nil
	})
	return n
}

// Terminate sends Bye, closes the peer and moves to Closed. In-flight peer
// operations are cancelled. Safe to call in any state and more than once.
func (e *Engine) Terminate() {
	e.cancel()
	done := make(chan struct{})
	if !e.q.Submit(func() {
		e.close(true, "terminated locally")
		close(done)
	}) {
		return
	}
	<-done
}

func (e *Engine) post(fn func()) {
	e.q.Submit(fn)
}

// do runs fn on the actor and waits for its result. Terminal engines
// answer ErrClosed.
func (e *Engine) do(fn func() error) error {
	res := make(chan error, 1)
	if !e.q.Submit(func() {
		if e.state.Terminal() {
			res <- domain.NewError(domain.KindClosed, e.state.String(), nil)
			return
		}
		res <- fn()
	}) {
		return domain.NewError(domain.KindClosed, e.State().String(), nil)
	}
	return <-res
}

func (e *Engine) dispatch(msg domain.SignalingMessage) {
	if e.state.Terminal() {
		return
	}
	if msg.From != e.cfg.Remote {
		e.log.Warn().Str("from", string(msg.From)).Str("type", string(msg.Type)).Msg("message from unexpected participant")
		return
	}

	switch msg.Type {
	case domain.MessageOffer:
		if msg.Description != nil {
			e.onOffer(msg.Description.SDP)
		}
	case domain.MessageAnswer:
		if msg.Description != nil {
			e.onAnswer(msg.Description.SDP)
		}
	case domain.MessageCandidate:
		if msg.Candidate != nil {
			e.onCandidate(*msg.Candidate)
		}
	case domain.MessageBye:
		e.log.Info().Msg("remote hung up")
		e.close(false, "remote hung up")
	}
}

func (e *Engine) onOffer(sdp string) {
	if e.remoteDescSet && sdp == e.lastRemoteOffer {
		e.log.Debug().Msg("duplicate offer ignored")
		return
	}

	if e.offering {
		if e.cfg.Local > e.cfg.Remote {
			e.log.Info().Err(domain.ErrGlareConflict).Msg("offers crossed, ignoring remote offer")
			return
		}
		e.log.Info().Err(domain.ErrGlareConflict).Msg("offers crossed, yielding to remote offer")
		if err := e.yield(); err != nil {
			e.fail(domain.KindGlareConflict, "rollback local offer", err)
			return
		}
	}

	if err := e.peer.SetRemoteDescription(e.ctx, domain.SessionDescription{Type: domain.SDPOffer, SDP: sdp}); err != nil {
		e.negotiationError("apply remote offer", err)
		return
	}
	e.remoteDescSet = true
	e.lastRemoteOffer = sdp
	e.flushCandidates()

	answer, err := e.peer.CreateAnswer(e.ctx)
	if err != nil {
		e.negotiationError("create answer", err)
		return
	}

	if e.state == domain.StateIdle {
		e.setState(domain.StateNegotiating)
		e.negTimer.arm(e.cfg.NegotiationTimeout)
	}
	e.log.Debug().Msg("sending answer")
	e.cfg.Sender.Send(domain.NewAnswer(e.cfg.Local, e.cfg.Remote, answer), e.cfg.Remote)

	e.maybeRenegotiate()
}

// yield drops the pending local offer. A peer that cannot roll back is
// replaced while nothing was negotiated on it yet.
func (e *Engine) yield() error {
	err := e.peer.Rollback()
	if errors.Is(err, domain.ErrRollbackUnsupported) && !e.remoteDescSet {
		err = e.restartPeer()
	}
	if err != nil {
		return err
	}
	e.offering = false
	if e.renegotiating {
		e.renegotiating = false
		e.renegotiatePending = true
	}
	return nil
}

// restartPeer swaps in a fresh peer carrying the current tracks. Callbacks
// still queued from the old peer are dropped.
func (e *Engine) restartPeer() error {
	peer, err := e.cfg.NewPeer(e.cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	peer.SetHandler(peerEvents{e: e, peer: peer})
	for slot, t := range e.slots {
		if t == nil {
			delete(e.slots, slot)
			continue
		}
		if err := peer.AttachTrack(slot, t); err != nil {
			_ = peer.Close()
			return fmt.Errorf("attach %s track: %w", slot, err)
		}
	}

	old := e.peer
	e.peer = peer
	if err := old.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close replaced peer")
	}
	e.log.Info().Msg("peer replaced to drop local offer")
	return nil
}

func (e *Engine) onAnswer(sdp string) {
	if !e.offering {
		e.log.Debug().Msg("stray answer ignored")
		return
	}

	if err := e.peer.SetRemoteDescription(e.ctx, domain.SessionDescription{Type: domain.SDPAnswer, SDP: sdp}); err != nil {
		e.negotiationError("apply remote answer", err)
		return
	}
	e.offering = false
	e.remoteDescSet = true
	e.flushCandidates()

	if e.renegotiating {
		e.renegotiating = false
		e.negTimer.disarm()
		e.log.Info().Msg("renegotiation complete")
	}
	e.maybeRenegotiate()
}

func (e *Engine) onCandidate(c domain.ICECandidate) {
	if !e.candidates.admit(c) {
		e.log.Debug().Str("candidate", c.Candidate).Msg("duplicate candidate ignored")
		return
	}
	if !e.remoteDescSet {
		e.candidates.push(c)
		e.log.Debug().Int("queued", e.candidates.len()).Msg("candidate queued until remote description")
		return
	}
	e.applyCandidate(c)
}

func (e *Engine) flushCandidates() {
	queued := e.candidates.drain()
	for _, c := range queued {
		e.applyCandidate(c)
	}
	if len(queued) > 0 {
		e.log.Debug().Int("applied", len(queued)).Msg("flushed queued candidates")
	}
}

func (e *Engine) applyCandidate(c domain.ICECandidate) {
	if err := e.peer.AddICECandidate(c); err != nil {
		e.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("add remote candidate")
	}
}

func (e *Engine) onLocalCandidate(c domain.ICECandidate) {
	if e.state.Terminal() {
		return
	}
	e.cfg.Sender.Send(domain.NewCandidate(e.cfg.Local, e.cfg.Remote, c), e.cfg.Remote)
}

func (e *Engine) onTransportState(s domain.TransportState) {
	e.log.Debug().Str("transport", s.String()).Str("state", e.state.String()).Msg("transport state")

	switch s {
	case domain.TransportConnected:
		switch e.state {
		case domain.StateNegotiating:
			e.negTimer.disarm()
			e.setState(domain.StateConnected)
			e.maybeRenegotiate()
		case domain.StateReconnecting:
			e.reconnTimer.disarm()
			e.setState(domain.StateConnected)
		}
	case domain.TransportDisconnected, domain.TransportFailed:
		if e.state == domain.StateConnected {
			e.setState(domain.StateReconnecting)
			e.reconnTimer.arm(e.cfg.ReconnectTimeout)
		}
	}
}

func (e *Engine) onRemoteTrack(t domain.RemoteTrack) {
	if e.state.Terminal() {
		return
	}
	e.remote = append(e.remote, t)
	e.log.Info().Str("kind", string(t.Kind)).Str("track", t.ID).Msg("remote track")
	e.bus.Publish(domain.TrackEvent(e.cfg.Session, t))
}

func (e *Engine) onNegotiationNeeded() {
	if e.state == domain.StateConnected && !e.offering {
		e.renegotiate()
	}
}

func (e *Engine) onNegotiationTimeout() {
	if e.state == domain.StateNegotiating || e.renegotiating {
		e.fail(domain.KindNegotiationTimeout, fmt.Sprintf("no connection after %s", e.cfg.NegotiationTimeout), nil)
	}
}

func (e *Engine) onReconnectTimeout() {
	if e.state == domain.StateReconnecting {
		e.fail(domain.KindConnectionLost, fmt.Sprintf("not reconnected within %s", e.cfg.ReconnectTimeout), nil)
	}
}

func (e *Engine) sendOffer() error {
	sdp, err := e.peer.CreateOffer(e.ctx)
	if err != nil {
		return err
	}
	e.offering = true
	e.log.Debug().Bool("renegotiation", e.renegotiating).Msg("sending offer")
	e.cfg.Sender.Send(domain.NewOffer(e.cfg.Local, e.cfg.Remote, sdp), e.cfg.Remote)
	return nil
}

// requestRenegotiation renegotiates now when the connection is up and
// stable, otherwise once it gets there.
func (e *Engine) requestRenegotiation() {
	if e.state == domain.StateConnected && !e.offering {
		e.renegotiate()
		return
	}
	e.renegotiatePending = true
}

func (e *Engine) maybeRenegotiate() {
	if e.renegotiatePending && e.state == domain.StateConnected && !e.offering {
		e.renegotiate()
	}
}

func (e *Engine) renegotiate() {
	e.renegotiatePending = false
	e.renegotiating = true
	if err := e.sendOffer(); err != nil {
		e.renegotiating = false
		e.bus.Publish(domain.ErrorEvent(e.cfg.Session, domain.NewError(domain.KindNegotiationFailed, "renegotiation offer", err)))
		return
	}
	e.negTimer.arm(e.cfg.NegotiationTimeout)
	e.log.Info().Msg("renegotiating")
}

// negotiationError fails the session during the initial exchange and only
// reports the error during a renegotiation.
func (e *Engine) negotiationError(detail string, err error) {
	if e.state == domain.StateConnected || e.state == domain.StateReconnecting {
		e.log.Warn().Err(err).Msg(detail)
		e.bus.Publish(domain.ErrorEvent(e.cfg.Session, domain.NewError(domain.KindNegotiationFailed, detail, err)))
		return
	}
	e.fail(domain.KindNegotiationFailed, detail, err)
}

// attach puts every track of tracks into its slot and reports whether a
// new slot was created.
func (e *Engine) attach(tracks *domain.TrackSet) (bool, error) {
	added := false
	for _, t := range tracks.Tracks() {
		slot := slotOf(t.Kind())
		if cur, ok := e.slots[slot]; ok {
			if cur == t {
				continue
			}
			if err := e.peer.ReplaceTrack(slot, t); err != nil {
				return added, fmt.Errorf("replace %s track: %w", slot, err)
			}
		} else {
			if err := e.peer.AttachTrack(slot, t); err != nil {
				return added, fmt.Errorf("attach %s track: %w", slot, err)
			}
			added = true
		}
		e.slots[slot] = t
	}
	return added, nil
}

func (e *Engine) replace(slot domain.TrackKind, t domain.Track) error {
	if _, ok := e.slots[slot]; ok {
		if err := e.peer.ReplaceTrack(slot, t); err != nil {
			return fmt.Errorf("replace %s track: %w", slot, err)
		}
		e.slots[slot] = t
		return nil
	}

	if t == nil {
		return nil
	}
	if err := e.peer.AttachTrack(slot, t); err != nil {
		return fmt.Errorf("attach %s track: %w", slot, err)
	}
	e.slots[slot] = t
	if e.state != domain.StateIdle {
		e.requestRenegotiation()
	}
	return nil
}

func (e *Engine) setState(s domain.ConnectionState) {
	if e.state == s {
		return
	}
	e.log.Info().Str("from", e.state.String()).Str("to", s.String()).Msg("state changed")
	e.state = s
	e.stateV.Store(int32(s))

	ev := domain.StateEvent(e.cfg.Session, s)
	if s == domain.StateConnected {
		ev.RemoteTracks = append([]domain.RemoteTrack(nil), e.remote...)
	}
	e.bus.Publish(ev)
}

func (e *Engine) setVideo(v domain.VideoSource) {
	e.video = v
	e.videoV.Store(int32(v))
}

// fail moves to Failed and reports why.
func (e *Engine) fail(kind domain.ErrorKind, detail string, cause error) {
	if e.state.Terminal() {
		return
	}
	if e.ctx.Err() != nil {
		// Terminate cancelled the operation that failed.
		e.close(true, "terminated locally")
		return
	}
	err := domain.NewError(kind, detail, cause)
	e.log.Error().Err(err).Msg("session failed")
	e.shutdown(true)
	e.setState(domain.StateFailed)
	e.bus.Publish(domain.ErrorEvent(e.cfg.Session, err))
	e.finish()
}

func (e *Engine) close(sendBye bool, reason string) {
	if e.state.Terminal() {
		return
	}
	e.log.Info().Str("reason", reason).Msg("closing")
	e.shutdown(sendBye)
	e.setState(domain.StateClosed)
	e.finish()
}

func (e *Engine) shutdown(sendBye bool) {
	e.negTimer.disarm()
	e.reconnTimer.disarm()
	e.cancel()
	if sendBye && e.state != domain.StateIdle {
		e.cfg.Sender.Send(domain.NewBye(e.cfg.Local, e.cfg.Remote), e.cfg.Remote)
	}
	if err := e.peer.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close peer")
	}
	e.candidates.drain()
}

func (e *Engine) finish() {
	e.q.Stop()
	e.bus.Close()
}

func slotOf(kind domain.TrackKind) domain.TrackKind {
	if kind == domain.KindScreen {
		return domain.KindVideo
	}
	return kind
}

// peerEvents forwards callbacks of one Peer to the actor. Callbacks from a
// peer that was replaced are ignored.
type peerEvents struct {
	e    *Engine
	peer domain.Peer
}

func (p peerEvents) post(fn func()) {
	p.e.post(func() {
		if p.peer == p.e.peer {
			fn()
		}
	})
}

func (p peerEvents) OnLocalCandidate(c domain.ICECandidate) {
	p.post(func() { p.e.onLocalCandidate(c) })
}

func (p peerEvents) OnTransportState(s domain.TransportState) {
	p.post(func() {
		if !p.e.state.Terminal() {
			p.e.onTransportState(s)
		}
	})
}

func (p peerEvents) OnRemoteTrack(t domain.RemoteTrack) {
	p.post(func() { p.e.onRemoteTrack(t) })
}

func (p peerEvents) OnNegotiationNeeded() {
	p.post(func() {
		if !p.e.state.Terminal() {
			p.e.onNegotiationNeeded()
		}
	})
}
