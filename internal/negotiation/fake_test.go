package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"carecall/native/internal/domain"
)

// fakePeer mimics the signaling-state rules of a real peer connection and
// records every call.
type fakePeer struct {
	name string
	link *fakeLink

	mu          sync.Mutex
	handler     domain.PeerHandler
	localOffer  string
	remote      *domain.SessionDescription
	negotiated  bool
	offers      int
	answers     int
	rollbacks   int
	applied     []domain.ICECandidate
	applyErrors int
	attached    map[domain.TrackKind]domain.Track
	replaced    []domain.Track
	closed      int
	candidates  int
	offerGate   chan struct{}
	failOffer   error
	rollbackErr error
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name, attached: make(map[domain.TrackKind]domain.Track), candidates: 2}
}

func (p *fakePeer) factory() domain.PeerFactory {
	return func([]domain.ICEServer) (domain.Peer, error) { return p, nil }
}

// peerSequence hands out peers in order, one per factory call.
func peerSequence(peers ...*fakePeer) domain.PeerFactory {
	var mu sync.Mutex
	return func([]domain.ICEServer) (domain.Peer, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(peers) == 0 {
			return nil, errors.New("no more peers")
		}
		p := peers[0]
		peers = peers[1:]
		return p, nil
	}
}

// withoutRollback makes p refuse rollbacks the way pion does.
func withoutRollback(p *fakePeer) *fakePeer {
	p.rollbackErr = fmt.Errorf("%w: have-local-offer->SetLocal(rollback)->stable", domain.ErrRollbackUnsupported)
	return p
}

func (p *fakePeer) SetHandler(h domain.PeerHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	gate, failErr := p.offerGate, p.failOffer
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}

	p.mu.Lock()
	p.offers++
	sdp := fmt.Sprintf("offer-%s-%d", p.name, p.offers)
	p.localOffer = sdp
	p.mu.Unlock()

	p.gather()
	return sdp, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (string, error) {
	p.mu.Lock()
	if p.remote == nil || p.remote.Type != domain.SDPOffer {
		p.mu.Unlock()
		return "", errors.New("create answer without remote offer")
	}
	p.answers++
	sdp := fmt.Sprintf("answer-%s-%d", p.name, p.answers)
	p.negotiated = true
	p.mu.Unlock()

	p.gather()
	p.link.check()
	return sdp, nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	p.mu.Lock()
	switch desc.Type {
	case domain.SDPOffer:
		if p.localOffer != "" {
			p.mu.Unlock()
			return errors.New("remote offer while local offer pending")
		}
	case domain.SDPAnswer:
		if p.localOffer == "" {
			p.mu.Unlock()
			return errors.New("remote answer without local offer")
		}
		p.localOffer = ""
		p.negotiated = true
	}
	d := desc
	p.remote = &d
	p.mu.Unlock()

	p.link.check()
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.applyErrors++
		return errors.New("candidate before remote description")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rollbackErr != nil {
		return p.rollbackErr
	}
	if p.localOffer == "" {
		return errors.New("nothing to roll back")
	}
	p.localOffer = ""
	p.rollbacks++
	return nil
}

func (p *fakePeer) AttachTrack(slot domain.TrackKind, t domain.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[slot] = t
	return nil
}

func (p *fakePeer) ReplaceTrack(slot domain.TrackKind, t domain.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[slot] = t
	p.replaced = append(p.replaced, t)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) gather() {
	p.mu.Lock()
	h, n, round := p.handler, p.candidates, p.offers+p.answers
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		h.OnLocalCandidate(domain.ICECandidate{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.%d.%d 5000 typ host", i+1, round, len(p.name)+i),
			SDPMid:    "0",
		})
	}
}

func (p *fakePeer) emit(s domain.TransportState) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h.OnTransportState(s)
}

func (p *fakePeer) snapshot() (applied []string, offers, answers, rollbacks, closed, applyErrors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.applied {
		applied = append(applied, c.Candidate)
	}
	return applied, p.offers, p.answers, p.rollbacks, p.closed, p.applyErrors
}

// fakeLink reports Connected to both peers once each finished an exchange.
type fakeLink struct {
	mu    sync.Mutex
	peers []*fakePeer
	fired bool
}

func linkPeers(a, b *fakePeer) {
	l := &fakeLink{peers: []*fakePeer{a, b}}
	a.link, b.link = l, l
}

func (l *fakeLink) check() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return
	}
	for _, p := range l.peers {
		p.mu.Lock()
		ok := p.negotiated
		p.mu.Unlock()
		if !ok {
			return
		}
	}
	l.fired = true
	for _, p := range l.peers {
		go p.emit(domain.TransportConnected)
	}
}

// recordingSender stores outbound messages.
type recordingSender struct {
	mu   sync.Mutex
	msgs []domain.SignalingMessage
}

func (s *recordingSender) Send(msg domain.SignalingMessage, to domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg.Addressed(to))
}

func (s *recordingSender) count(t domain.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *recordingSender) last(t domain.MessageType) (domain.SignalingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Type == t {
			return s.msgs[i], true
		}
	}
	return domain.SignalingMessage{}, false
}

// fakeTrack is a minimal domain.Track.
type fakeTrack struct {
	id   string
	kind domain.TrackKind
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Enabled() bool          { return true }
func (t *fakeTrack) SetEnabled(bool)        {}
func (t *fakeTrack) Stop()                  {}

// eventLog collects events from an engine.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func watch(e *Engine) *eventLog {
	l := &eventLog{}
	e.Subscribe(func(ev domain.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) states() []domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ConnectionState
	for _, ev := range l.events {
		if ev.Type == domain.EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (l *eventLog) errors() []*domain.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Error
	for _, ev := range l.events {
		if ev.Type == domain.EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, e *Engine, want domain.ConnectionState) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return e.State() == want })
}

// barrier waits until everything queued on the engine so far has run.
func barrier(e *Engine) {
	e.PendingCandidates()
}
