package negotiation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"carecall/native/internal/domain"
	"carecall/native/internal/signal"

	"github.com/rs/zerolog"
)

type engineOpts struct {
	negotiation time.Duration
	reconnect   time.Duration
	// newPeer replaces the factory that always returns the given peer.
	newPeer domain.PeerFactory
}

func newEngine(t *testing.T, local, remote domain.ParticipantID, peer *fakePeer, sender Sender, opts engineOpts) *Engine {
	t.Helper()
	if opts.negotiation == 0 {
		opts.negotiation = 5 * time.Second
	}
	if opts.reconnect == 0 {
		opts.reconnect = 5 * time.Second
	}
	factory := opts.newPeer
	if factory == nil {
		factory = peer.factory()
	}
	e, err := New(Config{
		Session:            "s1",
		Local:              local,
		Remote:             remote,
		NewPeer:            factory,
		Sender:             sender,
		NegotiationTimeout: opts.negotiation,
		ReconnectTimeout:   opts.reconnect,
		Logger:             zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Terminate)
	return e
}

func avTracks() *domain.TrackSet {
	return domain.NewTrackSet(
		&fakeTrack{id: "mic", kind: domain.KindAudio},
		&fakeTrack{id: "cam", kind: domain.KindVideo},
	)
}

func candidate(n int) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 192.168.7.%d 6000 typ host", n, n),
		SDPMid:    "0",
	}
}

// connectedCaller drives alice to Connected against a scripted bob.
func connectedCaller(t *testing.T, tracks *domain.TrackSet, opts engineOpts) (*Engine, *fakePeer, *recordingSender, *eventLog) {
	t.Helper()
	peer := newFakePeer("alice")
	sender := &recordingSender{}
	e := newEngine(t, "alice", "bob", peer, sender, opts)
	events := watch(e)

	if err := e.StartAsCaller(tracks); err != nil {
		t.Fatalf("StartAsCaller: %v", err)
	}
	e.ReceiveAnswer("answer-bob-1")
	barrier(e)
	peer.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)
	return e, peer, sender, events
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	peer := newFakePeer("alice")
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no peer factory", Config{Local: "a", Remote: "b", Sender: &recordingSender{}}},
		{"no sender", Config{Local: "a", Remote: "b", NewPeer: peer.factory()}},
		{"same participant", Config{Local: "a", Remote: "a", NewPeer: peer.factory(), Sender: &recordingSender{}}},
		{"missing remote", Config{Local: "a", NewPeer: peer.factory(), Sender: &recordingSender{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngine_StartAsCallerSendsOffer(t *testing.T) {
	peer := newFakePeer("alice")
	sender := &recordingSender{}
	e := newEngine(t, "alice", "bob", peer, sender, engineOpts{})

	if got := e.State(); got != domain.StateIdle {
		t.Fatalf("initial state %s", got)
	}
	if err := e.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("StartAsCaller: %v", err)
	}
	barrier(e)

	if got := e.State(); got != domain.StateNegotiating {
		t.Errorf("state = %s, want Negotiating", got)
	}
	offer, ok := sender.last(domain.MessageOffer)
	if !ok {
		t.Fatal("no offer sent")
	}
	if offer.From != "alice" || offer.To != "bob" || offer.Description.SDP != "offer-alice-1" {
		t.Errorf("unexpected offer %+v", offer)
	}
	if got := sender.count(domain.MessageCandidate); got != 2 {
		t.Errorf("sent %d candidates, want 2", got)
	}
	sender.mu.Lock()
	first := sender.msgs[0].Type
	sender.mu.Unlock()
	if first != domain.MessageOffer {
		t.Errorf("first message %s, want offer before candidates", first)
	}
	if _, ok := e.LocalTrack(domain.KindVideo); !ok {
		t.Error("video track not attached")
	}
}

func TestEngine_AnswersOfferFromIdle(t *testing.T) {
	peer := newFakePeer("bob")
	sender := &recordingSender{}
	e := newEngine(t, "bob", "alice", peer, sender, engineOpts{})
	if err := e.AttachTracks(avTracks()); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	if got := sender.count(domain.MessageOffer); got != 0 {
		t.Fatalf("AttachTracks sent %d offers while idle", got)
	}

	e.ReceiveOffer("offer-alice-1")
	barrier(e)

	if got := e.State(); got != domain.StateNegotiating {
		t.Fatalf("state = %s, want Negotiating", got)
	}
	answer, ok := sender.last(domain.MessageAnswer)
	if !ok || answer.To != "alice" {
		t.Fatalf("no answer to alice, got %+v", answer)
	}

	// An answer without a pending offer is not fed to the peer.
	e.ReceiveAnswer("stray")
	barrier(e)
	if got := e.State(); got != domain.StateNegotiating {
		t.Fatalf("stray answer moved state to %s", got)
	}

	peer.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)
}

func TestEngine_DuplicateOfferIgnored(t *testing.T) {
	peer := newFakePeer("bob")
	sender := &recordingSender{}
	e := newEngine(t, "bob", "alice", peer, sender, engineOpts{})

	e.ReceiveOffer("offer-alice-1")
	e.ReceiveOffer("offer-alice-1")
	barrier(e)

	if got := sender.count(domain.MessageAnswer); got != 1 {
		t.Errorf("sent %d answers, want 1", got)
	}
}

func TestEngine_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	peer := newFakePeer("bob")
	e := newEngine(t, "bob", "alice", peer, &recordingSender{}, engineOpts{})

	for i := 1; i <= 3; i++ {
		e.ReceiveCandidate(candidate(i))
	}
	if got := e.PendingCandidates(); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	e.ReceiveOffer("offer-alice-1")
	if got := e.PendingCandidates(); got != 0 {
		t.Fatalf("pending after offer = %d, want 0", got)
	}

	applied, _, _, _, _, applyErrors := peer.snapshot()
	if applyErrors != 0 {
		t.Errorf("%d candidates hit the peer before the remote description", applyErrors)
	}
	if len(applied) != 3 {
		t.Fatalf("applied %d candidates, want 3", len(applied))
	}
	for i, c := range applied {
		if c != candidate(i+1).Candidate {
			t.Errorf("applied[%d] = %q, want arrival order", i, c)
		}
	}

	e.ReceiveCandidate(candidate(4))
	barrier(e)
	applied, _, _, _, _, _ = peer.snapshot()
	if len(applied) != 4 {
		t.Errorf("late candidate not applied directly, have %d", len(applied))
	}
}

func TestEngine_IgnoresDuplicateCandidates(t *testing.T) {
	peer := newFakePeer("bob")
	e := newEngine(t, "bob", "alice", peer, &recordingSender{}, engineOpts{})

	e.ReceiveCandidate(candidate(1))
	e.ReceiveCandidate(candidate(1))
	if got := e.PendingCandidates(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	e.ReceiveOffer("offer-alice-1")
	e.ReceiveCandidate(candidate(1))
	barrier(e)

	applied, _, _, _, _, _ := peer.snapshot()
	if len(applied) != 1 {
		t.Errorf("applied %d candidates, want 1", len(applied))
	}
}

func TestEngine_Glare(t *testing.T) {
	t.Run("lower id yields", func(t *testing.T) {
		peer := newFakePeer("alice")
		sender := &recordingSender{}
		e := newEngine(t, "alice", "bob", peer, sender, engineOpts{})

		if err := e.StartAsCaller(avTracks()); err != nil {
			t.Fatalf("StartAsCaller: %v", err)
		}
		e.ReceiveOffer("offer-bob-1")
		barrier(e)

		_, _, answers, rollbacks, _, _ := peer.snapshot()
		if rollbacks != 1 {
			t.Errorf("rollbacks = %d, want 1", rollbacks)
		}
		if answers != 1 || sender.count(domain.MessageAnswer) != 1 {
			t.Errorf("expected one answer, peer %d sent %d", answers, sender.count(domain.MessageAnswer))
		}
		if got := e.State(); got != domain.StateNegotiating {
			t.Errorf("state = %s, want Negotiating", got)
		}

		// The answer to our rolled back offer is stale now.
		e.ReceiveAnswer("answer-bob-1")
		barrier(e)
		if got := e.State(); got != domain.StateNegotiating {
			t.Errorf("stale answer moved state to %s", got)
		}
	})

	t.Run("higher id keeps its offer", func(t *testing.T) {
		peer := newFakePeer("zed")
		sender := &recordingSender{}
		e := newEngine(t, "zed", "bob", peer, sender, engineOpts{})

		if err := e.StartAsCaller(avTracks()); err != nil {
			t.Fatalf("StartAsCaller: %v", err)
		}
		e.ReceiveOffer("offer-bob-1")
		barrier(e)

		_, _, answers, rollbacks, _, _ := peer.snapshot()
		if rollbacks != 0 || answers != 0 {
			t.Errorf("rollbacks = %d answers = %d, want none", rollbacks, answers)
		}
		if got := sender.count(domain.MessageAnswer); got != 0 {
			t.Errorf("sent %d answers", got)
		}

		e.ReceiveAnswer("answer-bob-1")
		barrier(e)
		peer.emit(domain.TransportConnected)
		waitState(t, e, domain.StateConnected)
	})
}

func TestEngine_GlareReplacesPeerWithoutRollback(t *testing.T) {
	first := withoutRollback(newFakePeer("alice"))
	second := newFakePeer("alice2")
	sender := &recordingSender{}
	e := newEngine(t, "alice", "bob", nil, sender, engineOpts{newPeer: peerSequence(first, second)})
	events := watch(e)

	if err := e.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("StartAsCaller: %v", err)
	}
	e.ReceiveCandidate(candidate(1))
	e.ReceiveOffer("offer-bob-1")
	barrier(e)

	if _, _, _, _, closed, _ := first.snapshot(); closed != 1 {
		t.Errorf("replaced peer closed %d times, want 1", closed)
	}
	applied, _, answers, _, _, _ := second.snapshot()
	if answers != 1 || sender.count(domain.MessageAnswer) != 1 {
		t.Errorf("new peer answered %d times, sent %d answers", answers, sender.count(domain.MessageAnswer))
	}
	if len(applied) != 1 {
		t.Errorf("new peer got %d queued candidates, want 1", len(applied))
	}
	second.mu.Lock()
	attached := len(second.attached)
	second.mu.Unlock()
	if attached != 2 {
		t.Errorf("new peer carries %d tracks, want 2", attached)
	}

	// Callbacks from the replaced peer no longer count.
	first.emit(domain.TransportConnected)
	barrier(e)
	if got := e.State(); got != domain.StateNegotiating {
		t.Fatalf("replaced peer moved state to %s", got)
	}

	second.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)
	if errs := events.errors(); len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestEngine_DuplicateOfferKeepsRenegotiation(t *testing.T) {
	peer := newFakePeer("alice")
	sender := &recordingSender{}
	e := newEngine(t, "alice", "bob", peer, sender, engineOpts{})

	if err := e.AttachTracks(domain.NewTrackSet(&fakeTrack{id: "mic", kind: domain.KindAudio})); err != nil {
		t.Fatalf("AttachTracks: %v", err)
	}
	e.ReceiveOffer("offer-bob-1")
	barrier(e)
	peer.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)
	e.ReceiveOffer("offer-bob-2")
	barrier(e)

	if err := e.ReplaceTrack(domain.KindScreen, &fakeTrack{id: "screen", kind: domain.KindScreen}); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	barrier(e)
	if got := sender.count(domain.MessageOffer); got != 1 {
		t.Fatalf("sent %d offers, want the renegotiation offer", got)
	}

	// A late copy of the offer answered before.
	e.ReceiveOffer("offer-bob-2")
	barrier(e)
	if _, _, answers, rollbacks, _, _ := peer.snapshot(); rollbacks != 0 || answers != 2 {
		t.Fatalf("rollbacks = %d answers = %d, want 0 and 2", rollbacks, answers)
	}

	e.ReceiveAnswer("answer-bob-3")
	barrier(e)
	peer.mu.Lock()
	remote := peer.remote
	peer.mu.Unlock()
	if remote == nil || remote.Type != domain.SDPAnswer || remote.SDP != "answer-bob-3" {
		t.Errorf("renegotiation answer not applied, remote = %+v", remote)
	}
	if got := e.State(); got != domain.StateConnected {
		t.Errorf("state = %s, want Connected", got)
	}
}

func TestEngine_ReconnectTimeoutFails(t *testing.T) {
	e, peer, sender, events := connectedCaller(t, avTracks(), engineOpts{reconnect: 30 * time.Millisecond})

	peer.emit(domain.TransportDisconnected)
	waitState(t, e, domain.StateFailed)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine not done after failing")
	}
	errs := events.errors()
	if len(errs) != 1 || errs[0].Kind != domain.KindConnectionLost {
		t.Fatalf("errors = %v, want one ConnectionLost", errs)
	}
	want := []domain.ConnectionState{domain.StateNegotiating, domain.StateConnected, domain.StateReconnecting, domain.StateFailed}
	if got := events.states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := sender.count(domain.MessageBye); got != 1 {
		t.Errorf("sent %d bye, want 1", got)
	}
	if _, _, _, _, closed, _ := peer.snapshot(); closed != 1 {
		t.Errorf("peer closed %d times", closed)
	}
}

func TestEngine_ReconnectRecovers(t *testing.T) {
	e, peer, _, events := connectedCaller(t, avTracks(), engineOpts{reconnect: 40 * time.Millisecond})

	peer.emit(domain.TransportDisconnected)
	waitState(t, e, domain.StateReconnecting)
	peer.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)

	// Outlive the reconnect timer; the disarmed expiry must not fire.
	time.Sleep(80 * time.Millisecond)
	barrier(e)
	if got := e.State(); got != domain.StateConnected {
		t.Fatalf("state = %s after recovering", got)
	}
	if errs := events.errors(); len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestEngine_NegotiationTimeout(t *testing.T) {
	peer := newFakePeer("alice")
	e := newEngine(t, "alice", "bob", peer, &recordingSender{}, engineOpts{negotiation: 30 * time.Millisecond})
	events := watch(e)

	if err := e.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("StartAsCaller: %v", err)
	}
	waitState(t, e, domain.StateFailed)
	<-e.Done()

	errs := events.errors()
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrNegotiationTimeout) {
		t.Fatalf("errors = %v, want NegotiationTimeout", errs)
	}
}

func TestEngine_OfferFailureFails(t *testing.T) {
	peer := newFakePeer("alice")
	peer.failOffer = errors.New("no codecs")
	e := newEngine(t, "alice", "bob", peer, &recordingSender{}, engineOpts{})
	events := watch(e)

	err := e.StartAsCaller(avTracks())
	if err == nil {
		t.Fatal("expected error")
	}
	<-e.Done()
	if got := e.State(); got != domain.StateFailed {
		t.Errorf("state = %s, want Failed", got)
	}
	if errs := events.errors(); len(errs) != 1 || errs[0].Kind != domain.KindNegotiationFailed {
		t.Errorf("errors = %v", errs)
	}
}

func TestEngine_TerminateIsIdempotent(t *testing.T) {
	e, peer, sender, _ := connectedCaller(t, avTracks(), engineOpts{})

	e.Terminate()
	e.Terminate()

	if got := e.State(); got != domain.StateClosed {
		t.Fatalf("state = %s, want Closed", got)
	}
	<-e.Done()
	if got := sender.count(domain.MessageBye); got != 1 {
		t.Errorf("sent %d bye, want 1", got)
	}
	if _, _, _, _, closed, _ := peer.snapshot(); closed != 1 {
		t.Errorf("peer closed %d times", closed)
	}
	if err := e.StartAsCaller(avTracks()); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("StartAsCaller after Terminate = %v, want ErrClosed", err)
	}
}

func TestEngine_TerminateCancelsInFlightOffer(t *testing.T) {
	peer := newFakePeer("alice")
	peer.offerGate = make(chan struct{})
	sender := &recordingSender{}
	e := newEngine(t, "alice", "bob", peer, sender, engineOpts{})
	events := watch(e)

	started := make(chan error, 1)
	go func() { started <- e.StartAsCaller(avTracks()) }()
	time.Sleep(20 * time.Millisecond)

	e.Terminate()

	select {
	case err := <-started:
		if err == nil {
			t.Error("StartAsCaller succeeded after Terminate")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartAsCaller still blocked after Terminate")
	}
	<-e.Done()
	if got := e.State(); got != domain.StateClosed {
		t.Errorf("state = %s, want Closed", got)
	}
	if errs := events.errors(); len(errs) != 0 {
		t.Errorf("cancelled offer reported errors %v", errs)
	}
	if got := sender.count(domain.MessageOffer); got != 0 {
		t.Errorf("sent %d offers", got)
	}
}

func TestEngine_ByeClosesWithoutReply(t *testing.T) {
	e, _, sender, _ := connectedCaller(t, avTracks(), engineOpts{})

	e.HandleMessage(domain.NewBye("bob", "alice"))
	<-e.Done()

	if got := e.State(); got != domain.StateClosed {
		t.Errorf("state = %s, want Closed", got)
	}
	if got := sender.count(domain.MessageBye); got != 0 {
		t.Errorf("replied with %d bye", got)
	}
}

func TestEngine_IgnoresForeignSender(t *testing.T) {
	peer := newFakePeer("bob")
	sender := &recordingSender{}
	e := newEngine(t, "bob", "alice", peer, sender, engineOpts{})

	e.HandleMessage(domain.NewOffer("mallory", "bob", "offer-mallory-1"))
	e.HandleMessage(domain.NewBye("mallory", "bob"))
	barrier(e)

	if got := e.State(); got != domain.StateIdle {
		t.Errorf("state = %s, want Idle", got)
	}
	if got := sender.count(domain.MessageAnswer); got != 0 {
		t.Errorf("answered a foreign offer")
	}
}

func TestEngine_ScreenShareKeepsConnection(t *testing.T) {
	camera := &fakeTrack{id: "cam", kind: domain.KindVideo}
	tracks := domain.NewTrackSet(&fakeTrack{id: "mic", kind: domain.KindAudio}, camera)
	e, _, sender, events := connectedCaller(t, tracks, engineOpts{})

	screen := &fakeTrack{id: "screen", kind: domain.KindScreen}
	if err := e.StartScreenShare(screen); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if got := e.ActiveVideoSource(); got != domain.SourceScreen {
		t.Errorf("active source = %s", got)
	}
	if got, _ := e.LocalTrack(domain.KindVideo); got != screen {
		t.Errorf("video slot holds %v, want screen", got)
	}

	got, err := e.StopScreenShare()
	if err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	if got != screen {
		t.Errorf("StopScreenShare returned %v, want screen track", got)
	}
	if cur, _ := e.LocalTrack(domain.KindVideo); cur != camera {
		t.Errorf("video slot holds %v, want camera", cur)
	}
	if src := e.ActiveVideoSource(); src != domain.SourceCamera {
		t.Errorf("active source = %s", src)
	}

	if _, err := e.StopScreenShare(); domain.KindOf(err) != domain.KindTrackNotFound {
		t.Errorf("second StopScreenShare = %v, want TrackNotFound", err)
	}
	if n := sender.count(domain.MessageOffer); n != 1 {
		t.Errorf("screen share sent %d offers in total, want 1", n)
	}
	if states := events.states(); states[len(states)-1] != domain.StateConnected {
		t.Errorf("states = %v", states)
	}
}

func TestEngine_NewSlotRenegotiates(t *testing.T) {
	audioOnly := domain.NewTrackSet(&fakeTrack{id: "mic", kind: domain.KindAudio})
	e, peer, sender, events := connectedCaller(t, audioOnly, engineOpts{})

	if err := e.ReplaceTrack(domain.KindVideo, &fakeTrack{id: "cam", kind: domain.KindVideo}); err != nil {
		t.Fatalf("ReplaceTrack: %v", err)
	}
	barrier(e)
	if got := sender.count(domain.MessageOffer); got != 2 {
		t.Fatalf("sent %d offers, want a renegotiation offer", got)
	}
	if got := e.State(); got != domain.StateConnected {
		t.Errorf("state during renegotiation = %s", got)
	}

	e.ReceiveAnswer("answer-bob-2")
	barrier(e)
	if _, offers, _, _, _, _ := peer.snapshot(); offers != 2 {
		t.Errorf("peer created %d offers", offers)
	}

	want := []domain.ConnectionState{domain.StateNegotiating, domain.StateConnected}
	if got := events.states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestEngine_RemoteTrackReported(t *testing.T) {
	peer := newFakePeer("bob")
	e := newEngine(t, "bob", "alice", peer, &recordingSender{}, engineOpts{})
	events := watch(e)

	e.ReceiveOffer("offer-alice-1")
	barrier(e)
	peer.handler.OnRemoteTrack(domain.RemoteTrack{ID: "t1", StreamID: "s", Kind: domain.KindVideo})
	peer.emit(domain.TransportConnected)
	waitState(t, e, domain.StateConnected)

	waitFor(t, "connected event", func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		for _, ev := range events.events {
			if ev.Type == domain.EventStateChanged && ev.State == domain.StateConnected {
				return len(ev.RemoteTracks) == 1 && ev.RemoteTracks[0].ID == "t1"
			}
		}
		return false
	})
}

// pair wires two engines through a signal.Hub.
type pair struct {
	hub          *signal.Hub
	alice, bob   *Engine
	aPeer, bPeer *fakePeer
}

func newPair(t *testing.T) *pair {
	t.Helper()
	return newPairOf(t, newFakePeer("bob"), newFakePeer("alice"))
}

// newPairOf gives alice the peers in the order the engine asks for them.
// The last one is linked to bob's.
func newPairOf(t *testing.T, bobPeer *fakePeer, alicePeers ...*fakePeer) *pair {
	t.Helper()
	hub := signal.NewHub(signal.HubConfig{Logger: zerolog.Nop()})
	p := &pair{hub: hub, aPeer: alicePeers[len(alicePeers)-1], bPeer: bobPeer}
	linkPeers(p.aPeer, p.bPeer)

	join := func(local, remote domain.ParticipantID, factory domain.PeerFactory) *Engine {
		ep := hub.Endpoint()
		if err := ep.Connect(context.Background(), "s1", local); err != nil {
			t.Fatalf("connect %s: %v", local, err)
		}
		t.Cleanup(func() { _ = ep.Disconnect() })
		e := newEngine(t, local, remote, nil, ep, engineOpts{newPeer: factory})
		ep.OnMessage(e.HandleMessage)
		return e
	}
	p.alice = join("alice", "bob", peerSequence(alicePeers...))
	p.bob = join("bob", "alice", bobPeer.factory())
	return p
}

func (p *pair) waitHeld(t *testing.T, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d held messages", n), func() bool { return len(p.hub.Held()) == n })
}

func (p *pair) waitConnected(t *testing.T) {
	t.Helper()
	waitState(t, p.alice, domain.StateConnected)
	waitState(t, p.bob, domain.StateConnected)
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, rest := range permutations(n - 1) {
		for i := 0; i <= len(rest); i++ {
			p := make([]int, 0, n)
			p = append(p, rest[:i]...)
			p = append(p, n-1)
			p = append(p, rest[i:]...)
			out = append(out, p)
		}
	}
	return out
}

func reorder(order []int) func([]signal.Delivery) []signal.Delivery {
	return func(ds []signal.Delivery) []signal.Delivery {
		out := make([]signal.Delivery, len(order))
		for i, j := range order {
			out[i] = ds[j]
		}
		return out
	}
}

func TestEngine_ConnectsUnderAnyDeliveryOrder(t *testing.T) {
	for _, offerOrder := range permutations(3) {
		for _, answerOrder := range permutations(3) {
			name := fmt.Sprintf("offer%v/answer%v", offerOrder, answerOrder)
			t.Run(name, func(t *testing.T) {
				p := newPair(t)
				p.hub.Pause()

				if err := p.alice.StartAsCaller(avTracks()); err != nil {
					t.Fatalf("StartAsCaller: %v", err)
				}
				if err := p.bob.AttachTracks(avTracks()); err != nil {
					t.Fatalf("AttachTracks: %v", err)
				}
				p.waitHeld(t, 3)
				p.hub.Flush(reorder(offerOrder))

				p.waitHeld(t, 3)
				p.hub.Flush(reorder(answerOrder))

				p.waitConnected(t)
				barrier(p.alice)
				barrier(p.bob)

				for name, peer := range map[string]*fakePeer{"alice": p.aPeer, "bob": p.bPeer} {
					applied, _, _, rollbacks, _, applyErrors := peer.snapshot()
					if applyErrors != 0 {
						t.Errorf("%s: %d candidates applied before the remote description", name, applyErrors)
					}
					if len(applied) != 2 {
						t.Errorf("%s: applied %d candidates, want 2", name, len(applied))
					}
					if rollbacks != 0 {
						t.Errorf("%s: unexpected rollback", name)
					}
				}
			})
		}
	}
}

func TestEngine_SimultaneousStartResolvesGlare(t *testing.T) {
	p := newPair(t)
	p.hub.Pause()

	if err := p.alice.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("alice StartAsCaller: %v", err)
	}
	if err := p.bob.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("bob StartAsCaller: %v", err)
	}
	p.waitHeld(t, 6)
	p.hub.Resume()

	p.waitConnected(t)

	_, aOffers, aAnswers, aRollbacks, _, _ := p.aPeer.snapshot()
	_, bOffers, bAnswers, bRollbacks, _, _ := p.bPeer.snapshot()
	if aRollbacks != 1 || bRollbacks != 0 {
		t.Errorf("rollbacks alice=%d bob=%d, want 1 and 0", aRollbacks, bRollbacks)
	}
	if aOffers != 1 || bOffers != 1 || aAnswers != 1 || bAnswers != 0 {
		t.Errorf("offers %d/%d answers %d/%d", aOffers, bOffers, aAnswers, bAnswers)
	}
}

func TestEngine_SimultaneousStartWithoutRollback(t *testing.T) {
	first := withoutRollback(newFakePeer("alice"))
	p := newPairOf(t, withoutRollback(newFakePeer("bob")), first, newFakePeer("alice2"))
	p.hub.Pause()

	if err := p.alice.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("alice StartAsCaller: %v", err)
	}
	if err := p.bob.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("bob StartAsCaller: %v", err)
	}
	p.waitHeld(t, 6)
	p.hub.Resume()

	p.waitConnected(t)

	if _, _, _, _, closed, _ := first.snapshot(); closed != 1 {
		t.Errorf("alice's first peer closed %d times, want 1", closed)
	}
	_, aOffers, aAnswers, _, _, _ := p.aPeer.snapshot()
	_, bOffers, bAnswers, _, _, _ := p.bPeer.snapshot()
	if aOffers != 0 || aAnswers != 1 || bOffers != 1 || bAnswers != 0 {
		t.Errorf("offers %d/%d answers %d/%d", aOffers, bOffers, aAnswers, bAnswers)
	}
}

func TestEngine_RemoteTerminateClosesBothSides(t *testing.T) {
	p := newPair(t)

	if err := p.alice.StartAsCaller(avTracks()); err != nil {
		t.Fatalf("StartAsCaller: %v", err)
	}
	p.waitConnected(t)

	p.alice.Terminate()
	select {
	case <-p.bob.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not close after bye")
	}
	if got := p.bob.State(); got != domain.StateClosed {
		t.Errorf("bob state = %s, want Closed", got)
	}
}
