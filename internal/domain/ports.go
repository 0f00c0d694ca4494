package domain

import "context"

// SignalingTransport carries signaling messages for one (session, participant)
// channel. Send never fails synchronously; delivery failures reach the
// OnError handler.
type SignalingTransport interface {
	Connect(ctx context.Context, session SessionID, participant ParticipantID) error
	Send(msg SignalingMessage, to ParticipantID)
	OnMessage(handler func(SignalingMessage))
	OnError(handler func(error))
	Disconnect() error
}

// MediaSource acquires and releases local capture devices for one session.
type MediaSource interface {
	Acquire(ctx context.Context, kinds ...TrackKind) (*TrackSet, error)
	AcquireScreen(ctx context.Context) (Track, error)
	// Release stops every track in set. Idempotent.
	Release(set *TrackSet)
	// ReleaseAll stops everything this source handed out. Idempotent.
	ReleaseAll()
	Toggle(kind TrackKind, enabled bool) (bool, error)
	Enabled(kind TrackKind) (bool, error)
}

// Peer is the underlying connection object driven by the negotiation engine.
// Slots are KindAudio and KindVideo; screen tracks occupy the video slot.
type Peer interface {
	SetHandler(h PeerHandler)
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	// Rollback discards a pending local offer. Peers that cannot do so
	// return an error wrapping ErrRollbackUnsupported.
	Rollback() error
	AttachTrack(slot TrackKind, t Track) error
	// ReplaceTrack swaps the track sent in slot. A nil track stops sending.
	ReplaceTrack(slot TrackKind, t Track) error
	Close() error
}

// PeerHandler receives asynchronous notifications from a Peer.
type PeerHandler interface {
	OnLocalCandidate(c ICECandidate)
	OnTransportState(s TransportState)
	OnRemoteTrack(t RemoteTrack)
	OnNegotiationNeeded()
}

// PeerFactory builds a Peer for a new session.
type PeerFactory func(iceServers []ICEServer) (Peer, error)
