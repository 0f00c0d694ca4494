// Package webrtc implements domain.Peer on top of a pion PeerConnection.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"carecall/native/internal/domain"
	"carecall/native/internal/logging"

	"github.com/bep/debounce"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// negotiationSettle collapses bursts of negotiationneeded events, as fired
// when several tracks are added in a row.
const negotiationSettle = 50 * time.Millisecond

// PeerConfig configures NewPeer.
type PeerConfig struct {
	ICEServers []domain.ICEServer
	Logger     zerolog.Logger
	// Net replaces the OS network stack, used with pion's vnet in tests.
	Net transport.Net
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc  *pion.PeerConnection
	log zerolog.Logger

	mu      sync.Mutex
	senders map[domain.TrackKind]*pion.RTPSender
	closed  bool
}

// Factory returns a domain.PeerFactory that builds pion peers from cfg.
func Factory(cfg PeerConfig) domain.PeerFactory {
	return func(servers []domain.ICEServer) (domain.Peer, error) {
		c := cfg
		if len(servers) > 0 {
			c.ICEServers = servers
		}
		return NewPeer(c)
	}
}

// NewPeer creates a PeerConnection with Opus, VP8 and H264 registered and
// NACK handling in both directions.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	m := &pion.MediaEngine{}
	codecs := []struct {
		params pion.RTPCodecParameters
		kind   pion.RTPCodecType
	}{
		{pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		}, pion.RTPCodecTypeAudio},
		{pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback()},
			PayloadType:        96,
		}, pion.RTPCodecTypeVideo},
		{pion.RTPCodecParameters{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback(),
			},
			PayloadType: 102,
		}, pion.RTPCodecTypeVideo},
	}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	log := cfg.Logger.With().Str("component", "webrtc").Logger()
	se := pion.SettingEngine{LoggerFactory: logging.PionFactory(cfg.Logger)}
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("ice", state.String()).Msg("ICE connection state")
	})

	return &Peer{
		pc:      pc,
		log:     log,
		senders: make(map[domain.TrackKind]*pion.RTPSender),
	}, nil
}

func videoFeedback() []pion.RTCPFeedback {
	return []pion.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
	}
}

// SetHandler routes pion callbacks to h.
func (p *Peer) SetHandler(h domain.PeerHandler) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.log.Debug().Msg("filtering loopback ICE candidate")
			return
		}
		out := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		if init.UsernameFragment != nil {
			out.UsernameFragment = *init.UsernameFragment
		}
		h.OnLocalCandidate(out)
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Str("pc", state.String()).Msg("peer connection state")
		if s, ok := transportState(state); ok {
			h.OnTransportState(s)
		}
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("remote track")

		kind := domain.KindAudio
		if track.Kind() == pion.RTPCodecTypeVideo {
			kind = domain.KindVideo
			p.requestKeyframe(track)
		}
		h.OnRemoteTrack(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     kind,
			Handle:   track,
		})
	})

	settle := debounce.New(negotiationSettle)
	p.pc.OnNegotiationNeeded(func() {
		settle(h.OnNegotiationNeeded)
	})
}

func (p *Peer) requestKeyframe(track *pion.TrackRemote) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
	if err := p.pc.WriteRTCP(pli); err != nil {
		p.log.Debug().Err(err).Msg("send PLI")
	}
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP offer set")
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP answer set")
	return answer.SDP, nil
}

// SetRemoteDescription parses desc before handing it to pion so malformed
// SDP is reported with its parse error.
func (p *Peer) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("parse remote %s: %w", desc.Type, err)
	}

	var typ pion.SDPType
	switch desc.Type {
	case domain.SDPOffer:
		typ = pion.SDPTypeOffer
	case domain.SDPAnswer:
		typ = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", desc.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Str("type", string(desc.Type)).Int("media", len(parsed.MediaDescriptions)).Msg("remote SDP set")
	return nil
}

// AddICECandidate adds a remote candidate. The caller orders it after the
// remote description.
func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	idx := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &idx,
	}
	if c.UsernameFragment != "" {
		init.UsernameFragment = &c.UsernameFragment
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Rollback discards the pending local offer. pion rejects a local
// rollback out of have-local-offer, so the refusal is reported as
// domain.ErrRollbackUnsupported and the caller replaces the peer.
func (p *Peer) Rollback() error {
	pending := p.pc.PendingLocalDescription()
	if pending == nil || p.pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in signaling state %s", p.pc.SignalingState())
	}
	err := p.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback, SDP: pending.SDP})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackUnsupported, err)
	}
	return nil
}

// AttachTrack starts sending t in slot.
func (p *Peer) AttachTrack(slot domain.TrackKind, t domain.Track) error {
	local, err := localOf(t)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrClosed
	}
	if _, ok := p.senders[slot]; ok {
		return fmt.Errorf("%s slot already attached", slot)
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", slot, err)
	}
	p.senders[slot] = sender
	go drainRTCP(sender)
	return nil
}

// ReplaceTrack swaps the track in slot without renegotiating.
func (p *Peer) ReplaceTrack(slot domain.TrackKind, t domain.Track) error {
	p.mu.Lock()
	sender, ok := p.senders[slot]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s slot not attached", slot)
	}

	var local pion.TrackLocal
	if t != nil {
		var err error
		if local, err = localOf(t); err != nil {
			return err
		}
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace %s track: %w", slot, err)
	}
	return nil
}

// Close shuts the PeerConnection down. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

// ReadRemote reads RTP packets from a remote track reported by this
// package until the track ends.
func ReadRemote(t domain.RemoteTrack, fn func(*rtp.Packet)) error {
	track, ok := t.Handle.(*pion.TrackRemote)
	if !ok {
		return errors.New("remote track has no pion handle")
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return err
		}
		fn(pkt)
	}
}

func localOf(t domain.Track) (pion.TrackLocal, error) {
	lt, ok := t.(interface{ Local() pion.TrackLocal })
	if !ok {
		return nil, fmt.Errorf("track %s cannot be sent over webrtc", t.ID())
	}
	return lt.Local(), nil
}

// drainRTCP keeps the interceptors fed until the sender stops.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func transportState(s pion.PeerConnectionState) (domain.TransportState, bool) {
	switch s {
	case pion.PeerConnectionStateNew:
		return domain.TransportNew, true
	case pion.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case pion.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case pion.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case pion.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case pion.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	}
	return 0, false
}

func isLoopback(candidate string) bool {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(candidate, "candidate:"))
	if err != nil {
		return false
	}
	ip := net.ParseIP(c.Address())
	return ip != nil && ip.IsLoopback()
}

var _ domain.Peer = (*Peer)(nil)
