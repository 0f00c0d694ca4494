package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType is the "type" field of a signaling message on the wire.
type MessageType string

const (
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
	MessageBye       MessageType = "bye"
)

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is the JSON structure for SDP offer/answer payloads.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is the JSON structure for ICE candidate payloads.
// An empty Candidate marks end-of-candidates.
type ICECandidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid"`
	SDPMLineIndex    int    `json:"sdpMLineIndex"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// SignalingMessage is one of Offer, Answer, IceCandidate or Bye.
// Values are built with the New* constructors and not modified afterwards.
type SignalingMessage struct {
	Type        MessageType
	From        ParticipantID
	To          ParticipantID
	Description *SessionDescription
	Candidate   *ICECandidate
}

// NewOffer builds an offer message.
func NewOffer(from, to ParticipantID, sdp string) SignalingMessage {
	return SignalingMessage{
		Type:        MessageOffer,
		From:        from,
		To:          to,
		Description: &SessionDescription{Type: SDPOffer, SDP: sdp},
	}
}

// NewAnswer builds an answer message.
func NewAnswer(from, to ParticipantID, sdp string) SignalingMessage {
	return SignalingMessage{
		Type:        MessageAnswer,
		From:        from,
		To:          to,
		Description: &SessionDescription{Type: SDPAnswer, SDP: sdp},
	}
}

// NewCandidate builds an ice-candidate message.
func NewCandidate(from, to ParticipantID, c ICECandidate) SignalingMessage {
	return SignalingMessage{
		Type:      MessageCandidate,
		From:      from,
		To:        to,
		Candidate: &c,
	}
}

// NewBye builds a hang-up message.
func NewBye(from, to ParticipantID) SignalingMessage {
	return SignalingMessage{Type: MessageBye, From: from, To: to}
}

// Addressed returns a copy of m with the recipient set.
func (m SignalingMessage) Addressed(to ParticipantID) SignalingMessage {
	m.To = to
	return m
}

func (m SignalingMessage) String() string {
	return fmt.Sprintf("%s %s->%s", m.Type, m.From, m.To)
}

type wireMessage struct {
	Type MessageType     `json:"type"`
	From ParticipantID   `json:"from"`
	To   ParticipantID   `json:"to"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the message as {"type","from","to","data"}.
func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	var data any
	switch m.Type {
	case MessageOffer, MessageAnswer:
		if m.Description == nil {
			return nil, fmt.Errorf("%s message without description", m.Type)
		}
		data = m.Description
	case MessageCandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate message without candidate")
		}
		data = m.Candidate
	case MessageBye:
		data = nil
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: m.Type, From: m.From, To: m.To, Data: raw})
}

// UnmarshalJSON decodes the wire envelope and its typed payload.
func (m *SignalingMessage) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	out := SignalingMessage{Type: w.Type, From: w.From, To: w.To}
	switch w.Type {
	case MessageOffer, MessageAnswer:
		var d SessionDescription
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("decode %s data: %w", w.Type, err)
		}
		if d.Type == "" {
			d.Type = SDPType(w.Type)
		}
		out.Description = &d
	case MessageCandidate:
		var c ICECandidate
		if err := json.Unmarshal(w.Data, &c); err != nil {
			return fmt.Errorf("decode ice-candidate data: %w", err)
		}
		out.Candidate = &c
	case MessageBye:
	default:
		return fmt.Errorf("unknown message type %q", w.Type)
	}

	*m = out
	return nil
}
