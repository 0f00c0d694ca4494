package domain

import "github.com/google/uuid"

// SessionID identifies one call between two participants.
type SessionID string

// ParticipantID identifies one endpoint of a call.
type ParticipantID string

// NewSessionID returns a random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Session is a snapshot of the call owned by a negotiation engine.
type Session struct {
	ID     SessionID
	Local  ParticipantID
	Remote ParticipantID
	State  ConnectionState
}

// ConnectionState is the externally visible state of a Session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateNegotiating
	StateConnected
	StateReconnecting
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// TransportState is what the underlying peer connection reports about
// media connectivity.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role decides who sends the first offer.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}
