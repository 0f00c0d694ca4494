package domain

import "errors"

// ErrorKind classifies failures surfaced by a call.
type ErrorKind string

const (
	KindDeviceUnavailable    ErrorKind = "DeviceUnavailable"
	KindScreenShareDenied    ErrorKind = "ScreenShareDenied"
	KindDeviceBusy           ErrorKind = "DeviceBusy"
	KindSignalingUnavailable ErrorKind = "SignalingUnavailable"
	KindTransportSendFailed  ErrorKind = "TransportSendFailed"
	KindNegotiationTimeout   ErrorKind = "NegotiationTimeout"
	KindNegotiationFailed    ErrorKind = "NegotiationFailed"
	KindGlareConflict        ErrorKind = "GlareConflict"
	KindTrackNotFound        ErrorKind = "TrackNotFound"
	KindConnectionLost       ErrorKind = "ConnectionLost"
	KindClosed               ErrorKind = "Closed"
)

var (
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrScreenShareDenied    = errors.New("screen share denied")
	ErrDeviceBusy           = errors.New("device busy")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrTransportSendFailed  = errors.New("transport send failed")
	ErrNegotiationTimeout   = errors.New("negotiation timed out")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrGlareConflict        = errors.New("glare conflict")
	ErrTrackNotFound        = errors.New("track not found")
	ErrConnectionLost       = errors.New("connection lost")
	ErrClosed               = errors.New("session closed")

	// ErrRollbackUnsupported is returned by a Peer that cannot discard its
	// pending local offer.
	ErrRollbackUnsupported = errors.New("rollback unsupported")
)

var sentinels = map[ErrorKind]error{
	KindDeviceUnavailable:    ErrDeviceUnavailable,
	KindScreenShareDenied:    ErrScreenShareDenied,
	KindDeviceBusy:           ErrDeviceBusy,
	KindSignalingUnavailable: ErrSignalingUnavailable,
	KindTransportSendFailed:  ErrTransportSendFailed,
	KindNegotiationTimeout:   ErrNegotiationTimeout,
	KindNegotiationFailed:    ErrNegotiationFailed,
	KindGlareConflict:        ErrGlareConflict,
	KindTrackNotFound:        ErrTrackNotFound,
	KindConnectionLost:       ErrConnectionLost,
	KindClosed:               ErrClosed,
}

// Error carries a taxonomy kind and a human readable detail.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds an Error. cause may be nil.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the taxonomy kind of err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}

// AsError wraps err into an *Error of the given kind unless it already is one.
func AsError(kind ErrorKind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Err: err}
}
