package domain

// EventType enumerates what a call reports to its observers.
type EventType int

const (
	EventStateChanged EventType = iota
	EventRemoteTrackAvailable
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "stateChanged"
	case EventRemoteTrackAvailable:
		return "remoteTrackAvailable"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to observers in emission order.
type Event struct {
	Type    EventType
	Session SessionID

	// EventStateChanged
	State ConnectionState
	// Remote tracks known when State is StateConnected.
	RemoteTracks []RemoteTrack

	// EventRemoteTrackAvailable
	Track *RemoteTrack

	// EventError
	Err *Error
}

// StateEvent builds a stateChanged event.
func StateEvent(id SessionID, s ConnectionState) Event {
	return Event{Type: EventStateChanged, Session: id, State: s}
}

// TrackEvent builds a remoteTrackAvailable event.
func TrackEvent(id SessionID, t RemoteTrack) Event {
	return Event{Type: EventRemoteTrackAvailable, Session: id, Track: &t}
}

// ErrorEvent builds an error event.
func ErrorEvent(id SessionID, err *Error) Event {
	return Event{Type: EventError, Session: id, Err: err}
}
