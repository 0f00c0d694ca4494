// Package signal implements SignalingTransport: a websocket client that
// multiplexes many session channels over one connection, the relay server
// it talks to, and an in-memory Hub with scriptable network conditions.
package signal

import (
	"time"

	"carecall/native/internal/domain"

	"github.com/cenkalti/backoff"
)

type op string

const (
	opJoin  op = "join"
	opLeave op = "leave"
	opMsg   op = "msg"
	opAck   op = "ack"
	opNack  op = "nack"
)

const (
	reasonNotJoined        = "not-joined"
	reasonPeerNotConnected = "peer-not-connected"
	reasonBadFrame         = "bad-frame"
)

// frame is the envelope carried on the websocket. The embedded message keeps
// the plain {"type","from","to","data"} shape.
type frame struct {
	Op          op                       `json:"op"`
	Session     domain.SessionID         `json:"session"`
	Participant domain.ParticipantID     `json:"participant,omitempty"`
	Seq         uint64                   `json:"seq,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	Message     *domain.SignalingMessage `json:"message,omitempty"`
}

type route struct {
	session     domain.SessionID
	participant domain.ParticipantID
}

const (
	DefaultRetries       = 5
	DefaultRetryInterval = 100 * time.Millisecond
)

// retryPolicy returns a bounded exponential backoff.
func retryPolicy(base time.Duration, retries uint64) backoff.BackOff {
	if base <= 0 {
		base = DefaultRetryInterval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = 20 * base
	b.MaxElapsedTime = 0
	p := backoff.WithMaxRetries(b, retries)
	p.Reset()
	return p
}
