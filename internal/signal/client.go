package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carecall/native/internal/actor"
	"carecall/native/internal/domain"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errNotConnected = errors.New("signal: websocket not connected")

// ClientConfig configures a websocket Client.
type ClientConfig struct {
	URL           string
	Retries       uint64
	RetryInterval time.Duration
	PingInterval  time.Duration
	Dialer        *websocket.Dialer
	Logger        zerolog.Logger
}

type pendingSend struct {
	ch     *Channel
	f      frame
	policy backoff.BackOff
}

// Client manages one WebSocket connection to the relay. Channels opened on
// it share the connection.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger
	out *actor.Queue

	mu   sync.Mutex
	conn *websocket.Conn

	stateMu  sync.Mutex
	channels map[route]*Channel
	pending  map[uint64]*pendingSend
	joins    map[uint64]chan frame

	seq       atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay and starts the read and ping loops.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "signal").Logger(),
		out:      actor.NewQueue(),
		channels: make(map[route]*Channel),
		pending:  make(map[uint64]*pendingSend),
		joins:    make(map[uint64]chan frame),
		closed:   make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.out.Stop()
		return nil, domain.NewError(domain.KindSignalingUnavailable, cfg.URL, err)
	}
	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop()

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.log.Info().Str("url", c.cfg.URL).Msg("connecting")
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Channel returns a new, unconnected transport multiplexed on this client.
func (c *Client) Channel() *Channel {
	return &Channel{client: c, inbox: actor.NewQueue()}
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.out.Stop()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.log.Trace().RawJSON("frame", data).Msg(">>>")
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) join(ctx context.Context, rt route) error {
	seq := c.seq.Add(1)
	wait := make(chan frame, 1)

	c.stateMu.Lock()
	c.joins[seq] = wait
	c.stateMu.Unlock()
	defer func() {
		c.stateMu.Lock()
		delete(c.joins, seq)
		c.stateMu.Unlock()
	}()

	if err := c.write(frame{Op: opJoin, Session: rt.session, Participant: rt.participant, Seq: seq}); err != nil {
		return domain.NewError(domain.KindSignalingUnavailable, "join", err)
	}

	select {
	case f := <-wait:
		if f.Op == opNack {
			return domain.NewError(domain.KindSignalingUnavailable, "join rejected: "+f.Reason, nil)
		}
		return nil
	case <-ctx.Done():
		return domain.NewError(domain.KindSignalingUnavailable, "join", ctx.Err())
	case <-c.closed:
		return domain.NewError(domain.KindSignalingUnavailable, "client closed", nil)
	}
}

func (c *Client) send(ch *Channel, session domain.SessionID, msg domain.SignalingMessage) {
	p := &pendingSend{
		ch:     ch,
		f:      frame{Op: opMsg, Session: session, Seq: c.seq.Add(1), Message: &msg},
		policy: retryPolicy(c.cfg.RetryInterval, c.cfg.Retries),
	}

	c.stateMu.Lock()
	c.pending[p.f.Seq] = p
	c.stateMu.Unlock()

	c.enqueueWrite(p)
}

func (c *Client) enqueueWrite(p *pendingSend) {
	ok := c.out.Submit(func() {
		if err := c.write(p.f); err != nil {
			c.log.Debug().Err(err).Uint64("seq", p.f.Seq).Msg("write failed")
			c.retryLater(p, err)
		}
	})
	if !ok {
		p.ch.fail(domain.NewError(domain.KindTransportSendFailed, "client closed", nil))
	}
}

// retryLater schedules another attempt or reports exhaustion to the channel.
func (c *Client) retryLater(p *pendingSend, cause error) {
	wait := p.policy.NextBackOff()
	if wait == backoff.Stop {
		c.stateMu.Lock()
		delete(c.pending, p.f.Seq)
		c.stateMu.Unlock()
		c.log.Warn().Err(cause).Str("msg", p.f.Message.String()).Msg("send retries exhausted")
		p.ch.fail(domain.NewError(domain.KindTransportSendFailed, p.f.Message.String(), cause))
		return
	}
	time.AfterFunc(wait, func() {
		if c.isClosed() {
			return
		}
		c.enqueueWrite(p)
	})
}

func (c *Client) register(rt route, ch *Channel) {
	c.stateMu.Lock()
	c.channels[rt] = ch
	c.stateMu.Unlock()
}

func (c *Client) unregister(rt route, ch *Channel) {
	c.stateMu.Lock()
	if c.channels[rt] == ch {
		delete(c.channels, rt)
	}
	c.stateMu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn().Err(err).Msg("read error")
			c.reconnect(conn)
			return
		}

		c.log.Trace().RawJSON("frame", data).Msg("<<<")

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal frame")
			continue
		}

		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Op {
	case opMsg:
		if f.Message == nil {
			return
		}
		c.stateMu.Lock()
		ch := c.channels[route{f.Session, f.Message.To}]
		c.stateMu.Unlock()
		if ch == nil {
			c.log.Debug().Str("session", string(f.Session)).Str("msg", f.Message.String()).Msg("no channel for message")
			return
		}
		ch.receive(*f.Message)

	case opAck, opNack:
		c.stateMu.Lock()
		if wait, ok := c.joins[f.Seq]; ok {
			c.stateMu.Unlock()
			wait <- f
			return
		}
		p := c.pending[f.Seq]
		if f.Op == opAck {
			delete(c.pending, f.Seq)
		}
		c.stateMu.Unlock()

		if f.Op == opNack && p != nil {
			c.log.Debug().Uint64("seq", f.Seq).Str("reason", f.Reason).Msg("send rejected")
			c.retryLater(p, fmt.Errorf("relay: %s", f.Reason))
		}

	default:
		c.log.Warn().Str("op", string(f.Op)).Msg("unhandled frame")
	}
}

// reconnect redials after the connection broke, rejoins every channel and
// resends unacknowledged messages.
func (c *Client) reconnect(broken *websocket.Conn) {
	c.mu.Lock()
	if c.conn == broken {
		c.conn = nil
	}
	c.mu.Unlock()
	broken.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = c.dial(ctx)
		return err
	}, backoff.WithContext(retryPolicy(c.cfg.RetryInterval, c.cfg.Retries), ctx))

	c.stateMu.Lock()
	channels := make(map[route]*Channel, len(c.channels))
	for rt, ch := range c.channels {
		channels[rt] = ch
	}
	pending := make([]*pendingSend, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.stateMu.Unlock()

	if err != nil {
		if c.isClosed() {
			return
		}
		c.log.Error().Err(err).Msg("reconnect failed")
		for _, ch := range channels {
			ch.fail(domain.NewError(domain.KindSignalingUnavailable, "reconnect failed", err))
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Int("channels", len(channels)).Msg("reconnected")

	go c.readLoop(conn)

	for rt := range channels {
		f := frame{Op: opJoin, Session: rt.session, Participant: rt.participant, Seq: c.seq.Add(1)}
		c.out.Submit(func() {
			if err := c.write(f); err != nil {
				c.log.Warn().Err(err).Msg("rejoin")
			}
		})
	}
	for _, p := range pending {
		c.enqueueWrite(p)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			var err error
			if c.conn != nil {
				err = c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping error")
			}
		}
	}
}

// Channel is one (session, participant) transport multiplexed on a Client.
type Channel struct {
	client *Client
	inbox  *actor.Queue

	mu        sync.Mutex
	rt        route
	connected bool
	closed    bool
	onMessage func(domain.SignalingMessage)
	onError   func(error)
}

// Connect joins session as participant on the relay. Connecting again with
// the same pair is a no-op; after a websocket reconnect the client rejoins
// the same pair on its own.
func (ch *Channel) Connect(ctx context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	rt := route{session, participant}

	ch.mu.Lock()
	switch {
	case ch.closed:
		ch.mu.Unlock()
		return domain.NewError(domain.KindSignalingUnavailable, "channel disconnected", nil)
	case ch.connected && ch.rt == rt:
		ch.mu.Unlock()
		return nil
	case ch.connected:
		ch.mu.Unlock()
		return fmt.Errorf("channel already bound to %s/%s", ch.rt.session, ch.rt.participant)
	}
	ch.mu.Unlock()

	ch.client.register(rt, ch)
	if err := ch.client.join(ctx, rt); err != nil {
		ch.client.unregister(rt, ch)
		return err
	}

	ch.mu.Lock()
	ch.rt = rt
	ch.connected = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) Send(msg domain.SignalingMessage, to domain.ParticipantID) {
	ch.mu.Lock()
	rt, ok := ch.rt, ch.connected
	ch.mu.Unlock()
	if !ok {
		ch.fail(domain.NewError(domain.KindTransportSendFailed, "send before connect", nil))
		return
	}

	msg = msg.Addressed(to)
	if msg.From == "" {
		msg.From = rt.participant
	}
	ch.client.send(ch, rt.session, msg)
}

func (ch *Channel) OnMessage(handler func(domain.SignalingMessage)) {
	ch.mu.Lock()
	ch.onMessage = handler
	ch.mu.Unlock()
}

func (ch *Channel) OnError(handler func(error)) {
	ch.mu.Lock()
	ch.onError = handler
	ch.mu.Unlock()
}

// Disconnect leaves the session. The shared websocket stays open.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	rt, connected := ch.rt, ch.connected
	ch.connected = false
	ch.mu.Unlock()

	if connected {
		ch.client.unregister(rt, ch)
		ch.client.out.Submit(func() {
			_ = ch.client.write(frame{Op: opLeave, Session: rt.session, Participant: rt.participant})
		})
	}
	ch.inbox.Stop()
	return nil
}

func (ch *Channel) receive(msg domain.SignalingMessage) {
	ch.inbox.Submit(func() {
		ch.mu.Lock()
		h := ch.onMessage
		ch.mu.Unlock()
		if h != nil {
			h(msg)
		}
	})
}

func (ch *Channel) fail(err error) {
	ch.inbox.Submit(func() {
		ch.mu.Lock()
		h := ch.onError
		ch.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

var _ domain.SignalingTransport = (*Channel)(nil)
