package signal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"carecall/native/internal/actor"
	"carecall/native/internal/domain"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

// NetworkCondition shapes in-memory delivery. Random choices come from a
// generator seeded with Seed, so a fixed send order gives a fixed outcome.
type NetworkCondition struct {
	DropRate      float64
	DuplicateRate float64
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Seed          int64
}

// HubConfig configures a Hub.
type HubConfig struct {
	Condition     NetworkCondition
	Retries       uint64
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// Delivery is a message in flight inside a Hub.
type Delivery struct {
	Session domain.SessionID
	Message domain.SignalingMessage
}

// Hub is an in-process signaling broker. Endpoints joined to the same
// session exchange messages through it.
type Hub struct {
	cfg HubConfig
	log zerolog.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	endpoints   map[route]*Endpoint
	unreachable bool
	paused      bool
	held        []Delivery
	sent        int
}

// NewHub creates a Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	return &Hub{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "hub").Logger(),
		rng:       rand.New(rand.NewSource(cfg.Condition.Seed)),
		endpoints: make(map[route]*Endpoint),
	}
}

// Endpoint returns a new, unconnected transport bound to this hub.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h, inbox: actor.NewQueue()}
}

// SetReachable makes subsequent Connect calls fail when false.
func (h *Hub) SetReachable(ok bool) {
	h.mu.Lock()
	h.unreachable = !ok
	h.mu.Unlock()
}

// Pause holds every message sent from now on until Flush.
func (h *Hub) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// Held returns the messages currently held.
func (h *Hub) Held() []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Delivery, len(h.held))
	copy(out, h.held)
	return out
}

// Flush releases the held messages in the order returned by reorder while
// the hub stays paused. A nil reorder keeps send order.
func (h *Hub) Flush(reorder func([]Delivery) []Delivery) {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()

	if reorder != nil {
		held = reorder(held)
	}
	for _, d := range held {
		h.deliver(d)
	}
}

// Resume releases held messages in send order and stops holding.
func (h *Hub) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.Flush(nil)
}

// Sent returns how many messages endpoints have handed to the hub.
func (h *Hub) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *Hub) join(rt route, e *Endpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unreachable {
		return domain.NewError(domain.KindSignalingUnavailable, "hub unreachable", nil)
	}
	h.endpoints[rt] = e
	return nil
}

func (h *Hub) leave(rt route, e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[rt] == e {
		delete(h.endpoints, rt)
	}
}

func (h *Hub) lookup(rt route) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[rt]
}

// submit applies the network condition to one send.
func (h *Hub) submit(d Delivery, from *Endpoint) {
	h.mu.Lock()
	h.sent++
	if h.paused {
		h.held = append(h.held, d)
		h.mu.Unlock()
		return
	}
	c := h.cfg.Condition
	drop := c.DropRate > 0 && h.rng.Float64() < c.DropRate
	copies := 1
	if c.DuplicateRate > 0 && h.rng.Float64() < c.DuplicateRate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		delays[i] = c.MinDelay
		if span := c.MaxDelay - c.MinDelay; span > 0 {
			delays[i] += time.Duration(h.rng.Int63n(int64(span)))
		}
	}
	h.mu.Unlock()

	if drop {
		h.log.Debug().Str("msg", d.Message.String()).Msg("dropped")
		return
	}

	for _, delay := range delays {
		if h.lookup(route{d.Session, d.Message.To}) == nil {
			go h.retry(d, from)
			continue
		}
		if delay <= 0 {
			h.deliver(d)
			continue
		}
		time.AfterFunc(delay, func() { h.deliver(d) })
	}
}

func (h *Hub) retry(d Delivery, from *Endpoint) {
	err := backoff.Retry(func() error {
		if h.lookup(route{d.Session, d.Message.To}) == nil {
			return fmt.Errorf("%s not connected", d.Message.To)
		}
		return nil
	}, retryPolicy(h.cfg.RetryInterval, h.cfg.Retries))
	if err != nil {
		from.fail(domain.NewError(domain.KindTransportSendFailed, d.Message.String(), err))
		return
	}
	h.deliver(d)
}

func (h *Hub) deliver(d Delivery) {
	target := h.lookup(route{d.Session, d.Message.To})
	if target == nil {
		h.log.Debug().Str("msg", d.Message.String()).Msg("no endpoint, message lost")
		return
	}
	target.receive(d.Message)
}

// Endpoint is one (session, participant) channel on a Hub.
type Endpoint struct {
	hub   *Hub
	inbox *actor.Queue

	mu        sync.Mutex
	rt        route
	connected bool
	closed    bool
	onMessage func(domain.SignalingMessage)
	onError   func(error)
}

// Connect joins the hub as participant of session. Connecting again with
// the same pair is a no-op.
func (e *Endpoint) Connect(_ context.Context, session domain.SessionID, participant domain.ParticipantID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := route{session, participant}
	if e.closed {
		return domain.NewError(domain.KindSignalingUnavailable, "endpoint disconnected", nil)
	}
	if e.connected {
		if e.rt != rt {
			return fmt.Errorf("endpoint already bound to %s/%s", e.rt.session, e.rt.participant)
		}
		return nil
	}
	if err := e.hub.join(rt, e); err != nil {
		return err
	}
	e.rt = rt
	e.connected = true
	return nil
}

func (e *Endpoint) Send(msg domain.SignalingMessage, to domain.ParticipantID) {
	e.mu.Lock()
	rt, ok := e.rt, e.connected
	e.mu.Unlock()
	if !ok {
		e.fail(domain.NewError(domain.KindTransportSendFailed, "send before connect", nil))
		return
	}
	msg = msg.Addressed(to)
	if msg.From == "" {
		msg.From = rt.participant
	}
	e.hub.submit(Delivery{Session: rt.session, Message: msg}, e)
}

func (e *Endpoint) OnMessage(handler func(domain.SignalingMessage)) {
	e.mu.Lock()
	e.onMessage = handler
	e.mu.Unlock()
}

func (e *Endpoint) OnError(handler func(error)) {
	e.mu.Lock()
	e.onError = handler
	e.mu.Unlock()
}

func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	rt, connected := e.rt, e.connected
	e.connected = false
	e.mu.Unlock()

	if connected {
		e.hub.leave(rt, e)
	}
	e.inbox.Stop()
	return nil
}

func (e *Endpoint) receive(msg domain.SignalingMessage) {
	e.inbox.Submit(func() {
		e.mu.Lock()
		h := e.onMessage
		e.mu.Unlock()
		if h != nil {
			h(msg)
		}
	})
}

func (e *Endpoint) fail(err error) {
	e.inbox.Submit(func() {
		e.mu.Lock()
		h := e.onError
		e.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

var _ domain.SignalingTransport = (*Endpoint)(nil)
