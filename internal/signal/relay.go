package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"carecall/native/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// ICEServers are handed to clients by GET /sessions/{id}/ice.
	ICEServers []domain.ICEServer
	Logger     zerolog.Logger
}

// Relay forwards signaling messages between participants of a session.
// Each websocket may join any number of (session, participant) pairs.
type Relay struct {
	ice      []domain.ICEServer
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	routes map[route]*relayConn
}

type relayConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	// joined is only touched by the connection's read loop.
	joined map[route]struct{}
}

func (rc *relayConn) write(f frame) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return rc.conn.WriteJSON(f)
}

// NewRelay creates a Relay.
func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		ice: cfg.ICEServers,
		log: cfg.Logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		routes: make(map[route]*relayConn),
	}
}

// Handler returns the HTTP routes of the relay.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/ws", r.serveWS)
	router.Get("/sessions/{sessionID}/ice", r.serveICE)
	return router
}

// Joined reports how many (session, participant) pairs are connected.
func (r *Relay) Joined() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

type iceResponse struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

func (r *Relay) serveICE(w http.ResponseWriter, req *http.Request) {
	session := chi.URLParam(req, "sessionID")
	r.log.Debug().Str("session", session).Msg("ice config requested")

	servers := r.ice
	if servers == nil {
		servers = []domain.ICEServer{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(iceResponse{ICEServers: servers}); err != nil {
		r.log.Warn().Err(err).Msg("encode ice response")
	}
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("upgrade")
		return
	}

	rc := &relayConn{
		id:     middleware.GetReqID(req.Context()),
		conn:   conn,
		joined: make(map[route]struct{}),
	}
	log := r.log.With().Str("conn", rc.id).Logger()
	log.Info().Str("remote", req.RemoteAddr).Msg("client connected")

	defer func() {
		r.drop(rc)
		conn.Close()
		log.Info().Msg("client disconnected")
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("read")
			}
			return
		}
		r.handle(rc, f, log)
	}
}

func (r *Relay) handle(rc *relayConn, f frame, log zerolog.Logger) {
	switch f.Op {
	case opJoin:
		rt := route{f.Session, f.Participant}
		if rt.session == "" || rt.participant == "" {
			r.reply(rc, frame{Op: opNack, Session: f.Session, Seq: f.Seq, Reason: reasonBadFrame})
			return
		}
		r.mu.Lock()
		prev := r.routes[rt]
		r.routes[rt] = rc
		r.mu.Unlock()
		rc.joined[rt] = struct{}{}
		if prev != nil && prev != rc {
			log.Info().Str("session", string(rt.session)).Str("participant", string(rt.participant)).Msg("participant rejoined from a new connection")
		}
		log.Debug().Str("session", string(rt.session)).Str("participant", string(rt.participant)).Msg("joined")
		r.reply(rc, frame{Op: opAck, Session: f.Session, Seq: f.Seq})

	case opLeave:
		rt := route{f.Session, f.Participant}
		delete(rc.joined, rt)
		r.mu.Lock()
		if r.routes[rt] == rc {
			delete(r.routes, rt)
		}
		r.mu.Unlock()

	case opMsg:
		if f.Message == nil {
			r.reply(rc, frame{Op: opNack, Session: f.Session, Seq: f.Seq, Reason: reasonBadFrame})
			return
		}
		if _, ok := rc.joined[route{f.Session, f.Message.From}]; !ok {
			r.reply(rc, frame{Op: opNack, Session: f.Session, Seq: f.Seq, Reason: reasonNotJoined})
			return
		}

		r.mu.RLock()
		target := r.routes[route{f.Session, f.Message.To}]
		r.mu.RUnlock()
		if target == nil {
			r.reply(rc, frame{Op: opNack, Session: f.Session, Seq: f.Seq, Reason: reasonPeerNotConnected})
			return
		}

		if err := target.write(frame{Op: opMsg, Session: f.Session, Message: f.Message}); err != nil {
			log.Warn().Err(err).Str("to", string(f.Message.To)).Msg("forward")
			r.reply(rc, frame{Op: opNack, Session: f.Session, Seq: f.Seq, Reason: reasonPeerNotConnected})
			return
		}
		log.Debug().Str("session", string(f.Session)).Str("msg", f.Message.String()).Msg("forwarded")
		r.reply(rc, frame{Op: opAck, Session: f.Session, Seq: f.Seq})

	default:
		log.Warn().Str("op", string(f.Op)).Msg("unhandled frame")
	}
}

func (r *Relay) reply(rc *relayConn, f frame) {
	if err := rc.write(f); err != nil {
		r.log.Debug().Err(err).Str("conn", rc.id).Msg("reply")
	}
}

func (r *Relay) drop(rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rt := range rc.joined {
		if r.routes[rt] == rc {
			delete(r.routes, rt)
		}
	}
}
