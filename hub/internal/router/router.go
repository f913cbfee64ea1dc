// Package router accepts peer WebSocket connections and dispatches their
// messages: room joins, attack requests, remote capture control, and
// room-wide relay of every frame.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hereliesaz/hashkitty/hub/internal/bridge"
	"github.com/hereliesaz/hashkitty/hub/internal/job"
	"github.com/hereliesaz/hashkitty/hub/internal/rooms"
	"github.com/hereliesaz/hashkitty/hub/internal/sniff"
	"github.com/hereliesaz/hashkitty/hub/internal/store"
	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string // for WebSocket origin check
	MaxMessageBytes   int64    // default 64KB
	SendBuffer        int      // default 256
	MessagesPerSecond float64  // default 30
	Burst             int      // default 50
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
	if o.MessagesPerSecond == 0 {
		o.MessagesPerSecond = 30
	}
	if o.Burst == 0 {
		o.Burst = 50
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Router owns the live connections and dispatches their messages.
type Router struct {
	rooms    *rooms.Hub
	bridge   *bridge.Bridge
	sniffer  *sniff.Launcher
	store    store.Store // optional audit log
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu     sync.RWMutex
	conns  map[string]*Conn
	attack job.Handler
}

// New creates a Router. s may be nil to disable auditing.
func New(h *rooms.Hub, b *bridge.Bridge, l *sniff.Launcher, s store.Store, logger *slog.Logger, opts Options) *Router {
	opts.applyDefaults()
	return &Router{
		rooms:    h,
		bridge:   b,
		sniffer:  l,
		store:    s,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		conns:    make(map[string]*Conn),
	}
}

// SetAttackHandler registers the attack runner. Without one, attack
// requests are only relayed.
func (r *Router) SetAttackHandler(h job.Handler) {
	r.mu.Lock()
	r.attack = h
	r.mu.Unlock()
}

func (r *Router) attackHandler() job.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attack
}

// ConnCount returns the number of open connections.
func (r *Router) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll disconnects every peer.
func (r *Router) CloseAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.shutdown()
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.New().String(), req.RemoteAddr, ws, r.opts.SendBuffer)
	ws.SetReadLimit(r.opts.MaxMessageBytes)

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	r.logger.Info("peer connected", "conn_id", c.id, "remote", c.remoteAddr)
	r.audit(store.ActionConnOpen, c, nil)

	go c.writePump(r.opts.WriteWait)
	stopKeepalive := startKeepalive(ws, &c.writeMu, r.opts.PingInterval, r.opts.PongWait)

	defer func() {
		stopKeepalive()
		r.closeConn(c)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("peer read error", "conn_id", c.id, "error", err)
			return
		}

		if !c.allowMessage(r.opts.MessagesPerSecond, r.opts.Burst) {
			r.logger.Debug("peer message rate limited", "conn_id", c.id)
			continue
		}

		r.dispatch(c, msg)
	}
}

// closeWait bounds how long a closing connection waits for its capture
// worker to finish before leaving the room.
const closeWait = 5 * time.Second

// closeConn stops the capture session, then leaves the room. The room is
// left even if stopping the session panics.
func (r *Router) closeConn(c *Conn) {
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("panic stopping capture on close", "conn_id", c.id, "panic", p)
			}
		}()
		if s := r.stopSniff(c); s != nil {
			select {
			case <-s.Done():
			case <-time.After(closeWait):
				r.logger.Warn("capture worker still running after close", "conn_id", c.id, "sniff_id", s.ID())
			}
		}
	}()

	r.rooms.Unregister(c)

	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	c.shutdown()
	r.audit(store.ActionConnClose, c, nil)
	r.logger.Info("peer disconnected", "conn_id", c.id, "room", c.Room())
}

// dispatch handles one inbound frame and relays it to the sender's room.
// Frames that fail to decode are dropped without being relayed.
func (r *Router) dispatch(c *Conn, raw []byte) {
	var env protocol.Envelope
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic dispatching message",
				"conn_id", c.id, "room", c.Room(), "type", env.Type,
				"panic", p, "stack", string(debug.Stack()))
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("invalid message from peer", "conn_id", c.id, "error", err)
		return
	}

	if err := r.handle(c, env); err != nil {
		r.logger.Warn("dropping message", "conn_id", c.id, "type", env.Type, "error", err)
		return
	}

	room := c.Room()
	if room == "" {
		r.logger.Debug("message from unjoined peer not relayed", "conn_id", c.id, "type", env.Type)
		return
	}
	r.rooms.Broadcast(room, raw, c.id)
}

// handle applies the frame's side effects. A join without room_id changes
// nothing, and attack payloads are only decoded when a runner is registered;
// both frames are still relayed.
func (r *Router) handle(c *Conn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeJoin:
		if env.RoomID == "" {
			r.logger.Debug("join without room_id", "conn_id", c.id)
			return nil
		}
		c.setRoom(env.RoomID)
		r.rooms.Register(env.RoomID, c)
		r.audit(store.ActionRoomJoin, c, nil)

	case protocol.TypeAttack:
		h := r.attackHandler()
		if h == nil {
			return nil
		}
		var params protocol.AttackParams
		if err := protocol.DecodePayload(env.Payload, &params); err != nil {
			return err
		}
		r.audit(store.ActionJobDispatch, c, map[string]string{"job_id": params.JobID, "mode": params.Mode})
		h(params, &jobHandle{r: r, c: c})

	case protocol.TypeStartSniff:
		params, err := protocol.DecodeStartSniff(env.Payload)
		if err != nil {
			return err
		}
		r.startSniff(c, params)

	case protocol.TypeStopSniff:
		r.stopSniff(c)
	}
	return nil
}

func (r *Router) startSniff(c *Conn, params protocol.StartSniff) {
	r.stopSniff(c)

	s, err := r.sniffer.Launch(params, func(msg []byte) error {
		return r.bridge.Deliver(c.Send, msg)
	})
	if err != nil {
		r.logger.Warn("start_sniff rejected", "conn_id", c.id, "error", err)
		r.audit(store.ActionSniffReject, c, map[string]string{"host": params.Addr(), "error": err.Error()})
		msg := protocol.MustEncode(protocol.TypeSniffOutput, "", protocol.SniffOutput{Output: "Error: " + err.Error()})
		if sendErr := c.Send(msg); sendErr != nil {
			r.logger.Debug("sniff rejection not delivered", "conn_id", c.id, "error", sendErr)
		}
		return
	}

	c.swapSession(s)
	r.audit(store.ActionSniffStart, c, map[string]string{"host": params.Addr(), "username": params.Username, "sniff_id": s.ID()})
}

// stopSniff issues a stop for the connection's session and returns it, or nil
// if there was none.
func (r *Router) stopSniff(c *Conn) *sniff.Session {
	s := c.swapSession(nil)
	if s == nil {
		return nil
	}
	s.Stop()
	r.audit(store.ActionSniffStop, c, map[string]string{"sniff_id": s.ID()})
	return s
}

func (r *Router) audit(action string, c *Conn, detail any) {
	if r.store == nil {
		return
	}
	event := &store.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		ConnID:     c.id,
		Room:       c.Room(),
		RemoteAddr: c.remoteAddr,
		CreatedAt:  time.Now(),
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			event.Detail = b
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.LogAuditEvent(ctx, event); err != nil {
		r.logger.Warn("audit log failed", "action", action, "conn_id", c.id, "error", err)
	}
}

// jobHandle gives an attack runner access to its requesting connection.
type jobHandle struct {
	r *Router
	c *Conn
}

func (h *jobHandle) ConnID() string { return h.c.id }
func (h *jobHandle) Room() string   { return h.c.Room() }

func (h *jobHandle) Deliver(msg []byte) error {
	return h.r.bridge.Deliver(h.c.Send, msg)
}
