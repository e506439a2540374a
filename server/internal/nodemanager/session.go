package nodemanager

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled node from blocking the writePump.
	writeWait = 10 * time.Second

	// registerWait bounds how long a freshly upgraded connection may sit
	// without sending its register frame.
	registerWait = 10 * time.Second

	// maxMessageSize is the maximum inbound frame size in bytes. Host events
	// carry port lists and tags, so the limit is generous.
	maxMessageSize = 256 * 1024

	// sendBufferSize is the capacity of the per-session outbound channel.
	sendBufferSize = 32

	// persistTimeout bounds the database writes performed from frame handlers.
	persistTimeout = 5 * time.Second
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Nodes are not
// browsers, so origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// session is one node WebSocket connection. Inbound frames are validated and
// dispatched one at a time, in receive order, on the readPump goroutine.
// writePump is the only goroutine that writes to conn.
type session struct {
	manager *Manager
	conn    *websocket.Conn
	send    chan protocol.Envelope
	limiter *rate.Limiter
	logger  *zap.Logger

	ip          string
	subject     string // session-token sub claim; empty for static tokens
	connectedAt time.Time

	// Set once by handleRegister; read-only afterwards.
	nodeID   string
	location string

	mu            sync.Mutex
	lastHeartbeat time.Time
	online        bool

	closeOnce sync.Once
}

func newSession(m *Manager, conn *websocket.Conn, ip, subject string) *session {
	burst := m.cfg.MessageRatePerSec
	if burst < 1 {
		burst = 1
	}
	return &session{
		manager:     m,
		conn:        conn,
		send:        make(chan protocol.Envelope, sendBufferSize),
		limiter:     rate.NewLimiter(rate.Limit(m.cfg.MessageRatePerSec), burst),
		logger:      m.logger.With(zap.String("remote_addr", ip)),
		ip:          ip,
		subject:     subject,
		connectedAt: time.Now(),
	}
}

func (s *session) heartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *session) isOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// readPump reads, validates, and dispatches inbound frames until the
// connection closes. At most one handler runs at a time per connection, so
// per-connection frame ordering is preserved.
func (s *session) readPump() {
	defer func() {
		s.manager.unbind(s)
		s.manager.releaseIP(s.ip)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)

	// Before registration the node gets a short deadline; after, the deadline
	// tracks the heartbeat contract with one interval of grace.
	if err := s.conn.SetReadDeadline(time.Now().Add(registerWait)); err != nil {
		return
	}
	readWait := s.manager.cfg.NodeTimeout + s.manager.cfg.HeartbeatInterval
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if !s.limiter.Allow() {
			s.manager.metrics.RateLimited.WithLabelValues("ws").Inc()
			s.closeWith(protocol.CloseRateLimited, "message rate limit exceeded")
			return
		}

		env, err := s.manager.validator.DecodeAndValidate(protocol.DirectionInbound, raw)
		if err != nil {
			// Malformed and unknown frames are dropped; the connection and
			// the dispatcher survive.
			s.manager.metrics.InvalidMessages.WithLabelValues(string(protocol.DirectionInbound), string(env.Type)).Inc()
			s.logger.Warn("ws: dropping invalid frame",
				zap.String("type", string(env.Type)),
				zap.Error(err),
			)
			continue
		}

		if s.nodeID == "" {
			if env.Type != protocol.MsgRegister {
				s.closeWith(protocol.CloseBadRegister, "expected register frame")
				return
			}
			if !s.handleRegister(env) {
				return
			}
			_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
			continue
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.dispatch(env)
	}
}

// handleRegister negotiates the protocol version, enforces identity binding,
// persists the node record, and confirms with a registered frame. Returns
// false when the session was closed.
func (s *session) handleRegister(env protocol.Envelope) bool {
	var reg protocol.RegisterData
	if err := env.DecodeData(&reg); err != nil {
		s.closeWith(protocol.CloseBadRegister, "malformed register payload")
		return false
	}

	version, ok := protocol.Negotiate(reg.ProtocolVersion)
	if !ok {
		s.closeWith(protocol.CloseBadRegister, "unsupported protocol version "+reg.ProtocolVersion)
		return false
	}

	// A session token pins the connection to its subject. The conflict code
	// tells the agent the mismatch is permanent, so it stops instead of
	// reconnect-looping.
	if s.subject != "" && s.subject != reg.NodeID {
		s.logger.Warn("register node id does not match session token subject",
			zap.String("claimed", reg.NodeID),
			zap.String("subject", s.subject),
		)
		s.closeWith(protocol.CloseIdentityConflict, "node id does not match credentials")
		return false
	}

	s.nodeID = reg.NodeID
	s.location = reg.Location
	s.logger = s.logger.With(zap.String("node_id", reg.NodeID))

	now := time.Now()
	s.mu.Lock()
	s.lastHeartbeat = now
	s.online = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	node := &db.Node{
		ID:              reg.NodeID,
		Name:            reg.Name,
		Location:        reg.Location,
		Status:          string(protocol.NodeStatusOffline),
		Capabilities:    encodeJSONList(reg.Capabilities),
		Version:         reg.Version,
		Platform:        reg.Platform,
		ProtocolVersion: version,
		Subnet:          reg.NetworkInfo.Subnet,
		Gateway:         reg.NetworkInfo.Gateway,
	}
	if err := s.manager.nodes.Upsert(ctx, node); err != nil {
		s.logger.Error("failed to persist node registration", zap.Error(err))
		s.closeWith(protocol.CloseBadRegister, "registration failed")
		return false
	}
	if err := s.manager.nodes.UpdateStatus(ctx, reg.NodeID, string(protocol.NodeStatusOnline), now); err != nil {
		s.logger.Error("failed to mark node online", zap.Error(err))
	}

	s.manager.bind(reg.NodeID, s)

	reply, err := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredData{
		NodeID:            reg.NodeID,
		HeartbeatInterval: s.manager.cfg.HeartbeatInterval.Milliseconds(),
		ProtocolVersion:   version,
	})
	if err != nil {
		s.logger.Error("failed to build registered frame", zap.Error(err))
		s.closeWith(protocol.CloseBadRegister, "registration failed")
		return false
	}
	s.send <- reply

	if s.manager.hostSink != nil {
		s.manager.hostSink.NodeOnline(ctx, reg.NodeID)
	}
	if s.manager.commandSink != nil {
		s.manager.commandSink.NodeConnected(ctx, reg.NodeID)
	}
	return true
}

// dispatch routes one validated post-registration frame. The nodeId embedded
// in payloads is never trusted: the bound identity is authoritative, and a
// disagreement only increments the spoof counter.
func (s *session) dispatch(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch env.Type {
	case protocol.MsgHeartbeat:
		var hb protocol.HeartbeatData
		if err := env.DecodeData(&hb); err != nil {
			s.logger.Warn("ws: undecodable heartbeat", zap.Error(err))
			return
		}
		s.checkSpoof(hb.NodeID)
		s.handleHeartbeat(ctx)

	case protocol.MsgHostDiscovered, protocol.MsgHostUpdated:
		var ev protocol.HostEventData
		if err := env.DecodeData(&ev); err != nil {
			s.logger.Warn("ws: undecodable host event", zap.Error(err))
			return
		}
		s.checkSpoof(ev.NodeID)
		if s.manager.hostSink == nil {
			return
		}
		if env.Type == protocol.MsgHostDiscovered {
			s.manager.hostSink.HostDiscovered(ctx, s.nodeID, s.location, ev.Host)
		} else {
			s.manager.hostSink.HostUpdated(ctx, s.nodeID, s.location, ev.Host)
		}

	case protocol.MsgHostRemoved:
		var ev protocol.HostRemovedData
		if err := env.DecodeData(&ev); err != nil {
			s.logger.Warn("ws: undecodable host-removed", zap.Error(err))
			return
		}
		s.checkSpoof(ev.NodeID)
		if s.manager.hostSink != nil {
			s.manager.hostSink.HostRemoved(ctx, s.nodeID, ev.Name)
		}

	case protocol.MsgScanComplete:
		var ev protocol.ScanCompleteData
		if err := env.DecodeData(&ev); err != nil {
			s.logger.Warn("ws: undecodable scan-complete", zap.Error(err))
			return
		}
		s.checkSpoof(ev.NodeID)
		ev.NodeID = s.nodeID
		if s.manager.hostSink != nil {
			s.manager.hostSink.ScanComplete(ctx, s.nodeID, ev)
		}

	case protocol.MsgCommandResult:
		var res protocol.CommandResultData
		if err := env.DecodeData(&res); err != nil {
			s.logger.Warn("ws: undecodable command-result", zap.Error(err))
			return
		}
		s.checkSpoof(res.NodeID)
		res.NodeID = s.nodeID
		if s.manager.commandSink != nil {
			s.manager.commandSink.HandleResult(ctx, s.nodeID, res)
		}

	case protocol.MsgRegister:
		// Re-registration on a bound connection is a protocol violation.
		s.logger.Warn("ws: register frame on bound connection")

	default:
		// Unreachable: the validator rejects unknown inbound types.
		s.logger.Warn("ws: unhandled frame type", zap.String("type", string(env.Type)))
	}
}

// handleHeartbeat refreshes liveness and flips a stale node back to online.
func (s *session) handleHeartbeat(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	s.lastHeartbeat = now
	wasOffline := !s.online
	s.online = true
	s.mu.Unlock()

	if wasOffline {
		if err := s.manager.nodes.UpdateStatus(ctx, s.nodeID, string(protocol.NodeStatusOnline), now); err != nil {
			s.logger.Warn("failed to mark node online", zap.Error(err))
		}
		s.logger.Info("node back online after heartbeat gap")
		if s.manager.hostSink != nil {
			s.manager.hostSink.NodeOnline(ctx, s.nodeID)
		}
		if s.manager.commandSink != nil {
			s.manager.commandSink.NodeConnected(ctx, s.nodeID)
		}
		return
	}

	if err := s.manager.nodes.Heartbeat(ctx, s.nodeID, now); err != nil {
		s.logger.Warn("failed to persist heartbeat", zap.Error(err))
	}
}

// markOffline records a heartbeat timeout without closing the connection.
// Called from the manager's monitor loop.
func (s *session) markOffline() {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	s.online = false
	last := s.lastHeartbeat
	s.mu.Unlock()

	s.logger.Warn("node heartbeat timed out", zap.Time("last_heartbeat", last))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.manager.nodes.UpdateStatus(ctx, s.nodeID, string(protocol.NodeStatusOffline), last); err != nil {
		s.logger.Warn("failed to persist node offline", zap.Error(err))
	}
	if s.manager.hostSink != nil {
		s.manager.hostSink.NodeOffline(ctx, s.nodeID)
	}
}

// checkSpoof compares a payload-embedded nodeId against the bound identity.
// The payload value is ignored either way.
func (s *session) checkSpoof(claimed string) {
	if claimed != "" && claimed != s.nodeID {
		s.manager.metrics.ProtocolSpoof.Inc()
		s.logger.Warn("payload nodeId disagrees with bound identity",
			zap.String("claimed", claimed),
		)
	}
}

// writePump serialises outbound frames onto the wire and sends periodic ping
// control frames. It is the only goroutine that writes to conn.
func (s *session) writePump() {
	ticker := time.NewTicker(s.manager.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close control frame with the given code and tears the
// connection down. Safe to call multiple times.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("ws: close frame write failed", zap.Error(err))
		}
		s.conn.Close()
	})
}
