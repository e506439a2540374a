// Package nodemanager owns the WebSocket sessions of connected node agents.
//
// Each accepted connection runs two goroutines: a readPump that validates and
// dispatches inbound frames strictly in receive order, and a writePump that is
// the sole writer to the wire. The manager keeps an in-memory registry of
// bound sessions keyed by node ID; persistent node records live in the
// database and are updated as sessions come and go.
//
// All registry state is in-memory and intentionally non-persistent: if the
// server restarts, nodes reconnect and re-register automatically via their
// reconnection loop.
package nodemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/auth"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// HostSink receives host and node lifecycle events extracted from validated
// frames. Implemented by the host aggregator; declared here so the manager
// and the aggregator do not import each other.
type HostSink interface {
	HostDiscovered(ctx context.Context, nodeID, location string, h protocol.Host)
	HostUpdated(ctx context.Context, nodeID, location string, h protocol.Host)
	HostRemoved(ctx context.Context, nodeID, name string)
	ScanComplete(ctx context.Context, nodeID string, data protocol.ScanCompleteData)
	NodeOnline(ctx context.Context, nodeID string)
	NodeOffline(ctx context.Context, nodeID string)
}

// CommandSink receives command acknowledgements and connectivity changes.
// Implemented by the command router.
type CommandSink interface {
	HandleResult(ctx context.Context, nodeID string, res protocol.CommandResultData)
	NodeConnected(ctx context.Context, nodeID string)
}

// Config holds the session-manager tunables, all sourced from the
// environment at startup.
type Config struct {
	HeartbeatInterval   time.Duration
	NodeTimeout         time.Duration
	RequireTLS          bool
	AllowQueryToken     bool
	MessageRatePerSec   int
	MaxConnectionsPerIP int
	NodeAuthTokens      []string
}

// Manager accepts node WebSocket connections, authenticates them, binds them
// to a node identity and routes their frames. Safe for concurrent use.
type Manager struct {
	cfg       Config
	sessions  *auth.SessionTokenManager
	validator *protocol.Validator
	nodes     repositories.NodeRepository
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// Sinks are wired after construction because the aggregator and the
	// command router are built later in the startup sequence.
	hostSink    HostSink
	commandSink CommandSink

	mu       sync.RWMutex
	bound    map[string]*session // keyed by bound node ID
	ipConns  map[string]int
	shutdown bool

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// New creates a Manager. sessions may be nil when only static node tokens are
// configured.
func New(cfg Config, sessions *auth.SessionTokenManager, validator *protocol.Validator, nodes repositories.NodeRepository, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		sessions:    sessions,
		validator:   validator,
		nodes:       nodes,
		metrics:     m,
		logger:      logger.Named("nodemanager"),
		bound:       make(map[string]*session),
		ipConns:     make(map[string]int),
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
}

// SetSinks wires the event consumers. Must be called before Start.
func (m *Manager) SetSinks(hosts HostSink, commands CommandSink) {
	m.hostSink = hosts
	m.commandSink = commands
}

// Start launches the heartbeat monitor. It returns immediately.
func (m *Manager) Start() {
	go m.monitor()
}

// Shutdown closes every session with a normal close frame and stops the
// heartbeat monitor. Bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.monitorStop)

	m.mu.Lock()
	m.shutdown = true
	open := make([]*session, 0, len(m.bound))
	for _, s := range m.bound {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.closeWith(protocol.CloseNormal, "server shutting down")
	}

	select {
	case <-m.monitorDone:
	case <-ctx.Done():
	}
}

// HandleUpgrade is the HTTP handler for the node WebSocket endpoint.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if m.cfg.RequireTLS && r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		http.Error(w, "TLS required", http.StatusUpgradeRequired)
		return
	}

	token, negotiated := extractToken(r, m.cfg.AllowQueryToken)
	subject, err := m.authenticate(token)
	if err != nil {
		m.logger.Warn("ws upgrade rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ip := remoteIP(r)
	if !m.acquireIP(ip) {
		m.metrics.RateLimited.WithLabelValues("ws").Inc()
		w.Header().Set("Retry-After", "10")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	var responseHeader http.Header
	if negotiated != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {negotiated}}
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		m.releaseIP(ip)
		m.logger.Warn("ws upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s := newSession(m, conn, ip, subject)
	go s.writePump()
	s.readPump()
}

// Send validates and transmits an outbound frame to a bound node. It returns
// an error when the node is not connected or its send buffer is full, so the
// caller can record the command as failed rather than silently dropping it.
func (m *Manager) Send(nodeID string, env protocol.Envelope) error {
	if err := m.validator.Validate(protocol.DirectionOutbound, env); err != nil {
		m.metrics.InvalidMessages.WithLabelValues(string(protocol.DirectionOutbound), string(env.Type)).Inc()
		return fmt.Errorf("nodemanager: outbound frame rejected: %w", err)
	}

	m.mu.RLock()
	s := m.bound[nodeID]
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("nodemanager: node %s is not connected", nodeID)
	}

	select {
	case s.send <- env:
		return nil
	default:
		// The write pump is stalled; the connection will be torn down by its
		// own deadlines. Fail fast instead of blocking the caller.
		return fmt.Errorf("nodemanager: node %s send buffer full", nodeID)
	}
}

// Disconnect closes the bound session for nodeID, if any. Used by the admin
// surface when a node is deregistered.
func (m *Manager) Disconnect(nodeID string) bool {
	m.mu.RLock()
	s := m.bound[nodeID]
	m.mu.RUnlock()
	if s == nil {
		return false
	}
	s.closeWith(protocol.CloseNormal, "node deregistered")
	return true
}

// IsConnected reports whether a session is currently bound for nodeID.
func (m *Manager) IsConnected(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bound[nodeID] != nil
}

// ConnectedCount returns the number of bound sessions.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bound)
}

// ConnectedIDs returns a snapshot of the bound node IDs.
func (m *Manager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.bound))
	for id := range m.bound {
		ids = append(ids, id)
	}
	return ids
}

// authenticate resolves the presented token to a session subject. Static node
// tokens yield an empty subject (any node ID may bind); session tokens pin
// the connection to their sub claim.
func (m *Manager) authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("no credentials presented")
	}
	if auth.MatchesAny(token, m.cfg.NodeAuthTokens) {
		return "", nil
	}
	if m.sessions != nil {
		nodeID, err := m.sessions.Verify(token)
		if err == nil {
			return nodeID, nil
		}
		return "", err
	}
	return "", auth.ErrTokenInvalid
}

// bind registers a session under nodeID. If another live session already
// holds the identity, the stale one is closed with an identity-conflict code
// and replaced — a node reconnecting after a network blip must not be locked
// out until its dead connection times out.
func (m *Manager) bind(nodeID string, s *session) {
	m.mu.Lock()
	prev := m.bound[nodeID]
	m.bound[nodeID] = s
	total := len(m.bound)
	m.mu.Unlock()

	if prev != nil {
		m.logger.Warn("replacing existing node session",
			zap.String("node_id", nodeID),
			zap.String("old_remote", prev.ip),
			zap.String("new_remote", s.ip),
		)
		prev.closeWith(protocol.CloseIdentityConflict, "superseded by a newer connection")
	}

	m.metrics.NodesConnected.Set(float64(total))
	m.logger.Info("node connected",
		zap.String("node_id", nodeID),
		zap.String("remote_addr", s.ip),
		zap.Int("total_connected", total),
	)
}

// unbind removes s from the registry if it is still the bound session for its
// node ID, and records the offline transition.
func (m *Manager) unbind(s *session) {
	if s.nodeID == "" {
		return
	}

	m.mu.Lock()
	if m.bound[s.nodeID] != s {
		// Already superseded by a newer session; nothing to do.
		m.mu.Unlock()
		return
	}
	delete(m.bound, s.nodeID)
	total := len(m.bound)
	stopping := m.shutdown
	m.mu.Unlock()

	m.metrics.NodesConnected.Set(float64(total))
	m.logger.Info("node disconnected",
		zap.String("node_id", s.nodeID),
		zap.Duration("session_duration", time.Since(s.connectedAt)),
		zap.Int("total_connected", total),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.nodes.UpdateStatus(ctx, s.nodeID, string(protocol.NodeStatusOffline), s.heartbeatAt()); err != nil {
		m.logger.Warn("failed to persist node offline", zap.String("node_id", s.nodeID), zap.Error(err))
	}
	if !stopping && m.hostSink != nil {
		m.hostSink.NodeOffline(ctx, s.nodeID)
	}
}

// monitor periodically sweeps bound sessions for stale heartbeats and marks
// the corresponding nodes offline without closing the connection: a node that
// resumes heartbeating flips back to online on its next frame.
func (m *Manager) monitor() {
	defer close(m.monitorDone)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.RLock()
			stale := make([]*session, 0)
			for _, s := range m.bound {
				if s.isOnline() && now.Sub(s.heartbeatAt()) > m.cfg.NodeTimeout {
					stale = append(stale, s)
				}
			}
			m.mu.RUnlock()

			for _, s := range stale {
				s.markOffline()
			}

		case <-m.monitorStop:
			return
		}
	}
}

func (m *Manager) acquireIP(ip string) bool {
	if m.cfg.MaxConnectionsPerIP <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ipConns[ip] >= m.cfg.MaxConnectionsPerIP {
		return false
	}
	m.ipConns[ip]++
	return true
}

func (m *Manager) releaseIP(ip string) {
	if m.cfg.MaxConnectionsPerIP <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ipConns[ip] <= 1 {
		delete(m.ipConns, ip)
	} else {
		m.ipConns[ip]--
	}
}

// extractToken pulls the bearer credential from the request, trying the
// Authorization header first, then the WebSocket subprotocol list, then the
// token query parameter when enabled. The second return value is the
// subprotocol to echo back, empty when the token came from elsewhere.
func extractToken(r *http.Request, allowQuery bool) (token, negotiated string) {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest), ""
		}
	}

	protos := websocket.Subprotocols(r)
	for i, p := range protos {
		// "bearer,<token>" arrives as two entries after header splitting.
		if p == "bearer" && i+1 < len(protos) {
			return protos[i+1], "bearer"
		}
		if rest, ok := strings.CutPrefix(p, "bearer."); ok {
			return rest, p
		}
	}

	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, ""
		}
	}
	return "", ""
}

// encodeJSONList renders a string slice as the JSON TEXT stored in the
// capabilities column. Nil encodes as the empty array.
func encodeJSONList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
