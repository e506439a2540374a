// Package client maintains the persistent WebSocket connection between the
// node agent and the C&C server. It handles:
//   - Auth mode selection (short-lived session tokens when a mint URL is
//     configured, the static node token otherwise)
//   - Registration and protocol negotiation
//   - Heartbeat loop at the interval echoed by the server
//   - Command frames, forwarded to the Executor and answered with
//     command-result frames carrying the original commandId
//   - Automatic reconnection with exponential backoff + jitter
//
// The Manager implements discovery.EventSink so the scanner and the executor
// can push host events upstream without knowing about WebSockets.
//
// Connection lifecycle is an explicit state machine:
//
//	disconnected → authenticating → open → closing → disconnected
//
// Close code 4001 (session token expired) triggers a token refresh before
// the reconnect; 4401 and 4410 are terminal and stop the loop entirely.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	hostinfo "github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/agent/internal/metrics"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

const (
	backoffMax    = 60 * time.Second
	backoffFactor = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many nodes reconnect simultaneously.
	jitterFraction = 0.2

	registerTimeout          = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	writeTimeout             = 10 * time.Second

	// commandBacklog is how many inbound command frames may queue behind the
	// one currently executing before the read loop blocks.
	commandBacklog = 16
)

// ErrAuthRevoked means the C&C rejected the node's credentials outright.
// Reconnecting would only repeat the rejection, so the loop stops.
var ErrAuthRevoked = errors.New("client: node credentials revoked")

// State is the connection lifecycle phase, visible through the local API.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosing        State = "closing"
)

// Config holds all parameters needed to connect to the C&C server.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string
	// Token is the static node auth token. When SessionTokenURL is empty it
	// authenticates the WebSocket directly; otherwise it authenticates the
	// mint request.
	Token string
	// SessionTokenURL, when set, selects session-token auth: short-lived
	// tokens minted over HTTPS and refreshed before expiry.
	SessionTokenURL string
	// RefreshBuffer is subtracted from the token lifetime when deciding
	// whether the cached token is still usable.
	RefreshBuffer time.Duration
	// ReconnectInterval is the initial reconnect delay; it grows
	// exponentially up to backoffMax.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts caps consecutive failed connections. 0 = infinite.
	MaxReconnectAttempts int

	NodeID   string
	Location string
	Version  string
	Subnet   string
	Gateway  string

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Manager owns the connection to the C&C server.
type Manager struct {
	cfg    Config
	exec   *Executor
	store  *hostdb.Store
	logger *zap.Logger
	http   *http.Client

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	// writeMu serializes frame writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	tokenMu      sync.Mutex
	sessionToken string
	tokenExpiry  time.Time
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *Executor, store *hostdb.Store, logger *zap.Logger) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		exec:   exec,
		store:  store,
		logger: logger.Named("client"),
		http:   &http.Client{Timeout: 10 * time.Second},
		state:  StateDisconnected,
	}
	exec.SetSink(m)
	return m
}

// State returns the current connection phase.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		connected := 0.0
		if s == StateOpen {
			connected = 1
		}
		m.cfg.Metrics.CNCConnected.Set(connected)
	}
}

// Run starts the connection loop. It connects, registers and services the
// session; on any failure it reconnects with exponential backoff. Blocks
// until ctx is cancelled or the credentials are revoked.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectInterval
	attempts := 0

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection loop stopped")
			return nil
		}

		m.logger.Info("connecting to C&C", zap.String("url", m.cfg.URL))

		registered, err := m.connect(ctx)
		if errors.Is(err, ErrAuthRevoked) {
			m.logger.Error("auth-revoked: C&C rejected node credentials, giving up")
			return err
		}
		if registered {
			// Successful session — reset the reconnect budget.
			backoff = m.cfg.ReconnectInterval
			attempts = 0
		}
		if err != nil {
			attempts++
			if m.cfg.MaxReconnectAttempts > 0 && attempts >= m.cfg.MaxReconnectAttempts {
				return fmt.Errorf("client: giving up after %d reconnect attempts: %w", attempts, err)
			}
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
				zap.Int("attempts", attempts),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect runs one session: authenticate → dial → register → loops.
// registered reports whether the session reached the open state.
func (m *Manager) connect(ctx context.Context) (registered bool, err error) {
	m.setState(StateAuthenticating)
	defer m.setState(StateDisconnected)

	token, err := m.token(ctx)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, ErrAuthRevoked
		}
		return false, fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	heartbeat, err := m.register(conn)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	m.logger.Info("registered with C&C",
		zap.String("node_id", m.cfg.NodeID),
		zap.Duration("heartbeat_interval", heartbeat),
	)

	// Push the full local inventory so the aggregator converges even if it
	// missed events while we were away.
	m.syncInventory(ctx)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmds := make(chan protocol.Envelope, commandBacklog)
	go m.commandLoop(sessionCtx, cmds)

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(sessionCtx, heartbeat) }()
	go func() { errCh <- m.readLoop(sessionCtx, conn, cmds) }()

	err = <-errCh
	m.setState(StateClosing)
	cancel()

	if ctx.Err() != nil {
		// Graceful shutdown: tell the server we are leaving.
		m.writeMu.Lock()
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, "shutting down"), deadline)
		m.writeMu.Unlock()
		return true, nil
	}
	return true, err
}

// token returns the credential to present on the WebSocket upgrade, minting
// or refreshing a session token when that mode is configured.
func (m *Manager) token(ctx context.Context) (string, error) {
	if m.cfg.SessionTokenURL == "" {
		return m.cfg.Token, nil
	}

	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()
	if m.sessionToken != "" && time.Now().Before(m.tokenExpiry.Add(-m.cfg.RefreshBuffer)) {
		return m.sessionToken, nil
	}

	body, _ := json.Marshal(map[string]string{"nodeId": m.cfg.NodeID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.SessionTokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("client: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.Token)

	resp, err := m.http.Do(req)
	if err != nil {
		// auth-unavailable: the mint endpoint is unreachable, back off and
		// retry rather than give up.
		return "", fmt.Errorf("client: auth-unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrAuthRevoked
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: mint returned status %d", resp.StatusCode)
	}

	var out struct {
		Token            string `json:"token"`
		ExpiresInSeconds int64  `json:"expiresInSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("client: decode mint response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("client: mint returned an empty token")
	}

	m.sessionToken = out.Token
	m.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresInSeconds) * time.Second)
	m.logger.Debug("session token minted", zap.Int64("expires_in_s", out.ExpiresInSeconds))
	return m.sessionToken, nil
}

// invalidateToken drops the cached session token so the next connect mints
// a fresh one. Called on close code 4001.
func (m *Manager) invalidateToken() {
	m.tokenMu.Lock()
	m.sessionToken = ""
	m.tokenMu.Unlock()
}

// register sends the register frame and waits for the registered response.
// Returns the heartbeat interval the server expects.
func (m *Manager) register(conn *websocket.Conn) (time.Duration, error) {
	data := protocol.RegisterData{
		NodeID:          m.cfg.NodeID,
		Name:            m.cfg.NodeID,
		Location:        m.cfg.Location,
		Version:         m.cfg.Version,
		Platform:        platformString(),
		ProtocolVersion: protocol.Version11,
		Capabilities: []string{
			"wake", "scan", "update-host", "delete-host",
			"scan-host-ports", "ping-host", "ping",
		},
		NetworkInfo: protocol.NetworkInfo{Subnet: m.cfg.Subnet, Gateway: m.cfg.Gateway},
	}
	env, err := protocol.NewEnvelope(protocol.MsgRegister, data)
	if err != nil {
		return 0, err
	}
	if err := m.write(conn, env); err != nil {
		return 0, fmt.Errorf("client: send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return 0, m.classifyClose(fmt.Errorf("client: await registered: %w", err))
	}
	if reply.Type != protocol.MsgRegistered {
		return 0, fmt.Errorf("client: expected registered, got %q", reply.Type)
	}
	var reg protocol.RegisteredData
	if err := reply.DecodeData(&reg); err != nil {
		return 0, err
	}

	interval := defaultHeartbeatInterval
	if reg.HeartbeatInterval > 0 {
		interval = time.Duration(reg.HeartbeatInterval) * time.Millisecond
	}
	return interval, nil
}

// syncInventory re-announces every stored host after registration.
func (m *Manager) syncInventory(ctx context.Context) {
	hosts, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("inventory sync failed", zap.Error(err))
		return
	}
	for i := range hosts {
		m.HostUpdated(hosts[i])
	}
	m.logger.Debug("inventory synced", zap.Int("hosts", len(hosts)))
}

func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.MsgHeartbeat, protocol.HeartbeatData{
				NodeID:    m.cfg.NodeID,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
			if err := m.Send(env); err != nil {
				return fmt.Errorf("client: heartbeat: %w", err)
			}
			m.logger.Debug("heartbeat sent")
		}
	}
}

// readLoop services incoming frames until the connection drops.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, cmds chan<- protocol.Envelope) error {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return m.classifyClose(err)
		}

		switch env.Type {
		case protocol.MsgWake, protocol.MsgScan, protocol.MsgUpdateHost,
			protocol.MsgDeleteHost, protocol.MsgScanHostPorts,
			protocol.MsgPingHost, protocol.MsgSleepHost,
			protocol.MsgShutdownHost, protocol.MsgPing:
			// Handlers may block on the network (scans, pings); the single
			// command worker keeps heartbeats flowing while executing one
			// command at a time, in receive order.
			select {
			case cmds <- env:
			case <-ctx.Done():
				return nil
			}
		case protocol.MsgError:
			var ed protocol.ErrorData
			_ = env.DecodeData(&ed)
			m.logger.Warn("C&C rejected a frame",
				zap.String("code", ed.Code),
				zap.String("message", ed.Message),
			)
		case protocol.MsgRegistered:
			// Duplicate registered frames are harmless.
		default:
			m.logger.Warn("unknown frame type", zap.String("type", string(env.Type)))
		}
	}
}

// commandLoop drains the session's command queue, executing one frame at a
// time so results complete in the order the commands arrived.
func (m *Manager) commandLoop(ctx context.Context, cmds <-chan protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-cmds:
			m.handleCommand(ctx, env)
		}
	}
}

// handleCommand executes one command frame and reports its result.
func (m *Manager) handleCommand(ctx context.Context, env protocol.Envelope) {
	res := m.exec.Execute(ctx, env)

	out, err := protocol.NewEnvelope(protocol.MsgCommandResult, protocol.CommandResultData{
		NodeID:    m.cfg.NodeID,
		CommandID: env.CommandID,
		Success:   res.Success,
		Message:   res.Message,
		Error:     res.Err,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		m.logger.Error("build command-result failed", zap.Error(err))
		return
	}
	if err := m.Send(out); err != nil {
		m.logger.Warn("command-result not delivered",
			zap.String("command_id", env.CommandID),
			zap.Error(err),
		)
	}
}

// Send writes one frame on the open connection. Frames sent while
// disconnected return an error; event emitters treat that as droppable.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	return m.write(conn, env)
}

func (m *Manager) write(conn *websocket.Conn, env protocol.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// classifyClose maps WebSocket close codes to reconnect behaviour:
// 4001 refreshes the session token first, 4401 and 4410 stop the loop.
func (m *Manager) classifyClose(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case protocol.CloseAuthExpired:
		m.invalidateToken()
		return fmt.Errorf("client: session token expired: %w", err)
	case protocol.CloseAuthRevoked:
		return ErrAuthRevoked
	case protocol.CloseIdentityConflict:
		m.logger.Error("another connection is bound to this node id")
		return ErrAuthRevoked
	default:
		return err
	}
}

// ─── discovery.EventSink ─────────────────────────────────────────────────────

// HostDiscovered forwards a newly found host upstream.
func (m *Manager) HostDiscovered(h hostdb.Host) {
	m.sendEvent(protocol.MsgHostDiscovered, protocol.HostEventData{
		NodeID: m.cfg.NodeID,
		Host:   toProtocolHost(h),
	})
}

// HostUpdated forwards a host change upstream.
func (m *Manager) HostUpdated(h hostdb.Host) {
	m.sendEvent(protocol.MsgHostUpdated, protocol.HostEventData{
		NodeID: m.cfg.NodeID,
		Host:   toProtocolHost(h),
	})
}

// HostRemoved forwards a host deletion upstream.
func (m *Manager) HostRemoved(name string) {
	m.sendEvent(protocol.MsgHostRemoved, protocol.HostRemovedData{
		NodeID: m.cfg.NodeID,
		Name:   name,
	})
}

// ScanComplete reports a finished sweep upstream.
func (m *Manager) ScanComplete(hostsFound int, duration time.Duration) {
	m.sendEvent(protocol.MsgScanComplete, protocol.ScanCompleteData{
		NodeID:     m.cfg.NodeID,
		HostsFound: hostsFound,
		DurationMs: duration.Milliseconds(),
	})
}

func (m *Manager) sendEvent(t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		m.logger.Error("build event failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := m.Send(env); err != nil {
		// Offline: the post-registration inventory sync will reconcile.
		m.logger.Debug("event dropped while disconnected", zap.String("type", string(t)))
	}
}

// toProtocolHost converts a stored host to its wire representation.
func toProtocolHost(h hostdb.Host) protocol.Host {
	out := protocol.Host{
		Name:           h.Name,
		MAC:            h.MAC,
		IP:             h.IP,
		Status:         protocol.HostStatus(h.Status),
		PingResponsive: h.PingResponsive,
		LastSeen:       h.LastSeen,
		Discovered:     h.Discovered,
		Notes:          h.Notes,
		WolPort:        h.WolPort,
		PortsScannedAt: h.PortsScannedAt,
	}
	if h.Ports != "" {
		_ = json.Unmarshal([]byte(h.Ports), &out.Ports)
	}
	if h.PortsScannedAt != nil {
		expires := h.PortsScannedAt.Add(portsTTL)
		out.PortsExpireAt = &expires
	}
	return out
}

// platformString describes the node's OS for registration metadata.
func platformString() string {
	if info, err := hostinfo.Info(); err == nil && info.Platform != "" {
		return fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, runtime.GOARCH)
	}
	return fmt.Sprintf("%s (%s)", runtime.GOOS, runtime.GOARCH)
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
