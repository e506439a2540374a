package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/discovery"
	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

var upgrader = websocket.Upgrader{}

// fakeCNC is a minimal C&C endpoint: it upgrades, answers the register frame
// and hands the session to a script function.
type fakeCNC struct {
	server  *httptest.Server
	seen    chan protocol.Envelope
	session func(conn *websocket.Conn)

	authHeader atomic.Value // last Authorization header
}

func newFakeCNC(t *testing.T, session func(conn *websocket.Conn)) *fakeCNC {
	f := &fakeCNC{seen: make(chan protocol.Envelope, 32), session: session}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var reg protocol.Envelope
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		f.seen <- reg

		registered, _ := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredData{
			NodeID:            "home",
			HeartbeatInterval: 50,
			ProtocolVersion:   protocol.Version11,
		})
		if err := conn.WriteJSON(registered); err != nil {
			return
		}
		f.session(conn)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCNC) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *hostdb.Store) {
	t.Helper()
	store, err := hostdb.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scanner := discovery.New(discovery.Config{Interval: time.Hour}, store, zap.NewNop())
	exec := NewExecutor(store, scanner, "127.0.0.1", 9, nil, zap.NewNop())

	if cfg.NodeID == "" {
		cfg.NodeID = "home"
	}
	if cfg.Location == "" {
		cfg.Location = "home"
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 20 * time.Millisecond
	}
	return New(cfg, exec, store, zap.NewNop()), store
}

func TestRegisterAndCommandRoundTrip(t *testing.T) {
	results := make(chan protocol.Envelope, 8)
	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		ping, _ := protocol.NewCommandEnvelope(protocol.MsgPing, "cmd-42", nil)
		if err := conn.WriteJSON(ping); err != nil {
			return
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			results <- env
		}
	})

	mgr, _ := newTestManager(t, Config{URL: cnc.wsURL(), Token: "node-static"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	// The register frame carries the node identity and protocol version.
	select {
	case reg := <-cnc.seen:
		assert.Equal(t, protocol.MsgRegister, reg.Type)
		var data protocol.RegisterData
		require.NoError(t, reg.DecodeData(&data))
		assert.Equal(t, "home", data.NodeID)
		assert.Equal(t, "home", data.Location)
		assert.Equal(t, protocol.Version11, data.ProtocolVersion)
		assert.Contains(t, data.Capabilities, "wake")
	case <-time.After(2 * time.Second):
		t.Fatal("no register frame received")
	}
	assert.Equal(t, "Bearer node-static", cnc.authHeader.Load())

	// The ping command is answered with a command-result echoing its id,
	// and heartbeats flow at the negotiated interval.
	var sawResult, sawHeartbeat bool
	deadline := time.After(2 * time.Second)
	for !sawResult || !sawHeartbeat {
		select {
		case env := <-results:
			switch env.Type {
			case protocol.MsgCommandResult:
				var res protocol.CommandResultData
				require.NoError(t, env.DecodeData(&res))
				assert.Equal(t, "cmd-42", res.CommandID)
				assert.True(t, res.Success)
				assert.Equal(t, "pong", res.Message)
				sawResult = true
			case protocol.MsgHeartbeat:
				var hb protocol.HeartbeatData
				require.NoError(t, env.DecodeData(&hb))
				assert.Equal(t, "home", hb.NodeID)
				sawHeartbeat = true
			}
		case <-deadline:
			t.Fatalf("timed out: result=%v heartbeat=%v", sawResult, sawHeartbeat)
		}
	}

	assert.Equal(t, StateOpen, mgr.State())
	cancel()
	require.NoError(t, <-done)
}

func TestCommandResultsFollowReceiveOrder(t *testing.T) {
	const n = 10
	results := make(chan protocol.Envelope, 2*n)
	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		for i := 0; i < n; i++ {
			ping, _ := protocol.NewCommandEnvelope(protocol.MsgPing, fmt.Sprintf("cmd-%02d", i), nil)
			if err := conn.WriteJSON(ping); err != nil {
				return
			}
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			results <- env
		}
	})

	mgr, _ := newTestManager(t, Config{URL: cnc.wsURL(), Token: "node-static"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx) //nolint:errcheck

	// One handler at a time, so results come back exactly in the order the
	// commands were received.
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case env := <-results:
			if env.Type != protocol.MsgCommandResult {
				continue
			}
			var res protocol.CommandResultData
			require.NoError(t, env.DecodeData(&res))
			got = append(got, res.CommandID)
		case <-deadline:
			t.Fatalf("timed out after %d results", len(got))
		}
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("cmd-%02d", i), got[i])
	}
}

func TestInventorySyncAfterRegister(t *testing.T) {
	results := make(chan protocol.Envelope, 8)
	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			results <- env
		}
	})

	mgr, store := newTestManager(t, Config{URL: cnc.wsURL(), Token: "node-static"})
	require.NoError(t, store.Create(context.Background(), &hostdb.Host{
		Name: "office", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx) //nolint:errcheck

	select {
	case env := <-results:
		require.Equal(t, protocol.MsgHostUpdated, env.Type)
		var data protocol.HostEventData
		require.NoError(t, env.DecodeData(&data))
		assert.Equal(t, "home", data.NodeID)
		assert.Equal(t, "office", data.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no inventory sync frame received")
	}
}

func TestMintRejectionStopsReconnecting(t *testing.T) {
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer mint.Close()

	mgr, _ := newTestManager(t, Config{
		URL:             "ws://127.0.0.1:1/ws", // never reached
		Token:           "node-static",
		SessionTokenURL: mint.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := mgr.Run(ctx)
	assert.ErrorIs(t, err, ErrAuthRevoked)
}

func TestSessionTokenMintedAndPresented(t *testing.T) {
	var mintCalls atomic.Int32
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mintCalls.Add(1)
		assert.Equal(t, "Bearer node-static", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"session-jwt","expiresInSeconds":300}`))
	}))
	defer mint.Close()

	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})

	mgr, _ := newTestManager(t, Config{
		URL:             cnc.wsURL(),
		Token:           "node-static",
		SessionTokenURL: mint.URL,
		RefreshBuffer:   10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx) //nolint:errcheck

	select {
	case <-cnc.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no register frame received")
	}
	assert.Equal(t, "Bearer session-jwt", cnc.authHeader.Load())
	assert.Equal(t, int32(1), mintCalls.Load())
}

func TestExpiredSessionRefreshesToken(t *testing.T) {
	var mintCalls atomic.Int32
	mint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mintCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"session-jwt","expiresInSeconds":300}`))
	}))
	defer mint.Close()

	var sessions atomic.Int32
	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		if sessions.Add(1) == 1 {
			// First session: simulate token expiry mid-session.
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.CloseAuthExpired, "session token expired"), deadline)
			return
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})

	mgr, _ := newTestManager(t, Config{
		URL:             cnc.wsURL(),
		Token:           "node-static",
		SessionTokenURL: mint.URL,
		RefreshBuffer:   10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	// The cached token was invalidated by the 4001 close, forcing a second
	// mint even though the first token was nominally still fresh.
	assert.GreaterOrEqual(t, mintCalls.Load(), int32(2))
}

func TestIdentityConflictStops(t *testing.T) {
	var sessions atomic.Int32
	cnc := newFakeCNC(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseIdentityConflict, "already connected"), deadline)
	})

	mgr, _ := newTestManager(t, Config{URL: cnc.wsURL(), Token: "node-static"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := mgr.Run(ctx)
	assert.ErrorIs(t, err, ErrAuthRevoked)
	assert.Equal(t, int32(1), sessions.Load())
}
