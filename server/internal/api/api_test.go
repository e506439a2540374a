package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kaonis/woly-server-sub003/server/internal/aggregator"
	"github.com/kaonis/woly-server-sub003/server/internal/auth"
	"github.com/kaonis/woly-server-sub003/server/internal/command"
	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

type fakeConnectivity struct {
	mu           sync.Mutex
	connected    map[string]bool
	disconnected []string
}

func (f *fakeConnectivity) IsConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeConnectivity) Disconnect(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, nodeID)
	was := f.connected[nodeID]
	delete(f.connected, nodeID)
	return was
}

func (f *fakeConnectivity) ConnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected)
}

// fakeDispatcher records dispatch requests and honours idempotency keys the
// way the real router does: the same key returns the same command.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []command.DispatchRequest
	byKey    map[string]*db.Command
	failWith string // when set, returned commands are failed with this reason
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req command.DispatchRequest) (*db.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if req.IdempotencyKey != "" {
		if existing, ok := f.byKey[req.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	cmd := &db.Command{
		NodeID:        req.NodeID,
		Type:          string(req.Type),
		State:         string(protocol.CommandSent),
		CorrelationID: req.CorrelationID,
	}
	cmd.ID = uuid.New()
	if f.failWith != "" {
		cmd.State = string(protocol.CommandFailed)
		cmd.Error = f.failWith
	}
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = cmd
	}
	return cmd, nil
}

func (f *fakeDispatcher) all() []command.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.DispatchRequest{}, f.requests...)
}

type harness struct {
	server     *httptest.Server
	agg        *aggregator.Aggregator
	conn       *fakeConnectivity
	dispatcher *fakeDispatcher
	nodes      repositories.NodeRepository
	hosts      repositories.HostRepository
	commands   repositories.CommandRepository
	sessions   *auth.SessionTokenManager

	operatorJWT string
	adminJWT    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	nodeRepo := repositories.NewNodeRepository(database)
	hostRepo := repositories.NewHostRepository(database)
	histRepo := repositories.NewHistoryRepository(database)
	cmdRepo := repositories.NewCommandRepository(database)
	schedRepo := repositories.NewScheduleRepository(database)
	whRepo := repositories.NewWebhookRepository(database)

	jwtMgr, err := auth.NewJWTManager(auth.JWTConfig{
		Secret:         "test-secret",
		Issuer:         "woly-cnc",
		Audience:       "woly-api",
		TTL:            time.Hour,
		OperatorTokens: []string{"op-token"},
		AdminTokens:    []string{"admin-token"},
	})
	require.NoError(t, err)

	sessions, err := auth.NewSessionTokenManager(auth.SessionTokenConfig{
		Secrets:  []string{"ws-secret"},
		Issuer:   "woly-cnc",
		Audience: "woly-node",
		TTL:      5 * time.Minute,
	})
	require.NoError(t, err)

	agg := aggregator.New(hostRepo, histRepo, zap.NewNop())
	conn := &fakeConnectivity{connected: map[string]bool{}}
	dispatcher := &fakeDispatcher{byKey: map[string]*db.Command{}}

	router := NewRouter(RouterConfig{
		Version:        "test",
		CORSOrigins:    []string{"https://dash.example.com"},
		JWT:            jwtMgr,
		Sessions:       sessions,
		NodeAuthTokens: []string{"node-static"},
		Aggregator:     agg,
		Commands:       dispatcher,
		Nodes:          conn,
		NodeRepo:       nodeRepo,
		HostRepo:       hostRepo,
		CommandRepo:    cmdRepo,
		ScheduleRepo:   schedRepo,
		WebhookRepo:    whRepo,
		NodeTimeout:    90 * time.Second,
		Metrics:        metrics.New(),
		Logger:         zap.NewNop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	h := &harness{
		server:     srv,
		agg:        agg,
		conn:       conn,
		dispatcher: dispatcher,
		nodes:      nodeRepo,
		hosts:      hostRepo,
		commands:   cmdRepo,
		sessions:   sessions,
	}
	h.operatorJWT = h.exchange(t, "op-token", "")
	h.adminJWT = h.exchange(t, "admin-token", "admin")
	return h
}

func (h *harness) exchange(t *testing.T, bearer, role string) string {
	t.Helper()
	body := "{}"
	if role != "" {
		body = fmt.Sprintf(`{"role":%q}`, role)
	}
	status, resp := h.do(t, http.MethodPost, "/api/auth/token", bearer, body, nil)
	require.Equal(t, http.StatusOK, status, "token exchange failed: %s", resp)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	return out.Token
}

func (h *harness) do(t *testing.T, method, path, bearer, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *harness) seedHost(t *testing.T, nodeID, location, name string) string {
	t.Helper()
	one := 1
	h.agg.HostDiscovered(context.Background(), nodeID, location, protocol.Host{
		Name:           name,
		MAC:            "AA:BB:CC:DD:EE:FF",
		IP:             "192.168.1.50",
		Status:         protocol.HostStatusAwake,
		PingResponsive: &one,
		WolPort:        9,
	})
	return aggregator.FQN(name, location)
}

func (h *harness) seedNode(t *testing.T, id, location string, heartbeat *time.Time) {
	t.Helper()
	require.NoError(t, h.nodes.Upsert(context.Background(), &db.Node{
		ID:       id,
		Name:     id,
		Location: location,
	}))
	if heartbeat != nil {
		require.NoError(t, h.nodes.UpdateStatus(context.Background(), id, "online", *heartbeat))
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func TestTokenExchangeRejectsUnknownBearer(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodPost, "/api/auth/token", "wrong", "{}", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodGet, "/api/hosts", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// The raw opaque bearer is not a JWT and must not pass the middleware.
	status, _ = h.do(t, http.MethodGet, "/api/hosts", "op-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodGet, "/api/hosts", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminRoutesRejectOperators(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodGet, "/api/admin/stats", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(t, http.MethodGet, "/api/admin/stats", h.adminJWT, "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminTokenServesOperatorRoutes(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodGet, "/api/hosts", h.adminJWT, "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMintSessionToken(t *testing.T) {
	h := newHarness(t)

	status, resp := h.do(t, http.MethodPost, "/api/nodes/token", "node-static", `{"nodeId":"home"}`, nil)
	require.Equal(t, http.StatusOK, status)

	var out struct {
		Token            string `json:"token"`
		ExpiresInSeconds int64  `json:"expiresInSeconds"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, int64(300), out.ExpiresInSeconds)

	subject, err := h.sessions.Verify(out.Token)
	require.NoError(t, err)
	assert.Equal(t, "home", subject)

	status, _ = h.do(t, http.MethodPost, "/api/nodes/token", "not-a-node", `{"nodeId":"home"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

// ─── Hosts ───────────────────────────────────────────────────────────────────

func TestHostListETagRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "home", "home", "office")

	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/hosts", nil)
	req.Header.Set("Authorization", "Bearer "+h.operatorJWT)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	var payload struct {
		Hosts []aggregator.Host `json:"hosts"`
		Stats aggregator.Stats  `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Hosts, 1)
	assert.Equal(t, "office@home", payload.Hosts[0].FQN)
	assert.Equal(t, 1, payload.Stats.Awake)

	// Matching If-None-Match yields 304 with an empty body.
	req2, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/hosts", nil)
	req2.Header.Set("Authorization", "Bearer "+h.operatorJWT)
	req2.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp2.StatusCode)
	assert.Empty(t, body2)

	// A new host on a different fqn changes the ETag.
	h.seedHost(t, "home", "home", "nas")
	req3, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/hosts", nil)
	req3.Header.Set("Authorization", "Bearer "+h.operatorJWT)
	req3.Header.Set("If-None-Match", etag)
	resp3, err := http.DefaultClient.Do(req3)
	require.NoError(t, err)
	io.Copy(io.Discard, resp3.Body)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	assert.NotEqual(t, etag, resp3.Header.Get("ETag"))
}

func TestWakeDispatchesThroughRouter(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")
	h.conn.connected["home"] = true

	status, resp := h.do(t, http.MethodPost, "/api/hosts/wakeup/"+fqn, h.operatorJWT, "{}",
		map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, status, "body: %s", resp)

	var out struct {
		Success       bool   `json:"success"`
		CommandID     string `json:"commandId"`
		CorrelationID string `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.True(t, out.Success)
	require.NotEmpty(t, out.CommandID)
	require.NotEmpty(t, out.CorrelationID)

	reqs := h.dispatcher.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "home", reqs[0].NodeID)
	assert.Equal(t, protocol.CommandWake, reqs[0].Type)
	assert.Equal(t, "k1", reqs[0].IdempotencyKey)
	wake, ok := reqs[0].Payload.(protocol.WakeData)
	require.True(t, ok)
	assert.Equal(t, "office", wake.HostName)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", wake.MAC)

	// Re-POST with the same key returns the same commandId.
	status, resp = h.do(t, http.MethodPost, "/api/hosts/wakeup/"+fqn, h.operatorJWT, "{}",
		map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusOK, status)
	var again struct {
		CommandID string `json:"commandId"`
	}
	require.NoError(t, json.Unmarshal(resp, &again))
	assert.Equal(t, out.CommandID, again.CommandID)
}

func TestWakeUnknownHost(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodPost, "/api/hosts/wakeup/ghost@nowhere", h.operatorJWT, "{}", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWakeOfflineExpiredIs503(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")
	h.dispatcher.failWith = "node_offline"

	status, resp := h.do(t, http.MethodPost, "/api/hosts/wakeup/"+fqn, h.operatorJWT, "{}", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	var out apiError
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, "node_offline", out.Code)
}

func TestWakeWolPortOverride(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")

	status, _ := h.do(t, http.MethodPost, "/api/hosts/wakeup/"+fqn, h.operatorJWT, `{"wolPort":7}`, nil)
	require.Equal(t, http.StatusOK, status)

	reqs := h.dispatcher.all()
	require.Len(t, reqs, 1)
	wake := reqs[0].Payload.(protocol.WakeData)
	assert.Equal(t, 7, wake.WolPort)
}

func TestScanConflictAndOffline(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "home", "home", "office")

	// Node offline: 503, no scan started.
	status, _ := h.do(t, http.MethodPost, "/api/hosts/scan", h.operatorJWT, `{"nodeId":"home"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	h.conn.connected["home"] = true
	status, _ = h.do(t, http.MethodPost, "/api/hosts/scan", h.operatorJWT, `{"nodeId":"home"}`, nil)
	assert.Equal(t, http.StatusAccepted, status)

	// Second scan while the first is in flight: 409.
	status, _ = h.do(t, http.MethodPost, "/api/hosts/scan", h.operatorJWT, `{"nodeId":"home"}`, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestUpdateHostRename(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")
	h.conn.connected["home"] = true

	status, resp := h.do(t, http.MethodPut, "/api/hosts/"+fqn, h.operatorJWT,
		`{"name":"desk","notes":"moved"}`, nil)
	require.Equal(t, http.StatusOK, status, "body: %s", resp)

	_, found := h.agg.Get("office@home")
	assert.False(t, found)
	renamed, found := h.agg.Get("desk@home")
	require.True(t, found)
	assert.Equal(t, "moved", renamed.Notes)

	reqs := h.dispatcher.all()
	require.Len(t, reqs, 1)
	upd := reqs[0].Payload.(protocol.UpdateHostData)
	assert.Equal(t, "office", upd.CurrentName)
	assert.Equal(t, "desk", upd.Name)
}

func TestDeleteHost(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")

	status, _ := h.do(t, http.MethodDelete, "/api/hosts/"+fqn, h.operatorJWT, "", nil)
	require.Equal(t, http.StatusOK, status)

	_, found := h.agg.Get(fqn)
	assert.False(t, found)

	reqs := h.dispatcher.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.CommandDeleteHost, reqs[0].Type)
}

func TestPingRequiresLiveNode(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")

	status, _ := h.do(t, http.MethodGet, "/api/hosts/ping/"+fqn, h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	h.conn.connected["home"] = true
	status, _ = h.do(t, http.MethodGet, "/api/hosts/ping/"+fqn, h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusAccepted, status)
}

// ─── Nodes ───────────────────────────────────────────────────────────────────

func TestNodeHealthOfflineAfterTimeout(t *testing.T) {
	h := newHarness(t)
	stale := time.Now().Add(-91 * time.Second)
	h.seedNode(t, "home", "home", &stale)
	h.conn.connected["home"] = true

	status, resp := h.do(t, http.MethodGet, "/api/nodes/home/health", h.operatorJWT, "", nil)
	require.Equal(t, http.StatusOK, status)

	var out struct {
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, "offline", out.Status)
	assert.False(t, out.Healthy)
}

func TestNodeHealthOnline(t *testing.T) {
	h := newHarness(t)
	fresh := time.Now().Add(-5 * time.Second)
	h.seedNode(t, "home", "home", &fresh)
	h.conn.connected["home"] = true

	status, resp := h.do(t, http.MethodGet, "/api/nodes/home/health", h.operatorJWT, "", nil)
	require.Equal(t, http.StatusOK, status)

	var out struct {
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, "online", out.Status)
	assert.True(t, out.Healthy)
}

func TestNodeNotFound(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodGet, "/api/nodes/ghost", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// ─── Schedules ───────────────────────────────────────────────────────────────

func TestScheduleCreate(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")

	body := fmt.Sprintf(`{"hostFqn":%q,"scheduledTime":"2026-01-01T08:00:00Z","timezone":"UTC","frequency":"daily"}`, fqn)
	status, resp := h.do(t, http.MethodPost, "/api/schedules", h.operatorJWT, body, nil)
	require.Equal(t, http.StatusCreated, status, "body: %s", resp)

	var out db.WakeSchedule
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, fqn, out.HostFQN)
	require.NotNil(t, out.NextTrigger)
	assert.True(t, out.NextTrigger.After(time.Now()))
}

func TestScheduleRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")

	status, _ := h.do(t, http.MethodPost, "/api/schedules", h.operatorJWT,
		fmt.Sprintf(`{"hostFqn":%q,"scheduledTime":"2026-01-01T08:00:00Z","frequency":"hourly"}`, fqn), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/schedules", h.operatorJWT,
		fmt.Sprintf(`{"hostFqn":%q,"scheduledTime":"2026-01-01T08:00:00Z","frequency":"daily","timezone":"Not/AZone"}`, fqn), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/schedules", h.operatorJWT,
		`{"hostFqn":"ghost@nowhere","scheduledTime":"2026-01-01T08:00:00Z","frequency":"daily"}`, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestScheduleListByHost(t *testing.T) {
	h := newHarness(t)
	fqn := h.seedHost(t, "home", "home", "office")
	h.seedHost(t, "home", "home", "nas")

	for _, target := range []string{fqn, "nas@home"} {
		body := `{"scheduledTime":"2026-01-01T08:00:00Z","frequency":"daily"}`
		status, _ := h.do(t, http.MethodPost, "/api/hosts/"+target+"/schedules", h.operatorJWT, body, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	status, resp := h.do(t, http.MethodGet, "/api/hosts/"+fqn+"/schedules", h.operatorJWT, "", nil)
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, 1, out.Total)
}

// ─── Webhooks ────────────────────────────────────────────────────────────────

func TestWebhookCreateHidesSecret(t *testing.T) {
	h := newHarness(t)

	status, resp := h.do(t, http.MethodPost, "/api/webhooks", h.operatorJWT,
		`{"url":"https://example.com/hook","events":["host.awake"],"secret":"s3cret"}`, nil)
	require.Equal(t, http.StatusCreated, status)

	assert.NotContains(t, string(resp), "s3cret")
	var out webhookView
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.True(t, out.HasSecret)
	assert.Equal(t, []string{"host.awake"}, out.Events)

	status, _ = h.do(t, http.MethodPost, "/api/webhooks", h.operatorJWT,
		`{"url":"ftp://example.com","events":["*"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/api/webhooks", h.operatorJWT,
		`{"url":"https://example.com","events":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhookDeliveriesUnknownID(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodGet, "/api/webhooks/"+uuid.NewString()+"/deliveries", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// ─── Admin ───────────────────────────────────────────────────────────────────

func TestAdminDeleteNode(t *testing.T) {
	h := newHarness(t)
	h.seedNode(t, "home", "home", nil)
	fqn := h.seedHost(t, "home", "home", "office")
	h.conn.connected["home"] = true

	// Operators cannot deregister nodes.
	status, _ := h.do(t, http.MethodDelete, "/api/admin/nodes/home", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(t, http.MethodDelete, "/api/admin/nodes/home", h.adminJWT, "", nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Contains(t, h.conn.disconnected, "home")

	_, err := h.nodes.GetByID(context.Background(), "home")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	rows, err := h.hosts.List(context.Background(), "home")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The in-memory projection no longer serves the node's hosts.
	_, ok := h.agg.Get(fqn)
	assert.False(t, ok)
	status, body := h.do(t, http.MethodGet, "/api/hosts", h.operatorJWT, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(body), fqn)
}

func TestAdminStats(t *testing.T) {
	h := newHarness(t)
	h.seedNode(t, "home", "home", nil)
	h.seedHost(t, "home", "home", "office")
	h.conn.connected["home"] = true

	status, resp := h.do(t, http.MethodGet, "/api/admin/stats", h.adminJWT, "", nil)
	require.Equal(t, http.StatusOK, status)

	var out struct {
		Nodes struct {
			Total  int `json:"total"`
			Online int `json:"online"`
		} `json:"nodes"`
		Hosts aggregator.Stats `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, 1, out.Nodes.Total)
	assert.Equal(t, 1, out.Nodes.Online)
	assert.Equal(t, 1, out.Hosts.Total)
}

func TestAdminCommandList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.commands.Create(context.Background(), &db.Command{
		NodeID: "home", Type: "wake", State: "queued",
	}))

	status, resp := h.do(t, http.MethodGet, "/api/admin/commands?state=queued", h.adminJWT, "", nil)
	require.Equal(t, http.StatusOK, status)
	var out struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, int64(1), out.Total)

	status, _ = h.do(t, http.MethodGet, "/api/admin/commands?state=bogus", h.adminJWT, "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// ─── Rate limiting ───────────────────────────────────────────────────────────

func TestTokenExchangeRateLimit(t *testing.T) {
	h := newHarness(t)

	// The harness already consumed two of the five-token burst minting the
	// operator and admin JWTs.
	for i := 0; i < 3; i++ {
		status, _ := h.do(t, http.MethodPost, "/api/auth/token", "op-token", "{}", nil)
		require.Equal(t, http.StatusOK, status)
	}

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/api/auth/token", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer op-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

// ─── Service endpoints ───────────────────────────────────────────────────────

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t)

	status, resp := h.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp), `"status":"ok"`)

	status, resp = h.do(t, http.MethodGet, "/metrics", "", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp), "woly_nodes_connected")

	status, resp = h.do(t, http.MethodGet, "/api/capabilities", h.operatorJWT, "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp), `"protocolVersions"`)
}

func TestCORSAllowlist(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.net")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	// Preflights succeed without credentials.
	pre, err := http.NewRequest(http.MethodOptions, h.server.URL+"/api/hosts", nil)
	require.NoError(t, err)
	pre.Header.Set("Origin", "https://dash.example.com")
	resp, err = http.DefaultClient.Do(pre)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "ETag")
}
