package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/discovery"
	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

type recordingSink struct {
	mu      sync.Mutex
	updated []hostdb.Host
	removed []string
}

func (r *recordingSink) HostDiscovered(hostdb.Host) {}

func (r *recordingSink) HostUpdated(h hostdb.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, h)
}

func (r *recordingSink) HostRemoved(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, name)
}

func (r *recordingSink) ScanComplete(int, time.Duration) {}

func newTestExecutor(t *testing.T, broadcast string, wolPort int) (*Executor, *hostdb.Store, *recordingSink) {
	t.Helper()
	store, err := hostdb.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scanner := discovery.New(discovery.Config{Interval: time.Hour}, store, zap.NewNop())
	exec := NewExecutor(store, scanner, broadcast, wolPort, nil, zap.NewNop())
	sink := &recordingSink{}
	exec.SetSink(sink)
	return exec, store, sink
}

func commandEnv(t *testing.T, typ protocol.MessageType, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewCommandEnvelope(typ, "cmd-1", payload)
	require.NoError(t, err)
	return env
}

func TestWakeByHostName(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	exec, store, _ := newTestExecutor(t, "127.0.0.1", port)
	require.NoError(t, store.Create(context.Background(), &hostdb.Host{
		Name: "office", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50", WolPort: port,
	}))

	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgWake,
		protocol.WakeData{HostName: "office"}))
	require.True(t, res.Success, res.Err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 102, n)
}

func TestWakeUnknownHost(t *testing.T) {
	exec, _, _ := newTestExecutor(t, "127.0.0.1", 9)
	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgWake,
		protocol.WakeData{HostName: "ghost"}))
	assert.False(t, res.Success)
	assert.Equal(t, "host_not_found", res.Err)
}

func TestUpdateHostRenameSafe(t *testing.T) {
	exec, store, sink := newTestExecutor(t, "127.0.0.1", 9)
	require.NoError(t, store.Create(context.Background(), &hostdb.Host{
		Name: "office", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50",
	}))

	notes := "moved desks"
	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgUpdateHost,
		protocol.UpdateHostData{CurrentName: "office", Name: "desk", Notes: &notes}))
	require.True(t, res.Success, res.Err)

	_, err := store.GetByName(context.Background(), "office")
	assert.ErrorIs(t, err, hostdb.ErrNotFound)
	h, err := store.GetByName(context.Background(), "desk")
	require.NoError(t, err)
	assert.Equal(t, "moved desks", h.Notes)

	require.Len(t, sink.updated, 1)
	assert.Equal(t, "desk", sink.updated[0].Name)
}

func TestDeleteHostEmitsRemoval(t *testing.T) {
	exec, store, sink := newTestExecutor(t, "127.0.0.1", 9)
	require.NoError(t, store.Create(context.Background(), &hostdb.Host{
		Name: "office", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50",
	}))

	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgDeleteHost,
		protocol.DeleteHostData{Name: "office"}))
	require.True(t, res.Success)
	assert.Equal(t, []string{"office"}, sink.removed)

	res = exec.Execute(context.Background(), commandEnv(t, protocol.MsgDeleteHost,
		protocol.DeleteHostData{Name: "office"}))
	assert.False(t, res.Success)
	assert.Equal(t, "host_not_found", res.Err)
}

func TestPingCommandAnswersPong(t *testing.T) {
	exec, _, _ := newTestExecutor(t, "127.0.0.1", 9)
	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgPing, nil))
	assert.True(t, res.Success)
	assert.Equal(t, "pong", res.Message)
}

func TestSleepAndShutdownNotImplemented(t *testing.T) {
	exec, _, _ := newTestExecutor(t, "127.0.0.1", 9)
	for _, typ := range []protocol.MessageType{protocol.MsgSleepHost, protocol.MsgShutdownHost} {
		res := exec.Execute(context.Background(), commandEnv(t, typ,
			protocol.HostNameData{Name: "office"}))
		assert.False(t, res.Success)
		assert.Equal(t, "not_implemented", res.Err)
	}
}

func TestUnknownCommandFailsExplicitly(t *testing.T) {
	exec, _, _ := newTestExecutor(t, "127.0.0.1", 9)
	res := exec.Execute(context.Background(), protocol.Envelope{Type: "self-destruct"})
	assert.False(t, res.Success)
	assert.Equal(t, "unknown_command", res.Err)
}

func TestToProtocolHostPortsExpiry(t *testing.T) {
	scanned := time.Now().UTC().Add(-time.Minute)
	h := hostdb.Host{
		Name: "office", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50",
		Ports: "[22,80]", PortsScannedAt: &scanned,
	}
	out := toProtocolHost(h)
	assert.Equal(t, []int{22, 80}, out.Ports)
	require.NotNil(t, out.PortsExpireAt)
	assert.Equal(t, scanned.Add(portsTTL), *out.PortsExpireAt)
}

func TestWakeFallsBackToNodeDefaults(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	exec, _, _ := newTestExecutor(t, "127.0.0.1", port)

	// MAC provided directly: no store lookup needed.
	res := exec.Execute(context.Background(), commandEnv(t, protocol.MsgWake,
		protocol.WakeData{MAC: "AA:BB:CC:DD:EE:FF"}))
	require.True(t, res.Success, fmt.Sprintf("message=%s err=%s", res.Message, res.Err))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 102, n)
}
