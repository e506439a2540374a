package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// fakeSender simulates the node session manager's transmission surface.
type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []protocol.Envelope
	failSends int
}

func newFakeSender() *fakeSender {
	return &fakeSender{connected: make(map[string]bool)}
}

func (f *fakeSender) Send(nodeID string, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[nodeID] {
		return errors.New("node not connected")
	}
	if f.failSends > 0 {
		f.failSends--
		return errors.New("transport error")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) IsConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeSender) setConnected(nodeID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[nodeID] = up
}

func (f *fakeSender) sentFrames() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope{}, f.sent...)
}

func newTestRouter(t *testing.T, mutate func(*Config)) (*Router, *fakeSender, repositories.CommandRepository) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	cfg := Config{
		Timeout:        30 * time.Second,
		OfflineTTL:     time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetentionDays:  7,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	repo := repositories.NewCommandRepository(database)
	sender := newFakeSender()
	router, err := New(cfg, repo, sender, metrics.New(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(router.Shutdown)
	return router, sender, repo
}

func stateOf(t *testing.T, repo repositories.CommandRepository, id uuid.UUID) string {
	t.Helper()
	cmd, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return cmd.State
}

func TestDispatchToConnectedNode(t *testing.T) {
	router, sender, repo := newTestRouter(t, nil)
	sender.setConnected("home", true)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:        "home",
		Type:          protocol.CommandWake,
		Payload:       protocol.WakeData{HostName: "office", MAC: "AA:BB:CC:DD:EE:FF"},
		CorrelationID: uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandSent), cmd.State)
	assert.Equal(t, 1, cmd.Attempts)
	require.NotNil(t, cmd.SentAt)

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.MsgWake, frames[0].Type)
	assert.Equal(t, cmd.ID.String(), frames[0].CommandID)

	router.HandleResult(ctx, "home", protocol.CommandResultData{
		CommandID: cmd.ID.String(),
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	})
	assert.Equal(t, string(protocol.CommandAcknowledged), stateOf(t, repo, cmd.ID))
}

func TestDispatchIdempotencyDedupe(t *testing.T) {
	router, sender, _ := newTestRouter(t, nil)
	sender.setConnected("home", true)
	ctx := context.Background()

	first, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:         "home",
		Type:           protocol.CommandWake,
		Payload:        protocol.WakeData{HostName: "office", MAC: "AA:BB:CC:DD:EE:FF"},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	second, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:         "home",
		Type:           protocol.CommandWake,
		Payload:        protocol.WakeData{HostName: "office", MAC: "AA:BB:CC:DD:EE:FF"},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, sender.sentFrames(), 1)

	// A different key dispatches a fresh command.
	third, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:         "home",
		Type:           protocol.CommandWake,
		Payload:        protocol.WakeData{HostName: "office", MAC: "AA:BB:CC:DD:EE:FF"},
		IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestOfflineWakeQueuesUntilReconnect(t *testing.T) {
	router, sender, repo := newTestRouter(t, nil)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandQueued), cmd.State)

	sender.setConnected("home", true)
	router.NodeConnected(ctx, "home")

	assert.Equal(t, string(protocol.CommandSent), stateOf(t, repo, cmd.ID))
	assert.Len(t, sender.sentFrames(), 1)
}

func TestOfflineWakeExpires(t *testing.T) {
	router, _, repo := newTestRouter(t, func(c *Config) { c.OfflineTTL = 30 * time.Millisecond })
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandQueued), cmd.State)

	assert.Eventually(t, func() bool {
		return stateOf(t, repo, cmd.ID) == string(protocol.CommandFailed)
	}, 2*time.Second, 10*time.Millisecond)

	final, err := repo.GetByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNodeOffline, final.Error)
}

func TestOfflineNonQueueableFailsFast(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	cmd, err := router.Dispatch(context.Background(), DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandScan,
		Payload: protocol.ScanData{Immediate: true},
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandFailed), cmd.State)
	assert.Equal(t, ReasonNodeOffline, cmd.Error)
}

func TestSendFailureRetriesWithBackoff(t *testing.T) {
	router, sender, repo := newTestRouter(t, nil)
	sender.setConnected("home", true)
	sender.failSends = 1
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandFailed), cmd.State)
	assert.Equal(t, ReasonSendFailed, cmd.Error)

	// The retry timer re-enqueues and the second attempt succeeds.
	assert.Eventually(t, func() bool {
		return stateOf(t, repo, cmd.ID) == string(protocol.CommandSent)
	}, 2*time.Second, 10*time.Millisecond)

	final, err := repo.GetByID(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Attempts)
	assert.Len(t, sender.sentFrames(), 1)
}

func TestNonRetryableFailureStops(t *testing.T) {
	router, sender, repo := newTestRouter(t, nil)
	sender.setConnected("home", true)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "ghost", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)

	router.HandleResult(ctx, "home", protocol.CommandResultData{
		CommandID: cmd.ID.String(),
		Success:   false,
		Error:     ReasonHostNotFound,
	})

	assert.Equal(t, string(protocol.CommandFailed), stateOf(t, repo, cmd.ID))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, string(protocol.CommandFailed), stateOf(t, repo, cmd.ID))
}

func TestSentCommandTimesOut(t *testing.T) {
	router, sender, repo := newTestRouter(t, func(c *Config) {
		c.Timeout = 30 * time.Millisecond
		c.MaxRetries = 1 // first attempt exhausts the budget
	})
	sender.setConnected("home", true)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandSent), cmd.State)

	assert.Eventually(t, func() bool {
		return stateOf(t, repo, cmd.ID) == string(protocol.CommandTimedOut)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResultCancelsTimeout(t *testing.T) {
	router, sender, repo := newTestRouter(t, func(c *Config) { c.Timeout = 50 * time.Millisecond })
	sender.setConnected("home", true)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)

	router.HandleResult(ctx, "home", protocol.CommandResultData{
		CommandID: cmd.ID.String(), Success: true,
	})
	require.Equal(t, string(protocol.CommandAcknowledged), stateOf(t, repo, cmd.ID))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, string(protocol.CommandAcknowledged), stateOf(t, repo, cmd.ID))
}

func TestResultForUnknownCommandIsDropped(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	// Neither of these may panic or create state.
	router.HandleResult(context.Background(), "home", protocol.CommandResultData{
		CommandID: "not-a-uuid", Success: true,
	})
	router.HandleResult(context.Background(), "home", protocol.CommandResultData{
		CommandID: uuid.NewString(), Success: true,
	})
}

func TestResultFromWrongNodeIsIgnored(t *testing.T) {
	router, sender, repo := newTestRouter(t, nil)
	sender.setConnected("home", true)
	ctx := context.Background()

	cmd, err := router.Dispatch(ctx, DispatchRequest{
		NodeID:  "home",
		Type:    protocol.CommandWake,
		Payload: protocol.WakeData{HostName: "nas", MAC: "AA:BB:CC:DD:EE:FF"},
	})
	require.NoError(t, err)

	router.HandleResult(ctx, "factory", protocol.CommandResultData{
		CommandID: cmd.ID.String(), Success: true,
	})
	assert.Equal(t, string(protocol.CommandSent), stateOf(t, repo, cmd.ID))
}

func TestReconcileTimesOutStaleSentRows(t *testing.T) {
	router, _, repo := newTestRouter(t, func(c *Config) { c.MaxRetries = 0 })
	ctx := context.Background()

	// Simulate a row left in sent by a previous process, past its deadline.
	old := time.Now().Add(-time.Hour)
	stale := &db.Command{
		NodeID:  "home",
		Type:    string(protocol.CommandWake),
		Payload: `{"hostName":"nas","mac":"AA:BB:CC:DD:EE:FF"}`,
		State:   string(protocol.CommandQueued),
	}
	require.NoError(t, repo.Create(ctx, stale))
	_, err := repo.Transition(ctx, stale.ID, string(protocol.CommandQueued), string(protocol.CommandSent), func(c *db.Command) {
		c.Attempts = 1
		c.SentAt = &old
	})
	require.NoError(t, err)

	require.NoError(t, router.Reconcile(ctx))
	assert.Equal(t, string(protocol.CommandTimedOut), stateOf(t, repo, stale.ID))
}

func TestReconcileExpiresStaleQueuedRows(t *testing.T) {
	router, _, repo := newTestRouter(t, func(c *Config) { c.OfflineTTL = time.Nanosecond })
	ctx := context.Background()

	queued := &db.Command{
		NodeID:  "home",
		Type:    string(protocol.CommandWake),
		Payload: `{"hostName":"nas","mac":"AA:BB:CC:DD:EE:FF"}`,
		State:   string(protocol.CommandQueued),
	}
	require.NoError(t, repo.Create(ctx, queued))

	require.NoError(t, router.Reconcile(ctx))
	final, err := repo.GetByID(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, string(protocol.CommandFailed), final.State)
	assert.Equal(t, ReasonNodeOffline, final.Error)
}

func TestStartPruningReplacesPreviousTask(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)
	router.Start()

	// Re-invocation must cancel the previous job instead of stacking tasks.
	router.StartPruning(14)
	router.StartPruning(0) // disables
	router.StartPruning(7)
}
