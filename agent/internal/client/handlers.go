package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/discovery"
	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/agent/internal/metrics"
	"github.com/kaonis/woly-server-sub003/agent/internal/wol"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// portsTTL is how long a port scan result stays fresh before the C&C should
// request a rescan.
const portsTTL = 10 * time.Minute

// result is the outcome of one command handler, before the manager wraps it
// into a command-result frame.
type result struct {
	Success bool
	Message string
	Err     string
}

func okResult(format string, args ...any) result {
	return result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failResult(code string, err error) result {
	r := result{Success: false, Err: code}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// Executor executes C&C command frames against the local host store, the
// scanner and the WoL emitter. Manual host mutations emit the same events a
// scan would, so the upstream aggregator stays coherent.
type Executor struct {
	store     *hostdb.Store
	scanner   *discovery.Scanner
	broadcast string
	wolPort   int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu   sync.RWMutex
	sink discovery.EventSink
}

// NewExecutor builds an Executor. broadcast and wolPort are the node-level
// wake defaults, used when a host carries no override. m may be nil.
func NewExecutor(store *hostdb.Store, scanner *discovery.Scanner, broadcast string, wolPort int, m *metrics.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		store:     store,
		scanner:   scanner,
		broadcast: broadcast,
		wolPort:   wolPort,
		metrics:   m,
		logger:    logger.Named("executor"),
	}
}

// SetSink wires the upstream event sink for manual CRUD events.
func (e *Executor) SetSink(sink discovery.EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *Executor) emit(fn func(discovery.EventSink)) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink != nil {
		fn(sink)
	}
}

// Execute runs one command frame and returns its result. Unknown command
// types fail explicitly rather than being silently dropped.
func (e *Executor) Execute(ctx context.Context, env protocol.Envelope) result {
	res := e.execute(ctx, env)
	if e.metrics != nil {
		outcome := "ok"
		if !res.Success {
			outcome = "failed"
		}
		e.metrics.CommandsHandled.WithLabelValues(string(env.Type), outcome).Inc()
	}
	return res
}

func (e *Executor) execute(ctx context.Context, env protocol.Envelope) result {
	switch env.Type {
	case protocol.MsgWake:
		return e.wake(ctx, env)
	case protocol.MsgScan:
		return e.scan(ctx, env)
	case protocol.MsgUpdateHost:
		return e.updateHost(ctx, env)
	case protocol.MsgDeleteHost:
		return e.deleteHost(ctx, env)
	case protocol.MsgScanHostPorts:
		return e.scanHostPorts(ctx, env)
	case protocol.MsgPingHost:
		return e.pingHost(ctx, env)
	case protocol.MsgSleepHost, protocol.MsgShutdownHost:
		// Requires per-host agents or IPMI; not available on plain LAN
		// devices.
		return failResult("not_implemented", fmt.Errorf("%s is not supported by this node", env.Type))
	case protocol.MsgPing:
		return okResult("pong")
	default:
		return failResult("unknown_command", fmt.Errorf("unknown command type %q", env.Type))
	}
}

func (e *Executor) wake(ctx context.Context, env protocol.Envelope) result {
	var data protocol.WakeData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}

	mac, port := data.MAC, data.WolPort
	if mac == "" && data.HostName != "" {
		h, err := e.store.GetByName(ctx, data.HostName)
		if err != nil {
			return failResult("host_not_found", err)
		}
		mac = h.MAC
		if port == 0 {
			port = h.WolPort
		}
	}
	if mac == "" {
		return failResult("bad_payload", errors.New("wake requires a mac or a known hostName"))
	}
	if port == 0 {
		port = e.wolPort
	}

	if err := wol.Send(mac, e.broadcast, port); err != nil {
		return failResult("wake_failed", err)
	}
	if e.metrics != nil {
		e.metrics.WakePackets.WithLabelValues("command").Inc()
	}
	e.logger.Info("magic packet sent",
		zap.String("host", data.HostName),
		zap.String("mac", mac),
		zap.Int("wol_port", port),
	)
	return okResult("magic packet sent to %s", mac)
}

func (e *Executor) scan(ctx context.Context, env protocol.Envelope) result {
	var data protocol.ScanData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}

	if !data.Immediate {
		// Background mode acks right away; results flow upstream as
		// host events when the sweep finishes.
		go func() {
			scanCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := e.scanner.Scan(scanCtx); err != nil && !errors.Is(err, discovery.ErrScanInProgress) {
				e.logger.Warn("background scan failed", zap.Error(err))
			}
		}()
		return okResult("scan scheduled")
	}

	if err := e.scanner.Scan(ctx); err != nil {
		if errors.Is(err, discovery.ErrScanInProgress) {
			return okResult("scan already running")
		}
		return failResult("scan_failed", err)
	}
	return okResult("scan complete")
}

func (e *Executor) updateHost(ctx context.Context, env protocol.Envelope) result {
	var data protocol.UpdateHostData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}

	key := data.CurrentName
	if key == "" {
		key = data.Name
	}
	h, err := e.store.GetByName(ctx, key)
	if err != nil {
		return failResult("host_not_found", err)
	}

	if data.Name != "" {
		h.Name = data.Name
	}
	if data.MAC != "" {
		mac, err := hostdb.NormalizeMAC(data.MAC)
		if err != nil {
			return failResult("bad_payload", err)
		}
		h.MAC = mac
	}
	if data.IP != "" {
		h.IP = data.IP
	}
	if data.Status != "" {
		h.Status = string(data.Status)
	}
	if data.Notes != nil {
		h.Notes = *data.Notes
	}
	if data.WolPort != nil {
		h.WolPort = *data.WolPort
	}

	if err := e.store.Save(ctx, h); err != nil {
		if errors.Is(err, hostdb.ErrConflict) {
			return failResult("conflict", err)
		}
		return failResult("update_failed", err)
	}
	e.emit(func(sink discovery.EventSink) { sink.HostUpdated(*h) })
	return okResult("host %s updated", h.Name)
}

func (e *Executor) deleteHost(ctx context.Context, env protocol.Envelope) result {
	var data protocol.DeleteHostData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}
	if err := e.store.Delete(ctx, data.Name); err != nil {
		if errors.Is(err, hostdb.ErrNotFound) {
			return failResult("host_not_found", err)
		}
		return failResult("delete_failed", err)
	}
	e.emit(func(sink discovery.EventSink) { sink.HostRemoved(data.Name) })
	return okResult("host %s deleted", data.Name)
}

func (e *Executor) scanHostPorts(ctx context.Context, env protocol.Envelope) result {
	var data protocol.HostNameData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}
	h, err := e.store.GetByName(ctx, data.Name)
	if err != nil {
		return failResult("host_not_found", err)
	}

	open := discovery.ScanPorts(ctx, h.IP)
	encoded, _ := json.Marshal(open)
	now := time.Now().UTC()
	h.Ports = string(encoded)
	h.PortsScannedAt = &now
	if err := e.store.Save(ctx, h); err != nil {
		return failResult("update_failed", err)
	}
	e.emit(func(sink discovery.EventSink) { sink.HostUpdated(*h) })

	ports := make([]string, len(open))
	for i, p := range open {
		ports[i] = fmt.Sprintf("%d", p)
	}
	return okResult("open ports: [%s]", strings.Join(ports, " "))
}

func (e *Executor) pingHost(ctx context.Context, env protocol.Envelope) result {
	var data protocol.HostNameData
	if err := env.DecodeData(&data); err != nil {
		return failResult("bad_payload", err)
	}
	h, err := e.store.GetByName(ctx, data.Name)
	if err != nil {
		return failResult("host_not_found", err)
	}

	responsive := 0
	if e.scanner.Ping(ctx, h.IP) {
		responsive = 1
	}
	h.PingResponsive = &responsive
	if err := e.store.Save(ctx, h); err != nil {
		return failResult("update_failed", err)
	}
	e.emit(func(sink discovery.EventSink) { sink.HostUpdated(*h) })

	if responsive == 1 {
		return okResult("%s is responsive", h.Name)
	}
	return okResult("%s did not respond", h.Name)
}
