// Package aggregator maintains the C&C-side projection of every LAN host
// reported by every node, keyed by FQN ("hostname@location"). The projection
// is held in memory for fast reads and mirrored to the hosts table so it
// survives restarts; status transitions are appended to the history log.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// Event names published to the webhook dispatcher.
const (
	EventHostDiscovered = "host.discovered"
	EventHostAwake      = "host.awake"
	EventHostAsleep     = "host.asleep"
	EventHostRemoved    = "host.removed"
	EventNodeOnline     = "node.online"
	EventNodeOffline    = "node.offline"
	EventScanComplete   = "scan.complete"
)

// EventSink receives aggregator events for fan-out. Implemented by the
// webhook dispatcher; a nil sink disables emission.
type EventSink interface {
	Emit(event string, data any)
}

// Host is one aggregated host as served by the HTTP API.
type Host struct {
	FQN      string `json:"fqn"`
	NodeID   string `json:"nodeId"`
	Location string `json:"location"`
	protocol.Host
}

// Stats summarises the aggregated view.
type Stats struct {
	Total      int            `json:"total"`
	Awake      int            `json:"awake"`
	Asleep     int            `json:"asleep"`
	ByLocation map[string]int `json:"byLocation"`
}

// Aggregator merges host events from every node into a single view.
// It implements nodemanager.HostSink.
//
// The projection map is guarded by a single mutex: writes arrive on the
// serialized per-connection dispatch goroutines, reads take snapshots.
type Aggregator struct {
	hosts   repositories.HostRepository
	history repositories.HistoryRepository
	logger  *zap.Logger
	sink    EventSink

	mu       sync.RWMutex
	byFQN    map[string]*Host
	byNode   map[string]map[string]struct{}
	scanning map[string]struct{} // node IDs with a scan in flight
}

// New creates an Aggregator with an empty projection. Call Load to warm it
// from the database before serving reads.
func New(hosts repositories.HostRepository, history repositories.HistoryRepository, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		hosts:    hosts,
		history:  history,
		logger:   logger.Named("aggregator"),
		byFQN:    make(map[string]*Host),
		byNode:   make(map[string]map[string]struct{}),
		scanning: make(map[string]struct{}),
	}
}

// SetEventSink wires the webhook dispatcher. Must be called before Start.
func (a *Aggregator) SetEventSink(sink EventSink) { a.sink = sink }

// FQN builds the cross-node unique identifier of a host.
func FQN(name, location string) string {
	return name + "@" + location
}

// SplitFQN splits an FQN into hostname and location. The last "@" wins so
// hostnames containing "@" (unusual but possible) stay intact.
func SplitFQN(fqn string) (name, location string, ok bool) {
	i := strings.LastIndex(fqn, "@")
	if i <= 0 || i == len(fqn)-1 {
		return "", "", false
	}
	return fqn[:i], fqn[i+1:], true
}

// Load warms the in-memory projection from the hosts table.
func (a *Aggregator) Load(ctx context.Context) error {
	rows, err := a.hosts.List(ctx, "")
	if err != nil {
		return fmt.Errorf("aggregator: load: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range rows {
		h := fromModel(&rows[i])
		a.byFQN[h.FQN] = h
		a.index(h.NodeID, h.FQN)
	}
	a.logger.Info("host projection loaded", zap.Int("hosts", len(rows)))
	return nil
}

// HostDiscovered handles a host-discovered frame from a bound node.
func (a *Aggregator) HostDiscovered(ctx context.Context, nodeID, location string, h protocol.Host) {
	a.apply(ctx, nodeID, location, h, true)
}

// HostUpdated handles a host-updated frame from a bound node.
func (a *Aggregator) HostUpdated(ctx context.Context, nodeID, location string, h protocol.Host) {
	a.apply(ctx, nodeID, location, h, false)
}

func (a *Aggregator) apply(ctx context.Context, nodeID, location string, h protocol.Host, discovered bool) {
	fqn := FQN(h.Name, location)

	a.mu.Lock()
	prev := a.byFQN[fqn]
	var prevStatus protocol.HostStatus
	isNew := prev == nil
	if !isNew {
		prevStatus = prev.Status
	}
	next := &Host{FQN: fqn, NodeID: nodeID, Location: location, Host: h}
	if next.WolPort == 0 {
		next.WolPort = 9
	}
	a.byFQN[fqn] = next
	a.index(nodeID, fqn)
	a.mu.Unlock()

	if err := a.hosts.Upsert(ctx, toModel(next)); err != nil {
		a.logger.Error("failed to persist host", zap.String("fqn", fqn), zap.Error(err))
	}

	if isNew && discovered {
		a.emit(EventHostDiscovered, next)
	}
	if !isNew && prevStatus != h.Status {
		a.recordTransition(ctx, fqn, prevStatus, h.Status)
	}
}

// HostRemoved handles a host-removed frame.
func (a *Aggregator) HostRemoved(ctx context.Context, nodeID, name string) {
	a.mu.Lock()
	var removed *Host
	// The node reports the bare hostname; resolve it against that node's set.
	for fqn := range a.byNode[nodeID] {
		if h := a.byFQN[fqn]; h != nil && h.Name == name {
			removed = h
			delete(a.byFQN, fqn)
			delete(a.byNode[nodeID], fqn)
			break
		}
	}
	a.mu.Unlock()

	if removed == nil {
		return
	}
	if err := a.hosts.Delete(ctx, removed.FQN); err != nil {
		a.logger.Error("failed to delete host", zap.String("fqn", removed.FQN), zap.Error(err))
	}
	a.emit(EventHostRemoved, removed)
}

// ScanComplete clears the node's scan-in-flight flag and republishes the event.
func (a *Aggregator) ScanComplete(_ context.Context, nodeID string, data protocol.ScanCompleteData) {
	a.mu.Lock()
	delete(a.scanning, nodeID)
	a.mu.Unlock()

	a.logger.Info("scan complete",
		zap.String("node_id", nodeID),
		zap.Int("hosts_found", data.HostsFound),
		zap.Int64("duration_ms", data.DurationMs),
	)
	a.emit(EventScanComplete, data)
}

// NodeOnline republishes node connectivity for webhook subscribers.
func (a *Aggregator) NodeOnline(_ context.Context, nodeID string) {
	a.emit(EventNodeOnline, map[string]string{"nodeId": nodeID})
}

// NodeOffline freezes the node's hosts: lastSeen stays where it was and
// status is left unchanged, because the node dropping off says nothing about
// the hosts behind it. The scan flag is cleared so a dangling scan cannot
// block future requests.
func (a *Aggregator) NodeOffline(_ context.Context, nodeID string) {
	a.mu.Lock()
	delete(a.scanning, nodeID)
	a.mu.Unlock()

	a.emit(EventNodeOffline, map[string]string{"nodeId": nodeID})
}

// BeginScan marks a scan in flight for nodeID. Returns false when one is
// already running; the HTTP layer turns that into a 409.
func (a *Aggregator) BeginScan(nodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, running := a.scanning[nodeID]; running {
		return false
	}
	a.scanning[nodeID] = struct{}{}
	return true
}

// ScanRunning reports whether a scan is in flight for nodeID.
func (a *Aggregator) ScanRunning(nodeID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, running := a.scanning[nodeID]
	return running
}

// Get returns a copy of one aggregated host.
func (a *Aggregator) Get(fqn string) (Host, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.byFQN[fqn]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

// Snapshot returns the hosts (optionally filtered by node), sorted by FQN for
// deterministic serialization, plus summary stats over the filtered set.
func (a *Aggregator) Snapshot(nodeID string) ([]Host, Stats) {
	a.mu.RLock()
	hosts := make([]Host, 0, len(a.byFQN))
	for _, h := range a.byFQN {
		if nodeID != "" && h.NodeID != nodeID {
			continue
		}
		hosts = append(hosts, *h)
	}
	a.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].FQN < hosts[j].FQN })

	stats := Stats{ByLocation: make(map[string]int)}
	for i := range hosts {
		stats.Total++
		switch hosts[i].Status {
		case protocol.HostStatusAwake:
			stats.Awake++
		case protocol.HostStatusAsleep:
			stats.Asleep++
		}
		stats.ByLocation[hosts[i].Location]++
	}
	return hosts, stats
}

// ApplyLocalUpdate mutates the projection after an operator-initiated host
// update succeeded on the node, keeping the view coherent before the node's
// own host-updated event arrives.
func (a *Aggregator) ApplyLocalUpdate(ctx context.Context, fqn string, mutate func(*Host)) (Host, error) {
	a.mu.Lock()
	h, ok := a.byFQN[fqn]
	if !ok {
		a.mu.Unlock()
		return Host{}, repositories.ErrNotFound
	}
	prevStatus := h.Status
	mutate(h)
	newFQN := FQN(h.Name, h.Location)
	if newFQN != fqn {
		delete(a.byFQN, fqn)
		delete(a.byNode[h.NodeID], fqn)
		h.FQN = newFQN
		a.byFQN[newFQN] = h
		a.index(h.NodeID, newFQN)
	}
	cp := *h
	a.mu.Unlock()

	if newFQN != fqn {
		if err := a.hosts.Delete(ctx, fqn); err != nil {
			a.logger.Warn("failed to delete renamed host row", zap.String("fqn", fqn), zap.Error(err))
		}
	}
	if err := a.hosts.Upsert(ctx, toModel(&cp)); err != nil {
		return cp, fmt.Errorf("aggregator: persist local update: %w", err)
	}
	if prevStatus != cp.Status {
		a.recordTransition(ctx, cp.FQN, prevStatus, cp.Status)
	}
	return cp, nil
}

// RemoveLocal deletes a host from the projection and storage after an
// operator-initiated delete.
func (a *Aggregator) RemoveLocal(ctx context.Context, fqn string) error {
	a.mu.Lock()
	h, ok := a.byFQN[fqn]
	if ok {
		delete(a.byFQN, fqn)
		delete(a.byNode[h.NodeID], fqn)
	}
	a.mu.Unlock()

	if !ok {
		return repositories.ErrNotFound
	}
	if err := a.hosts.Delete(ctx, fqn); err != nil {
		return fmt.Errorf("aggregator: delete host: %w", err)
	}
	a.emit(EventHostRemoved, h)
	return nil
}

// RemoveNode drops every host belonging to nodeID from the projection along
// with the node's scan flag, and returns how many hosts were dropped. The
// caller deletes the host rows from storage.
func (a *Aggregator) RemoveNode(nodeID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	fqns := a.byNode[nodeID]
	for fqn := range fqns {
		delete(a.byFQN, fqn)
	}
	delete(a.byNode, nodeID)
	delete(a.scanning, nodeID)
	return len(fqns)
}

// History returns the status transition log for one host, newest first.
func (a *Aggregator) History(ctx context.Context, fqn string, since time.Time, limit int) ([]db.HostStatusHistory, error) {
	return a.history.ListByFQN(ctx, fqn, since, limit)
}

// Uptime computes the fraction of the window the host spent awake, derived
// from the transition log and the host's current status.
func (a *Aggregator) Uptime(ctx context.Context, fqn string, window time.Duration) (float64, error) {
	h, ok := a.Get(fqn)
	if !ok {
		return 0, repositories.ErrNotFound
	}

	now := time.Now()
	start := now.Add(-window)
	entries, err := a.history.ListByFQN(ctx, fqn, start, 0)
	if err != nil {
		return 0, err
	}

	// entries are newest-first; walk backwards from now attributing each span
	// to the status that held during it.
	awake := time.Duration(0)
	end := now
	status := h.Status
	for _, e := range entries {
		if status == protocol.HostStatusAwake {
			awake += end.Sub(e.At)
		}
		end = e.At
		status = protocol.HostStatus(e.FromStatus)
	}
	if status == protocol.HostStatusAwake {
		awake += end.Sub(start)
	}

	frac := float64(awake) / float64(window)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return frac, nil
}

// PruneHistory deletes transitions older than the cutoff.
func (a *Aggregator) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	return a.history.Prune(ctx, olderThan)
}

func (a *Aggregator) recordTransition(ctx context.Context, fqn string, from, to protocol.HostStatus) {
	entry := &db.HostStatusHistory{
		FQN:        fqn,
		FromStatus: string(from),
		ToStatus:   string(to),
		At:         time.Now().UTC(),
	}
	if err := a.history.Append(ctx, entry); err != nil {
		a.logger.Error("failed to append status history", zap.String("fqn", fqn), zap.Error(err))
	}

	switch to {
	case protocol.HostStatusAwake:
		a.emit(EventHostAwake, map[string]string{"fqn": fqn})
	case protocol.HostStatusAsleep:
		a.emit(EventHostAsleep, map[string]string{"fqn": fqn})
	}
}

// index adds fqn to the node's secondary index. Caller holds a.mu.
func (a *Aggregator) index(nodeID, fqn string) {
	if a.byNode[nodeID] == nil {
		a.byNode[nodeID] = make(map[string]struct{})
	}
	a.byNode[nodeID][fqn] = struct{}{}
}

func (a *Aggregator) emit(event string, data any) {
	if a.sink != nil {
		a.sink.Emit(event, data)
	}
}

func fromModel(m *db.AggregatedHost) *Host {
	h := &Host{
		FQN:      m.FQN,
		NodeID:   m.NodeID,
		Location: m.Location,
		Host: protocol.Host{
			Name:           m.Name,
			MAC:            m.MAC,
			IP:             m.IP,
			Status:         protocol.HostStatus(m.Status),
			PingResponsive: m.PingResponsive,
			LastSeen:       m.LastSeen,
			Discovered:     m.Discovered,
			Notes:          m.Notes,
			WolPort:        m.WolPort,
			PortsScannedAt: m.PortsScannedAt,
			PortsExpireAt:  m.PortsExpireAt,
		},
	}
	if m.Tags != "" {
		_ = json.Unmarshal([]byte(m.Tags), &h.Tags)
	}
	if m.Ports != "" {
		_ = json.Unmarshal([]byte(m.Ports), &h.Ports)
	}
	return h
}

func toModel(h *Host) *db.AggregatedHost {
	tags, _ := json.Marshal(h.Tags)
	ports, _ := json.Marshal(h.Ports)
	if h.Tags == nil {
		tags = []byte("[]")
	}
	if h.Ports == nil {
		ports = []byte("[]")
	}
	return &db.AggregatedHost{
		FQN:            h.FQN,
		NodeID:         h.NodeID,
		Location:       h.Location,
		Name:           h.Name,
		MAC:            h.MAC,
		IP:             h.IP,
		Status:         string(h.Status),
		PingResponsive: h.PingResponsive,
		LastSeen:       h.LastSeen,
		Discovered:     h.Discovered,
		Notes:          h.Notes,
		Tags:           string(tags),
		WolPort:        h.WolPort,
		Ports:          string(ports),
		PortsScannedAt: h.PortsScannedAt,
		PortsExpireAt:  h.PortsExpireAt,
	}
}
