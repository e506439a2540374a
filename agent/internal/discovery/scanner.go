// Package discovery finds machines on the node's LAN and keeps the local
// host database in sync with what the network actually shows. The pipeline
// is: ARP sweep, hostname resolution, ICMP probe, merge.
//
// ARP presence is authoritative for awake status. The ICMP result only sets
// the pingResponsive flag; a host that answers ARP but drops ICMP is still
// awake.
package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/agent/internal/hostdb"
	"github.com/kaonis/woly-server-sub003/agent/internal/metrics"
)

// ErrScanInProgress is returned when Scan is called while a sweep is already
// running. Callers treat it as a no-op, not a failure.
var ErrScanInProgress = errors.New("discovery: scan already in progress")

const (
	// initialScanDelay keeps the local API responsive during boot; the
	// first sweep runs shortly after instead of blocking startup.
	initialScanDelay = 5 * time.Second

	pingTimeout = 2 * time.Second
	pingWorkers = 16
)

// EventSink receives host lifecycle events produced by scans and manual
// CRUD so the C&C aggregator stays coherent with the local store.
type EventSink interface {
	HostDiscovered(h hostdb.Host)
	HostUpdated(h hostdb.Host)
	HostRemoved(name string)
	ScanComplete(hostsFound int, duration time.Duration)
}

// Config holds the scanner tunables. Metrics may be nil.
type Config struct {
	Interval time.Duration
	Metrics  *metrics.Metrics
}

// Scanner runs periodic LAN sweeps and merges the results into the host
// store. Safe for concurrent use; overlapping sweeps are skipped.
type Scanner struct {
	cfg    Config
	store  *hostdb.Store
	logger *zap.Logger

	mu   sync.RWMutex
	sink EventSink

	scanInProgress atomic.Bool

	// Swapped out by tests.
	arpFn  func(ctx context.Context) ([]arpEntry, error)
	pingFn func(ctx context.Context, ip string) bool
}

// New creates a Scanner. Call SetSink before Start when events should be
// forwarded upstream.
func New(cfg Config, store *hostdb.Store, logger *zap.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Scanner{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("discovery"),
		arpFn:  arpTable,
		pingFn: icmpProbe,
	}
}

// SetSink wires the upstream event sink.
func (s *Scanner) SetSink(sink EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Scanner) emit(fn func(EventSink)) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		fn(sink)
	}
}

// Start runs the scan loop until ctx is cancelled: one deferred initial
// sweep, then one per interval.
func (s *Scanner) Start(ctx context.Context) {
	timer := time.NewTimer(initialScanDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
			s.logger.Warn("scan failed", zap.Error(err))
		}
		timer.Reset(s.cfg.Interval)
	}
}

// Running reports whether a sweep is currently in flight.
func (s *Scanner) Running() bool {
	return s.scanInProgress.Load()
}

// Scan performs one full sweep. Concurrent calls return ErrScanInProgress.
func (s *Scanner) Scan(ctx context.Context) error {
	if !s.scanInProgress.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer s.scanInProgress.Store(false)

	start := time.Now()
	entries, err := s.arpFn(ctx)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ScansTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	probed := s.probeAll(ctx, entries)

	seen := make(map[string]bool, len(entries))
	found := 0
	for i, entry := range entries {
		mac, err := hostdb.NormalizeMAC(entry.MAC)
		if err != nil {
			continue
		}
		seen[mac] = true
		if err := s.merge(ctx, entry, mac, probed[i]); err != nil {
			s.logger.Warn("merge failed",
				zap.String("ip", entry.IP),
				zap.String("mac", mac),
				zap.Error(err),
			)
			continue
		}
		found++
	}

	if err := s.markUnseenAsleep(ctx, seen); err != nil {
		s.logger.Warn("asleep sweep failed", zap.Error(err))
	}

	duration := time.Since(start)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ScansTotal.WithLabelValues("ok").Inc()
		s.cfg.Metrics.ScanDuration.Observe(duration.Seconds())
		if total, err := s.store.Count(ctx); err == nil {
			s.cfg.Metrics.HostsKnown.Set(float64(total))
		}
	}
	s.logger.Info("scan complete",
		zap.Int("hosts_found", found),
		zap.Duration("duration", duration),
	)
	s.emit(func(sink EventSink) { sink.ScanComplete(found, duration) })
	return nil
}

// probeAll pings every ARP entry with a bounded worker pool and returns the
// per-entry result, index-aligned with entries.
func (s *Scanner) probeAll(ctx context.Context, entries []arpEntry) []bool {
	results := make([]bool, len(entries))
	sem := make(chan struct{}, pingWorkers)
	var wg sync.WaitGroup
	for i := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.pingFn(ctx, entries[i].IP)
		}(i)
	}
	wg.Wait()
	return results
}

// merge applies one ARP entry to the store: update by MAC when the device is
// known, insert otherwise. ARP presence forces status awake.
func (s *Scanner) merge(ctx context.Context, entry arpEntry, mac string, pingOK bool) error {
	now := time.Now().UTC()
	responsive := 0
	if pingOK {
		responsive = 1
	}

	existing, err := s.store.GetByMAC(ctx, mac)
	switch {
	case err == nil:
		existing.IP = entry.IP
		existing.Status = "awake"
		existing.PingResponsive = &responsive
		existing.LastSeen = &now
		// Seeing the MAC on the wire promotes a manually added host to
		// discovered; the flag never goes back to 0.
		existing.Discovered = 1
		if err := s.store.Save(ctx, existing); err != nil {
			return err
		}
		s.emit(func(sink EventSink) { sink.HostUpdated(*existing) })
		return nil

	case errors.Is(err, hostdb.ErrNotFound):
		h := hostdb.Host{
			Name:           resolveHostname(ctx, entry.IP, entry.Name),
			MAC:            mac,
			IP:             entry.IP,
			Status:         "awake",
			PingResponsive: &responsive,
			LastSeen:       &now,
			Discovered:     1,
		}
		if err := s.store.Create(ctx, &h); err != nil {
			return err
		}
		s.emit(func(sink EventSink) { sink.HostDiscovered(h) })
		return nil

	default:
		return err
	}
}

// markUnseenAsleep flips hosts that were awake but missing from this sweep
// to asleep, emitting an update for each transition.
func (s *Scanner) markUnseenAsleep(ctx context.Context, seen map[string]bool) error {
	hosts, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for i := range hosts {
		h := &hosts[i]
		if seen[h.MAC] || h.Status != "awake" {
			continue
		}
		h.Status = "asleep"
		zero := 0
		h.PingResponsive = &zero
		if err := s.store.Save(ctx, h); err != nil {
			return err
		}
		s.emit(func(sink EventSink) { sink.HostUpdated(*h) })
	}
	return nil
}

// Ping probes a single address once. Exported for the ping-host command
// handler and the local API.
func (s *Scanner) Ping(ctx context.Context, ip string) bool {
	return s.pingFn(ctx, ip)
}

// icmpProbe sends one echo request in unprivileged UDP mode.
func icmpProbe(ctx context.Context, ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = pingTimeout
	pinger.SetPrivileged(false)
	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
