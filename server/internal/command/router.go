// Package command implements the durable command lifecycle: dispatching
// operator commands to nodes, tracking their state machine
// (queued → sent → acknowledged | failed | timed_out), retrying transient
// failures, queueing for offline nodes and pruning old rows.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/metrics"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
	"github.com/kaonis/woly-server-sub003/shared/protocol"
)

// Failure reasons recorded on the command row. The retryable set is
// deliberately explicit: anything not listed is terminal on first failure.
const (
	ReasonSendFailed  = "send_failed"
	ReasonWakeFailed  = "wake_failed"
	ReasonScanFailed  = "scan_failed"
	ReasonTimeout     = "timeout"
	ReasonNodeOffline = "node_offline"

	// Node-reported reasons that must never be retried: the outcome will not
	// change by resending the same frame.
	ReasonValidationError = "validation_error"
	ReasonUnknownCommand  = "unknown_command"
	ReasonHostNotFound    = "host_not_found"
	ReasonNotImplemented  = "not_implemented"
)

// retryableReasons enumerates the failure reasons eligible for re-enqueueing
// (subject to COMMAND_MAX_RETRIES).
var retryableReasons = map[string]bool{
	ReasonSendFailed: true,
	ReasonWakeFailed: true,
	ReasonScanFailed: true,
	ReasonTimeout:    true,
}

// offlineQueueable lists the command types that may wait in the queued state
// for an offline node until OFFLINE_COMMAND_TTL expires. Interactive commands
// (scan, ping, port scans) are pointless once the operator's request has
// completed, so they fail fast instead.
var offlineQueueable = map[protocol.CommandType]bool{
	protocol.CommandWake:       true,
	protocol.CommandUpdateHost: true,
	protocol.CommandDeleteHost: true,
}

// dedupeWindow is how long after completion an idempotency key still returns
// the finished command instead of dispatching a new one.
const dedupeWindow = 5 * time.Minute

// Sender is the slice of the node session manager the router consumes.
type Sender interface {
	Send(nodeID string, env protocol.Envelope) error
	IsConnected(nodeID string) bool
}

// Config holds the router tunables.
type Config struct {
	Timeout        time.Duration // sent → timed_out deadline
	OfflineTTL     time.Duration // how long queued commands wait for an offline node
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetentionDays  int
}

// DispatchRequest describes one command to route to a node.
type DispatchRequest struct {
	NodeID         string
	Type           protocol.CommandType
	Payload        any
	IdempotencyKey string
	CorrelationID  string
}

// Router routes commands to nodes and owns their lifecycle timers.
// It implements nodemanager.CommandSink.
type Router struct {
	repo    repositories.CommandRepository
	sender  Sender
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	cron     gocron.Scheduler
	pruneJob uuid.UUID
	hasPrune bool

	// timers maps command IDs to their pending timeout, retry, or offline
	// expiry timer. Guarded by mu; never held across a network call.
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool

	now func() time.Time
}

// New creates a Router. Call Reconcile then Start before dispatching.
func New(cfg Config, repo repositories.CommandRepository, sender Sender, m *metrics.Metrics, logger *zap.Logger) (*Router, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("command: failed to create scheduler: %w", err)
	}
	return &Router{
		repo:    repo,
		sender:  sender,
		metrics: m,
		logger:  logger.Named("command"),
		cfg:     cfg,
		cron:    cron,
		timers:  make(map[uuid.UUID]*time.Timer),
		now:     time.Now,
	}, nil
}

// Start begins background pruning per the configured retention.
func (r *Router) Start() {
	r.StartPruning(r.cfg.RetentionDays)
	r.cron.Start()
}

// Shutdown cancels every pending timer and stops the pruning scheduler.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	if err := r.cron.Shutdown(); err != nil {
		r.logger.Warn("prune scheduler shutdown error", zap.Error(err))
	}
}

// Dispatch routes a command to a node, deduplicating on the idempotency key.
// The returned record reflects the state after the initial transmission
// attempt.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest) (*db.Command, error) {
	if req.IdempotencyKey != "" {
		existing, err := r.repo.FindByIdempotencyKey(ctx, req.NodeID, string(req.Type), req.IdempotencyKey)
		if err == nil && r.dedupes(existing) {
			r.logger.Debug("dispatch deduplicated",
				zap.String("command_id", existing.ID.String()),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
			return existing, nil
		}
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("command: idempotency lookup: %w", err)
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("command: marshal payload: %w", err)
	}

	cmd := &db.Command{
		NodeID:        req.NodeID,
		Type:          string(req.Type),
		Payload:       string(payload),
		State:         string(protocol.CommandQueued),
		CorrelationID: req.CorrelationID,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		cmd.IdempotencyKey = &key
	}

	if err := r.repo.Create(ctx, cmd); err != nil {
		// A concurrent dispatch with the same key may have won the unique
		// index race; surface that row instead of the error.
		if req.IdempotencyKey != "" {
			if existing, lookupErr := r.repo.FindByIdempotencyKey(ctx, req.NodeID, string(req.Type), req.IdempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("command: create: %w", err)
	}
	r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandQueued)).Inc()

	return r.route(ctx, cmd)
}

// route decides what happens to a freshly queued (or re-queued) command.
func (r *Router) route(ctx context.Context, cmd *db.Command) (*db.Command, error) {
	if r.sender.IsConnected(cmd.NodeID) {
		return r.transmit(ctx, cmd)
	}

	if offlineQueueable[protocol.CommandType(cmd.Type)] && r.cfg.OfflineTTL > 0 {
		remaining := r.cfg.OfflineTTL - r.now().Sub(cmd.CreatedAt)
		if remaining > 0 {
			r.armOfflineExpiry(cmd.ID, remaining)
			r.logger.Info("command queued for offline node",
				zap.String("command_id", cmd.ID.String()),
				zap.String("node_id", cmd.NodeID),
				zap.Duration("ttl_remaining", remaining),
			)
			return cmd, nil
		}
	}

	return r.fail(ctx, cmd.ID, protocol.CommandQueued, ReasonNodeOffline)
}

// transmit moves a queued command to sent and pushes the frame to the node.
func (r *Router) transmit(ctx context.Context, cmd *db.Command) (*db.Command, error) {
	sentAt := r.now()
	updated, err := r.repo.Transition(ctx, cmd.ID, string(protocol.CommandQueued), string(protocol.CommandSent), func(c *db.Command) {
		c.Attempts++
		c.SentAt = &sentAt
	})
	if err != nil {
		if errors.Is(err, repositories.ErrStaleState) {
			// Another path (reconnect vs dispatch) already transmitted it.
			return r.repo.GetByID(ctx, cmd.ID)
		}
		return nil, fmt.Errorf("command: transition to sent: %w", err)
	}
	r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandSent)).Inc()

	env, err := protocol.NewCommandEnvelope(protocol.MessageType(updated.Type), updated.ID.String(), json.RawMessage(updated.Payload))
	if err != nil {
		return r.fail(ctx, updated.ID, protocol.CommandSent, ReasonSendFailed)
	}

	if err := r.sender.Send(updated.NodeID, env); err != nil {
		r.logger.Warn("command transmission failed",
			zap.String("command_id", updated.ID.String()),
			zap.String("node_id", updated.NodeID),
			zap.Error(err),
		)
		return r.fail(ctx, updated.ID, protocol.CommandSent, ReasonSendFailed)
	}

	r.armTimeout(updated.ID)
	r.logger.Info("command sent",
		zap.String("command_id", updated.ID.String()),
		zap.String("node_id", updated.NodeID),
		zap.String("type", updated.Type),
		zap.String("correlation_id", updated.CorrelationID),
		zap.Int("attempt", updated.Attempts),
	)
	return updated, nil
}

// HandleResult processes a command-result frame from a bound node.
// Unknown command IDs are logged and dropped; results for commands bound to a
// different node are ignored.
func (r *Router) HandleResult(ctx context.Context, nodeID string, res protocol.CommandResultData) {
	id, err := uuid.Parse(res.CommandID)
	if err != nil {
		r.logger.Warn("command result with unparseable id",
			zap.String("node_id", nodeID),
			zap.String("command_id", res.CommandID),
		)
		return
	}

	cmd, err := r.repo.GetByID(ctx, id)
	if err != nil {
		r.logger.Warn("command result for unknown command",
			zap.String("node_id", nodeID),
			zap.String("command_id", res.CommandID),
		)
		return
	}
	if cmd.NodeID != nodeID {
		r.logger.Warn("command result from wrong node",
			zap.String("command_id", res.CommandID),
			zap.String("expected_node", cmd.NodeID),
			zap.String("got_node", nodeID),
		)
		return
	}

	r.disarm(id)

	if res.Success {
		completed := r.now()
		if _, err := r.repo.Transition(ctx, id, string(protocol.CommandSent), string(protocol.CommandAcknowledged), func(c *db.Command) {
			c.CompletedAt = &completed
		}); err != nil {
			r.logger.Warn("acknowledge transition failed", zap.String("command_id", res.CommandID), zap.Error(err))
			return
		}
		r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandAcknowledged)).Inc()
		r.logger.Info("command acknowledged",
			zap.String("command_id", res.CommandID),
			zap.String("node_id", nodeID),
			zap.String("correlation_id", cmd.CorrelationID),
		)
		return
	}

	reason := res.Error
	if reason == "" {
		reason = "node reported failure"
	}
	if _, err := r.fail(ctx, id, protocol.CommandSent, reason); err != nil {
		r.logger.Warn("failure transition failed", zap.String("command_id", res.CommandID), zap.Error(err))
	}
}

// NodeConnected transmits the node's queued commands in creation order,
// re-checking the offline TTL for each.
func (r *Router) NodeConnected(ctx context.Context, nodeID string) {
	queued, err := r.repo.ListQueuedForNode(ctx, nodeID)
	if err != nil {
		r.logger.Error("failed to list queued commands", zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	for i := range queued {
		cmd := &queued[i]
		r.disarm(cmd.ID)
		if r.cfg.OfflineTTL > 0 && r.now().Sub(cmd.CreatedAt) > r.cfg.OfflineTTL {
			if _, err := r.fail(ctx, cmd.ID, protocol.CommandQueued, ReasonNodeOffline); err != nil {
				r.logger.Warn("offline expiry failed", zap.String("command_id", cmd.ID.String()), zap.Error(err))
			}
			continue
		}
		if _, err := r.transmit(ctx, cmd); err != nil {
			r.logger.Warn("queued command transmission failed",
				zap.String("command_id", cmd.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Reconcile repairs command state after a restart: sent rows past their
// timeout are moved to timed_out, live ones get their timers re-armed, and
// queued rows are re-evaluated against the offline TTL.
func (r *Router) Reconcile(ctx context.Context) error {
	sent, err := r.repo.ListSent(ctx)
	if err != nil {
		return fmt.Errorf("command: reconcile list sent: %w", err)
	}
	for i := range sent {
		cmd := &sent[i]
		deadline := cmd.CreatedAt.Add(r.cfg.Timeout)
		if cmd.SentAt != nil {
			deadline = cmd.SentAt.Add(r.cfg.Timeout)
		}
		if remaining := deadline.Sub(r.now()); remaining > 0 {
			r.armTimeoutAfter(cmd.ID, remaining)
			continue
		}
		if err := r.timeout(ctx, cmd.ID); err != nil {
			r.logger.Warn("reconcile timeout failed", zap.String("command_id", cmd.ID.String()), zap.Error(err))
		}
	}

	queued, err := r.repo.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("command: reconcile list queued: %w", err)
	}
	for i := range queued {
		if _, err := r.route(ctx, &queued[i]); err != nil {
			r.logger.Warn("reconcile routing failed", zap.String("command_id", queued[i].ID.String()), zap.Error(err))
		}
	}

	r.logger.Info("command reconciliation complete",
		zap.Int("sent_rows", len(sent)),
		zap.Int("queued_rows", len(queued)),
	)
	return nil
}

// StartPruning (re)schedules the daily deletion of command rows older than
// the retention. Re-invocation cancels the previous task first; retention
// ≤ 0 disables pruning entirely.
func (r *Router) StartPruning(retentionDays int) {
	if r.hasPrune {
		if err := r.cron.RemoveJob(r.pruneJob); err != nil {
			r.logger.Warn("failed to remove prune job", zap.Error(err))
		}
		r.hasPrune = false
	}
	if retentionDays <= 0 {
		r.logger.Info("command pruning disabled")
		return
	}

	job, err := r.cron.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			cutoff := r.now().AddDate(0, 0, -retentionDays)
			deleted, err := r.repo.PruneOlderThan(ctx, cutoff)
			if err != nil {
				r.logger.Error("command pruning failed", zap.Error(err))
				return
			}
			if deleted > 0 {
				r.logger.Info("pruned old commands", zap.Int64("deleted", deleted))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		r.logger.Error("failed to schedule command pruning", zap.Error(err))
		return
	}
	r.pruneJob = job.ID()
	r.hasPrune = true
	r.logger.Info("command pruning scheduled", zap.Int("retention_days", retentionDays))
}

// fail records a failure and schedules a retry when the reason is retryable
// and the attempt budget allows.
func (r *Router) fail(ctx context.Context, id uuid.UUID, from protocol.CommandState, reason string) (*db.Command, error) {
	completed := r.now()
	updated, err := r.repo.Transition(ctx, id, string(from), string(protocol.CommandFailed), func(c *db.Command) {
		c.Error = reason
		c.CompletedAt = &completed
	})
	if err != nil {
		return nil, fmt.Errorf("command: transition to failed: %w", err)
	}
	r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandFailed)).Inc()
	r.logger.Warn("command failed",
		zap.String("command_id", id.String()),
		zap.String("node_id", updated.NodeID),
		zap.String("reason", reason),
		zap.Int("attempts", updated.Attempts),
	)

	if retryableReasons[reason] && updated.Attempts < r.cfg.MaxRetries {
		r.armRetry(id, updated.Attempts)
	}
	return updated, nil
}

// timeout moves a still-sent command to timed_out. ErrStaleState means a
// result arrived in the meantime; that is not an error.
func (r *Router) timeout(ctx context.Context, id uuid.UUID) error {
	completed := r.now()
	updated, err := r.repo.Transition(ctx, id, string(protocol.CommandSent), string(protocol.CommandTimedOut), func(c *db.Command) {
		c.Error = ReasonTimeout
		c.CompletedAt = &completed
	})
	if err != nil {
		if errors.Is(err, repositories.ErrStaleState) || errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandTimedOut)).Inc()
	r.logger.Warn("command timed out",
		zap.String("command_id", id.String()),
		zap.String("node_id", updated.NodeID),
	)

	if updated.Attempts < r.cfg.MaxRetries {
		// Timeouts are retryable: re-enqueue with backoff.
		r.armRetryFrom(id, updated.Attempts, protocol.CommandTimedOut)
	}
	return nil
}

// retry re-enqueues a terminal command and routes it again.
func (r *Router) retry(id uuid.UUID, from protocol.CommandState) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requeued, err := r.repo.Transition(ctx, id, string(from), string(protocol.CommandQueued), func(c *db.Command) {
		c.Error = ""
		c.SentAt = nil
		c.CompletedAt = nil
	})
	if err != nil {
		r.logger.Warn("retry re-enqueue failed", zap.String("command_id", id.String()), zap.Error(err))
		return
	}
	r.metrics.CommandTransitions.WithLabelValues(string(protocol.CommandQueued)).Inc()
	r.logger.Info("command re-enqueued for retry",
		zap.String("command_id", id.String()),
		zap.Int("attempts", requeued.Attempts),
	)

	if _, err := r.route(ctx, requeued); err != nil {
		r.logger.Warn("retry routing failed", zap.String("command_id", id.String()), zap.Error(err))
	}
}

// ─── timer management ────────────────────────────────────────────────────────

func (r *Router) armTimeout(id uuid.UUID) {
	r.armTimeoutAfter(id, r.cfg.Timeout)
}

func (r *Router) armTimeoutAfter(id uuid.UUID, d time.Duration) {
	r.arm(id, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.timeout(ctx, id); err != nil {
			r.logger.Warn("timeout transition failed", zap.String("command_id", id.String()), zap.Error(err))
		}
	})
}

func (r *Router) armRetry(id uuid.UUID, attempts int) {
	r.armRetryFrom(id, attempts, protocol.CommandFailed)
}

func (r *Router) armRetryFrom(id uuid.UUID, attempts int, from protocol.CommandState) {
	delay := r.cfg.RetryBaseDelay * (1 << attempts)
	r.arm(id, delay, func() { r.retry(id, from) })
}

func (r *Router) armOfflineExpiry(id uuid.UUID, after time.Duration) {
	r.arm(id, after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.fail(ctx, id, protocol.CommandQueued, ReasonNodeOffline); err != nil &&
			!errors.Is(err, repositories.ErrStaleState) {
			r.logger.Warn("offline expiry failed", zap.String("command_id", id.String()), zap.Error(err))
		}
	})
}

// arm registers fn to run after d, replacing any pending timer for id.
func (r *Router) arm(id uuid.UUID, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.timers[id]; ok {
		prev.Stop()
	}
	r.timers[id] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		fn()
	})
}

// disarm cancels the pending timer for id, if any.
func (r *Router) disarm(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// dedupes reports whether a prior command with the same idempotency key still
// satisfies a repeat dispatch: any non-terminal row, or a terminal one that
// completed within the dedupe window.
func (r *Router) dedupes(cmd *db.Command) bool {
	if !protocol.CommandState(cmd.State).Terminal() {
		return true
	}
	return cmd.CompletedAt != nil && r.now().Sub(*cmd.CompletedAt) < dedupeWindow
}
