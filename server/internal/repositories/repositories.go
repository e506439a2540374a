// Package repositories defines the persistence interfaces consumed by the
// server components, plus their GORM implementations. Components depend on
// the interfaces so tests can use an in-memory SQLite database and the
// command router stays independent of the SQL dialect.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// NodeRepository
// -----------------------------------------------------------------------------

type NodeRepository interface {
	// Upsert creates the node row on first registration and refreshes the
	// metadata columns on every reconnect.
	Upsert(ctx context.Context, node *db.Node) error
	GetByID(ctx context.Context, id string) (*db.Node, error)
	List(ctx context.Context) ([]db.Node, error)
	UpdateStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error

	// MarkAllOffline is called once at boot: any "online" rows are leftovers
	// from before the previous shutdown and have no live connection.
	MarkAllOffline(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// HostRepository
// -----------------------------------------------------------------------------

type HostRepository interface {
	Upsert(ctx context.Context, host *db.AggregatedHost) error
	GetByFQN(ctx context.Context, fqn string) (*db.AggregatedHost, error)
	List(ctx context.Context, nodeID string) ([]db.AggregatedHost, error)
	Delete(ctx context.Context, fqn string) error
	DeleteByNode(ctx context.Context, nodeID string) error
}

// -----------------------------------------------------------------------------
// HistoryRepository
// -----------------------------------------------------------------------------

type HistoryRepository interface {
	Append(ctx context.Context, entry *db.HostStatusHistory) error
	// ListByFQN returns transitions newest-first, bounded by limit and an
	// optional time floor (zero value = unbounded).
	ListByFQN(ctx context.Context, fqn string, since time.Time, limit int) ([]db.HostStatusHistory, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

type CommandRepository interface {
	Create(ctx context.Context, cmd *db.Command) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error)

	// FindByIdempotencyKey returns the most recent command with the given
	// (nodeId, type, key) triple, or ErrNotFound. The caller decides whether
	// the returned record is fresh enough to deduplicate against.
	FindByIdempotencyKey(ctx context.Context, nodeID, cmdType, key string) (*db.Command, error)

	// Transition moves a command from one lifecycle state to another with a
	// guarded UPDATE (WHERE state = from). ErrStaleState means the row was
	// already moved by a concurrent transition; terminal states stay final.
	Transition(ctx context.Context, id uuid.UUID, from, to string, mutate func(*db.Command)) (*db.Command, error)

	// ListQueuedForNode returns queued commands for a node in insertion order.
	ListQueuedForNode(ctx context.Context, nodeID string) ([]db.Command, error)

	// ListSent returns all rows currently in the sent state, used by the
	// restart reconciliation pass.
	ListSent(ctx context.Context) ([]db.Command, error)

	// ListQueued returns all queued rows, for restart TTL re-evaluation.
	ListQueued(ctx context.Context) ([]db.Command, error)

	// List returns commands for the admin surface, optionally filtered by
	// state, newest first.
	List(ctx context.Context, state string, opts ListOptions) ([]db.Command, int64, error)

	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, s *db.WakeSchedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.WakeSchedule, error)
	Update(ctx context.Context, s *db.WakeSchedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]db.WakeSchedule, error)
	ListByHost(ctx context.Context, fqn string) ([]db.WakeSchedule, error)

	// DueBatch returns up to limit enabled schedules with nextTrigger ≤ now,
	// oldest trigger first.
	DueBatch(ctx context.Context, now time.Time, limit int) ([]db.WakeSchedule, error)
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, w *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]db.Webhook, error)
	AppendDelivery(ctx context.Context, d *db.WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]db.WebhookDelivery, error)
}
