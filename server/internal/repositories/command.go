package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
)

// gormCommandRepository is the GORM implementation of CommandRepository.
type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided *gorm.DB.
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: db}
}

// Create inserts a new command row in its initial state.
func (r *gormCommandRepository) Create(ctx context.Context, cmd *db.Command) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("commands: create: %w", err)
	}
	return nil
}

// GetByID retrieves a command by UUID. Returns ErrNotFound if absent.
func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	var cmd db.Command
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &cmd, nil
}

// FindByIdempotencyKey returns the most recent command with the triple, or
// ErrNotFound. Ordering by created_at picks the latest when older terminal
// rows with the same key have not been pruned yet.
func (r *gormCommandRepository) FindByIdempotencyKey(ctx context.Context, nodeID, cmdType, key string) (*db.Command, error) {
	var cmd db.Command
	err := r.db.WithContext(ctx).
		Where("node_id = ? AND type = ? AND idempotency_key = ?", nodeID, cmdType, key).
		Order("created_at DESC").
		First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: find by idempotency key: %w", err)
	}
	return &cmd, nil
}

// Transition performs the guarded state change inside a transaction:
// re-read the row, apply mutate, and UPDATE ... WHERE state = from. A zero
// rows-affected result means a concurrent transition won and ErrStaleState
// is returned with no changes applied.
func (r *gormCommandRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, mutate func(*db.Command)) (*db.Command, error) {
	var out *db.Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cmd db.Command
		if err := tx.First(&cmd, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cmd.State != from {
			return ErrStaleState
		}

		cmd.State = to
		if mutate != nil {
			mutate(&cmd)
		}
		cmd.State = to // mutate must not override the target state

		result := tx.Model(&db.Command{}).
			Where("id = ? AND state = ?", id, from).
			Updates(map[string]interface{}{
				"state":        cmd.State,
				"error":        cmd.Error,
				"attempts":     cmd.Attempts,
				"sent_at":      cmd.SentAt,
				"completed_at": cmd.CompletedAt,
				"updated_at":   time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleState
		}
		out = &cmd
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleState) {
			return nil, err
		}
		return nil, fmt.Errorf("commands: transition %s→%s: %w", from, to, err)
	}
	return out, nil
}

// ListQueuedForNode returns queued commands for one node in insertion order,
// which is the per-node transmission order guarantee.
func (r *gormCommandRepository) ListQueuedForNode(ctx context.Context, nodeID string) ([]db.Command, error) {
	var cmds []db.Command
	err := r.db.WithContext(ctx).
		Where("node_id = ? AND state = ?", nodeID, "queued").
		Order("created_at").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("commands: list queued for node: %w", err)
	}
	return cmds, nil
}

// ListSent returns every row in the sent state.
func (r *gormCommandRepository) ListSent(ctx context.Context) ([]db.Command, error) {
	var cmds []db.Command
	if err := r.db.WithContext(ctx).Where("state = ?", "sent").Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("commands: list sent: %w", err)
	}
	return cmds, nil
}

// ListQueued returns every row in the queued state.
func (r *gormCommandRepository) ListQueued(ctx context.Context) ([]db.Command, error) {
	var cmds []db.Command
	if err := r.db.WithContext(ctx).Where("state = ?", "queued").Order("created_at").Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("commands: list queued: %w", err)
	}
	return cmds, nil
}

// List returns commands newest first for the admin surface.
func (r *gormCommandRepository) List(ctx context.Context, state string, opts ListOptions) ([]db.Command, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Command{})
	if state != "" {
		q = q.Where("state = ?", state)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list count: %w", err)
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var cmds []db.Command
	if err := q.Order("created_at DESC").Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list: %w", err)
	}
	return cmds, total, nil
}

// PruneOlderThan deletes rows whose updated_at is older than the cutoff.
func (r *gormCommandRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.Command{}, "updated_at < ?", cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("commands: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}
