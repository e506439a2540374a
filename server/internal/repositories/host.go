package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
)

// gormHostRepository is the GORM implementation of HostRepository.
type gormHostRepository struct {
	db *gorm.DB
}

// NewHostRepository returns a HostRepository backed by the provided *gorm.DB.
func NewHostRepository(db *gorm.DB) HostRepository {
	return &gormHostRepository{db: db}
}

// Upsert writes the aggregated host row keyed by FQN, replacing every
// mutable column on conflict.
func (r *gormHostRepository) Upsert(ctx context.Context, host *db.AggregatedHost) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fqn"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"node_id", "location", "name", "mac", "ip", "status",
			"ping_responsive", "last_seen", "discovered", "notes", "tags",
			"wol_port", "ports", "ports_scanned_at", "ports_expire_at",
			"updated_at",
		}),
	}).Create(host).Error
	if err != nil {
		return fmt.Errorf("hosts: upsert: %w", err)
	}
	return nil
}

// GetByFQN retrieves a host by its fully-qualified name.
func (r *gormHostRepository) GetByFQN(ctx context.Context, fqn string) (*db.AggregatedHost, error) {
	var host db.AggregatedHost
	err := r.db.WithContext(ctx).First(&host, "fqn = ?", fqn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("hosts: get by fqn: %w", err)
	}
	return &host, nil
}

// List returns hosts ordered by FQN, optionally restricted to one node.
// The deterministic order feeds the ETag computation.
func (r *gormHostRepository) List(ctx context.Context, nodeID string) ([]db.AggregatedHost, error) {
	q := r.db.WithContext(ctx).Order("fqn")
	if nodeID != "" {
		q = q.Where("node_id = ?", nodeID)
	}
	var hosts []db.AggregatedHost
	if err := q.Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("hosts: list: %w", err)
	}
	return hosts, nil
}

// Delete removes one host row.
func (r *gormHostRepository) Delete(ctx context.Context, fqn string) error {
	result := r.db.WithContext(ctx).Delete(&db.AggregatedHost{}, "fqn = ?", fqn)
	if result.Error != nil {
		return fmt.Errorf("hosts: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByNode removes every host owned by a node; used when the node itself
// is deleted by an admin.
func (r *gormHostRepository) DeleteByNode(ctx context.Context, nodeID string) error {
	err := r.db.WithContext(ctx).Delete(&db.AggregatedHost{}, "node_id = ?", nodeID).Error
	if err != nil {
		return fmt.Errorf("hosts: delete by node: %w", err)
	}
	return nil
}

// gormHistoryRepository is the GORM implementation of HistoryRepository.
type gormHistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository returns a HistoryRepository backed by the provided *gorm.DB.
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &gormHistoryRepository{db: db}
}

// Append inserts one transition event. The table is append-only.
func (r *gormHistoryRepository) Append(ctx context.Context, entry *db.HostStatusHistory) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// ListByFQN returns transitions for one host, newest first.
func (r *gormHistoryRepository) ListByFQN(ctx context.Context, fqn string, since time.Time, limit int) ([]db.HostStatusHistory, error) {
	q := r.db.WithContext(ctx).Where("fqn = ?", fqn).Order("at DESC")
	if !since.IsZero() {
		q = q.Where("at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []db.HostStatusHistory
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("history: list by fqn: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the cutoff and reports how many went.
func (r *gormHistoryRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&db.HostStatusHistory{}, "at < ?", olderThan)
	if result.Error != nil {
		return 0, fmt.Errorf("history: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}
