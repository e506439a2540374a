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

// gormNodeRepository is the GORM implementation of NodeRepository.
type gormNodeRepository struct {
	db *gorm.DB
}

// NewNodeRepository returns a NodeRepository backed by the provided *gorm.DB.
func NewNodeRepository(db *gorm.DB) NodeRepository {
	return &gormNodeRepository{db: db}
}

// Upsert inserts the node or, when the ID already exists, refreshes the
// metadata columns reported at registration. Status and heartbeat columns are
// deliberately excluded — the session manager owns those via UpdateStatus.
func (r *gormNodeRepository) Upsert(ctx context.Context, node *db.Node) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "location", "capabilities", "version", "platform",
			"protocol_version", "subnet", "gateway", "updated_at",
		}),
	}).Create(node).Error
	if err != nil {
		return fmt.Errorf("nodes: upsert: %w", err)
	}
	return nil
}

// GetByID retrieves a node by its stable identifier.
// Returns ErrNotFound if no record exists.
func (r *gormNodeRepository) GetByID(ctx context.Context, id string) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by id: %w", err)
	}
	return &node, nil
}

// List returns every registered node ordered by location then name.
func (r *gormNodeRepository) List(ctx context.Context) ([]db.Node, error) {
	var nodes []db.Node
	err := r.db.WithContext(ctx).Order("location, name").Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("nodes: list: %w", err)
	}
	return nodes, nil
}

// UpdateStatus updates only the status and last_heartbeat columns. Called on
// bind, offline detection, and disconnect — two columns to keep heartbeat
// write amplification down.
func (r *gormNodeRepository) UpdateStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"last_heartbeat": lastHeartbeat,
		})
	if result.Error != nil {
		return fmt.Errorf("nodes: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat bumps last_heartbeat only.
func (r *gormNodeRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("nodes: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the node row. Host rows owned by the node are removed by
// the caller (admin handler) so the operation stays explicit.
func (r *gormNodeRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&db.Node{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("nodes: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllOffline flips every online row to offline at boot.
func (r *gormNodeRepository) MarkAllOffline(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Model(&db.Node{}).
		Where("status = ?", "online").
		Update("status", "offline").Error
	if err != nil {
		return fmt.Errorf("nodes: mark all offline: %w", err)
	}
	return nil
}
