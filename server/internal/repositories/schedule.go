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

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

// Create inserts a new wake schedule.
func (r *gormScheduleRepository) Create(ctx context.Context, s *db.WakeSchedule) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by UUID.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.WakeSchedule, error) {
	var s db.WakeSchedule
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &s, nil
}

// Update persists all fields of an existing schedule.
func (r *gormScheduleRepository) Update(ctx context.Context, s *db.WakeSchedule) error {
	result := r.db.WithContext(ctx).Save(s)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.WakeSchedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every schedule ordered by host then next trigger.
func (r *gormScheduleRepository) List(ctx context.Context) ([]db.WakeSchedule, error) {
	var out []db.WakeSchedule
	if err := r.db.WithContext(ctx).Order("host_fqn, next_trigger").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("schedules: list: %w", err)
	}
	return out, nil
}

// ListByHost returns schedules targeting one host.
func (r *gormScheduleRepository) ListByHost(ctx context.Context, fqn string) ([]db.WakeSchedule, error) {
	var out []db.WakeSchedule
	if err := r.db.WithContext(ctx).Where("host_fqn = ?", fqn).Order("next_trigger").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("schedules: list by host: %w", err)
	}
	return out, nil
}

// DueBatch selects up to limit enabled schedules whose next trigger has
// passed, oldest first so chronically-overdue schedules fire before fresh ones.
func (r *gormScheduleRepository) DueBatch(ctx context.Context, now time.Time, limit int) ([]db.WakeSchedule, error) {
	var out []db.WakeSchedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_trigger IS NOT NULL AND next_trigger <= ?", true, now).
		Order("next_trigger").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: due batch: %w", err)
	}
	return out, nil
}
