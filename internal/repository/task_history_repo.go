// Package repository provides data access for persisted task history.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/storage"
)

// TaskHistoryRepository stores and queries terminal task outcomes.
type TaskHistoryRepository struct {
	db *storage.DB
}

// NewTaskHistoryRepository creates a repository over the given database.
func NewTaskHistoryRepository(db *storage.DB) *TaskHistoryRepository {
	return &TaskHistoryRepository{db: db}
}

// Record upserts a history record.
func (r *TaskHistoryRepository) Record(ctx context.Context, record *models.TaskHistory) error {
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("saving task history: %w", err)
	}
	return nil
}

// GetByID returns one record, or nil when absent.
func (r *TaskHistoryRepository) GetByID(ctx context.Context, id string) (*models.TaskHistory, error) {
	var record models.TaskHistory
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading task history: %w", err)
	}
	return &record, nil
}

// List returns records newest-first, up to limit (0 = all).
func (r *TaskHistoryRepository) List(ctx context.Context, limit int) ([]*models.TaskHistory, error) {
	q := r.db.WithContext(ctx).Order("submitted_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []*models.TaskHistory
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing task history: %w", err)
	}
	return records, nil
}

// PruneOlderThan removes records finished before the cutoff, returning
// the number deleted.
func (r *TaskHistoryRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).
		Delete(&models.TaskHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning task history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
