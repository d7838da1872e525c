package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
)

// gormWebsiteUpdateRepository is the GORM implementation of WebsiteUpdateRepository.
type gormWebsiteUpdateRepository struct {
	db *gorm.DB
}

// NewWebsiteUpdateRepository returns a WebsiteUpdateRepository backed by the
// provided *gorm.DB.
func NewWebsiteUpdateRepository(db *gorm.DB) WebsiteUpdateRepository {
	return &gormWebsiteUpdateRepository{db: db}
}

// Create inserts the job's website-update record. The unique index on job_id
// enforces the at-most-one-per-job invariant; violations surface as ErrConflict.
func (r *gormWebsiteUpdateRepository) Create(ctx context.Context, update *db.WebsiteUpdate) error {
	if err := r.db.WithContext(ctx).Create(update).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("website updates: create: %w", err)
	}
	return nil
}

// Update persists all fields of an existing website-update record.
func (r *gormWebsiteUpdateRepository) Update(ctx context.Context, update *db.WebsiteUpdate) error {
	result := r.db.WithContext(ctx).Save(update)
	if result.Error != nil {
		return fmt.Errorf("website updates: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByJob returns the job's WebsiteUpdate, or ErrNotFound.
func (r *gormWebsiteUpdateRepository) GetByJob(ctx context.Context, jobID uuid.UUID) (*db.WebsiteUpdate, error) {
	var update db.WebsiteUpdate
	err := r.db.WithContext(ctx).First(&update, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("website updates: get by job: %w", err)
	}
	return &update, nil
}
