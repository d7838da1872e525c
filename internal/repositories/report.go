package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
)

// gormReportRepository is the GORM implementation of ReportRepository.
type gormReportRepository struct {
	db *gorm.DB
}

// NewReportRepository returns a ReportRepository backed by the provided *gorm.DB.
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &gormReportRepository{db: db}
}

// Create inserts the job's report record. The unique index on job_id enforces
// the at-most-one-per-job invariant; violations surface as ErrConflict.
func (r *gormReportRepository) Create(ctx context.Context, report *db.Report) error {
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("reports: create: %w", err)
	}
	return nil
}

// Update persists all fields of an existing report record.
func (r *gormReportRepository) Update(ctx context.Context, report *db.Report) error {
	result := r.db.WithContext(ctx).Save(report)
	if result.Error != nil {
		return fmt.Errorf("reports: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByJob returns the job's report record, or ErrNotFound.
func (r *gormReportRepository) GetByJob(ctx context.Context, jobID uuid.UUID) (*db.Report, error) {
	var report db.Report
	err := r.db.WithContext(ctx).First(&report, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reports: get by job: %w", err)
	}
	return &report, nil
}
