package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// leasableStates are the export states the poller may still claim. Terminal
// exports (COMPLETED, FAILED, TIMED_OUT) are excluded from every lease scan,
// which is what makes them immutable from the poller's point of view.
// UNKNOWN is leasable: an unrecognized remote status is retried until it
// resolves.
var leasableStates = []status.ExportState{status.ExportRunning, status.ExportUnknown}

// gormExportRepository is the GORM implementation of ExportRepository.
type gormExportRepository struct {
	db *gorm.DB
}

// NewExportRepository returns an ExportRepository backed by the provided *gorm.DB.
func NewExportRepository(db *gorm.DB) ExportRepository {
	return &gormExportRepository{db: db}
}

// Create inserts a new export record.
func (r *gormExportRepository) Create(ctx context.Context, export *db.Export) error {
	if err := r.db.WithContext(ctx).Create(export).Error; err != nil {
		return fmt.Errorf("exports: create: %w", err)
	}
	return nil
}

// Update persists all fields of an existing export record.
func (r *gormExportRepository) Update(ctx context.Context, export *db.Export) error {
	result := r.db.WithContext(ctx).Save(export)
	if result.Error != nil {
		return fmt.Errorf("exports: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByJob returns all exports owned by a job, oldest first.
func (r *gormExportRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.Export, error) {
	var exports []db.Export
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&exports).Error; err != nil {
		return nil, fmt.Errorf("exports: list by job: %w", err)
	}
	return exports, nil
}

// ListByJobAndType returns a job's exports of one type, oldest first.
func (r *gormExportRepository) ListByJobAndType(ctx context.Context, jobID uuid.UUID, typ status.ExportType) ([]db.Export, error) {
	var exports []db.Export
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND type = ?", jobID, typ).
		Order("created_at ASC").
		Find(&exports).Error; err != nil {
		return nil, fmt.Errorf("exports: list by job and type: %w", err)
	}
	return exports, nil
}

// Lease claims up to limit due exports and returns them. Two phases, matching
// the defensive single-process design: first stamp lease_until on the
// candidate rows (skipping rows still leased by someone else), then re-read
// every row whose lease is in the future and whose check is due. A crashed
// worker's lease simply expires, so a stuck claim self-heals within one tick.
func (r *gormExportRepository) Lease(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]db.Export, error) {
	return r.lease(ctx, nil, now, limit, leaseFor)
}

// LeaseByJob is Lease restricted to one job's exports.
func (r *gormExportRepository) LeaseByJob(ctx context.Context, jobID uuid.UUID, now time.Time, limit int, leaseFor time.Duration) ([]db.Export, error) {
	return r.lease(ctx, &jobID, now, limit, leaseFor)
}

func (r *gormExportRepository) lease(ctx context.Context, jobID *uuid.UUID, now time.Time, limit int, leaseFor time.Duration) ([]db.Export, error) {
	candidates := r.db.WithContext(ctx).Model(&db.Export{}).
		Where("state IN ?", leasableStates).
		Where("next_check_at IS NOT NULL AND next_check_at <= ?", now).
		Where("lease_until IS NULL OR lease_until <= ?", now).
		Order("next_check_at ASC").
		Limit(limit)
	if jobID != nil {
		candidates = candidates.Where("job_id = ?", *jobID)
	}

	var ids []string
	if err := candidates.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("exports: lease scan: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	until := now.Add(leaseFor)
	stamp := r.db.WithContext(ctx).Model(&db.Export{}).
		Where("id IN ?", ids).
		Where("lease_until IS NULL OR lease_until <= ?", now).
		Update("lease_until", until)
	if stamp.Error != nil {
		return nil, fmt.Errorf("exports: lease stamp: %w", stamp.Error)
	}

	reread := r.db.WithContext(ctx).
		Where("lease_until > ?", now).
		Where("next_check_at <= ?", now).
		Order("next_check_at ASC")
	if jobID != nil {
		reread = reread.Where("job_id = ?", *jobID)
	}

	var leased []db.Export
	if err := reread.Find(&leased).Error; err != nil {
		return nil, fmt.Errorf("exports: lease reread: %w", err)
	}
	return leased, nil
}
