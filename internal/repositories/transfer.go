package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
)

// gormFileTransferRepository is the GORM implementation of FileTransferRepository.
type gormFileTransferRepository struct {
	db *gorm.DB
}

// NewFileTransferRepository returns a FileTransferRepository backed by the
// provided *gorm.DB.
func NewFileTransferRepository(db *gorm.DB) FileTransferRepository {
	return &gormFileTransferRepository{db: db}
}

// Create inserts a new file-transfer record.
func (r *gormFileTransferRepository) Create(ctx context.Context, transfer *db.FileTransfer) error {
	if err := r.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return fmt.Errorf("file transfers: create: %w", err)
	}
	return nil
}

// Update persists all fields of an existing file-transfer record.
func (r *gormFileTransferRepository) Update(ctx context.Context, transfer *db.FileTransfer) error {
	result := r.db.WithContext(ctx).Save(transfer)
	if result.Error != nil {
		return fmt.Errorf("file transfers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByJob returns all file-transfer records for a job, oldest first.
func (r *gormFileTransferRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.FileTransfer, error) {
	var transfers []db.FileTransfer
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("file transfers: list by job: %w", err)
	}
	return transfers, nil
}

// GetByExport returns the transfer record for one export, or ErrNotFound.
func (r *gormFileTransferRepository) GetByExport(ctx context.Context, exportID uuid.UUID) (*db.FileTransfer, error) {
	var transfer db.FileTransfer
	err := r.db.WithContext(ctx).First(&transfer, "export_id = ?", exportID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("file transfers: get by export: %w", err)
	}
	return &transfer, nil
}
