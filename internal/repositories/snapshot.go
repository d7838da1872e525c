package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
)

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

// Create inserts one upstream-collection snapshot row.
func (r *gormSnapshotRepository) Create(ctx context.Context, snapshot *db.UpstreamSnapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("snapshots: create: %w", err)
	}
	return nil
}

// ListByJob returns the snapshots captured when the job was created.
func (r *gormSnapshotRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.UpstreamSnapshot, error) {
	var snapshots []db.UpstreamSnapshot
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("collection_name ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list by job: %w", err)
	}
	return snapshots, nil
}

// New builds the full repository bundle over one *gorm.DB.
func New(database *gorm.DB) *Repositories {
	return &Repositories{
		Jobs:          NewJobRepository(database),
		Exports:       NewExportRepository(database),
		Transfers:     NewFileTransferRepository(database),
		WebsiteUpdate: NewWebsiteUpdateRepository(database),
		Reports:       NewReportRepository(database),
		Snapshots:     NewSnapshotRepository(database),
	}
}
