// Package repositories defines the data-access interfaces for the
// orchestrator's persistent state and their GORM implementations. The
// database is the pipeline's sole point of synchronization: stage workers,
// the poller, the reconciler and the reporter communicate exclusively
// through these repositories.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	// Update persists all fields of the job. The reconciler relies on this
	// committing atomically: a single invocation produces at most one Update.
	Update(ctx context.Context, job *db.Job) error
	// ListActive returns jobs the orchestration tick must visit: RUNNING
	// jobs, plus terminal jobs whose report is still PENDING.
	ListActive(ctx context.Context) ([]db.Job, error)
	List(ctx context.Context, limit, offset int) ([]db.Job, int64, error)
}

// -----------------------------------------------------------------------------
// ExportRepository
// -----------------------------------------------------------------------------

type ExportRepository interface {
	Create(ctx context.Context, export *db.Export) error
	Update(ctx context.Context, export *db.Export) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.Export, error)
	ListByJobAndType(ctx context.Context, jobID uuid.UUID, typ status.ExportType) ([]db.Export, error)
	// Lease claims up to limit due, unleased, non-terminal exports for the
	// caller by setting lease_until = now + leaseFor, then re-reads and
	// returns the leased rows. An export is due when next_check_at <= now.
	Lease(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]db.Export, error)
	// LeaseByJob is Lease restricted to a single job. Used by the image
	// worker's bootstrap poll pass right after submission.
	LeaseByJob(ctx context.Context, jobID uuid.UUID, now time.Time, limit int, leaseFor time.Duration) ([]db.Export, error)
}

// -----------------------------------------------------------------------------
// FileTransferRepository
// -----------------------------------------------------------------------------

type FileTransferRepository interface {
	Create(ctx context.Context, transfer *db.FileTransfer) error
	Update(ctx context.Context, transfer *db.FileTransfer) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.FileTransfer, error)
	GetByExport(ctx context.Context, exportID uuid.UUID) (*db.FileTransfer, error)
}

// -----------------------------------------------------------------------------
// WebsiteUpdateRepository
// -----------------------------------------------------------------------------

type WebsiteUpdateRepository interface {
	Create(ctx context.Context, update *db.WebsiteUpdate) error
	Update(ctx context.Context, update *db.WebsiteUpdate) error
	// GetByJob returns the job's single WebsiteUpdate, or ErrNotFound.
	GetByJob(ctx context.Context, jobID uuid.UUID) (*db.WebsiteUpdate, error)
}

// -----------------------------------------------------------------------------
// ReportRepository
// -----------------------------------------------------------------------------

type ReportRepository interface {
	Create(ctx context.Context, report *db.Report) error
	Update(ctx context.Context, report *db.Report) error
	GetByJob(ctx context.Context, jobID uuid.UUID) (*db.Report, error)
}

// -----------------------------------------------------------------------------
// SnapshotRepository
// -----------------------------------------------------------------------------

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *db.UpstreamSnapshot) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.UpstreamSnapshot, error)
}

// Repositories bundles one implementation of every repository. It is built
// once in main and threaded through the scheduler and workers; no global
// session maker.
type Repositories struct {
	Jobs          JobRepository
	Exports       ExportRepository
	Transfers     FileTransferRepository
	WebsiteUpdate WebsiteUpdateRepository
	Reports       ReportRepository
	Snapshots     SnapshotRepository
}
