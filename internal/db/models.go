package db

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM and are always stored
// timezone-aware. The struct must stay exported: GORM ignores fields promoted
// through unexported embedded structs.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one pipeline invocation created by the daily cron trigger. It chains
// four dependent stages (image exports, stats exports, website update,
// report), each tracked by its own status column. Jobs are never deleted;
// the table is the pipeline's history.
//
// Once JobStatus is terminal (COMPLETED or FAILED) the stage statuses are
// frozen, except ReportStatus which may still advance PENDING -> COMPLETED
// or FAILED. Jobs are mutated only by the reconciler, the stage workers, and
// the reporter.
type Job struct {
	Base
	JobStatus           status.JobStatus   `gorm:"not null;default:'RUNNING';index"`
	ImageExportStatus   status.StageStatus `gorm:"not null;default:'PENDING'"`
	StatsExportStatus   status.StageStatus `gorm:"not null;default:'PENDING'"`
	WebsiteUpdateStatus status.StageStatus `gorm:"not null;default:'PENDING'"`
	ReportStatus        status.StageStatus `gorm:"not null;default:'PENDING'"`
	Timezone            string             `gorm:"not null;default:'UTC'"`
	Error               string             `gorm:"type:text;default:''"`
}

// AppendError accumulates a diagnostic message on the job. Messages are
// pipe-delimited; duplicates are preserved so the report shows how often a
// condition recurred.
func (j *Job) AppendError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if j.Error == "" {
		j.Error = msg
		return
	}
	j.Error = j.Error + " | " + msg
}

// -----------------------------------------------------------------------------
// Exports
// -----------------------------------------------------------------------------

// Export is one remote-task handle owned by one job. It is created by a stage
// worker when the task is submitted and mutated by the poller until State is
// terminal; afterwards the row is immutable.
//
// TaskStatus holds the raw status string last reported by the remote service;
// State is its projection onto the five-value lattice (see status.Project).
// NextCheckAt, LeaseUntil, PollIntervalSec and Attempts drive the leasing
// poll loop. DeadlineAt, when set, bounds how long the poller waits before
// forcing TIMED_OUT.
type Export struct {
	Base
	JobID           uuid.UUID           `gorm:"type:text;not null;index"`
	Type            status.ExportType   `gorm:"not null"`
	Name            string              `gorm:"not null"`
	Target          status.ExportTarget `gorm:"not null"`
	Path            string              `gorm:"not null;default:''"`
	TaskID          string              `gorm:"default:''"` // empty until submission succeeds
	TaskStatus      string              `gorm:"default:''"`
	State           status.ExportState  `gorm:"not null;default:'RUNNING';index:idx_exports_due"`
	Error           string              `gorm:"type:text;default:''"`
	NextCheckAt     *time.Time          `gorm:"index:idx_exports_due"`
	LeaseUntil      *time.Time          `gorm:"index"`
	PollIntervalSec int                 `gorm:"not null;default:15"`
	Attempts        int                 `gorm:"not null;default:0"`
	DeadlineAt      *time.Time
}

// -----------------------------------------------------------------------------
// File transfers
// -----------------------------------------------------------------------------

// FileTransfer is the pre-publication archive record for a single table
// output. Before a stats export overwrites its published file, the stats
// worker archives the previous version and records where it went; if the
// export later fails, the rollback pass copies the archived blob back over
// SourcePath and flips the status to ROLLED_BACK.
type FileTransfer struct {
	Base
	JobID           uuid.UUID             `gorm:"type:text;not null;index"`
	ExportID        uuid.UUID             `gorm:"type:text;not null;index"`
	SourcePath      string                `gorm:"not null"`
	DestinationPath string                `gorm:"default:''"` // empty when no prior version existed
	Status          status.TransferStatus `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Website updates
// -----------------------------------------------------------------------------

// WebsiteUpdate is the per-job website publication record. At most one exists
// per job; the website worker reuses the row across retries, bumping Attempts
// and LastError on each failure. COMPLETED means "pull request opened or no
// change was required"; landing the PR is a human step.
type WebsiteUpdate struct {
	Base
	JobID          uuid.UUID          `gorm:"type:text;not null;uniqueIndex"`
	Status         status.StageStatus `gorm:"not null;default:'PENDING'"`
	PullRequestID  int64              `gorm:"default:0"`
	PullRequestURL string             `gorm:"default:''"`
	Attempts       int                `gorm:"not null;default:0"`
	LastError      string             `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Reports
// -----------------------------------------------------------------------------

// Report is the per-job notification record. At most one exists per job.
// Delivery retries are unbounded: the reporter bumps Attempts and LastError
// and leaves the status PENDING until a send succeeds.
//
// TODO: cap report delivery attempts.
type Report struct {
	Base
	JobID     uuid.UUID          `gorm:"type:text;not null;uniqueIndex"`
	Status    status.StageStatus `gorm:"not null;default:'PENDING'"`
	Attempts  int                `gorm:"not null;default:0"`
	LastError string             `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Upstream snapshots
// -----------------------------------------------------------------------------

// UpstreamSnapshot captures one upstream collection's membership at job
// creation time: how many images it held and the key of the newest one.
// Purely diagnostic; nothing in the pipeline reads it back except the
// reporter. The table keeps its historical name "modis" after the upstream
// satellite product.
type UpstreamSnapshot struct {
	Base
	JobID          uuid.UUID `gorm:"type:text;not null;index"`
	CollectionName string    `gorm:"not null"`
	ImageCount     int       `gorm:"not null;default:0"`
	LastImageKey   string    `gorm:"default:''"`
}

// TableName preserves the legacy table name.
func (UpstreamSnapshot) TableName() string { return "modis" }
