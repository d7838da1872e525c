package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/archive"
	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/manifest"
	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// StatsWorker submits the table-statistics tasks, maintains the per-bucket
// manifests, and implements the archive/rollback contract over the published
// outputs. Runs once per job, guarded by stats_export_status = PENDING with
// the image stage terminal.
type StatsWorker struct {
	repos   *repositories.Repositories
	client  compute.Client
	store   objectstore.Store
	archive *archive.Service
	cfg     config.StatsExportConfig
	log     *zap.Logger
}

func NewStatsWorker(repos *repositories.Repositories, client compute.Client, store objectstore.Store, arch *archive.Service, cfg config.StatsExportConfig, log *zap.Logger) *StatsWorker {
	return &StatsWorker{
		repos:   repos,
		client:  client,
		store:   store,
		archive: arch,
		cfg:     cfg,
		log:     log.Named("stats-worker"),
	}
}

// Run executes the stats stage for one job. Buckets whose manifest still
// matches the upstream collection are skipped entirely; for the rest, one
// table task is submitted per descriptor, the currently published output is
// archived first, and the bucket manifest is rewritten.
func (w *StatsWorker) Run(ctx context.Context, job *db.Job, now time.Time) error {
	if job.StatsExportStatus != status.StagePending {
		return nil
	}

	builders, err := compute.Builders(w.cfg.Statistics)
	if err != nil {
		return w.failStage(ctx, job, err)
	}

	buckets := groupByFrequency(builders)
	submitted := 0
	for _, bucket := range buckets {
		limit := -1 // unlimited
		if w.cfg.MaxExports > 0 {
			limit = w.cfg.MaxExports - submitted
			if limit <= 0 {
				w.log.Warn("export cap reached, deferring remaining buckets",
					zap.String("job_id", job.ID.String()),
					zap.Int("max_exports", w.cfg.MaxExports),
					zap.String("bucket", bucket.frequency),
				)
				break
			}
		}
		n, err := w.runBucket(ctx, job, bucket, now, limit)
		if err != nil {
			return w.failStage(ctx, job, err)
		}
		submitted += n
	}

	if submitted > 0 {
		job.StatsExportStatus = status.StageRunning
	} else {
		job.StatsExportStatus = status.StageCompleted
	}
	if err := w.repos.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("stats worker: persisting stage status: %w", err)
	}
	w.log.Info("stats stage started",
		zap.String("job_id", job.ID.String()),
		zap.Int("tasks", submitted),
		zap.String("status", string(job.StatsExportStatus)),
	)
	return nil
}

// bucketGroup is one frequency bucket's builders in configuration order.
type bucketGroup struct {
	frequency string
	builders  []compute.Builder
}

func groupByFrequency(builders []compute.Builder) []bucketGroup {
	var groups []bucketGroup
	index := map[string]int{}
	for _, b := range builders {
		i, ok := index[b.Frequency()]
		if !ok {
			i = len(groups)
			index[b.Frequency()] = i
			groups = append(groups, bucketGroup{frequency: b.Frequency()})
		}
		groups[i].builders = append(groups[i].builders, b)
	}
	return groups
}

// bucketCollection resolves the source collection for a frequency bucket.
// Yearly falls back to the monthly collection when no dedicated yearly
// collection is configured, mirroring the builder's behavior.
func (w *StatsWorker) bucketCollection(frequency string) string {
	if frequency == "yearly" && w.cfg.YearlyCollectionPath != "" {
		return w.cfg.YearlyCollectionPath
	}
	return w.cfg.MonthlyCollectionPath
}

// runBucket processes one frequency bucket: manifest short-circuit, task
// submission with pre-publication archiving, manifest rewrite. Returns how
// many tasks were submitted. limit caps submissions when non-negative; a
// truncated bucket keeps its old manifest so the next run resubmits the
// deferred descriptors.
func (w *StatsWorker) runBucket(ctx context.Context, job *db.Job, bucket bucketGroup, now time.Time, limit int) (int, error) {
	collection := w.bucketCollection(bucket.frequency)
	images, err := w.client.ListCollection(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("listing collection %q: %w", collection, err)
	}
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.Name
	}

	if !w.cfg.SkipManifest {
		stored, err := manifest.Load(ctx, w.store, w.cfg.ManifestPath, bucket.frequency)
		if err != nil {
			return 0, err
		}
		if stored != nil && stored.Matches(collection, names) {
			w.log.Info("manifest up to date, skipping bucket",
				zap.String("job_id", job.ID.String()),
				zap.String("bucket", bucket.frequency),
			)
			return 0, nil
		}
	}

	var descriptors []compute.Descriptor
	for _, builder := range bucket.builders {
		ds, err := builder.Produce(w.cfg)
		if err != nil {
			return 0, fmt.Errorf("building %s descriptors: %w", builder.Name(), err)
		}
		descriptors = append(descriptors, ds...)
	}

	truncated := false
	if limit >= 0 && len(descriptors) > limit {
		w.log.Warn("export cap truncates bucket",
			zap.String("job_id", job.ID.String()),
			zap.String("bucket", bucket.frequency),
			zap.Int("planned", len(descriptors)),
			zap.Int("submitting", limit),
		)
		descriptors = descriptors[:limit]
		truncated = true
	}

	var entries []manifest.ExportEntry
	submitted := 0
	for _, d := range descriptors {
		export, err := w.submitDescriptor(ctx, job, d, now)
		if err != nil {
			return submitted, err
		}
		submitted++
		entries = append(entries, manifest.ExportEntry{
			ID:          export.ID.String(),
			Name:        export.Name,
			DateUpdated: now.UTC().Format(time.RFC3339),
		})
	}

	if truncated {
		// The old manifest stays in place so the next run resubmits the
		// deferred descriptors instead of short-circuiting past them.
		return submitted, nil
	}

	m := manifest.New(w.cfg.ManifestSource, collection, names, entries, now)
	if err := manifest.Save(ctx, w.store, w.cfg.ManifestPath, bucket.frequency, m); err != nil {
		return submitted, err
	}
	return submitted, nil
}

// submitDescriptor archives the currently published output, submits the
// remote task, and records the export and its file-transfer row. A failed
// submission still writes the export so the reconciler sees the failure.
func (w *StatsWorker) submitDescriptor(ctx context.Context, job *db.Job, d compute.Descriptor, now time.Time) (*db.Export, error) {
	// Move the live output out of the way before the remote task writes the
	// new one. ScanPrior finds it again under today's stamp.
	if d.Target == status.TargetObjectStore {
		if _, _, err := w.archive.ArchivePublished(ctx, d.Path, now); err != nil {
			return nil, err
		}
	}

	export := &db.Export{
		JobID:  job.ID,
		Type:   status.ExportTypeTable,
		Name:   d.Name,
		Target: d.Target,
		Path:   d.Path,
	}

	submission, err := w.client.SubmitTableTask(ctx, compute.TableTaskSpec{
		Name:       d.Name,
		Collection: d.Collection,
		Target:     d.Target,
		Bucket:     d.Bucket,
		Path:       d.Path,
	})
	if err != nil {
		export.State = status.ExportFailed
		export.Error = err.Error()
		w.log.Error("table task submission failed",
			zap.String("job_id", job.ID.String()),
			zap.String("name", d.Name),
			zap.Error(err),
		)
	} else {
		export.TaskID = submission.TaskID
		export.TaskStatus = submission.Status
		export.State = status.Project(submission.Status)
		next := now.Add(basePollInterval)
		export.NextCheckAt = &next
	}

	if err := w.repos.Exports.Create(ctx, export); err != nil {
		return nil, fmt.Errorf("stats worker: recording export %s: %w", d.Name, err)
	}

	if d.Target == status.TargetObjectStore {
		if err := w.recordTransfer(ctx, job.ID, export, now); err != nil {
			return nil, err
		}
	}
	return export, nil
}

// recordTransfer scans the archive for the most recent prior version of the
// output and records the transfer row the rollback pass will consult.
func (w *StatsWorker) recordTransfer(ctx context.Context, jobID uuid.UUID, export *db.Export, now time.Time) error {
	transfer := &db.FileTransfer{
		JobID:      jobID,
		ExportID:   export.ID,
		SourcePath: export.Path,
	}

	archivePath, found, err := w.archive.ScanPrior(ctx, export.Path, now)
	if err != nil {
		return err
	}
	if found {
		transfer.Status = status.TransferHasArchive
		transfer.DestinationPath = archivePath
	} else {
		transfer.Status = status.TransferNoArchive
	}

	if err := w.repos.Transfers.Create(ctx, transfer); err != nil {
		return fmt.Errorf("stats worker: recording transfer for %s: %w", export.Name, err)
	}
	return nil
}

// Rollback restores the archived prior version over every failed table
// export's output. Idempotent: each transfer is rolled back at most once
// (HAS_ARCHIVE flips to ROLLED_BACK).
func (w *StatsWorker) Rollback(ctx context.Context, job *db.Job) error {
	exports, err := w.repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeTable)
	if err != nil {
		return fmt.Errorf("stats rollback: %w", err)
	}

	for i := range exports {
		export := &exports[i]
		if export.State != status.ExportFailed && export.State != status.ExportTimedOut {
			continue
		}

		transfer, err := w.repos.Transfers.GetByExport(ctx, export.ID)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stats rollback: %w", err)
		}
		if transfer.Status != status.TransferHasArchive {
			continue
		}

		if err := w.archive.Rollback(ctx, transfer.DestinationPath, transfer.SourcePath); err != nil {
			w.log.Error("rollback failed",
				zap.String("job_id", job.ID.String()),
				zap.String("export", export.Name),
				zap.Error(err),
			)
			continue
		}

		transfer.Status = status.TransferRolledBack
		if err := w.repos.Transfers.Update(ctx, transfer); err != nil {
			return fmt.Errorf("stats rollback: persisting transfer: %w", err)
		}
		w.log.Info("restored archived output",
			zap.String("job_id", job.ID.String()),
			zap.String("export", export.Name),
			zap.String("archive", transfer.DestinationPath),
		)
	}
	return nil
}

// failStage marks the whole stats stage FAILED after a planning-level error.
func (w *StatsWorker) failStage(ctx context.Context, job *db.Job, cause error) error {
	job.StatsExportStatus = status.StageFailed
	job.AppendError("stats planning: " + cause.Error())
	if err := w.repos.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("stats worker: persisting planning failure: %w", err)
	}
	w.log.Error("stats planning failed", zap.String("job_id", job.ID.String()), zap.Error(cause))
	return nil
}
