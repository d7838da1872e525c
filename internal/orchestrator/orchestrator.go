package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/metrics"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// Orchestrator sequences the pipeline: the daily initiator creates jobs, the
// orchestration tick polls remote tasks, reconciles every active job, runs
// whichever stage worker became eligible, and finishes with the reporter.
// Everything runs sequentially in the foreground of the scheduler's firing.
type Orchestrator struct {
	repos      *repositories.Repositories
	client     compute.Client
	poller     *Poller
	reconciler *Reconciler
	image      *ImageWorker
	stats      *StatsWorker
	website    *WebsiteWorker
	reporter   *Reporter
	timezone   string
	location   *time.Location
	upstream   []string // upstream collection paths snapshotted per job
	log        *zap.Logger
}

func New(
	repos *repositories.Repositories,
	client compute.Client,
	poller *Poller,
	reconciler *Reconciler,
	image *ImageWorker,
	stats *StatsWorker,
	website *WebsiteWorker,
	reporter *Reporter,
	timezone string,
	location *time.Location,
	upstream []string,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		repos:      repos,
		client:     client,
		poller:     poller,
		reconciler: reconciler,
		image:      image,
		stats:      stats,
		website:    website,
		reporter:   reporter,
		timezone:   timezone,
		location:   location,
		upstream:   upstream,
		log:        log.Named("orchestrator"),
	}
}

// StartJob is the daily initiator: it creates one RUNNING job, captures the
// upstream snapshot, and runs the image stage worker immediately.
func (o *Orchestrator) StartJob(ctx context.Context) (*db.Job, error) {
	job := &db.Job{
		JobStatus:           status.JobRunning,
		ImageExportStatus:   status.StagePending,
		StatsExportStatus:   status.StagePending,
		WebsiteUpdateStatus: status.StagePending,
		ReportStatus:        status.StagePending,
		Timezone:            o.timezone,
	}
	if err := o.repos.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("orchestrator: creating job: %w", err)
	}
	metrics.JobsCreated.Inc()
	o.log.Info("job created", zap.String("job_id", job.ID.String()))

	o.snapshotUpstream(ctx, job)

	if err := o.image.Run(ctx, job, time.Now(), o.location); err != nil {
		o.log.Error("image worker failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return job, nil
}

// snapshotUpstream records each upstream collection's size and newest image
// at job creation time. Diagnostic only; a snapshot failure never blocks the
// job.
func (o *Orchestrator) snapshotUpstream(ctx context.Context, job *db.Job) {
	for _, collection := range o.upstream {
		images, err := o.client.ListCollection(ctx, collection)
		if err != nil {
			o.log.Warn("upstream snapshot failed",
				zap.String("job_id", job.ID.String()),
				zap.String("collection", collection),
				zap.Error(err),
			)
			continue
		}
		snapshot := &db.UpstreamSnapshot{
			JobID:          job.ID,
			CollectionName: collection,
			ImageCount:     len(images),
		}
		if len(images) > 0 {
			snapshot.LastImageKey = images[len(images)-1].Name
		}
		if err := o.repos.Snapshots.Create(ctx, snapshot); err != nil {
			o.log.Warn("persisting upstream snapshot failed",
				zap.String("job_id", job.ID.String()),
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}
}

// Tick is the orchestration tick body: one poll pass, then one advance pass
// over every active job.
func (o *Orchestrator) Tick(ctx context.Context) error {
	metrics.TicksTotal.Inc()
	now := time.Now()

	if err := o.poller.Run(ctx, now); err != nil {
		o.log.Error("poll pass failed", zap.Error(err))
	}

	jobs, err := o.repos.Jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: listing active jobs: %w", err)
	}

	for i := range jobs {
		if err := o.advance(ctx, &jobs[i], now); err != nil {
			o.log.Error("advancing job failed",
				zap.String("job_id", jobs[i].ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// advance moves one job as far as a single tick allows: reconcile, run the
// eligible stage worker, reconcile again to absorb the worker's writes, then
// report if the job just became terminal.
func (o *Orchestrator) advance(ctx context.Context, job *db.Job, now time.Time) error {
	if _, err := o.reconciler.Reconcile(ctx, job); err != nil {
		return err
	}

	if job.StatsExportStatus == status.StageFailed {
		if err := o.stats.Rollback(ctx, job); err != nil {
			o.log.Error("rollback pass failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	if job.JobStatus == status.JobRunning {
		if err := o.runEligibleStage(ctx, job, now); err != nil {
			return err
		}
		if _, err := o.reconciler.Reconcile(ctx, job); err != nil {
			return err
		}
	}

	if job.JobStatus.Terminal() && job.ReportStatus == status.StagePending {
		return o.reporter.Run(ctx, job)
	}
	return nil
}

// runEligibleStage dispatches to the single stage worker whose guard holds.
// Stage order is strict, so at most one worker runs per tick per job. Stats
// requires the image stage to have succeeded (or been skipped); an image
// failure aborts the run before the reconciler ever reaches this point.
func (o *Orchestrator) runEligibleStage(ctx context.Context, job *db.Job, now time.Time) error {
	switch {
	case job.ImageExportStatus == status.StagePending:
		return o.image.Run(ctx, job, now, o.location)

	case (job.ImageExportStatus == status.StageCompleted || job.ImageExportStatus == status.StageNotRequired) &&
		job.StatsExportStatus == status.StagePending:
		running, err := o.hasRunning(ctx, job, status.ExportTypeImage)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		return o.stats.Run(ctx, job, now)

	case job.StatsExportStatus == status.StageCompleted || job.StatsExportStatus == status.StageFailed:
		if job.WebsiteUpdateStatus.Terminal() {
			return nil
		}
		running, err := o.hasRunning(ctx, job, status.ExportTypeTable)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		return o.website.Run(ctx, job, now)
	}
	return nil
}

func (o *Orchestrator) hasRunning(ctx context.Context, job *db.Job, typ status.ExportType) (bool, error) {
	exports, err := o.repos.Exports.ListByJobAndType(ctx, job.ID, typ)
	if err != nil {
		return false, fmt.Errorf("orchestrator: listing %s exports: %w", typ, err)
	}
	for i := range exports {
		if !exports[i].State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
