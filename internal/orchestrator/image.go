package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// completenessBuffer widens a month's upstream window on both sides. A month
// counts as complete only when the window holds data and the upstream has
// moved past its trailing edge.
const completenessBuffer = 48 * time.Hour

// bootstrapDelay is the pause between submitting image tasks and the first
// poll pass, giving the remote service time to register the tasks.
const bootstrapDelay = 5 * time.Second

// ImageWorker plans and submits the monthly image-generation tasks. It runs
// once per job, guarded by image_export_status = PENDING.
type ImageWorker struct {
	repos  *repositories.Repositories
	client compute.Client
	poller *Poller
	cfg    config.ImageExportConfig
	log    *zap.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewImageWorker(repos *repositories.Repositories, client compute.Client, poller *Poller, cfg config.ImageExportConfig, log *zap.Logger) *ImageWorker {
	return &ImageWorker{
		repos:  repos,
		client: client,
		poller: poller,
		cfg:    cfg,
		log:    log.Named("image-worker"),
		sleep:  time.Sleep,
	}
}

// Run plans the months to generate, submits one remote task per month, and
// advances the job's image stage. A planning failure marks the stage FAILED;
// an individual submission failure still writes the export row so the
// reconciler sees it.
func (w *ImageWorker) Run(ctx context.Context, job *db.Job, now time.Time, loc *time.Location) error {
	if job.ImageExportStatus != status.StagePending {
		return nil
	}

	months, err := w.planMonths(ctx, now.In(loc))
	if err != nil {
		job.ImageExportStatus = status.StageFailed
		job.AppendError("image planning: " + err.Error())
		if uerr := w.repos.Jobs.Update(ctx, job); uerr != nil {
			return fmt.Errorf("image worker: persisting planning failure: %w", uerr)
		}
		w.log.Error("image planning failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return nil
	}

	if len(months) == 0 {
		// Nothing runnable upstream: the image stage is trivially done and
		// the stats stage has nothing to recompute.
		job.ImageExportStatus = status.StageCompleted
		job.StatsExportStatus = status.StageNotRequired
		if err := w.repos.Jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("image worker: persisting no-op completion: %w", err)
		}
		w.log.Info("no runnable months, image stage complete",
			zap.String("job_id", job.ID.String()))
		return nil
	}

	submitted := 0
	for _, month := range months {
		if err := w.submitMonth(ctx, job, month, now); err != nil {
			return err
		}
		submitted++
	}

	job.ImageExportStatus = status.StageRunning
	if err := w.repos.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("image worker: persisting stage start: %w", err)
	}
	w.log.Info("image tasks submitted",
		zap.String("job_id", job.ID.String()),
		zap.Int("months", submitted),
	)

	// Bootstrap poll: pick up the first status for this job's exports
	// without waiting a full tick.
	w.sleep(bootstrapDelay)
	if err := w.poller.RunForJob(ctx, job.ID, time.Now()); err != nil {
		w.log.Warn("bootstrap poll failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return nil
}

// submitMonth submits one image task and records its export row. A failed
// submission is recorded as a FAILED export rather than aborting the stage.
func (w *ImageWorker) submitMonth(ctx context.Context, job *db.Job, month time.Time, now time.Time) error {
	name := fmt.Sprintf("%s%s", w.cfg.MonthlyImagePrefix, month.Format("2006_01"))

	export := &db.Export{
		JobID:  job.ID,
		Type:   status.ExportTypeImage,
		Name:   name,
		Target: status.TargetCompute,
		Path:   w.cfg.MonthlyCollectionPath,
	}

	submission, err := w.client.SubmitImageTask(ctx, compute.ImageTaskSpec{
		Name:              name,
		Month:             month.Format("2006-01"),
		CollectionPath:    w.cfg.MonthlyCollectionPath,
		AOIAssetPath:      w.cfg.AOIAssetPath,
		DEMAssetPath:      w.cfg.DEMAssetPath,
		SourceCollections: w.cfg.SourceCollectionPaths,
	})
	if err != nil {
		export.State = status.ExportFailed
		export.Error = err.Error()
		w.log.Error("image task submission failed",
			zap.String("job_id", job.ID.String()),
			zap.String("name", name),
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
		return fmt.Errorf("image worker: recording export %s: %w", name, err)
	}
	return nil
}

// planMonths computes the months to generate: the candidate range, minus
// months whose image already exists, minus months whose upstream data is not
// yet complete, capped at MaxExports.
func (w *ImageWorker) planMonths(ctx context.Context, now time.Time) ([]time.Time, error) {
	candidates, err := w.candidateMonths(now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := w.existingMonths(ctx)
	if err != nil {
		return nil, err
	}

	var sources [][]compute.ImageInfo
	for _, path := range w.cfg.SourceCollectionPaths {
		images, err := w.client.ListCollection(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("listing upstream collection %q: %w", path, err)
		}
		sources = append(sources, images)
	}

	var months []time.Time
	for _, month := range candidates {
		if existing[month.Format("2006-01")] {
			continue
		}
		if !w.upstreamComplete(month, sources) {
			continue
		}
		months = append(months, month)
		if w.cfg.MaxExports > 0 && len(months) >= w.cfg.MaxExports {
			break
		}
	}
	return months, nil
}

// candidateMonths is the configured explicit list, or the sequence from
// MinMonth through the previous month. The current month is never a
// candidate.
func (w *ImageWorker) candidateMonths(now time.Time) ([]time.Time, error) {
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if len(w.cfg.MonthsList) > 0 {
		var months []time.Time
		for _, raw := range w.cfg.MonthsList {
			m, err := time.Parse("2006-01", raw)
			if err != nil {
				return nil, fmt.Errorf("months_list entry %q: %w", raw, err)
			}
			if !m.Before(currentMonth) {
				continue
			}
			months = append(months, m)
		}
		sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
		return months, nil
	}

	start, err := time.Parse("2006-01", w.cfg.MinMonth)
	if err != nil {
		return nil, fmt.Errorf("min_month %q: %w", w.cfg.MinMonth, err)
	}

	var months []time.Time
	for m := start; m.Before(currentMonth); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months, nil
}

// existingMonths scans the target collection for assets named
// <prefix>YYYY[-_]MM and returns the covered months.
func (w *ImageWorker) existingMonths(ctx context.Context) (map[string]bool, error) {
	images, err := w.client.ListCollection(ctx, w.cfg.MonthlyCollectionPath)
	if err != nil {
		return nil, fmt.Errorf("listing target collection %q: %w", w.cfg.MonthlyCollectionPath, err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(w.cfg.MonthlyImagePrefix) + `(\d{4})[-_](\d{2})$`)
	existing := make(map[string]bool, len(images))
	for _, img := range images {
		if m := pattern.FindStringSubmatch(img.Name); m != nil {
			existing[m[1]+"-"+m[2]] = true
		}
	}
	return existing, nil
}

// upstreamComplete reports whether at least one upstream source fully covers
// the month. A source covers the month when the buffered window around it
// contains data and the source holds an image at or past the window's
// trailing edge, showing the upstream has moved on.
func (w *ImageWorker) upstreamComplete(month time.Time, sources [][]compute.ImageInfo) bool {
	windowStart := month.Add(-completenessBuffer)
	windowEnd := month.AddDate(0, 1, 0).Add(completenessBuffer)

	for _, images := range sources {
		inWindow := false
		pastWindow := false
		for _, img := range images {
			if !img.Date.Before(windowStart) && img.Date.Before(windowEnd) {
				inWindow = true
			}
			if !img.Date.Before(windowEnd) {
				pastWindow = true
			}
		}
		if inWindow && pastWindow {
			return true
		}
	}
	return false
}
