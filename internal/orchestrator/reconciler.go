// Package orchestrator contains the pipeline core: the job reconciler, the
// stage workers (image, stats, website), the leasing task poller, the
// reporter, and the tick driver that sequences them. All coordination happens
// through the repositories; the database is the only shared state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// Reconciler advances a job's stage statuses from persisted state alone. It
// performs no remote calls, is idempotent, and issues at most one job write
// per invocation. Stage order is strict: image, then stats, then website;
// a later stage is only examined once every earlier stage is terminal.
type Reconciler struct {
	repos *repositories.Repositories
	log   *zap.Logger
}

func NewReconciler(repos *repositories.Repositories, log *zap.Logger) *Reconciler {
	return &Reconciler{repos: repos, log: log.Named("reconciler")}
}

// Reconcile loads the job's exports and website update, computes the next
// status vector, and persists the job if anything changed. Returns whether a
// write happened.
func (r *Reconciler) Reconcile(ctx context.Context, job *db.Job) (bool, error) {
	images, err := r.repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeImage)
	if err != nil {
		return false, fmt.Errorf("reconcile job %s: %w", job.ID, err)
	}
	tables, err := r.repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeTable)
	if err != nil {
		return false, fmt.Errorf("reconcile job %s: %w", job.ID, err)
	}

	update, err := r.repos.WebsiteUpdate.GetByJob(ctx, job.ID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return false, fmt.Errorf("reconcile job %s: %w", job.ID, err)
	}

	changed := reconcile(job, images, tables, update)
	if !changed {
		return false, nil
	}

	if err := r.repos.Jobs.Update(ctx, job); err != nil {
		return false, fmt.Errorf("reconcile job %s: persisting: %w", job.ID, err)
	}
	r.log.Info("job reconciled",
		zap.String("job_id", job.ID.String()),
		zap.String("job_status", string(job.JobStatus)),
		zap.String("image", string(job.ImageExportStatus)),
		zap.String("stats", string(job.StatsExportStatus)),
		zap.String("website", string(job.WebsiteUpdateStatus)),
	)
	return true, nil
}

// reconcile is the pure transition function. It mutates job in place and
// reports whether anything changed. Kept free of I/O so the rule table can be
// tested exhaustively.
func reconcile(job *db.Job, images, tables []db.Export, update *db.WebsiteUpdate) bool {
	if job.JobStatus.Terminal() {
		return false
	}

	changed := false

	next, diag := reconcileStage(job.ImageExportStatus, exportStates(images),
		job.StatsExportStatus != status.StagePending)
	if next != job.ImageExportStatus {
		job.ImageExportStatus = next
		changed = true
	}
	if diag != "" {
		job.AppendError("image stage: " + diag)
		changed = true
	}

	if job.ImageExportStatus == status.StageFailed {
		// A failed image stage aborts the run: stats and website are never
		// attempted and the job fails immediately.
		if job.JobStatus != status.JobFailed {
			job.JobStatus = status.JobFailed
			job.AppendError("One or more image exports failed")
			changed = true
		}
		return changed
	}

	if job.ImageExportStatus.Terminal() {
		next, diag = reconcileStage(job.StatsExportStatus, exportStates(tables),
			update != nil)
		if next != job.StatsExportStatus {
			job.StatsExportStatus = next
			changed = true
		}
		if diag != "" {
			job.AppendError("stats stage: " + diag)
			changed = true
		}
	}

	if job.ImageExportStatus.Terminal() && job.StatsExportStatus.Terminal() {
		if mirrorWebsite(job, update) {
			changed = true
		}
	}

	if job.ImageExportStatus.Terminal() &&
		job.StatsExportStatus.Terminal() &&
		job.WebsiteUpdateStatus.Terminal() {
		verdict := status.JobCompleted
		if job.ImageExportStatus == status.StageFailed ||
			job.StatsExportStatus == status.StageFailed ||
			job.WebsiteUpdateStatus == status.StageFailed {
			verdict = status.JobFailed
		}
		if job.JobStatus != verdict {
			job.JobStatus = verdict
			changed = true
		}
	}

	return changed
}

// reconcileStage applies the stage rule table to one stage given the states
// of its exports. nextStarted tells the corrective-fallback rule whether the
// following stage has already begun (a late RUNNING task can only revert the
// stage while the pipeline has not moved past it).
//
// UNKNOWN export states count as in-flight (the poller is still resolving
// them) and TIMED_OUT counts as failure; both follow from the lattice's
// terminal set rather than from literal string comparison.
func reconcileStage(current status.StageStatus, states []status.ExportState, nextStarted bool) (status.StageStatus, string) {
	inFlight, failed := summarize(states)

	switch current {
	case status.StagePending:
		if len(states) == 0 {
			return current, ""
		}
		// Export rows exist but the stage was never advanced: a worker died
		// between submission and the status write.
		return status.StageFailed, fmt.Sprintf("%d export(s) exist but stage was never started", len(states))

	case status.StageRunning:
		if len(states) == 0 {
			return status.StageCompleted, ""
		}
		if inFlight > 0 {
			return current, ""
		}
		if failed > 0 {
			return status.StageFailed, fmt.Sprintf("%d of %d export(s) failed", failed, len(states))
		}
		return status.StageCompleted, ""

	case status.StageCompleted:
		if failed > 0 {
			return status.StageFailed, "late export failure detected"
		}
		if inFlight > 0 && !nextStarted {
			// Late-arriving task: fall back to RUNNING so the poller picks
			// it up, but only while the next stage has not begun.
			return status.StageRunning, ""
		}
		return current, ""

	case status.StageFailed, status.StageNotRequired:
		return current, ""

	default:
		return status.StageFailed, fmt.Sprintf("unknown stage status %q", current)
	}
}

// mirrorWebsite copies the WebsiteUpdate row's status into the job. When the
// stats stage produced nothing to publish (NOT_REQUIRED) and no update row
// exists, the website stage is not required either; without this the job
// could never reach a terminal status on a no-op run.
func mirrorWebsite(job *db.Job, update *db.WebsiteUpdate) bool {
	if update == nil {
		if job.StatsExportStatus == status.StageNotRequired &&
			job.WebsiteUpdateStatus == status.StagePending {
			job.WebsiteUpdateStatus = status.StageNotRequired
			return true
		}
		return false
	}

	if job.WebsiteUpdateStatus == update.Status {
		return false
	}
	job.WebsiteUpdateStatus = update.Status
	if update.Status == status.StageFailed && update.LastError != "" {
		job.AppendError("website stage: " + update.LastError)
	}
	return true
}

func exportStates(exports []db.Export) []status.ExportState {
	states := make([]status.ExportState, len(exports))
	for i := range exports {
		states[i] = exports[i].State
	}
	return states
}

func summarize(states []status.ExportState) (inFlight, failed int) {
	for _, s := range states {
		switch {
		case !s.Terminal():
			inFlight++
		case s == status.ExportFailed || s == status.ExportTimedOut:
			failed++
		}
	}
	return inFlight, failed
}
