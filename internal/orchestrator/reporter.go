package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/metrics"
	"github.com/nivalis-io/ipa-orchestrator/internal/report"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// Reporter renders and delivers the end-of-job report. Guarded by a terminal
// job status with report_status = PENDING. Delivery failures leave the report
// PENDING with last_error recorded, so every later tick retries.
//
// TODO: cap retry attempts (tracked on db.Report).
type Reporter struct {
	repos  *repositories.Repositories
	mailer *report.Mailer
	log    *zap.Logger
}

func NewReporter(repos *repositories.Repositories, mailer *report.Mailer, log *zap.Logger) *Reporter {
	return &Reporter{repos: repos, mailer: mailer, log: log.Named("reporter")}
}

// Run sends the report for one finished job.
func (r *Reporter) Run(ctx context.Context, job *db.Job) error {
	if !job.JobStatus.Terminal() || job.ReportStatus != status.StagePending {
		return nil
	}

	rec, err := r.repos.Reports.GetByJob(ctx, job.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		rec = &db.Report{JobID: job.ID, Status: status.StagePending}
		if cerr := r.repos.Reports.Create(ctx, rec); cerr != nil {
			return fmt.Errorf("reporter: creating report row: %w", cerr)
		}
	} else if err != nil {
		return fmt.Errorf("reporter: %w", err)
	}

	rec.Attempts++

	if err := r.deliver(ctx, job); err != nil {
		rec.LastError = err.Error()
		r.log.Error("report delivery failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err),
		)
		if uerr := r.repos.Reports.Update(ctx, rec); uerr != nil {
			return fmt.Errorf("reporter: persisting failure: %w", uerr)
		}
		return nil
	}

	rec.Status = status.StageCompleted
	rec.LastError = ""
	if err := r.repos.Reports.Update(ctx, rec); err != nil {
		return fmt.Errorf("reporter: persisting completion: %w", err)
	}

	job.ReportStatus = status.StageCompleted
	if err := r.repos.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("reporter: persisting job report status: %w", err)
	}

	metrics.ReportsSent.Inc()
	metrics.JobsFinished.WithLabelValues(string(job.JobStatus)).Inc()
	r.log.Info("report sent",
		zap.String("job_id", job.ID.String()),
		zap.String("job_status", string(job.JobStatus)),
	)
	return nil
}

func (r *Reporter) deliver(ctx context.Context, job *db.Job) error {
	rctx, err := r.buildContext(ctx, job)
	if err != nil {
		return err
	}

	if !r.mailer.Enabled() {
		// Email delivery is optional; the report still completes so the job
		// can close out.
		r.log.Info("email disabled, skipping delivery", zap.String("job_id", job.ID.String()))
		return nil
	}

	text, html, err := report.Render(rctx)
	if err != nil {
		return err
	}
	return r.mailer.Send(rctx.Subject(), text, html)
}

// buildContext assembles the template context from the job and its owned
// rows: exports grouped by type and path bucket, the upstream snapshot, and
// the website update.
func (r *Reporter) buildContext(ctx context.Context, job *db.Job) (*report.Context, error) {
	exports, err := r.repos.Exports.ListByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reporter: loading exports: %w", err)
	}
	snapshots, err := r.repos.Snapshots.ListByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reporter: loading snapshots: %w", err)
	}
	update, err := r.repos.WebsiteUpdate.GetByJob(ctx, job.ID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("reporter: loading website update: %w", err)
	}

	rctx := &report.Context{
		JobID:         job.ID.String(),
		JobStatus:     string(job.JobStatus),
		CreatedAt:     job.CreatedAt,
		FinishedAt:    job.UpdatedAt,
		Timezone:      job.Timezone,
		ImageStatus:   string(job.ImageExportStatus),
		StatsStatus:   string(job.StatsExportStatus),
		WebsiteStatus: string(job.WebsiteUpdateStatus),
	}

	if job.Error != "" {
		rctx.Errors = splitErrors(job.Error)
	}

	tableGroups := map[string][]report.ExportLine{}
	var groupOrder []string
	for i := range exports {
		e := &exports[i]
		line := report.ExportLine{
			Name:   e.Name,
			State:  string(e.State),
			TaskID: e.TaskID,
			Path:   e.Path,
			Error:  e.Error,
		}
		switch e.Type {
		case status.ExportTypeImage:
			rctx.ImageExports = append(rctx.ImageExports, line)
		case status.ExportTypeTable:
			bucket := pathBucket(e.Path)
			if _, seen := tableGroups[bucket]; !seen {
				groupOrder = append(groupOrder, bucket)
			}
			tableGroups[bucket] = append(tableGroups[bucket], line)
		}
	}
	sort.Strings(groupOrder)
	for _, bucket := range groupOrder {
		rctx.TableGroups = append(rctx.TableGroups, report.TableGroup{
			Frequency: bucket,
			Exports:   tableGroups[bucket],
		})
	}

	for i := range snapshots {
		rctx.Snapshot = append(rctx.Snapshot, report.CollectionCount{
			Path:   snapshots[i].CollectionName,
			Images: snapshots[i].ImageCount,
		})
	}

	if update != nil {
		rctx.Website = &report.WebsiteInfo{
			Status:   string(update.Status),
			PRNumber: update.PullRequestID,
			PRURL:    update.PullRequestURL,
		}
	}

	return rctx, nil
}

// pathBucket extracts the frequency bucket from a table output path like
// "exports/monthly/name.csv". Falls back to the whole path when the layout
// does not match.
func pathBucket(p string) string {
	dir := path.Base(path.Dir(p))
	if dir == "." || dir == "/" {
		return p
	}
	return dir
}

func splitErrors(joined string) []string {
	var out []string
	for _, part := range strings.Split(joined, " | ") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
