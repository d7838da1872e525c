package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/archive"
	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
	"github.com/nivalis-io/ipa-orchestrator/internal/report"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// newTestOrchestrator wires a full pipeline over sqlite, the in-memory object
// store, and the fake compute client. Email is disabled; the website worker
// is wired but only reachable when a test arranges a publishable stage.
func newTestOrchestrator(t *testing.T, client *fakeClient, store objectstore.Store) (*Orchestrator, *repositories.Repositories) {
	t.Helper()
	repos := newTestRepos(t)
	log := zap.NewNop()

	imageCfg := imageCfg()
	statsCfg := statsTestCfg()

	poller := NewPoller(repos.Exports, client, log)
	reconciler := NewReconciler(repos, log)
	image := NewImageWorker(repos, client, poller, imageCfg, log)
	image.sleep = func(time.Duration) {}
	arch := archive.NewService(store, statsCfg.BaseExportPath)
	stats := NewStatsWorker(repos, client, store, arch, statsCfg, log)
	website := NewWebsiteWorker(repos, nil, nil, store, config.WebsiteConfig{}, log)
	mailer := report.NewMailer(config.EmailConfig{EnableEmail: false})
	reporter := NewReporter(repos, mailer, log)

	orch := New(repos, client, poller, reconciler, image, stats, website, reporter,
		"UTC", time.UTC, imageCfg.SourceCollectionPaths, log)
	return orch, repos
}

// makeDue rewinds every non-terminal export's next check so the next tick's
// poll pass picks it up.
func makeDue(t *testing.T, repos *repositories.Repositories, jobID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	exports, err := repos.Exports.ListByJob(ctx, jobID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	for i := range exports {
		if exports[i].State.Terminal() {
			continue
		}
		exports[i].NextCheckAt = &past
		exports[i].LeaseUntil = nil
		require.NoError(t, repos.Exports.Update(ctx, &exports[i]))
	}
}

func TestPipelineNothingToDo(t *testing.T) {
	client := newFakeClient() // empty upstream: no runnable months
	orch, repos := newTestOrchestrator(t, client, objectstore.NewMemory())
	ctx := context.Background()

	job, err := orch.StartJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.StageCompleted, job.ImageExportStatus)
	assert.Equal(t, status.StageNotRequired, job.StatsExportStatus)

	require.NoError(t, orch.Tick(ctx))

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.JobCompleted, got.JobStatus)
	assert.Equal(t, status.StageNotRequired, got.WebsiteUpdateStatus)
	assert.Equal(t, status.StageCompleted, got.ReportStatus)

	rep, err := repos.Reports.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.StageCompleted, rep.Status)
	assert.Equal(t, 1, rep.Attempts)

	// Nothing left for future ticks.
	active, err := repos.Jobs.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPipelineOneNewMonth(t *testing.T) {
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	store := objectstore.NewMemory()
	orch, repos := newTestOrchestrator(t, client, store)
	ctx := context.Background()

	job, err := orch.StartJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.StageRunning, job.ImageExportStatus)

	// Upstream snapshot captured at job creation.
	snapshots, err := repos.Snapshots.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, testSource, snapshots[0].CollectionName)
	assert.Equal(t, "daily_20240210", snapshots[0].LastImageKey)

	// Remote image task finishes; next tick completes the image stage and
	// starts the stats stage.
	client.finish("COMPLETED")
	makeDue(t, repos, job.ID)
	require.NoError(t, orch.Tick(ctx))

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.StageCompleted, got.ImageExportStatus)
	assert.Equal(t, status.StageRunning, got.StatsExportStatus)

	tables, err := repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeTable)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "ipa_maule_monthly_stats", tables[0].Name)

	// Table task finishes. The website outcome is seeded as already done so
	// the tick closes the job without touching a real git host.
	client.finish("COMPLETED")
	makeDue(t, repos, job.ID)
	require.NoError(t, repos.WebsiteUpdate.Create(ctx, &db.WebsiteUpdate{
		JobID:          job.ID,
		Status:         status.StageCompleted,
		PullRequestID:  7,
		PullRequestURL: "https://github.com/acme/website/pull/7",
	}))
	require.NoError(t, orch.Tick(ctx))

	got, err = repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.JobCompleted, got.JobStatus)
	assert.Equal(t, status.StageCompleted, got.StatsExportStatus)
	assert.Equal(t, status.StageCompleted, got.WebsiteUpdateStatus)
	assert.Equal(t, status.StageCompleted, got.ReportStatus)
}

func TestPipelineFailedExportFailsJob(t *testing.T) {
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	orch, repos := newTestOrchestrator(t, client, objectstore.NewMemory())
	ctx := context.Background()

	job, err := orch.StartJob(ctx)
	require.NoError(t, err)

	client.finish("FAILED")
	makeDue(t, repos, job.ID)
	require.NoError(t, orch.Tick(ctx))

	// A single tick resolves the whole run: the image failure fails the job
	// on the spot and the later stages are never attempted.
	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.StageFailed, got.ImageExportStatus)
	assert.Equal(t, status.JobFailed, got.JobStatus)
	assert.Equal(t, status.StagePending, got.StatsExportStatus)
	assert.Equal(t, status.StagePending, got.WebsiteUpdateStatus)
	assert.Contains(t, got.Error, "One or more image exports failed")

	tables, err := repos.Exports.ListByJobAndType(ctx, job.ID, status.ExportTypeTable)
	require.NoError(t, err)
	assert.Empty(t, tables, "no stats task may be submitted after an image failure")

	_, err = repos.WebsiteUpdate.GetByJob(ctx, job.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound, "website stage must never run")

	// The failed job still gets its report within the same tick.
	assert.Equal(t, status.StageCompleted, got.ReportStatus)

	active, err := repos.Jobs.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAdvanceIsIdempotentAcrossTicks(t *testing.T) {
	client := newFakeClient()
	orch, repos := newTestOrchestrator(t, client, objectstore.NewMemory())
	ctx := context.Background()

	job, err := orch.StartJob(ctx)
	require.NoError(t, err)

	require.NoError(t, orch.Tick(ctx))
	first, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)

	// Further ticks must not change anything.
	require.NoError(t, orch.Tick(ctx))
	require.NoError(t, orch.Tick(ctx))
	second, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, first.JobStatus, second.JobStatus)
	assert.Equal(t, first.Error, second.Error)
	assert.Equal(t, first.ReportStatus, second.ReportStatus)

	rep, err := repos.Reports.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempts)
}

func TestWebsiteRepoRelMapping(t *testing.T) {
	w := &WebsiteWorker{cfg: config.WebsiteConfig{
		GCSBaseAssetsPath:  "exports",
		RepoBaseAssetsPath: "assets/stats",
	}}
	assert.Equal(t, "assets/stats/monthly/x.csv", w.repoRel("exports/monthly/x.csv"))
	assert.Equal(t, "assets/stats/x.csv", w.repoRel("exports/x.csv"))
}
