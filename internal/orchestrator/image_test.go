package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/config"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

const (
	testMonthly = "projects/ipa/assets/monthly"
	testSource  = "MODIS/Terra"
)

func imageCfg() config.ImageExportConfig {
	return config.ImageExportConfig{
		MonthlyCollectionPath: testMonthly,
		MonthlyImagePrefix:    "ipa_",
		MinMonth:              "2024-01",
		MaxExports:            10,
		SourceCollectionPaths: []string{testSource},
	}
}

func newImageWorker(repos *repositories.Repositories, client *fakeClient, cfg config.ImageExportConfig) *ImageWorker {
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	w := NewImageWorker(repos, client, poller, cfg, zap.NewNop())
	w.sleep = func(time.Duration) {}
	return w
}

// daysAround fills a source collection with one image per day over [from, to].
func daysAround(from, to time.Time) []compute.ImageInfo {
	var images []compute.ImageInfo
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		images = append(images, compute.ImageInfo{
			Name: "daily_" + d.Format("20060102"),
			Date: d,
		})
	}
	return images
}

func TestImageWorkerNoRunnableMonths(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient() // all collections empty
	worker := newImageWorker(repos, client, imageCfg())
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	assert.Equal(t, status.StageCompleted, job.ImageExportStatus)
	assert.Equal(t, status.StageNotRequired, job.StatsExportStatus)

	exports, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, exports)
}

func TestImageWorkerSubmitsCompleteMonth(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	// January 2024 is fully covered, including both buffers, and the source
	// has moved past the trailing edge.
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	worker := newImageWorker(repos, client, imageCfg())
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	assert.Equal(t, status.StageRunning, job.ImageExportStatus)

	exports, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "ipa_2024_01", exports[0].Name)
	assert.Equal(t, status.ExportTypeImage, exports[0].Type)
	assert.Equal(t, status.ExportRunning, exports[0].State)
	assert.NotEmpty(t, exports[0].TaskID)

	require.Len(t, client.images, 1)
	assert.Equal(t, "2024-01", client.images[0].Month)
}

func TestImageWorkerSkipsExistingAssets(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	// Both naming variants count as existing.
	client.collections[testMonthly] = []compute.ImageInfo{
		{Name: "ipa_2024_01"},
	}
	worker := newImageWorker(repos, client, imageCfg())
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	assert.Equal(t, status.StageCompleted, job.ImageExportStatus)
	assert.Equal(t, status.StageNotRequired, job.StatsExportStatus)
	assert.Empty(t, client.images)
}

func TestImageWorkerExplicitMonthsExcludeCurrent(t *testing.T) {
	cfg := imageCfg()
	cfg.MonthsList = []string{"2024-01", "2024-02"} // Feb is the current month

	repos := newTestRepos(t)
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	worker := newImageWorker(repos, client, cfg)
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	require.Len(t, client.images, 1)
	assert.Equal(t, "2024-01", client.images[0].Month)
}

func TestImageWorkerRespectsMaxExports(t *testing.T) {
	cfg := imageCfg()
	cfg.MinMonth = "2023-10"
	cfg.MaxExports = 2

	repos := newTestRepos(t)
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 9, 25, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	worker := newImageWorker(repos, client, cfg)
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	require.Len(t, client.images, 2)
	assert.Equal(t, "2023-10", client.images[0].Month)
	assert.Equal(t, "2023-11", client.images[1].Month)
}

func TestImageWorkerRecordsSubmissionFailure(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	client.collections[testSource] = daysAround(
		time.Date(2023, 12, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)
	client.submitErr = errors.New("quota exhausted")
	worker := newImageWorker(repos, client, imageCfg())
	ctx := context.Background()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Run(ctx, job, now, time.UTC))

	exports, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, status.ExportFailed, exports[0].State)
	assert.Contains(t, exports[0].Error, "quota exhausted")
	// The stage still starts; the reconciler turns the failed export into a
	// failed stage on the next tick.
	assert.Equal(t, status.StageRunning, job.ImageExportStatus)
}

func TestUpstreamCompleteRequiresDataPastWindow(t *testing.T) {
	worker := &ImageWorker{cfg: imageCfg()}
	month := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Data inside the window but nothing past the trailing buffer.
	inWindowOnly := [][]compute.ImageInfo{daysAround(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
	)}
	assert.False(t, worker.upstreamComplete(month, inWindowOnly))

	// Data past the window proves the upstream has moved on.
	complete := [][]compute.ImageInfo{daysAround(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC),
	)}
	assert.True(t, worker.upstreamComplete(month, complete))

	// Only data past the window, none inside: incomplete.
	pastOnly := [][]compute.ImageInfo{daysAround(
		time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	)}
	assert.False(t, worker.upstreamComplete(month, pastOnly))

	// Complete in the second source is enough.
	either := [][]compute.ImageInfo{pastOnly[0], complete[0]}
	assert.True(t, worker.upstreamComplete(month, either))
}
