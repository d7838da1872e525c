package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

func seedExport(t *testing.T, repos interface {
	Create(ctx context.Context, export *db.Export) error
}, export *db.Export) *db.Export {
	t.Helper()
	require.NoError(t, repos.Create(context.Background(), export))
	return export
}

func dueExport(job db.Job, taskID string, now time.Time) *db.Export {
	due := now.Add(-time.Second)
	return &db.Export{
		JobID:           job.ID,
		Type:            status.ExportTypeImage,
		Name:            "ipa_2024_01",
		Target:          status.TargetCompute,
		TaskID:          taskID,
		State:           status.ExportRunning,
		NextCheckAt:     &due,
		PollIntervalSec: 15,
	}
}

func TestPollerProjectsTerminalState(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	sub := client.newTask()
	export := seedExport(t, repos.Exports, dueExport(*job, sub.TaskID, now))
	client.setTask(sub.TaskID, "COMPLETED", "")

	require.NoError(t, poller.Run(ctx, now))

	rows, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, status.ExportCompleted, rows[0].State)
	assert.Equal(t, "COMPLETED", rows[0].TaskStatus)
	assert.Nil(t, rows[0].NextCheckAt)
	assert.Equal(t, export.TaskID, rows[0].TaskID)

	// A terminal export is never leased again.
	leased, err := repos.Exports.Lease(ctx, now.Add(time.Hour), leaseBatch, leaseDuration)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestPollerRecordsFailureMessage(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	sub := client.newTask()
	seedExport(t, repos.Exports, dueExport(*job, sub.TaskID, now))
	client.setTask(sub.TaskID, "FAILED", "quota exceeded")

	require.NoError(t, poller.Run(ctx, now))

	rows, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, status.ExportFailed, rows[0].State)
	assert.Equal(t, "quota exceeded", rows[0].Error)
}

func TestPollerBacksOffOnQueryError(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	client.queryErr = errors.New("connection refused")
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	seedExport(t, repos.Exports, dueExport(*job, "task-x", now))

	require.NoError(t, poller.Run(ctx, now))

	rows, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, status.ExportRunning, rows[0].State)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, 30, rows[0].PollIntervalSec)
	require.NotNil(t, rows[0].NextCheckAt)
	assert.True(t, rows[0].NextCheckAt.After(now))
}

func TestPollerEnforcesDeadline(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))

	export := dueExport(*job, "task-y", now)
	deadline := now.Add(-time.Minute)
	export.DeadlineAt = &deadline
	seedExport(t, repos.Exports, export)

	require.NoError(t, poller.Run(ctx, now))

	rows, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, status.ExportTimedOut, rows[0].State)
	assert.Contains(t, rows[0].Error, "deadline")
}

func TestPollerFailsExportWithoutTaskID(t *testing.T) {
	repos := newTestRepos(t)
	client := newFakeClient()
	poller := NewPoller(repos.Exports, client, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	job := &db.Job{JobStatus: status.JobRunning, Timezone: "UTC"}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	seedExport(t, repos.Exports, dueExport(*job, "", now))

	require.NoError(t, poller.Run(ctx, now))

	rows, err := repos.Exports.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, status.ExportFailed, rows[0].State)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 15, nextBackoff(0))
	assert.Equal(t, 30, nextBackoff(15))
	assert.Equal(t, 60, nextBackoff(30))
	assert.Equal(t, 900, nextBackoff(600))
	assert.Equal(t, 900, nextBackoff(900))
}
