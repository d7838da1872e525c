package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProject(t *testing.T) {
	tests := []struct {
		remote string
		want   ExportState
	}{
		{"PENDING", ExportRunning},
		{"UNKNOWN", ExportRunning},
		{"SUBMITTED", ExportRunning},
		{"READY", ExportRunning},
		{"RUNNING", ExportRunning},
		{"STARTED", ExportRunning},
		{"NOT_STARTED", ExportCompleted},
		{"EXCLUDED", ExportCompleted},
		{"COMPLETED", ExportCompleted},
		{"CANCELED", ExportCompleted},
		{"CANCEL_REQUESTED", ExportCompleted},
		{"FAILED", ExportFailed},
		{"FAILED_TO_CREATE", ExportFailed},
		{"FAILED_TO_START", ExportFailed},
		// Case and whitespace are normalized before projection.
		{"completed", ExportCompleted},
		{"  Running ", ExportRunning},
		// Anything outside the known set is a retryable probe state.
		{"HALF_BAKED", ExportUnknown},
		{"", ExportUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, Project(tt.remote))
		})
	}
}

func TestExportStateTerminal(t *testing.T) {
	assert.True(t, ExportCompleted.Terminal())
	assert.True(t, ExportFailed.Terminal())
	assert.True(t, ExportTimedOut.Terminal())
	assert.False(t, ExportRunning.Terminal())
	assert.False(t, ExportUnknown.Terminal())
}

func TestStageStatusTerminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.True(t, StageNotRequired.Terminal())
	assert.False(t, StagePending.Terminal())
	assert.False(t, StageRunning.Terminal())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobRunning.Terminal())
}
