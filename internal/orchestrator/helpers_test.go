package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivalis-io/ipa-orchestrator/internal/compute"
	"github.com/nivalis-io/ipa-orchestrator/internal/db"
	"github.com/nivalis-io/ipa-orchestrator/internal/repositories"
)

// newTestRepos opens a throwaway sqlite database with migrations applied.
func newTestRepos(t *testing.T) *repositories.Repositories {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    db.SQLiteDSN(t.TempDir(), "test.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return repositories.New(database)
}

// fakeClient is an in-memory compute.Client with programmable collections
// and task states.
type fakeClient struct {
	mu          sync.Mutex
	collections map[string][]compute.ImageInfo
	tasks       map[string]compute.TaskState
	submitErr   error
	queryErr    error
	nextID      int
	images      []compute.ImageTaskSpec
	tables      []compute.TableTaskSpec
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		collections: map[string][]compute.ImageInfo{},
		tasks:       map[string]compute.TaskState{},
	}
}

func (f *fakeClient) ListCollection(_ context.Context, path string) ([]compute.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collections[path], nil
}

func (f *fakeClient) SubmitImageTask(_ context.Context, spec compute.ImageTaskSpec) (compute.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return compute.Submission{}, f.submitErr
	}
	f.images = append(f.images, spec)
	return f.newTask(), nil
}

func (f *fakeClient) SubmitTableTask(_ context.Context, spec compute.TableTaskSpec) (compute.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return compute.Submission{}, f.submitErr
	}
	f.tables = append(f.tables, spec)
	return f.newTask(), nil
}

func (f *fakeClient) QueryTask(_ context.Context, taskID string) (compute.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return compute.TaskState{}, f.queryErr
	}
	return f.tasks[taskID], nil
}

func (f *fakeClient) newTask() compute.Submission {
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.tasks[id] = compute.TaskState{Status: "PENDING"}
	return compute.Submission{TaskID: id, Status: "PENDING"}
}

// finish flips every known task to the given remote status.
func (f *fakeClient) finish(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.tasks {
		f.tasks[id] = compute.TaskState{Status: status}
	}
}

func (f *fakeClient) setTask(id, status, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = compute.TaskState{Status: status, Message: message}
}
