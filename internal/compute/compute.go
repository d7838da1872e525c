// Package compute is the thin boundary over the external geospatial compute
// service that produces the snow-cover imagery and basin statistics. The
// orchestrator only ever submits tasks, queries their state, and lists
// collection membership; the geospatial algorithms themselves live on the
// remote side.
//
// Failure semantics at this boundary follow the result-type convention: a
// non-nil error from QueryTask means the call itself failed (network, quota,
// 5xx) and will be retried by the poller; a task that failed remotely comes
// back with a FAILED-family status and a message in TaskState. Nothing in
// this package panics or is used for control flow.
package compute

import (
	"context"
	"time"

	"github.com/nivalis-io/ipa-orchestrator/internal/status"
)

// ImageInfo describes one image asset in a remote collection.
type ImageInfo struct {
	Name string
	Date time.Time
}

// TaskState is the raw remote state of a task plus the failure detail, if
// any. Status strings come from an open set; status.Project maps them onto
// the orchestrator's lattice.
type TaskState struct {
	Status  string
	Message string
}

// Submission is the handle returned when a task is accepted.
type Submission struct {
	TaskID string
	Status string // raw remote status at submission time
}

// ImageTaskSpec describes one monthly snow-cover image generation task.
type ImageTaskSpec struct {
	Name              string   // destination asset name, e.g. "ipa_2024_01"
	Month             string   // YYYY-MM
	CollectionPath    string   // destination collection
	AOIAssetPath      string
	DEMAssetPath      string
	SourceCollections []string // upstream daily collections
}

// TableTaskSpec describes one basin-statistics table export task.
type TableTaskSpec struct {
	Name       string
	Collection string // source image collection
	Target     status.ExportTarget
	Bucket     string // object-store bucket, when Target is storage
	Path       string // destination path within the target
}

// Client is the remote-task adapter consumed by the stage workers and the
// poller.
type Client interface {
	// ListCollection returns the membership of a remote image collection,
	// sorted by name.
	ListCollection(ctx context.Context, path string) ([]ImageInfo, error)
	// SubmitImageTask queues one image-generation task.
	SubmitImageTask(ctx context.Context, spec ImageTaskSpec) (Submission, error)
	// SubmitTableTask queues one table-statistics task.
	SubmitTableTask(ctx context.Context, spec TableTaskSpec) (Submission, error)
	// QueryTask reports the current raw state of a previously submitted task.
	QueryTask(ctx context.Context, taskID string) (TaskState, error)
}
