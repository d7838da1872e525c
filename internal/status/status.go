// Package status defines the orchestrator's status vocabulary: the five-value
// export state lattice, the per-stage and whole-job statuses, and the
// projection from the remote compute service's open status set onto the
// lattice. Every string comparison on task or stage state in the codebase
// goes through this package; no other package matches on raw status strings.
package status

import "strings"

// ExportState is the orchestrator-level projection of a remote task's state.
type ExportState string

const (
	// ExportRunning means the remote task is (or is assumed to be) still in
	// flight. Non-terminal: the poller keeps checking it.
	ExportRunning ExportState = "RUNNING"

	// ExportCompleted means the remote task finished, was excluded from the
	// run, or was cancelled. Terminal.
	ExportCompleted ExportState = "COMPLETED"

	// ExportFailed means the remote service reported a terminal failure.
	// Terminal.
	ExportFailed ExportState = "FAILED"

	// ExportTimedOut means the poller exceeded the export's deadline before
	// the remote task reached a terminal state. Terminal.
	ExportTimedOut ExportState = "TIMED_OUT"

	// ExportUnknown means the remote service reported a status string the
	// projection does not recognize. Non-terminal: the poller retries until
	// the status resolves.
	ExportUnknown ExportState = "UNKNOWN"
)

// Terminal reports whether the poller must never touch an export in this
// state again.
func (s ExportState) Terminal() bool {
	switch s {
	case ExportCompleted, ExportFailed, ExportTimedOut:
		return true
	}
	return false
}

// Project maps a raw status string reported by the remote compute service
// onto the export state lattice. The remote set is open; anything not listed
// projects to ExportUnknown, which is retried rather than treated as failure.
func Project(remote string) ExportState {
	switch strings.ToUpper(strings.TrimSpace(remote)) {
	case "PENDING", "UNKNOWN", "SUBMITTED", "READY", "RUNNING", "STARTED":
		return ExportRunning
	case "NOT_STARTED", "EXCLUDED", "COMPLETED", "CANCELED", "CANCEL_REQUESTED":
		return ExportCompleted
	case "FAILED", "FAILED_TO_CREATE", "FAILED_TO_START":
		return ExportFailed
	default:
		return ExportUnknown
	}
}

// StageStatus is the status of one pipeline stage within a job.
type StageStatus string

const (
	StagePending     StageStatus = "PENDING"
	StageRunning     StageStatus = "RUNNING"
	StageCompleted   StageStatus = "COMPLETED"
	StageFailed      StageStatus = "FAILED"
	StageNotRequired StageStatus = "NOT_REQUIRED"
)

// Terminal reports whether the stage has finished (successfully or not) and
// the reconciler may examine the next stage.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageNotRequired:
		return true
	}
	return false
}

// JobStatus is the overall status of one pipeline invocation.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the job has reached a final status. Once terminal,
// only the report stage may still advance.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// TransferStatus is the status of a pre-publication archive record.
type TransferStatus string

const (
	TransferHasArchive TransferStatus = "HAS_ARCHIVE"
	TransferNoArchive  TransferStatus = "NO_ARCHIVE"
	TransferRolledBack TransferStatus = "ROLLED_BACK"
)

// ExportType distinguishes the two kinds of remote tasks a job submits.
type ExportType string

const (
	ExportTypeImage ExportType = "image"
	ExportTypeTable ExportType = "table"
)

// ExportTarget names where a remote task writes its output.
type ExportTarget string

const (
	TargetCompute     ExportTarget = "gee"
	TargetObjectStore ExportTarget = "storage"
	TargetDrive       ExportTarget = "drive"
)
