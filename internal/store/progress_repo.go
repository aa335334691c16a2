package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the progress_runs status column.
type RunStatus string

// Run statuses persisted in progress_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunAbandoned RunStatus = "abandoned"
)

// Terminal reports whether no further updates are expected for the status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunError, RunAbandoned:
		return true
	default:
		return false
	}
}

// ParseRunStatus accepts a status name, case-insensitively. "done" is an alias
// for success and "failed"/"failure" for error.
func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return RunRunning, nil
	case "success", "done":
		return RunSuccess, nil
	case "error", "failed", "failure":
		return RunError, nil
	case "abandoned":
		return RunAbandoned, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// Run models one initialise-to-finish pass of a progress publisher.
type Run struct {
	// ID is the id of the event that initialised the run.
	ID uuid.UUID
	// Publisher is the name of the progress publisher.
	Publisher string
	// Status is running/success/error/abandoned.
	Status  RunStatus
	Current uint64
	Total   uint64
	// StartedAt is the creation time of the initialising event.
	StartedAt time.Time
	UpdatedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// ErrorMessage optionally stores the failure reason.
	ErrorMessage *string
}

// ProgressRepository persists progress runs.
type ProgressRepository interface {
	// StartRun inserts a running row; starting an existing id is a no-op.
	StartRun(ctx context.Context, run Run) error
	// RecordProgress stores the latest counters of a run.
	RecordProgress(ctx context.Context, runID uuid.UUID, current, total uint64, at time.Time) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
