package jobs

import (
	"context"
	"time"
)

// Store persists jobs and unit records for restart recovery.
//
// SaveJob and CommitUnit are optimistic: job.Version must be exactly one
// above the stored version (or 1 for a new job), otherwise the write fails
// with ErrVersionConflict and nothing is written.
type Store interface {
	LoadActiveJobs(ctx context.Context) ([]*Job, error)
	LoadJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	// CommitUnit writes unit and job in one transaction. unit may be nil.
	CommitUnit(ctx context.Context, job *Job, unit *UnitRecord) error
	LoadUnits(ctx context.Context, jobID string) ([]*UnitRecord, error)
	DeleteJob(ctx context.Context, jobID string) error
	// DeleteTerminalBefore removes terminal jobs last updated before cutoff
	// together with their units and returns the removed ids.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

func conflictError(jobID string, version int64) *Error {
	return Errorf(ErrVersionConflict, "job %s was modified concurrently", jobID).
		WithContext("version", version)
}

// NewVersionConflict is returned by Store implementations on a version mismatch.
func NewVersionConflict(jobID string, version int64) error {
	return conflictError(jobID, version)
}

func notFoundError(jobID string) *Error {
	return Errorf(ErrJobNotFound, "job %s not found", jobID)
}

// NewNotFound is returned by Store implementations for unknown ids.
func NewNotFound(jobID string) error {
	return notFoundError(jobID)
}
