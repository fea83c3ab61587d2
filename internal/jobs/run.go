package jobs

import (
	"context"
	"errors"
)

// Run is a worker's handle on a claimed job. All writes go through the
// job's lock and are rejected once the worker no longer owns the job.
type Run struct {
	q        *Queue
	e        *entry
	jobID    string
	workerID string
}

func (r *Run) JobID() string    { return r.jobID }
func (r *Run) WorkerID() string { return r.workerID }

// Job returns the latest snapshot without blocking writers.
func (r *Run) Job() *Job {
	return cloneJob(r.e.load())
}

// Units returns the durable unit records written so far.
func (r *Run) Units(ctx context.Context) ([]*UnitRecord, error) {
	return r.q.store.LoadUnits(ctx, r.jobID)
}

// Update applies mutate to the in-memory snapshot and notifies observers.
// Status and control fields are restored after mutate runs.
func (r *Run) Update(mutate func(*Job)) error {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()

	cur := r.e.load()
	if err := r.ownedLocked(cur); err != nil {
		return err
	}
	next := cloneJob(cur)
	mutate(next)
	next.Status = cur.Status
	next.PendingAction = cur.PendingAction
	next.WorkerID = cur.WorkerID
	next.Version = cur.Version
	next.UpdatedAt = r.q.now()
	r.e.snap.Store(next)
	r.q.notify(next)
	return nil
}

// Checkpoint durably records unit together with the job mutation and applies
// any control request that arrived while the unit was in flight. The
// returned snapshot's status tells the executor whether to continue.
func (r *Run) Checkpoint(ctx context.Context, unit *UnitRecord, mutate func(*Job)) (*Job, error) {
	return r.commit(ctx, unit, mutate, func(job *Job) Status {
		switch job.PendingAction {
		case ActionCancel:
			return StatusCancelled
		case ActionPause:
			return StatusPaused
		default:
			return StatusRunning
		}
	})
}

// Complete records the final unit and marks the job completed in the same
// write. A pending cancel still wins and the unit is kept; a pending pause
// is superseded.
func (r *Run) Complete(ctx context.Context, unit *UnitRecord, mutate func(*Job)) (*Job, error) {
	return r.commit(ctx, unit, mutate, func(job *Job) Status {
		if job.PendingAction == ActionCancel {
			return StatusCancelled
		}
		return StatusCompleted
	})
}

// Fail records a failed unit. The job pauses when auto_pause_on_failure is
// set and fails otherwise; a pending cancel wins over both.
func (r *Run) Fail(ctx context.Context, unit *UnitRecord, cause error, mutate func(*Job)) (*Job, error) {
	return r.commit(ctx, unit, func(job *Job) {
		if mutate != nil {
			mutate(job)
		}
		je := &JobError{Type: TypeOf(cause).String(), Reason: reasonOf(cause)}
		if unit != nil {
			idx := unit.Index
			je.Unit = &idx
		}
		job.Error = je
	}, func(job *Job) Status {
		switch {
		case job.PendingAction == ActionCancel:
			return StatusCancelled
		case job.Config.AutoPauseOnFailure:
			return StatusPaused
		default:
			return StatusFailed
		}
	})
}

func (r *Run) commit(ctx context.Context, unit *UnitRecord, mutate func(*Job), decide func(*Job) Status) (*Job, error) {
	r.e.mu.Lock()
	cur := r.e.load()
	if err := r.ownedLocked(cur); err != nil {
		r.e.mu.Unlock()
		return cloneJob(cur), err
	}

	now := r.q.now()
	next := cloneJob(cur)
	if mutate != nil {
		mutate(next)
	}
	next.Status = cur.Status
	next.WorkerID = cur.WorkerID
	next.UpdatedAt = now

	target := decide(next)
	if target != StatusCompleted && next.Progress.Percentage >= 100 {
		// 100% is reserved for completed jobs.
		next.Progress.Percentage = cur.Progress.Percentage
	}
	if target != StatusRunning {
		if err := Transition(next, target, now); err != nil {
			r.e.mu.Unlock()
			return cloneJob(cur), err
		}
		next.PendingAction = ""
		next.WorkerID = ""
	}
	if unit != nil {
		unit.JobID = cur.ID
		unit.UpdatedAt = now
		if unit.CreatedAt.IsZero() {
			unit.CreatedAt = now
		}
	}
	if err := r.q.persistLocked(context.WithoutCancel(ctx), r.e, next, unit); err != nil {
		r.e.mu.Unlock()
		return cloneJob(cur), err
	}
	r.e.mu.Unlock()

	if next.Status.Terminal() {
		r.q.evictTerminal()
	}
	return cloneJob(next), nil
}

func (r *Run) ownedLocked(cur *Job) error {
	if cur.Status != StatusRunning || cur.WorkerID != r.workerID {
		return Errorf(ErrInvalidTransition, "job %s is no longer owned by %s", r.jobID, r.workerID)
	}
	return nil
}

func reasonOf(err error) string {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Message
	}
	return err.Error()
}
